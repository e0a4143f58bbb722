package models

import (
	"encoding/json"
	"time"
)

// Socket event names.
const (
	EventInit          = "init"
	EventSendLocation  = "send-location"
	EventCompleteTask  = "complete-task"
	EventRecvLocation  = "recv-location"
	EventStatusOngoing = "status-ongoing"
	EventError         = "error"
)

// Envelope frames every socket message: {"event": "...", "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type InitPayload struct {
	Room string `json:"room"`
	Role Role   `json:"role"`
}

// SendLocationPayload uses pointers so a missing field is distinguishable from 0.
type SendLocationPayload struct {
	Room      string   `json:"room"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

type CompleteTaskPayload struct {
	Room    string `json:"room"`
	Message string `json:"message"`
}

type LocationMessage struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type StatusOngoingMessage struct {
	Message    string `json:"message"`
	TaskStatus bool   `json:"taskStatus"`
}

type CompleteTaskMessage struct {
	Message string `json:"message"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

// LocationEvent is published on the relay event stream for each accepted push.
type LocationEvent struct {
	Room string    `json:"room"`
	Role Role      `json:"role"`
	Loc  Coord     `json:"loc"`
	At   time.Time `json:"at"`
}

// StatusEvent is published on the relay event stream for each status transition.
type StatusEvent struct {
	Room   string    `json:"room"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}

// StatusTrigger is consumed from the trigger stream written by the request API.
type StatusTrigger struct {
	RequestID string `json:"request_id"`
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
}
