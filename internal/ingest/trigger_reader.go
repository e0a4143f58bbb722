package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/roadside-relay/internal/models"
	"github.com/example/roadside-relay/internal/observability"
)

// Applier advances room status from a trigger.
type Applier interface {
	Apply(ctx context.Context, t models.StatusTrigger) (bool, error)
}

// MessageReader is the subset of *kafka.Reader the trigger loop uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TriggerReader consumes status triggers written by the request API and
// hands them to the coordinator. Redeliveries are harmless: the coordinator
// ignores triggers for a status the room already has.
type TriggerReader struct {
	reader     MessageReader
	apply      Applier
	logger     *slog.Logger
	backoff    time.Duration
	maxBackoff time.Duration
	attempts   int
}

func NewTriggerReader(brokers []string, topic, group string, apply Applier, logger *slog.Logger) *TriggerReader {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 1e6})
	return newTriggerReader(r, apply, logger)
}

func newTriggerReader(r MessageReader, apply Applier, logger *slog.Logger) *TriggerReader {
	return &TriggerReader{
		reader:     r,
		apply:      apply,
		logger:     logger.With("component", "trigger_reader"),
		backoff:    time.Second,
		maxBackoff: 30 * time.Second,
		attempts:   3,
	}
}

// Run blocks until ctx is cancelled.
func (t *TriggerReader) Run(ctx context.Context) error {
	defer t.reader.Close()
	backoff := t.backoff
	for {
		m, err := t.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > t.maxBackoff {
				backoff = t.maxBackoff
			}
			continue
		}
		backoff = t.backoff

		t.handle(ctx, m)
		if err := t.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			t.logger.Warn("kafka commit error", "error", err, "offset", m.Offset)
		}
	}
}

func (t *TriggerReader) handle(ctx context.Context, m kafka.Message) {
	var trig models.StatusTrigger
	if err := json.Unmarshal(m.Value, &trig); err != nil || strings.TrimSpace(trig.RequestID) == "" || !trig.Status.Valid() {
		observability.SideChannelErrors.WithLabelValues("trigger_invalid").Inc()
		t.logger.Warn("invalid trigger", "offset", m.Offset, "error", err)
		return
	}
	delay := 200 * time.Millisecond
	for i := 0; i < t.attempts; i++ {
		advanced, err := t.apply.Apply(ctx, trig)
		if err == nil {
			t.logger.Debug("trigger applied", "room", trig.RequestID, "status", trig.Status, "advanced", advanced)
			return
		}
		if i == t.attempts-1 || !sleepCtx(ctx, delay) {
			observability.SideChannelErrors.WithLabelValues("trigger_apply").Inc()
			t.logger.Error("trigger apply failed", "room", trig.RequestID, "status", trig.Status, "error", err)
			return
		}
		delay *= 2
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
