// Package requests reads service request records owned by the request API.
package requests

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/roadside-relay/internal/models"
)

// ErrNotFound is returned for an unknown or malformed request id.
var ErrNotFound = errors.New("request not found")

const collectionName = "servicerequests"

type requestDoc struct {
	ID       primitive.ObjectID  `bson:"_id"`
	Client   primitive.ObjectID  `bson:"client"`
	Mechanic *primitive.ObjectID `bson:"mechanic,omitempty"`
	Status   string              `bson:"status"`
}

func (d requestDoc) toModel() *models.ServiceRequest {
	r := &models.ServiceRequest{
		ID:     d.ID.Hex(),
		Status: models.Status(d.Status),
	}
	if !d.Client.IsZero() {
		r.Client = d.Client.Hex()
	}
	if d.Mechanic != nil && !d.Mechanic.IsZero() {
		r.Mechanic = d.Mechanic.Hex()
	}
	if !r.Status.Valid() {
		r.Status = models.StatusPending
	}
	return r
}

// MongoLookup reads requests from the document store the request API writes.
type MongoLookup struct {
	coll *mongo.Collection
}

func NewMongoLookup(db *mongo.Database) *MongoLookup {
	return &MongoLookup{coll: db.Collection(collectionName)}
}

// Connect dials MongoDB, verifies it with a ping and returns a lookup on database.
func Connect(ctx context.Context, uri, database string) (*mongo.Client, *MongoLookup, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, NewMongoLookup(client.Database(database)), nil
}

func (m *MongoLookup) FetchRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	opts := options.FindOne().SetProjection(bson.M{"client": 1, "mechanic": 1, "status": 1})
	var doc requestDoc
	err = m.coll.FindOne(ctx, bson.M{"_id": oid}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch request %s: %w", id, err)
	}
	return doc.toModel(), nil
}
