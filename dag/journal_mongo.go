package dag

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoJournal stores mutation events in a MongoDB collection, one document
// per event keyed by event id. The caller owns the mongo.Client lifecycle.
type MongoJournal struct {
	Collection *mongo.Collection
}

// NewMongoJournal creates a MongoJournal from a *mongo.Collection.
func NewMongoJournal(collection *mongo.Collection) *MongoJournal {
	return &MongoJournal{Collection: collection}
}

// EnsureIndexes creates the (source, _id) index used by List.
func (j *MongoJournal) EnsureIndexes(ctx context.Context) error {
	_, err := j.Collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "source", Value: 1}, {Key: "_id", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create journal index: %w", err)
	}
	return nil
}

func (j *MongoJournal) Append(ctx context.Context, event MutationEvent) error {
	event = stampEvent(event)
	if _, err := j.Collection.InsertOne(ctx, event); err != nil {
		return fmt.Errorf("insert journal event: %w", err)
	}
	return nil
}

func (j *MongoJournal) List(ctx context.Context, source string, limit int) ([]MutationEvent, error) {
	filter := bson.M{}
	if source != "" {
		filter["source"] = source
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := j.Collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find journal events: %w", err)
	}
	out := []MutationEvent{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode journal events: %w", err)
	}
	return out, nil
}
