// Package docstore writes batches to MongoDB with one unordered bulk write
// per batch.
package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection abstracts the part of *mongo.Collection the writer uses.
type Collection interface {
	BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error)
}

// CollectionProvider resolves a collection by database and name.
type CollectionProvider func(database, collection string) Collection

// Writer implements sinkpipeline.SinkWriter for MongoDB.
type Writer struct {
	collection CollectionProvider
	logger     zerolog.Logger
}

// NewWriter creates a writer over client.
func NewWriter(client *mongo.Client, logger zerolog.Logger) (*Writer, error) {
	if client == nil {
		return nil, errors.New("mongo client cannot be nil")
	}
	return NewWriterWithCollections(func(database, collection string) Collection {
		return client.Database(database).Collection(collection)
	}, logger), nil
}

// NewWriterWithCollections creates a writer over an arbitrary provider.
func NewWriterWithCollections(provider CollectionProvider, logger zerolog.Logger) *Writer {
	return &Writer{
		collection: provider,
		logger:     logger.With().Str("component", "MongoWriter").Logger(),
	}
}

// Write applies every record with the configured update method. Records whose
// matcher cannot be resolved, and records the server refuses, are rejected;
// the rest of the batch is still written.
func (w *Writer) Write(ctx context.Context, batch *sinkpipeline.Batch, opts sinkpipeline.WriteOptions) (sinkpipeline.WriteOutcome, error) {
	docOpts, ok := opts.(sinkpipeline.DocumentOptions)
	if !ok {
		return sinkpipeline.WriteOutcome{}, sinkpipeline.OptionsMismatch(sinkpipeline.SinkDocument, opts)
	}
	var outcome sinkpipeline.WriteOutcome
	if batch.Len() == 0 {
		return outcome, nil
	}
	logger := w.logger.With().Str("database", docOpts.Database).Str("collection", docOpts.Collection).Str("batch_id", batch.ID).Logger()

	models := make([]mongo.WriteModel, 0, batch.Len())
	// modelIndex maps a model's position back to its batch index.
	modelIndex := make([]int, 0, batch.Len())
	for i, rec := range batch.Records {
		model, err := buildModel(rec, docOpts)
		if err != nil {
			outcome.Reject(i, err)
			continue
		}
		models = append(models, model)
		modelIndex = append(modelIndex, i)
	}
	if len(models) == 0 {
		return outcome, nil
	}

	coll := w.collection(docOpts.Database, docOpts.Collection)
	result, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err == nil {
		logger.Debug().
			Int64("inserted", result.InsertedCount).
			Int64("matched", result.MatchedCount).
			Int64("upserted", result.UpsertedCount).
			Msg("Bulk write complete.")
		return outcome, nil
	}

	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
		logger.Error().Err(err).Int("batch_size", batch.Len()).Msg("Bulk write failed.")
		return sinkpipeline.WriteOutcome{}, sinkpipeline.NewTransientWriteError(string(sinkpipeline.SinkDocument), err)
	}
	for _, we := range bwe.WriteErrors {
		if we.Index < 0 || we.Index >= len(modelIndex) {
			return sinkpipeline.WriteOutcome{}, sinkpipeline.NewTransientWriteError(string(sinkpipeline.SinkDocument),
				fmt.Errorf("write error for unknown model %d: %w", we.Index, err))
		}
		outcome.Reject(modelIndex[we.Index], fmt.Errorf("mongodb error %d: %s", we.Code, we.Message))
	}
	logger.Warn().Int("rejected", len(outcome.Rejected)).Msg("Bulk write partially failed.")
	return outcome, nil
}

func buildModel(rec sinkpipeline.EnrichedRecord, opts sinkpipeline.DocumentOptions) (mongo.WriteModel, error) {
	doc := bson.M(rec.Fields)
	switch opts.UpdateMethod {
	case sinkpipeline.UpdateOne:
		filter, err := opts.Matcher.Resolve(rec.Record)
		if err != nil {
			return nil, err
		}
		return mongo.NewUpdateOneModel().
			SetFilter(bson.M(filter)).
			SetUpdate(bson.M{"$set": doc}).
			SetUpsert(opts.Upsert), nil
	case sinkpipeline.ReplaceOne:
		filter, err := opts.Matcher.Resolve(rec.Record)
		if err != nil {
			return nil, err
		}
		return mongo.NewReplaceOneModel().
			SetFilter(bson.M(filter)).
			SetReplacement(doc).
			SetUpsert(opts.Upsert), nil
	default:
		return mongo.NewInsertOneModel().SetDocument(doc), nil
	}
}
