package checkpoint

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore checkpoint store.
type FirestoreConfig struct {
	ProjectID      string `yaml:"project_id"`
	CollectionName string `yaml:"collection"`
}

// checkpointDoc is the stored form of one partition's checkpoint.
type checkpointDoc struct {
	Topic     string `firestore:"topic"`
	Partition int64  `firestore:"partition"`
	Offset    int64  `firestore:"offset"`
}

// NewProductionFirestoreClient creates a Firestore client using Application
// Default Credentials, or the emulator when FIRESTORE_EMULATOR_HOST is set.
func NewProductionFirestoreClient(ctx context.Context, projectID string, logger zerolog.Logger) (*firestore.Client, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		logger.Error().Err(err).Str("project_id", projectID).Msg("Failed to create Firestore client.")
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	return client, nil
}

// FirestoreCheckpointer stores one document per partition. It suits low
// volume deployments; use Redis when commits are frequent.
type FirestoreCheckpointer struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
	// ownsClient is set when the store created the client itself.
	ownsClient bool
}

// NewFirestoreCheckpointer creates a store over client.
func NewFirestoreCheckpointer(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreCheckpointer, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, sinkpipeline.NewConfigurationError("checkpoint.firestore.collection", "must be set")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreCheckpointer initialized.")

	return &FirestoreCheckpointer{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreCheckpointer").Logger(),
	}, nil
}

// documentID maps a partition to a valid document ID.
func documentID(tp sinkpipeline.TopicPartition) string {
	return strings.ReplaceAll(partitionField(tp), "/", "__")
}

// Load returns the stored offset for tp.
func (s *FirestoreCheckpointer) Load(ctx context.Context, tp sinkpipeline.TopicPartition) (int64, bool, error) {
	id := documentID(tp)
	docSnap, err := s.client.Collection(s.collectionName).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, false, nil
		}
		s.logger.Error().Err(err).Str("doc_id", id).Msg("Failed to get checkpoint from Firestore.")
		return 0, false, fmt.Errorf("firestore get for %s: %w", id, err)
	}

	var doc checkpointDoc
	if err := docSnap.DataTo(&doc); err != nil {
		return 0, false, fmt.Errorf("firestore DataTo for %s: %w", id, err)
	}
	return doc.Offset, true, nil
}

// Save raises each partition's document in its own transaction.
func (s *FirestoreCheckpointer) Save(ctx context.Context, offsets sinkpipeline.Offsets) error {
	for tp, off := range offsets {
		ref := s.client.Collection(s.collectionName).Doc(documentID(tp))
		err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			snap, err := tx.Get(ref)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if err == nil {
				var cur checkpointDoc
				if err := snap.DataTo(&cur); err == nil && cur.Offset >= off {
					return nil
				}
			}
			return tx.Set(ref, checkpointDoc{Topic: tp.Topic, Partition: int64(tp.Partition), Offset: off})
		})
		if err != nil {
			s.logger.Error().Err(err).Str("partition", tp.String()).Msg("Failed to write checkpoint to Firestore.")
			return fmt.Errorf("firestore checkpoint for %s: %w", tp, err)
		}
	}
	return nil
}

// Close closes the client only if the store created it.
func (s *FirestoreCheckpointer) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}
