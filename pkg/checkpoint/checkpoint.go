// Package checkpoint provides stores for the write checkpoint: the highest
// offset per partition known to be written to the destination. The
// coordinator consults it after a restart to skip records that were written
// but whose source commit was lost.
package checkpoint

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
	"github.com/rs/zerolog"
)

// Store is a sinkpipeline.Checkpointer that owns resources.
type Store interface {
	sinkpipeline.Checkpointer
	Close() error
}

var (
	_ Store = (*InMemoryCheckpointer)(nil)
	_ Store = (*RedisCheckpointer)(nil)
	_ Store = (*FirestoreCheckpointer)(nil)
)

// Backend names a checkpoint store implementation.
type Backend string

const (
	BackendNone      Backend = ""
	BackendMemory    Backend = "memory"
	BackendRedis     Backend = "redis"
	BackendFirestore Backend = "firestore"
)

// Config selects and configures the checkpoint store.
type Config struct {
	Backend   Backend         `yaml:"backend"`
	Redis     RedisConfig     `yaml:"redis"`
	Firestore FirestoreConfig `yaml:"firestore"`
}

// New builds the configured store. It returns nil when no backend is set.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendNone:
		return nil, nil
	case BackendMemory:
		return NewInMemoryCheckpointer(), nil
	case BackendRedis:
		store, err := NewRedisCheckpointer(ctx, &cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendFirestore:
		client, err := NewProductionFirestoreClient(ctx, cfg.Firestore.ProjectID, logger)
		if err != nil {
			return nil, err
		}
		store, err := NewFirestoreCheckpointer(&cfg.Firestore, client, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		store.ownsClient = true
		return store, nil
	default:
		return nil, sinkpipeline.NewConfigurationError("checkpoint.backend", "unknown backend %q", cfg.Backend)
	}
}

func partitionField(tp sinkpipeline.TopicPartition) string {
	return fmt.Sprintf("%s/%d", tp.Topic, tp.Partition)
}
