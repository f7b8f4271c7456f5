package docstore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoConfig holds connection settings for the MongoDB client.
type MongoConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoadMongoConfigFromEnv loads connection settings from environment variables.
func LoadMongoConfigFromEnv() (*MongoConfig, error) {
	cfg := &MongoConfig{
		Host:     os.Getenv("MONGODB_HOST"),
		Port:     27017,
		Username: os.Getenv("MONGODB_USERNAME"),
		Password: os.Getenv("MONGODB_PASSWORD"),
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("MONGODB_HOST environment variable not set")
	}
	if p := os.Getenv("MONGODB_PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid MONGODB_PORT %q: %w", p, err)
		}
		cfg.Port = port
	}
	return cfg, nil
}

// URI renders the connection string without credentials.
func (c *MongoConfig) URI() string {
	u := url.URL{Scheme: "mongodb", Host: fmt.Sprintf("%s:%d", c.Host, c.Port)}
	return u.String()
}

// NewProductionMongoClient connects and pings the primary before returning.
func NewProductionMongoClient(ctx context.Context, cfg *MongoConfig, logger zerolog.Logger) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(cfg.URI())
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo.Connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb at %s: %w", cfg.URI(), err)
	}
	logger.Info().Str("mongodb_uri", cfg.URI()).Msg("Successfully connected to MongoDB.")
	return client, nil
}
