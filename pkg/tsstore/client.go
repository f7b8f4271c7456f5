package tsstore

import (
	"context"
	"fmt"
	"os"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/rs/zerolog"
)

// InfluxConfig holds connection settings for the InfluxDB client.
type InfluxConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	Org   string `yaml:"org"`
}

// LoadInfluxConfigFromEnv loads connection settings from environment variables.
func LoadInfluxConfigFromEnv() (*InfluxConfig, error) {
	cfg := &InfluxConfig{
		URL:   os.Getenv("INFLUXDB_HOST"),
		Token: os.Getenv("INFLUXDB_TOKEN"),
		Org:   os.Getenv("INFLUXDB_ORG"),
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("INFLUXDB_HOST environment variable not set")
	}
	if cfg.Org == "" {
		return nil, fmt.Errorf("INFLUXDB_ORG environment variable not set")
	}
	return cfg, nil
}

// NewProductionInfluxClient creates a client and checks the server is ready.
func NewProductionInfluxClient(ctx context.Context, cfg *InfluxConfig, logger zerolog.Logger) (influxdb2.Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	ok, err := client.Ping(ctx)
	if err != nil || !ok {
		client.Close()
		if err == nil {
			err = fmt.Errorf("server not ready")
		}
		return nil, fmt.Errorf("failed to reach influxdb at %s: %w", cfg.URL, err)
	}
	logger.Info().Str("influxdb_url", cfg.URL).Str("org", cfg.Org).Msg("Successfully connected to InfluxDB.")
	return client, nil
}
