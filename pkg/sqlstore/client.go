package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
)

// MySQLConfig holds connection settings for the relational sink.
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// LoadMySQLConfigFromEnv loads connection settings from environment variables.
func LoadMySQLConfigFromEnv() (*MySQLConfig, error) {
	cfg := &MySQLConfig{
		Host:     os.Getenv("mysql_server"),
		Database: os.Getenv("mysql_db"),
		User:     os.Getenv("mysql_user"),
		Password: os.Getenv("mysql_password"),
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("mysql_server environment variable not set")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mysql_db environment variable not set")
	}
	return cfg, nil
}

// DSN renders the driver connection string. The default port is added when
// Host has none.
func (c *MySQLConfig) DSN() string {
	dc := mysql.NewConfig()
	dc.Net = "tcp"
	dc.Addr = c.Host
	dc.DBName = c.Database
	dc.User = c.User
	dc.Passwd = c.Password
	dc.ParseTime = true
	return dc.FormatDSN()
}

// NewProductionMySQLDB opens a connection pool and checks it can reach the server.
func NewProductionMySQLDB(ctx context.Context, cfg *MySQLConfig, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		logger.Error().Err(err).Str("host", cfg.Host).Msg("Failed to reach MySQL.")
		return nil, fmt.Errorf("failed to ping mysql at %s: %w", cfg.Host, err)
	}
	logger.Info().Str("host", cfg.Host).Str("database", cfg.Database).Msg("Successfully connected to MySQL.")
	return db, nil
}
