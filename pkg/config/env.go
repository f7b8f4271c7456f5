package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-batchsink/pkg/checkpoint"
	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
)

// applyEnv overrides c with every recognised environment variable that is set.
func (c *Config) applyEnv() error {
	e := &envReader{}

	e.str(&c.LogLevel, "LOG_LEVEL")
	e.str(&c.HTTPPort, "HTTP_PORT")
	e.str(&c.ServiceName, "SERVICE_NAME")
	e.str((*string)(&c.Source), "SOURCE")

	e.list(&c.Kafka.Brokers, "KAFKA_BROKERS")
	e.list(&c.Kafka.Topics, "input")
	e.str(&c.Kafka.GroupID, "CONSUMER_GROUP")
	e.str(&c.Kafka.StartOffset, "KAFKA_START_OFFSET")
	e.str(&c.Kafka.DeadLetterTopic, "DLQ_TOPIC")

	e.str(&c.Pubsub.ProjectID, "GCP_PROJECT_ID")
	e.str(&c.Pubsub.SubscriptionID, "PUBSUB_SUBSCRIPTION_ID")
	e.str(&c.Pubsub.CredentialsFile, "GCP_PUBSUB_CREDENTIALS_FILE")
	e.str(&c.Pubsub.DeadLetterTopicID, "PUBSUB_DEAD_LETTER_TOPIC_ID", "DLQ_TOPIC")

	e.integer(&c.Buffer.Size, "BUFFER_SIZE")
	e.duration(&c.Buffer.Timeout, "BUFFER_TIMEOUT")
	e.str((*string)(&c.Buffer.Overflow), "BUFFER_OVERFLOW")
	e.boolean(&c.Enrichment.MessageMetadata, "ADD_MESSAGE_METADATA", "MONGODB_ADD_MESSAGE_METADATA")
	e.boolean(&c.Enrichment.TopicMetadata, "ADD_TOPIC_METADATA", "MONGODB_ADD_TOPIC_METADATA")
	e.duration(&c.WriteTimeout, "WRITE_TIMEOUT")
	e.duration(&c.ShutdownGrace, "SHUTDOWN_GRACE")
	e.integer(&c.Retry.MaxRetries, "MAX_RETRIES")

	e.str((*string)(&c.Checkpoint.Backend), "CHECKPOINT_BACKEND")
	e.str(&c.Checkpoint.Redis.Addr, "REDIS_ADDR")
	e.str(&c.Checkpoint.Redis.Password, "REDIS_PASSWORD")
	e.str(&c.Checkpoint.Redis.Key, "CHECKPOINT_KEY")
	e.str(&c.Checkpoint.Firestore.ProjectID, "GCP_PROJECT_ID")
	e.str(&c.Checkpoint.Firestore.CollectionName, "CHECKPOINT_COLLECTION")
	if c.Checkpoint.Backend == checkpoint.BackendRedis && c.Checkpoint.Redis.Key == "" && c.Kafka.GroupID != "" {
		c.Checkpoint.Redis.Key = "checkpoint:" + c.Kafka.GroupID
	}

	e.str((*string)(&c.Sink.Kind), "SINK_KIND")

	mongo := &c.Sink.MongoDB
	e.str(&mongo.Connection.Host, "MONGODB_HOST")
	e.integer(&mongo.Connection.Port, "MONGODB_PORT")
	e.str(&mongo.Connection.Username, "MONGODB_USERNAME")
	e.str(&mongo.Connection.Password, "MONGODB_PASSWORD")
	e.str(&mongo.Database, "MONGODB_DB")
	e.str(&mongo.Collection, "MONGODB_COLLECTION")
	e.str(&mongo.DocumentMatcher, "MONGODB_DOCUMENT_MATCHER")
	e.boolean(&mongo.Upsert, "MONGODB_UPSERT")
	e.str(&mongo.UpdateMethod, "MONGODB_UPDATE_METHOD")

	influx := &c.Sink.InfluxDB
	e.str(&influx.Connection.URL, "INFLUXDB_HOST")
	e.str(&influx.Connection.Token, "INFLUXDB_TOKEN")
	e.str(&influx.Connection.Org, "INFLUXDB_ORG")
	e.str(&influx.Bucket, "INFLUXDB_BUCKET")
	e.str(&influx.Measurement, "INFLUXDB_MEASUREMENT_NAME")
	e.list(&influx.TagKeys, "INFLUXDB_TAG_KEYS")
	e.list(&influx.FieldKeys, "INFLUXDB_FIELD_KEYS")
	e.str(&influx.TimeKey, "TIMESTAMP_COLUMN")

	mysql := &c.Sink.MySQL
	e.str(&mysql.Connection.Host, "mysql_server")
	e.str(&mysql.Connection.Database, "mysql_db")
	e.str(&mysql.Connection.User, "mysql_user")
	e.str(&mysql.Connection.Password, "mysql_password")
	e.str(&mysql.Table, "MYSQL_TABLE")
	e.boolean(&mysql.CreateTable, "MYSQL_CREATE_TABLE")

	bq := &c.Sink.BigQuery
	e.str(&bq.Connection.ProjectID, "GCP_PROJECT_ID")
	e.str(&bq.Connection.CredentialsFile, "GCP_BQ_CREDENTIALS_FILE")
	e.str(&bq.Dataset, "BQ_DATASET_ID")
	e.str(&bq.Table, "BQ_TABLE_ID")

	gcs := &c.Sink.GCS
	e.str(&gcs.CredentialsFile, "GCP_GCS_CREDENTIALS_FILE")
	e.str(&gcs.Bucket, "GCS_BUCKET_NAME")
	e.str(&gcs.Prefix, "GCS_OBJECT_PREFIX")

	return e.err
}

// envReader applies environment variables and keeps the first parse error.
// When several names are given the first one set wins.
type envReader struct {
	err error
}

func (e *envReader) lookup(names ...string) (string, string, bool) {
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return name, v, true
		}
	}
	return "", "", false
}

func (e *envReader) fail(name, format string, args ...any) {
	if e.err == nil {
		e.err = sinkpipeline.NewConfigurationError(name, format, args...)
	}
}

func (e *envReader) str(dst *string, names ...string) {
	if _, v, ok := e.lookup(names...); ok {
		*dst = v
	}
}

func (e *envReader) list(dst *[]string, names ...string) {
	if _, v, ok := e.lookup(names...); ok {
		*dst = splitList(v)
	}
}

func (e *envReader) integer(dst *int, names ...string) {
	name, v, ok := e.lookup(names...)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, "not an integer: %q", v)
		return
	}
	*dst = n
}

func (e *envReader) boolean(dst *bool, names ...string) {
	name, v, ok := e.lookup(names...)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(name, "not a boolean: %q", v)
		return
	}
	*dst = b
}

// duration accepts a Go duration ("1500ms") or a plain number of seconds ("1.5").
func (e *envReader) duration(dst *time.Duration, names ...string) {
	name, v, ok := e.lookup(names...)
	if !ok {
		return
	}
	d, err := ParseSeconds(v)
	if err != nil {
		e.fail(name, "%v", err)
		return
	}
	*dst = d
}

// ParseSeconds parses a duration given either in Go syntax or as seconds.
func ParseSeconds(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, sinkpipeline.NewConfigurationError("duration", "not a duration: %q", v)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
