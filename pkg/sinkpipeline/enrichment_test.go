package sinkpipeline_test

import (
	"testing"

	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnrich(t *testing.T) {
	rec := testRecord(2, 42)
	rec.Headers = []sinkpipeline.Header{{Key: "source", Value: "gateway"}, {Key: "source", Value: "edge"}}

	t.Run("no metadata copies value only", func(t *testing.T) {
		er := sinkpipeline.Enrich(rec, sinkpipeline.EnrichmentConfig{})
		assert.Equal(t, map[string]any{"speed": int64(42)}, er.Fields)

		er.Fields["speed"] = 0
		assert.Equal(t, int64(42), rec.Value["speed"], "the source record must not change")
	})

	t.Run("message metadata", func(t *testing.T) {
		er := sinkpipeline.Enrich(rec, sinkpipeline.EnrichmentConfig{MessageMetadata: true})
		assert.Equal(t, "device-1", er.Fields[sinkpipeline.FieldKey])
		assert.Equal(t, int64(1_700_000_000_042), er.Fields[sinkpipeline.FieldTimestamp])
		assert.Equal(t, rec.Headers, er.Fields[sinkpipeline.FieldHeaders])
		assert.NotContains(t, er.Fields, sinkpipeline.FieldTopic)
	})

	t.Run("topic metadata", func(t *testing.T) {
		er := sinkpipeline.Enrich(rec, sinkpipeline.EnrichmentConfig{TopicMetadata: true})
		assert.Equal(t, testTopic, er.Fields[sinkpipeline.FieldTopic])
		assert.Equal(t, int32(2), er.Fields[sinkpipeline.FieldPartition])
		assert.Equal(t, int64(42), er.Fields[sinkpipeline.FieldOffset])
		assert.NotContains(t, er.Fields, sinkpipeline.FieldKey)
	})

	t.Run("missing key is null", func(t *testing.T) {
		keyless := rec
		keyless.Key = nil
		er := sinkpipeline.Enrich(keyless, sinkpipeline.EnrichmentConfig{MessageMetadata: true})
		v, ok := er.Fields[sinkpipeline.FieldKey]
		require.True(t, ok)
		assert.Nil(t, v)
	})
}
