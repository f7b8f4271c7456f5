package pubsubsource_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	pb "cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-batchsink/pkg/pubsubsource"
	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	projectID = "test-project"
	topicID   = "test-topic"
	subID     = "test-sub"
)

// setupPubsub creates an in-memory Pub/Sub server with one topic and subscription.
func setupPubsub(t *testing.T) (*pubsub.Client, *pstest.Server, string) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topicName := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err = srv.GServer.CreateTopic(ctx, &pb.Topic{Name: topicName})
	require.NoError(t, err)
	_, err = srv.GServer.CreateSubscription(ctx, &pb.Subscription{
		Name:               fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subID),
		Topic:              topicName,
		AckDeadlineSeconds: 60,
	})
	require.NoError(t, err)
	return client, srv, topicName
}

func acksFor(srv *pstest.Server, id string) int {
	msg := srv.Message(id)
	if msg == nil {
		return 0
	}
	return msg.Acks
}

func TestSource_ReceiveAndCommit(t *testing.T) {
	client, srv, topicName := setupPubsub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	source, err := pubsubsource.NewSource(ctx, &pubsubsource.PubsubConfig{SubscriptionID: subID, MaxOutstandingMessages: 10}, client, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = source.Close() })

	first := srv.Publish(topicName, []byte(`{"temp": 21}`), map[string]string{"site": "north", "device": "d-1"})
	bad := srv.Publish(topicName, []byte(`not json`), nil)

	rec, err := source.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, subID, rec.Topic)
	assert.Equal(t, int32(0), rec.Partition)
	assert.Equal(t, int64(0), rec.Offset)
	assert.Nil(t, rec.Key)
	assert.Equal(t, map[string]any{"temp": int64(21)}, rec.Value)
	assert.Equal(t, []sinkpipeline.Header{{Key: "device", Value: "d-1"}, {Key: "site", Value: "north"}}, rec.Headers)

	second := srv.Publish(topicName, []byte(`{"temp": 22}`), nil)
	rec, err = source.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Offset, "skipped messages do not consume an offset")

	require.Eventually(t, func() bool { return acksFor(srv, bad) == 1 }, 5*time.Second, 10*time.Millisecond,
		"undecodable messages are acked")
	assert.Equal(t, 0, acksFor(srv, first))

	tp := sinkpipeline.TopicPartition{Topic: subID}
	require.NoError(t, source.Commit(ctx, sinkpipeline.Offsets{tp: 0}))
	require.Eventually(t, func() bool { return acksFor(srv, first) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, acksFor(srv, second), "messages past the commit stay outstanding")

	require.NoError(t, source.Commit(ctx, sinkpipeline.Offsets{tp: 1}))
	require.Eventually(t, func() bool { return acksFor(srv, second) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestSource_CloseEndsStream(t *testing.T) {
	client, _, _ := setupPubsub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	source, err := pubsubsource.NewSource(ctx, &pubsubsource.PubsubConfig{SubscriptionID: subID}, client, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, source.Close())
	_, err = source.Next(ctx)
	assert.Error(t, err)
	assert.NoError(t, source.Close(), "close is idempotent")
}

func TestNewSource_MissingSubscription(t *testing.T) {
	client, _, _ := setupPubsub(t)
	_, err := pubsubsource.NewSource(context.Background(), &pubsubsource.PubsubConfig{SubscriptionID: "nope"}, client, zerolog.Nop())
	var cfgErr *sinkpipeline.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
