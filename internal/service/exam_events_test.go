package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/grachalle-go-api/internal/dto"
)

func TestExamEventPublisherWithoutBrokersIsNop(t *testing.T) {
	publisher := NewExamEventPublisher(nil, nil, "", testLogger())
	require.IsType(t, NopPublisher{}, publisher)
	require.NoError(t, publisher.PublishFinished(context.Background(), dto.ExamFinishedEvent{SessionID: "s"}))
}

func TestExamEventPublisherPublishesToRedis(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer redisClient.Close()

	ctx := context.Background()
	subscription := redisClient.Subscribe(ctx, "exam-test:exam:finished")
	defer subscription.Close()
	_, err = subscription.Receive(ctx)
	require.NoError(t, err)

	publisher := NewExamEventPublisher(redisClient, nil, "exam-test", testLogger())
	event := dto.ExamFinishedEvent{
		SessionID:  "session-9",
		Language:   "English",
		Level:      "Advanced",
		Score:      91,
		Scored:     true,
		TurnCount:  3,
		FinishedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, publisher.PublishFinished(ctx, event))

	select {
	case msg := <-subscription.Channel():
		var received dto.ExamFinishedEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &received))
		require.Equal(t, event, received)
	case <-time.After(time.Second):
		t.Fatal("exam finished event was not delivered")
	}
}

func TestExamEventPublisherReportsBrokerErrors(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)

	redisClient := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	defer redisClient.Close()
	server.Close()

	publisher := NewExamEventPublisher(redisClient, nil, "", testLogger())
	require.Error(t, publisher.PublishFinished(context.Background(), dto.ExamFinishedEvent{SessionID: "s"}))
}

func runNATS(t *testing.T) *nats.Conn {
	t.Helper()

	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	server := natsserver.RunServer(&opts)
	t.Cleanup(server.Shutdown)

	conn, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestExamEventPublisherPublishesToNATS(t *testing.T) {
	conn := runNATS(t)

	subscription, err := conn.SubscribeSync("exam.test.exam.finished")
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	publisher := NewExamEventPublisher(nil, conn, "exam:test", testLogger())
	event := dto.ExamFinishedEvent{SessionID: "session-4", Language: "French", Level: "Beginner", TurnCount: 2}
	require.NoError(t, publisher.PublishFinished(context.Background(), event))

	msg, err := subscription.NextMsg(time.Second)
	require.NoError(t, err)

	var received dto.ExamFinishedEvent
	require.NoError(t, json.Unmarshal(msg.Data, &received))
	require.Equal(t, event, received)
}

func TestExamEventPublisherFansOutToBothBrokers(t *testing.T) {
	redisServer, err := miniredis.Run()
	require.NoError(t, err)
	defer redisServer.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	defer redisClient.Close()

	ctx := context.Background()
	redisSub := redisClient.Subscribe(ctx, "fanout:exam:finished")
	defer redisSub.Close()
	_, err = redisSub.Receive(ctx)
	require.NoError(t, err)

	conn := runNATS(t)
	natsSub, err := conn.SubscribeSync("fanout.exam.finished")
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	publisher := NewExamEventPublisher(redisClient, conn, "fanout", testLogger())
	require.NoError(t, publisher.PublishFinished(ctx, dto.ExamFinishedEvent{SessionID: "session-5"}))

	select {
	case msg := <-redisSub.Channel():
		require.Contains(t, msg.Payload, "session-5")
	case <-time.After(time.Second):
		t.Fatal("exam finished event was not delivered to redis")
	}

	msg, err := natsSub.NextMsg(time.Second)
	require.NoError(t, err)
	require.Contains(t, string(msg.Data), "session-5")
}

func TestExamEventPublisherJoinsBrokerErrors(t *testing.T) {
	redisServer, err := miniredis.Run()
	require.NoError(t, err)

	redisClient := redis.NewClient(&redis.Options{Addr: redisServer.Addr(), MaxRetries: -1})
	defer redisClient.Close()
	redisServer.Close()

	conn := runNATS(t)
	conn.Close()

	publisher := NewExamEventPublisher(redisClient, conn, "", testLogger())
	err = publisher.PublishFinished(context.Background(), dto.ExamFinishedEvent{SessionID: "s"})
	require.Error(t, err)
	require.ErrorIs(t, err, nats.ErrConnectionClosed)

	var joined interface{ Unwrap() []error }
	require.True(t, errors.As(err, &joined))
	require.Len(t, joined.Unwrap(), 2)
}
