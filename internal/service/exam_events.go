package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/grachalle-go-api/internal/dto"
)

// ExamEventPublisher announces exam lifecycle events to other services.
type ExamEventPublisher interface {
	PublishFinished(ctx context.Context, event dto.ExamFinishedEvent) error
}

// NopPublisher discards every event.
type NopPublisher struct{}

// PublishFinished implements ExamEventPublisher.
func (NopPublisher) PublishFinished(context.Context, dto.ExamFinishedEvent) error { return nil }

type brokerPublisher struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
}

// NewExamEventPublisher publishes on Redis and/or NATS, whichever client is non-nil.
// channelBase such as "grachalle" yields the Redis channel "grachalle:exam:finished"
// and the NATS subject "grachalle.exam.finished".
func NewExamEventPublisher(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) ExamEventPublisher {
	if redisClient == nil && natsConn == nil {
		return NopPublisher{}
	}
	if channelBase == "" {
		channelBase = "grachalle"
	}

	return &brokerPublisher{
		redis:        redisClient,
		redisChannel: channelBase + ":exam:finished",
		nats:         natsConn,
		natsSubject:  strings.ReplaceAll(channelBase, ":", ".") + ".exam.finished",
		logger:       logger.With().Str("component", "exam_events").Logger(),
	}
}

func (p *brokerPublisher) PublishFinished(ctx context.Context, event dto.ExamFinishedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var errs []error
	if p.redis != nil {
		if err := p.redis.Publish(ctx, p.redisChannel, payload).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.nats != nil {
		if err := p.nats.Publish(p.natsSubject, payload); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		p.logger.Debug().Str("session_id", event.SessionID).Msg("exam finished event published")
	}
	return errors.Join(errs...)
}
