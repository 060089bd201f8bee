package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/grachalle-go-api/internal/dto"
	"github.com/noah-isme/grachalle-go-api/internal/models"
	"github.com/noah-isme/grachalle-go-api/internal/observability"
	"github.com/noah-isme/grachalle-go-api/pkg/ai"
)

const (
	// RefusalMessage answers input that does not ask for an exam.
	RefusalMessage = "申し訳ありませんが、関係のない入力のため終了します。"
	// AskLanguageMessage asks for the missing exam language.
	AskLanguageMessage = "試験で出題される言語を指定してください。"
	// AskLevelMessage asks for the missing exam level.
	AskLevelMessage = "出題難易度を指定してください。"
	// StepFailureMessage is returned if a step panics.
	StepFailureMessage = "申し訳ありません。処理中に問題が発生しました。もう一度入力してください。"
)

// RefusalPolicy decides what happens after a message was classified as not asking for an exam.
type RefusalPolicy string

const (
	// RefusalPolicyRetry classifies the next message again.
	RefusalPolicyRetry RefusalPolicy = "retry"
	// RefusalPolicyBlock refuses every later message of the session without calling the backend.
	RefusalPolicyBlock RefusalPolicy = "block"
)

// ParseRefusalPolicy maps configuration text to a policy, defaulting to retry.
func ParseRefusalPolicy(value string) (RefusalPolicy, error) {
	switch RefusalPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", RefusalPolicyRetry:
		return RefusalPolicyRetry, nil
	case RefusalPolicyBlock:
		return RefusalPolicyBlock, nil
	default:
		return "", fmt.Errorf("unknown refusal policy %q", value)
	}
}

// SessionConfig tunes the behaviour of every exam session.
type SessionConfig struct {
	MaxTurns      int
	RefusalPolicy RefusalPolicy
}

// SessionDependencies groups the collaborators an exam session drives.
type SessionDependencies struct {
	Intent      IntentService
	Examination ExaminationService
	Evaluation  EvaluationService
	Events      ExamEventPublisher
	Logger      zerolog.Logger
	Now         func() time.Time
}

// NewSessionDependencies wires the default collaborators around one structured caller.
func NewSessionDependencies(caller *ai.Caller, events ExamEventPublisher, logger zerolog.Logger) SessionDependencies {
	return SessionDependencies{
		Intent:      NewIntentService(caller, logger),
		Examination: NewExaminationService(caller, logger),
		Evaluation:  NewEvaluationService(caller, logger),
		Events:      events,
		Logger:      logger,
	}
}

// ExamSession is the state machine of one user conversation:
// hearing → confirmed → examining → finished. Messages are processed one at a time.
type ExamSession struct {
	mu     sync.Mutex
	state  *models.ExamSession
	cfg    SessionConfig
	deps   SessionDependencies
	tracer trace.Tracer
	logger zerolog.Logger

	// lastActivity holds unix nanoseconds and is readable without mu.
	lastActivity atomic.Int64
}

// NewExamSession builds a session in the hearing phase.
func NewExamSession(id string, cfg SessionConfig, deps SessionDependencies) *ExamSession {
	if cfg.RefusalPolicy == "" {
		cfg.RefusalPolicy = RefusalPolicyRetry
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Events == nil {
		deps.Events = NopPublisher{}
	}

	session := &ExamSession{
		state:  models.NewExamSession(id, cfg.MaxTurns, deps.Now().UTC()),
		cfg:    cfg,
		deps:   deps,
		tracer: otel.Tracer("github.com/noah-isme/grachalle-go-api/internal/service/session"),
		logger: deps.Logger.With().Str("component", "exam_session").Str("session_id", id).Logger(),
	}
	session.lastActivity.Store(session.state.UpdatedAt.UnixNano())
	return session
}

// ID returns the session identifier.
func (s *ExamSession) ID() string {
	return s.state.ID
}

// Run processes exactly one user message and blocks until its reply is ready.
func (s *ExamSession) Run(ctx context.Context, message string) string {
	return <-s.RunAsync(ctx, message)
}

// RunAsync processes one user message on its own goroutine and delivers exactly one reply.
// Concurrent messages for the same session are serialised.
func (s *ExamSession) RunAsync(ctx context.Context, message string) <-chan string {
	if ctx == nil {
		ctx = context.Background()
	}

	out := make(chan string, 1)
	go func() {
		defer close(out)
		reply, _ := s.step(ctx, message)
		out <- reply
	}()
	return out
}

// RunWithSnapshot processes one user message and returns the reply together with the
// session state that produced it, read under the same lock.
func (s *ExamSession) RunWithSnapshot(ctx context.Context, message string) (string, models.ExamSession) {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.step(ctx, message)
}

// Snapshot returns a copy of the current session state.
func (s *ExamSession) Snapshot() models.ExamSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// LastActivity returns when the session last received or finished a message.
// It does not wait for a step in progress.
func (s *ExamSession) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load()).UTC()
}

func (s *ExamSession) touch() time.Time {
	now := s.deps.Now().UTC()
	s.lastActivity.Store(now.UnixNano())
	return now
}

func (s *ExamSession) step(parent context.Context, message string) (string, models.ExamSession) {
	s.touch()

	s.mu.Lock()
	defer s.mu.Unlock()

	reply := s.advance(parent, message)
	return reply, s.state.Clone()
}

func (s *ExamSession) advance(parent context.Context, message string) (reply string) {
	from := s.state.Phase
	ctx, span := s.tracer.Start(parent, "exam.session.step", trace.WithAttributes(
		attribute.String("session_id", s.state.ID),
		attribute.String("phase", string(from)),
	))
	start := time.Now()

	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error().Interface("panic", recovered).Str("phase", string(from)).Msg("exam session step panicked")
			reply = StepFailureMessage
		}
		s.state.UpdatedAt = s.touch()
		observability.StepLatency().WithLabelValues(string(from)).Observe(time.Since(start).Seconds())
		if to := s.state.Phase; to != from {
			observability.PhaseTransitions().WithLabelValues(string(from), string(to)).Inc()
			s.logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("exam phase changed")
		}
		span.End()
	}()

	message = strings.TrimSpace(message)

	switch s.state.Phase {
	case models.ExamPhaseHearing:
		return s.hear(ctx, message)
	case models.ExamPhaseConfirmed:
		reply = s.deps.Examination.OpenExam(ctx, s.state)
		s.state.Phase = models.ExamPhaseExamining
		return reply
	case models.ExamPhaseExamining:
		if s.state.TurnsExhausted() {
			return s.finish(ctx, message)
		}
		return s.deps.Examination.ContinueExam(ctx, s.state, message)
	default:
		return s.state.FinalReply
	}
}

func (s *ExamSession) hear(ctx context.Context, message string) string {
	if !s.state.RequestedExam {
		if s.state.Refused && s.cfg.RefusalPolicy == RefusalPolicyBlock {
			return RefusalMessage
		}
		intent := s.deps.Intent.DetectIntent(ctx, message)
		if intent.Value.IsRequestForExamination {
			s.state.RequestedExam = true
		}
	}

	if !s.state.RequestedExam {
		s.state.Refused = true
		s.logger.Info().Str("policy", string(s.cfg.RefusalPolicy)).Msg("input is not an exam request")
		return RefusalMessage
	}

	if !s.state.HasSlots() {
		slots := s.deps.Intent.ExtractSlots(ctx, message)
		s.state.SetLanguage(slots.Value.Language)
		s.state.SetLevel(slots.Value.Level)
	}

	if s.state.Language == "" {
		return AskLanguageMessage
	}
	if s.state.Level == "" {
		return AskLevelMessage
	}

	confirmation := s.deps.Intent.BuildConfirmation(ctx, s.state.Language, s.state.Level)
	s.state.Phase = models.ExamPhaseConfirmed
	return confirmation.Value.ConfirmationMessage
}

func (s *ExamSession) finish(ctx context.Context, message string) string {
	if message != "" {
		s.deps.Examination.RecordAnswer(s.state, message)
	}

	transcript := s.deps.Examination.Transcript(s.state)
	result := s.deps.Evaluation.Evaluate(ctx, transcript, s.state.Language, s.state.Level)

	s.state.Result = &result
	s.state.Phase = models.ExamPhaseFinished
	s.state.FinalReply = RenderReport(s.state.Clone(), result)

	if result.ScoreOK {
		observability.Scores().WithLabelValues(s.state.Language).Observe(float64(result.Score))
	}

	event := dto.ExamFinishedEvent{
		SessionID:  s.state.ID,
		Language:   s.state.Language,
		Level:      s.state.Level,
		Score:      result.Score,
		Scored:     result.ScoreOK,
		TurnCount:  s.state.TurnCount,
		FinishedAt: s.deps.Now().UTC(),
	}
	if err := s.deps.Events.PublishFinished(ctx, event); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish exam finished event")
	}

	return s.state.FinalReply
}
