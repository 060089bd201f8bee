package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/grachalle-go-api/internal/dto"
	"github.com/noah-isme/grachalle-go-api/internal/models"
	"github.com/noah-isme/grachalle-go-api/pkg/ai"
)

// ContinueFallback is spoken when the examiner cannot produce a follow-up question.
const ContinueFallback = "会話を続けることができませんでした。もう一度お試しください。"

var examinerSchema = ai.MustSchema[dto.ExaminerPayload]("conversational_text")

// ExaminationService plays the examiner and keeps the session transcript.
type ExaminationService interface {
	OpenExam(ctx context.Context, session *models.ExamSession) string
	ContinueExam(ctx context.Context, session *models.ExamSession, userText string) string
	RecordAnswer(session *models.ExamSession, userText string)
	Transcript(session *models.ExamSession) []models.Turn
}

type examinationService struct {
	caller *ai.Caller
	logger zerolog.Logger
}

// NewExaminationService constructs the exam conversation driver.
func NewExaminationService(caller *ai.Caller, logger zerolog.Logger) ExaminationService {
	return &examinationService{
		caller: caller,
		logger: logger.With().Str("component", "examination_service").Logger(),
	}
}

func (s *examinationService) OpenExam(ctx context.Context, session *models.ExamSession) string {
	session.Transcript = []models.Turn{}
	session.TurnCount = 0

	systemPrompt := fmt.Sprintf(
		"あなたは%[1]sの会話試験官です。%[2]sレベルの%[1]sで会話を行います。"+
			"最初の質問を1つだけ%[1]sで出題してください。質問は簡潔で、明確で、回答しやすいものにしてください。",
		session.Language, session.Level,
	)
	userPrompt := fmt.Sprintf("%sで%sレベルの会話をしましょう。", session.Language, session.Level)

	result := ai.Call(ctx, s.caller, examinerSchema, systemPrompt, userPrompt)
	message := strings.TrimSpace(result.Value.Message)
	if !result.OK() || message == "" {
		message = openingFallback(session.Language)
		s.logger.Warn().Err(result.Err).Str("session_id", session.ID).Msg("opening question fell back to default")
	}

	session.Append(models.TurnRoleExaminer, message)
	session.TurnCount++

	s.logger.Info().Str("session_id", session.ID).Int("turn", session.TurnCount).Msg("exam opened")
	return message
}

func (s *examinationService) ContinueExam(ctx context.Context, session *models.ExamSession, userText string) string {
	session.Append(models.TurnRoleUser, userText)

	systemPrompt := fmt.Sprintf(
		"あなたは%[1]sの会話試験官です。ユーザーの回答に基づいて次の質問を1つ生成してください。"+
			"%[1]sで%[2]sレベルの会話を続けてください。\n直近の会話:\n%[3]s",
		session.Language, session.Level, FormatTranscript(session.Transcript),
	)

	result := ai.Call(ctx, s.caller, examinerSchema, systemPrompt, userText)
	message := strings.TrimSpace(result.Value.Message)
	if !result.OK() || message == "" {
		message = ContinueFallback
		s.logger.Warn().Err(result.Err).Str("session_id", session.ID).Msg("follow-up question fell back to default")
	}

	session.Append(models.TurnRoleExaminer, message)
	session.TurnCount++

	s.logger.Info().Str("session_id", session.ID).Int("turn", session.TurnCount).Msg("exam continued")
	return message
}

func (s *examinationService) RecordAnswer(session *models.ExamSession, userText string) {
	session.Append(models.TurnRoleUser, userText)
}

func (s *examinationService) Transcript(session *models.ExamSession) []models.Turn {
	return append([]models.Turn(nil), session.Transcript...)
}

func openingFallback(language string) string {
	return fmt.Sprintf("%sで会話を始めましょう。あなたの趣味について教えてください。", language)
}

// FormatTranscript flattens turns into "role: content" lines in order.
func FormatTranscript(turns []models.Turn) string {
	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		lines = append(lines, fmt.Sprintf("%s: %s", turn.Role, turn.Content))
	}
	return strings.Join(lines, "\n")
}
