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

const (
	// ScoreFallback replaces the score line when grading failed.
	ScoreFallback = "評価処理中にエラーが発生しました。"

	reportRequest = "公平公正な評価結果を提供してください。"
	maxScore      = 100
)

var (
	scoreSchema    = ai.MustSchema[dto.ScorePayload]("evaluation_score")
	feedbackSchema = ai.MustSchema[dto.FeedbackPayload]("evaluation_feedback")
	reportSchema   = ai.MustSchema[dto.ReportPayload]("evaluation_result")
)

// EvaluationService grades a finished transcript.
type EvaluationService interface {
	Score(ctx context.Context, transcript []models.Turn, language, level string) ai.Result[dto.ScorePayload]
	Feedback(ctx context.Context, transcript []models.Turn, language, level string) ai.Result[dto.FeedbackPayload]
	Report(ctx context.Context, score ai.Result[dto.ScorePayload], feedback string) ai.Result[dto.ReportPayload]
	Evaluate(ctx context.Context, transcript []models.Turn, language, level string) models.EvaluationResult
}

type evaluationService struct {
	caller *ai.Caller
	logger zerolog.Logger
}

// NewEvaluationService constructs the evaluator.
func NewEvaluationService(caller *ai.Caller, logger zerolog.Logger) EvaluationService {
	return &evaluationService{
		caller: caller,
		logger: logger.With().Str("component", "evaluation_service").Logger(),
	}
}

func (s *evaluationService) Score(ctx context.Context, transcript []models.Turn, language, level string) ai.Result[dto.ScorePayload] {
	systemPrompt := fmt.Sprintf(
		"%sの会話能力を評価してください。評価対象は%sレベルの学習者です。"+
			"以下の観点からuserの発話を0-100点で採点してください：\n"+
			"- 適切な表現の使用\n- 文法的な正確さ\n- 応答の適切さと流暢さ\n- 語彙の豊富さと適切な使用\n"+
			"回答はJSON形式で、スコア(score)を整数で含めてください。",
		language, level,
	)

	result := ai.Call(ctx, s.caller, scoreSchema, systemPrompt, FormatTranscript(transcript))
	result.Value.Score = clampScore(result.Value.Score)
	if !result.OK() {
		s.logger.Warn().Err(result.Err).Msg("transcript scoring failed")
	}
	return result
}

func (s *evaluationService) Feedback(ctx context.Context, transcript []models.Turn, language, level string) ai.Result[dto.FeedbackPayload] {
	systemPrompt := fmt.Sprintf(
		"%sの会話におけるユーザーの回答に対するフィードバックを生成してください。レベルは%sです。"+
			"以下の点について具体的にコメントしてください：\n"+
			"1. 語彙の使用\n2. 文法\n3. 発話の一貫性\n4. コミュニケーション能力\n5. 強みと改善点\n"+
			"フィードバックは日本語で、具体的な例を挙げてください。",
		language, level,
	)

	result := ai.Call(ctx, s.caller, feedbackSchema, systemPrompt, FormatTranscript(transcript))
	if !result.OK() || strings.TrimSpace(result.Value.Feedback) == "" {
		s.logger.Warn().Err(result.Err).Msg("feedback generation failed")
		result.Value = ai.Default[dto.FeedbackPayload]()
		if result.Err == nil {
			result.Err = fmt.Errorf("empty feedback")
		}
	}
	return result
}

func (s *evaluationService) Report(ctx context.Context, score ai.Result[dto.ScorePayload], feedback string) ai.Result[dto.ReportPayload] {
	scoreText := fmt.Sprintf("%d", score.Value.Score)
	if !score.OK() {
		scoreText = ScoreFallback
	}

	systemPrompt := "以下の評価情報を確認してレポートとしてユーザーに返答してください。" +
		"レポートには、スコア、フィードバック、強みと改善点を含めてください。" +
		"出力は日本語で、具体的な例を挙げてください。\n" +
		"■評価情報\n" +
		fmt.Sprintf("スコア(100点満点): %s\n", scoreText) +
		fmt.Sprintf("フィードバック: %s\n", feedback)

	result := ai.Call(ctx, s.caller, reportSchema, systemPrompt, reportRequest)
	if !result.OK() || strings.TrimSpace(result.Value.Result) == "" {
		s.logger.Warn().Err(result.Err).Msg("report generation failed")
		result.Value = ai.Default[dto.ReportPayload]()
		if result.Err == nil {
			result.Err = fmt.Errorf("empty report")
		}
	}
	return result
}

// Evaluate runs score, feedback and report strictly in that order.
func (s *evaluationService) Evaluate(ctx context.Context, transcript []models.Turn, language, level string) models.EvaluationResult {
	score := s.Score(ctx, transcript, language, level)
	feedback := s.Feedback(ctx, transcript, language, level)
	report := s.Report(ctx, score, feedback.Value.Feedback)

	s.logger.Info().
		Int("score", score.Value.Score).
		Bool("score_ok", score.OK()).
		Bool("feedback_ok", feedback.OK()).
		Bool("report_ok", report.OK()).
		Msg("transcript evaluated")

	return models.EvaluationResult{
		Score:       score.Value.Score,
		ScoreOK:     score.OK(),
		Feedback:    feedback.Value.Feedback,
		FeedbackOK:  feedback.OK(),
		FinalReport: report.Value.Result,
		ReportOK:    report.OK(),
	}
}

// RenderReport composes the text shown to the user when the exam ends.
func RenderReport(session models.ExamSession, result models.EvaluationResult) string {
	var b strings.Builder
	b.WriteString("【会話試験終了】\n\n")
	fmt.Fprintf(&b, "言語: %s\n", session.Language)
	fmt.Fprintf(&b, "レベル: %s\n", session.Level)
	fmt.Fprintf(&b, "会話ターン数: %d\n", session.TurnCount)
	if result.ScoreOK {
		fmt.Fprintf(&b, "スコア: %d/%d\n", result.Score, maxScore)
	} else {
		fmt.Fprintf(&b, "スコア: %s\n", ScoreFallback)
	}
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(result.FinalReport))
	if !result.ReportOK {
		b.WriteString("\n\n■フィードバック\n")
		b.WriteString(strings.TrimSpace(result.Feedback))
	}
	b.WriteString("\n\nお疲れ様でした！")
	return b.String()
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > maxScore {
		return maxScore
	}
	return score
}
