package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/grachalle-go-api/internal/dto"
	"github.com/noah-isme/grachalle-go-api/pkg/ai"
)

var (
	intentSchema       = ai.MustSchema[dto.IntentPayload]("examination_start_intent")
	slotSchema         = ai.MustSchema[dto.SlotPayload]("examination_information")
	confirmationSchema = ai.MustSchema[dto.ConfirmationPayload]("confirmation_message")
)

// IntentService classifies exam requests and extracts the exam settings from free text.
type IntentService interface {
	DetectIntent(ctx context.Context, text string) ai.Result[dto.IntentPayload]
	ExtractSlots(ctx context.Context, text string) ai.Result[dto.SlotPayload]
	BuildConfirmation(ctx context.Context, language, level string) ai.Result[dto.ConfirmationPayload]
}

type intentService struct {
	caller *ai.Caller
	logger zerolog.Logger
}

// NewIntentService constructs the intent and slot extractor.
func NewIntentService(caller *ai.Caller, logger zerolog.Logger) IntentService {
	return &intentService{
		caller: caller,
		logger: logger.With().Str("component", "intent_service").Logger(),
	}
}

func (s *intentService) DetectIntent(ctx context.Context, text string) ai.Result[dto.IntentPayload] {
	systemPrompt := "以下のユーザーのテキストが語学試験の開始を求めるものかを判断し、" +
		"結果をJSON形式で返してください。出題言語と難易度は後続のステップで抽出するため、ここでは判定のみを行います。"

	result := ai.Call(ctx, s.caller, intentSchema, systemPrompt, text)
	if !result.OK() {
		// Never assume consent.
		result.Value = dto.IntentPayload{Description: text, IsRequestForExamination: false}
	}

	s.logger.Info().Bool("is_request", result.Value.IsRequestForExamination).Bool("fallback", !result.OK()).Msg("exam intent classified")
	return result
}

func (s *intentService) ExtractSlots(ctx context.Context, text string) ai.Result[dto.SlotPayload] {
	systemPrompt := "以下のユーザーのテキストから試験の出題言語と難易度を抽出し、結果をJSON形式で返してください。" +
		"出題言語は英語、フランス語など、出題難易度は初級、中級、上級などです。" +
		"テキストから判断できない項目は推測せず空文字にしてください。"

	result := ai.Call(ctx, s.caller, slotSchema, systemPrompt, text)
	if !result.OK() {
		result.Value = dto.SlotPayload{}
	}
	result.Value.Language = normaliseSlot(result.Value.Language)
	result.Value.Level = normaliseSlot(result.Value.Level)

	s.logger.Info().Str("language", result.Value.Language).Str("level", result.Value.Level).Msg("exam slots extracted")
	return result
}

func (s *intentService) BuildConfirmation(ctx context.Context, language, level string) ai.Result[dto.ConfirmationPayload] {
	systemPrompt := "以下の出題言語と難易度に基づいて、試験開始の確認メッセージを生成してください。" +
		"確認メッセージには出題言語と難易度をそのままの表記で含め、準備ができたら何か入力するよう案内してください。"
	userContent := fmt.Sprintf("出題言語: %s, 出題難易度: %s", language, level)

	result := ai.Call(ctx, s.caller, confirmationSchema, systemPrompt, userContent)
	if !result.OK() {
		s.logger.Warn().Err(result.Err).Msg("confirmation fell back to apology")
		return result
	}

	message := strings.TrimSpace(result.Value.ConfirmationMessage)
	if !strings.Contains(message, language) || !strings.Contains(message, level) {
		message = fmt.Sprintf("出題言語「%s」、出題難易度「%s」で会話試験を開始します。準備ができたら何か入力してください。", language, level)
	}
	result.Value.ConfirmationMessage = message

	s.logger.Info().Str("language", language).Str("level", level).Msg("confirmation message generated")
	return result
}

// normaliseSlot maps the placeholders models use for "unknown" to the empty string.
func normaliseSlot(value string) string {
	value = strings.TrimSpace(value)
	switch strings.ToLower(value) {
	case "", "none", "null", "nil", "unknown", "n/a", "不明", "なし":
		return ""
	}
	return value
}
