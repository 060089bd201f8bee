package dto

// Payloads exchanged with the text-generation backend. Each struct doubles as the JSON
// schema the backend must satisfy; `default` tags define the fallback used on failure.

// IntentPayload classifies whether free text asks to start an exam.
type IntentPayload struct {
	Description             string `json:"description" description:"ユーザー入力の生テキスト"`
	IsRequestForExamination bool   `json:"is_request_for_examination" description:"入力テキストが試験開始のリクエストであるかどうか"`
}

// SlotPayload carries the language and level mentioned in free text, if any.
type SlotPayload struct {
	Language string `json:"language,omitempty" description:"出題言語（解析できない場合は空文字）"`
	Level    string `json:"level,omitempty" description:"出題難易度（解析できない場合は空文字）"`
}

// ConfirmationPayload restates the collected exam settings.
type ConfirmationPayload struct {
	ConfirmationMessage string `json:"confirmation_message" description:"試験の出題言語と難易度を含む確認メッセージ" default:"試験情報の確認に失敗しました。再度お試しください。"`
}

// ExaminerPayload is one line spoken by the examiner.
type ExaminerPayload struct {
	Message string `json:"message" description:"試験における会話文"`
}

// ScorePayload is the numeric grade of a transcript.
type ScorePayload struct {
	Score int `json:"score" description:"会話の評価スコア (0-100)"`
}

// FeedbackPayload is the qualitative review of a transcript.
type FeedbackPayload struct {
	Feedback string `json:"feedback" description:"会話に対する具体的なフィードバック" default:"フィードバックを生成できませんでした。会話の内容を見直してください。"`
}

// ReportPayload is the final narrative combining score and feedback.
type ReportPayload struct {
	Result string `json:"result" description:"スコアとフィードバックを統合した評価レポート" default:"詳細な言語分析を生成できませんでした。"`
}
