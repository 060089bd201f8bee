package models

import (
	"strings"
	"time"
)

// DefaultMaxTurns is the number of examiner turns before the exam is evaluated.
const DefaultMaxTurns = 3

// ExamPhase enumerates the lifecycle of an exam session.
type ExamPhase string

const (
	ExamPhaseHearing   ExamPhase = "hearing"
	ExamPhaseConfirmed ExamPhase = "confirmed"
	ExamPhaseExamining ExamPhase = "examining"
	ExamPhaseFinished  ExamPhase = "finished"
)

// TurnRole identifies the speaker of a transcript entry.
type TurnRole string

const (
	TurnRoleUser     TurnRole = "user"
	TurnRoleExaminer TurnRole = "examiner"
)

// Turn is one transcript entry.
type Turn struct {
	Role    TurnRole `json:"role"`
	Content string   `json:"content"`
}

// EvaluationResult is produced once per session when it reaches the finished phase.
type EvaluationResult struct {
	Score       int    `json:"score"`
	ScoreOK     bool   `json:"score_ok"`
	Feedback    string `json:"feedback"`
	FeedbackOK  bool   `json:"feedback_ok"`
	FinalReport string `json:"final_report"`
	ReportOK    bool   `json:"report_ok"`
}

// ExamSession holds every piece of per-conversation state.
type ExamSession struct {
	ID            string            `json:"id"`
	Phase         ExamPhase         `json:"phase"`
	RequestedExam bool              `json:"requested_exam"`
	Refused       bool              `json:"refused"`
	Language      string            `json:"language,omitempty"`
	Level         string            `json:"level,omitempty"`
	TurnCount     int               `json:"turn_count"`
	MaxTurns      int               `json:"max_turns"`
	Transcript    []Turn            `json:"transcript"`
	Result        *EvaluationResult `json:"result,omitempty"`
	FinalReply    string            `json:"final_reply,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NewExamSession returns a session in the hearing phase.
func NewExamSession(id string, maxTurns int, now time.Time) *ExamSession {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &ExamSession{
		ID:         id,
		Phase:      ExamPhaseHearing,
		MaxTurns:   maxTurns,
		Transcript: []Turn{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// SetLanguage stores the language unless one is already set.
func (s *ExamSession) SetLanguage(language string) bool {
	language = strings.TrimSpace(language)
	if s.Language != "" || language == "" {
		return false
	}
	s.Language = language
	return true
}

// SetLevel stores the level unless one is already set.
func (s *ExamSession) SetLevel(level string) bool {
	level = strings.TrimSpace(level)
	if s.Level != "" || level == "" {
		return false
	}
	s.Level = level
	return true
}

// HasSlots reports whether both language and level are known.
func (s *ExamSession) HasSlots() bool {
	return s.Language != "" && s.Level != ""
}

// Append adds a transcript entry.
func (s *ExamSession) Append(role TurnRole, content string) {
	s.Transcript = append(s.Transcript, Turn{Role: role, Content: content})
}

// TurnsExhausted reports whether the examiner has asked its last question.
func (s *ExamSession) TurnsExhausted() bool {
	return s.TurnCount >= s.MaxTurns
}

// Clone returns a deep copy safe to hand out while the session keeps mutating.
func (s *ExamSession) Clone() ExamSession {
	clone := *s
	clone.Transcript = append([]Turn(nil), s.Transcript...)
	if clone.Transcript == nil {
		clone.Transcript = []Turn{}
	}
	if s.Result != nil {
		result := *s.Result
		clone.Result = &result
	}
	return clone
}
