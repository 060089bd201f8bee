package dto

import (
	"time"

	"github.com/noah-isme/grachalle-go-api/internal/models"
)

// ExamMessageRequest is a single user message sent to an exam session.
type ExamMessageRequest struct {
	Message string `json:"message" validate:"required,min=1,max=2000"`
}

// ExamSocketFrame is the payload read from websocket clients.
type ExamSocketFrame struct {
	Message string `json:"message" validate:"required,min=1,max=2000"`
}

// ExamSessionCreatedResponse is returned when a session is opened.
type ExamSessionCreatedResponse struct {
	SessionID string           `json:"session_id"`
	Phase     models.ExamPhase `json:"phase"`
	MaxTurns  int              `json:"max_turns"`
}

// ExamReplyResponse carries the assistant's answer to one user message.
type ExamReplyResponse struct {
	SessionID string           `json:"session_id"`
	Reply     string           `json:"reply"`
	Phase     models.ExamPhase `json:"phase"`
	TurnCount int              `json:"turn_count"`
	MaxTurns  int              `json:"max_turns"`
}

// ExamTurnResponse is the serialized form of a transcript entry.
type ExamTurnResponse struct {
	Role    models.TurnRole `json:"role"`
	Content string          `json:"content"`
}

// ExamSessionResponse is a read-only view of a session.
type ExamSessionResponse struct {
	SessionID   string             `json:"session_id"`
	Phase       models.ExamPhase   `json:"phase"`
	Language    string             `json:"language,omitempty"`
	Level       string             `json:"level,omitempty"`
	TurnCount   int                `json:"turn_count"`
	MaxTurns    int                `json:"max_turns"`
	Transcript  []ExamTurnResponse `json:"transcript"`
	Score       *int               `json:"score,omitempty"`
	FinalReport string             `json:"final_report,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// NewExamReplyResponse builds the reply DTO from the session state after a message.
func NewExamReplyResponse(session models.ExamSession, reply string) ExamReplyResponse {
	return ExamReplyResponse{
		SessionID: session.ID,
		Reply:     reply,
		Phase:     session.Phase,
		TurnCount: session.TurnCount,
		MaxTurns:  session.MaxTurns,
	}
}

// NewExamSessionResponse converts a session snapshot into a DTO.
func NewExamSessionResponse(session models.ExamSession) ExamSessionResponse {
	turns := make([]ExamTurnResponse, 0, len(session.Transcript))
	for _, turn := range session.Transcript {
		turns = append(turns, ExamTurnResponse{Role: turn.Role, Content: turn.Content})
	}

	response := ExamSessionResponse{
		SessionID:  session.ID,
		Phase:      session.Phase,
		Language:   session.Language,
		Level:      session.Level,
		TurnCount:  session.TurnCount,
		MaxTurns:   session.MaxTurns,
		Transcript: turns,
		CreatedAt:  session.CreatedAt,
		UpdatedAt:  session.UpdatedAt,
	}

	if session.Result != nil {
		if session.Result.ScoreOK {
			score := session.Result.Score
			response.Score = &score
		}
		response.FinalReport = session.FinalReply
	}

	return response
}

// ExamFinishedEvent is published once a session has been evaluated.
type ExamFinishedEvent struct {
	SessionID  string    `json:"session_id"`
	Language   string    `json:"language"`
	Level      string    `json:"level"`
	Score      int       `json:"score"`
	Scored     bool      `json:"scored"`
	TurnCount  int       `json:"turn_count"`
	FinishedAt time.Time `json:"finished_at"`
}

// ExamSocketError is written to websocket clients when a frame cannot be processed.
type ExamSocketError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
