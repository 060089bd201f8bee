package handler

import (
	"context"
	"errors"
	"html"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/noah-isme/grachalle-go-api/internal/dto"
	"github.com/noah-isme/grachalle-go-api/internal/middleware"
	"github.com/noah-isme/grachalle-go-api/internal/service"
	"github.com/noah-isme/grachalle-go-api/internal/utils"
)

// Message errors are written to clients as-is.
var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message must be at most 2000 characters")
	ErrInvalidMessage = errors.New("message is invalid")
)

// ExamHandler exposes exam sessions over REST and websocket.
type ExamHandler struct {
	registry  service.SessionRegistry
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
}

// NewExamHandler creates an exam handler instance.
func NewExamHandler(registry service.SessionRegistry, validator *validator.Validate, logger zerolog.Logger) *ExamHandler {
	return &ExamHandler{
		registry:  registry,
		validator: validator,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "exam_handler").Logger(),
	}
}

// Register binds exam routes under the provided router group.
func (h *ExamHandler) Register(router fiber.Router) {
	router.Post("/sessions", h.create)
	router.Get("/sessions/:id", h.get)
	router.Delete("/sessions/:id", h.delete)
	router.Post("/sessions/:id/messages", h.message)

	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("request_ctx", middleware.ContextWithCorrelation(context.Background(), middleware.GetCorrelationID(c)))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/ws", websocket.New(h.serveSocket))
}

func (h *ExamHandler) create(c *fiber.Ctx) error {
	session := h.registry.Create()
	snapshot := session.Snapshot()

	return utils.SendCreated(c, "exam session created", dto.ExamSessionCreatedResponse{
		SessionID: snapshot.ID,
		Phase:     snapshot.Phase,
		MaxTurns:  snapshot.MaxTurns,
	})
}

func (h *ExamHandler) get(c *fiber.Ctx) error {
	session, err := h.registry.Get(c.Params("id"))
	if err != nil {
		return h.sendLookupError(c, err)
	}

	return utils.SendSuccess(c, "exam session", dto.NewExamSessionResponse(session.Snapshot()))
}

func (h *ExamHandler) delete(c *fiber.Ctx) error {
	if err := h.registry.Delete(c.Params("id")); err != nil {
		return h.sendLookupError(c, err)
	}

	return utils.SendSuccess(c, "exam session deleted", nil)
}

func (h *ExamHandler) message(c *fiber.Ctx) error {
	session, err := h.registry.Get(c.Params("id"))
	if err != nil {
		return h.sendLookupError(c, err)
	}

	var payload dto.ExamMessageRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, utils.CodeInvalidRequest, "invalid payload")
	}

	message, err := h.cleanMessage(payload.Message)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, utils.CodeInvalidRequest, err.Error())
	}

	reply, snapshot := session.RunWithSnapshot(c.UserContext(), message)

	logger := middleware.RequestLogger(h.logger, c)
	logger.Info().Str("session_id", snapshot.ID).Str("phase", string(snapshot.Phase)).Msg("exam message processed")
	return utils.SendSuccess(c, "exam reply", dto.NewExamReplyResponse(snapshot, reply))
}

func (h *ExamHandler) serveSocket(conn *websocket.Conn) {
	defer conn.Close()

	ctx, _ := conn.Locals("request_ctx").(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}

	session, err := h.socketSession(strings.TrimSpace(conn.Query("session_id")))
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		return
	}

	logger := h.logger.With().
		Str("session_id", session.ID()).
		Str("correlation_id", middleware.CorrelationIDFromContext(ctx)).
		Logger()

	snapshot := session.Snapshot()
	if err := conn.WriteJSON(dto.ExamSessionCreatedResponse{
		SessionID: snapshot.ID,
		Phase:     snapshot.Phase,
		MaxTurns:  snapshot.MaxTurns,
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to greet exam websocket client")
		return
	}

	logger.Info().Msg("exam websocket connected")
	defer func() { logger.Info().Msg("exam websocket disconnected") }()

	for {
		var frame dto.ExamSocketFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("exam websocket read failed")
			}
			return
		}

		message, err := h.cleanMessage(frame.Message)
		if err != nil {
			if writeErr := conn.WriteJSON(dto.ExamSocketError{Error: err.Error(), Code: utils.CodeInvalidRequest}); writeErr != nil {
				return
			}
			continue
		}

		reply, snapshot := session.RunWithSnapshot(ctx, message)
		if err := conn.WriteJSON(dto.NewExamReplyResponse(snapshot, reply)); err != nil {
			logger.Warn().Err(err).Msg("exam websocket write failed")
			return
		}
	}
}

func (h *ExamHandler) socketSession(id string) (*service.ExamSession, error) {
	if id == "" {
		return h.registry.Create(), nil
	}
	return h.registry.Get(id)
}

// cleanMessage validates the raw text, strips markup and restores the entities the policy escaped.
func (h *ExamHandler) cleanMessage(raw string) (string, error) {
	if err := h.validator.Struct(dto.ExamMessageRequest{Message: raw}); err != nil {
		return "", messageError(err)
	}

	clean := strings.TrimSpace(html.UnescapeString(h.sanitizer.Sanitize(raw)))
	if clean == "" {
		return "", ErrEmptyMessage
	}
	return clean, nil
}

func messageError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) || len(validationErrors) == 0 {
		return ErrInvalidMessage
	}

	switch validationErrors[0].Tag() {
	case "required", "min":
		return ErrEmptyMessage
	case "max":
		return ErrMessageTooLong
	default:
		return ErrInvalidMessage
	}
}

func (h *ExamHandler) sendLookupError(c *fiber.Ctx, err error) error {
	if errors.Is(err, service.ErrSessionNotFound) {
		return utils.SendError(c, fiber.StatusNotFound, utils.CodeSessionNotFound, err.Error())
	}

	logger := middleware.RequestLogger(h.logger, c)
	logger.Error().Err(err).Msg("exam session lookup failed")
	return utils.SendError(c, fiber.StatusInternalServerError, utils.CodeInternal, "internal error")
}
