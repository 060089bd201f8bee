package utils

import "github.com/gofiber/fiber/v2"

// Error codes returned in the error envelope.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeSessionNotFound = "session_not_found"
	CodeInternal        = "internal_error"
)

// APIResponse describes the common structure for API responses.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message"`
	Error   *APIError   `json:"error,omitempty"`
}

// APIError carries a machine-readable code and optional details.
type APIError struct {
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

// SendSuccess sends a successful JSON response with a message.
func SendSuccess(c *fiber.Ctx, message string, data interface{}) error {
	return SendSuccessWithStatus(c, fiber.StatusOK, message, data)
}

// SendCreated sends a 201 response for newly allocated resources.
func SendCreated(c *fiber.Ctx, message string, data interface{}) error {
	return SendSuccessWithStatus(c, fiber.StatusCreated, message, data)
}

// SendSuccessWithStatus sends a success payload using the provided HTTP status code.
func SendSuccessWithStatus(c *fiber.Ctx, status int, message string, data interface{}) error {
	if message == "" {
		message = "success"
	}
	if status == 0 {
		status = fiber.StatusOK
	}

	return c.Status(status).JSON(APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// SendError sends an error JSON response with the given status code.
func SendError(c *fiber.Ctx, status int, code, message string) error {
	return SendErrorWithDetails(c, status, code, message, nil)
}

// SendErrorWithDetails sends an error response that also carries structured details.
func SendErrorWithDetails(c *fiber.Ctx, status int, code, message string, details interface{}) error {
	if message == "" {
		message = "error"
	}
	if code == "" {
		code = CodeInternal
	}

	return c.Status(status).JSON(APIResponse{
		Success: false,
		Message: message,
		Error:   &APIError{Code: code, Details: details},
	})
}
