package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON shape of every error response.
type Body struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Info    map[string]any `json:"info"`
}

// ToBody renders err for a client. Errors that are not *Error become an
// unknown error carrying the original message.
func ToBody(err error) Body {
	var appErr *Error
	if errors.As(err, &appErr) {
		info := appErr.Info
		if info == nil {
			info = map[string]any{}
		}
		return Body{Code: appErr.Code, Message: appErr.Message, Info: info}
	}
	return Body{
		Code:    CodeUnknown,
		Message: "Unknown error: " + err.Error(),
		Info:    map[string]any{"message": err.Error()},
	}
}
