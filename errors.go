package telegraph

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// error taxonomy at the api boundary
// every api failure is classified into one of these so that callers can
// route it: forced logout, inline validation message, non-blocking retry
// banner, or a local state refresh

// the access token expired and the refresh token could not renew it
// the session must be re-authenticated
type AuthExpiredError struct {
	Message string
}

func (self *AuthExpiredError) Error() string {
	if self.Message == "" {
		return "auth expired"
	}
	return fmt.Sprintf("auth expired: %s", self.Message)
}

// a 4xx with a user-facing message, surfaced inline near the action
type ValidationError struct {
	StatusCode int
	Message    string
}

func (self *ValidationError) Error() string {
	return self.Message
}

// the request never reached the platform or the connection dropped
// retried automatically for the push channel, surfaced as a banner for http
type TransientNetworkError struct {
	Cause error
}

func (self *TransientNetworkError) Error() string {
	return fmt.Sprintf("network error: %s", self.Cause)
}

func (self *TransientNetworkError) Unwrap() error {
	return self.Cause
}

// 403. the platform is the authoritative permission check;
// a rejection here is a normal error, not a defect
type PermissionDeniedError struct {
	Message string
}

func (self *PermissionDeniedError) Error() string {
	if self.Message == "" {
		return "permission denied"
	}
	return self.Message
}

// 404. the referenced channel/message/user no longer exists;
// the store reacts with a local refresh to reconcile
type NotFoundError struct {
	Message string
}

func (self *NotFoundError) Error() string {
	if self.Message == "" {
		return "not found"
	}
	return self.Message
}

// the platform error body is either `{"error": "..."}`, `{"message": "..."}`
// or plain text
func errorMessageFromBody(responseBodyBytes []byte) string {
	var body struct {
		Error   string `json:"error,omitempty"`
		Message string `json:"message,omitempty"`
	}
	if err := json.Unmarshal(responseBodyBytes, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(responseBodyBytes))
}

func classifyStatus(statusCode int, responseBodyBytes []byte) error {
	message := errorMessageFromBody(responseBodyBytes)
	switch statusCode {
	case http.StatusUnauthorized:
		return &AuthExpiredError{Message: message}
	case http.StatusForbidden:
		return &PermissionDeniedError{Message: message}
	case http.StatusNotFound:
		return &NotFoundError{Message: message}
	default:
		if 400 <= statusCode && statusCode < 500 {
			return &ValidationError{
				StatusCode: statusCode,
				Message:    message,
			}
		}
		return &TransientNetworkError{
			Cause: fmt.Errorf("status %d: %s", statusCode, message),
		}
	}
}
