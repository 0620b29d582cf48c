package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"procgenie/backend/pkg/models"
)

// Handler serves the unauthenticated operational endpoints.
type Handler struct {
	Version string
	// HandleHealth runs every check; any error reports the service degraded.
	Checks map[string]func(ctx context.Context) error
}

// NewHandler creates a new Handler with required dependencies
func NewHandler(version string, checks map[string]func(ctx context.Context) error) *Handler {
	return &Handler{Version: version, Checks: checks}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HandleHealth returns 200 when every dependency check passes and 503
// otherwise.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "procgenie-workflow",
		Version:   h.Version,
	}
	code := http.StatusOK
	if len(h.Checks) > 0 {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		status.Checks = make(map[string]string, len(h.Checks))
		for name, check := range h.Checks {
			if err := check(ctx); err != nil {
				status.Checks[name] = err.Error()
				status.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			status.Checks[name] = "ok"
		}
	}
	return c.JSON(code, status)
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	Status   int      `json:"status"`
	Detail   string   `json:"detail"`
	Instance string   `json:"instance,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		httpErr     *echo.HTTPError
		invalidDef  *models.DefinitionValidationError
		exprErr     *models.ExpressionEvaluationError
		unresolved  *models.UnresolvableApproverError
		externalErr *models.ExternalCallError
	)
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Code
	case errors.As(err, &invalidDef):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotAssignee), errors.Is(err, models.ErrDelegationNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, models.ErrConflict),
		errors.Is(err, models.ErrInstanceTerminal),
		errors.Is(err, models.ErrInstanceSuspended),
		errors.Is(err, models.ErrStepNotActive),
		errors.Is(err, models.ErrAlreadyPublished),
		errors.Is(err, models.ErrDepthExceeded):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidInput), errors.As(err, &exprErr), errors.As(err, &unresolved):
		return http.StatusBadRequest
	case errors.As(err, &externalErr), models.IsTransient(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler renders every handler error as RFC 7807 Problem Details.
func ErrorHandler(logger Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := statusFor(err)
		problem := ProblemDetails{
			Type:     "about:blank",
			Title:    http.StatusText(status),
			Status:   status,
			Detail:   err.Error(),
			Instance: c.Request().URL.Path,
		}
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			if msg, ok := httpErr.Message.(string); ok {
				problem.Detail = msg
			}
		}
		var invalidDef *models.DefinitionValidationError
		if errors.As(err, &invalidDef) {
			problem.Errors = invalidDef.Problems
		}
		if status >= http.StatusInternalServerError && logger != nil {
			logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
			if status == http.StatusInternalServerError {
				problem.Detail = "internal error"
			}
		}

		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, problem)
	}
}
