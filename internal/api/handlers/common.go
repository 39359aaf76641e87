// Package handlers provides HTTP request handlers for the reconmap API.
// This file contains common utilities shared across all handlers to reduce
// code duplication and provide consistent patterns.
package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/anstrom/reconmap/internal/advisor"
	"github.com/anstrom/reconmap/internal/api/middleware"
	"github.com/anstrom/reconmap/internal/dispatcher"
	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/resolve"
	"github.com/anstrom/reconmap/internal/scheduler"
)

// maxRequestSize bounds JSON request bodies.
const maxRequestSize = 10 * 1024 * 1024

var validate = validator.New()

// PaginationParams holds pagination parameters.
type PaginationParams struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Offset   int `json:"offset"`
}

// PaginatedResponse represents a paginated API response.
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Pagination struct {
		Page       int   `json:"page"`
		PageSize   int   `json:"page_size"`
		TotalItems int64 `json:"total_items"`
		TotalPages int   `json:"total_pages"`
	} `json:"pagination"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// getRequestIDFromContext extracts request ID from context.
func getRequestIDFromContext(ctx context.Context) string {
	return middleware.RequestIDFromContext(ctx)
}

// getQueryParamInt extracts integer query parameter with default value.
func getQueryParamInt(r *http.Request, key string, defaultValue int) (int, error) {
	if value := r.URL.Query().Get(key); value != "" {
		return strconv.Atoi(value)
	}
	return defaultValue, nil
}

// getQueryParamBool extracts a boolean query parameter. Unparseable values
// are treated as false.
func getQueryParamBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}

// extractUUIDFromPath extracts UUID from URL path parameter.
func extractUUIDFromPath(r *http.Request) (uuid.UUID, error) {
	idStr, exists := mux.Vars(r)["id"]
	if !exists {
		return uuid.Nil, fmt.Errorf("id not provided")
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id: %s", idStr)
	}

	return id, nil
}

// extractStringFromPath extracts a non-empty path parameter.
func extractStringFromPath(r *http.Request, key string) (string, error) {
	value, exists := mux.Vars(r)[key]
	if !exists {
		return "", fmt.Errorf("%s not provided", key)
	}
	if strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%s cannot be empty", key)
	}
	return value, nil
}

// getPaginationParams extracts pagination parameters from request.
func getPaginationParams(r *http.Request) (PaginationParams, error) {
	const (
		defaultPage     = 1
		defaultPageSize = 50
		maxPageSize     = 1000
	)

	page, err := getQueryParamInt(r, "page", defaultPage)
	if err != nil {
		return PaginationParams{}, fmt.Errorf("invalid page parameter: %w", err)
	}

	pageSize, err := getQueryParamInt(r, "page_size", defaultPageSize)
	if err != nil {
		return PaginationParams{}, fmt.Errorf("invalid page_size parameter: %w", err)
	}

	if page < 1 {
		page = defaultPage
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	return PaginationParams{
		Page:     page,
		PageSize: pageSize,
		Offset:   (page - 1) * pageSize,
	}, nil
}

// paginate returns the page of items selected by params.
func paginate[T any](items []T, params PaginationParams) []T {
	if params.Offset >= len(items) {
		return []T{}
	}
	end := params.Offset + params.PageSize
	if end > len(items) {
		end = len(items)
	}
	return items[params.Offset:end]
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// The status line is already out; only log.
		logging.Error("Failed to encode JSON response",
			"request_id", getRequestIDFromContext(r.Context()),
			"error", err)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	response := ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: getRequestIDFromContext(r.Context()),
	}
	if code := errors.GetCode(err); code != errors.CodeUnknown {
		response.Code = string(code)
	}

	writeJSON(w, r, statusCode, response)
}

// writePaginatedResponse writes a paginated response.
func writePaginatedResponse(
	w http.ResponseWriter,
	r *http.Request,
	data interface{},
	params PaginationParams,
	totalItems int64,
) {
	totalPages := int((totalItems + int64(params.PageSize) - 1) / int64(params.PageSize))

	response := PaginatedResponse{Data: data}
	response.Pagination.Page = params.Page
	response.Pagination.PageSize = params.PageSize
	response.Pagination.TotalItems = totalItems
	response.Pagination.TotalPages = totalPages

	writeJSON(w, r, http.StatusOK, response)
}

// parseJSON decodes the request body into dest and validates its struct
// tags.
func parseJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return fmt.Errorf("request body is empty")
	}

	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestSize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	decoder.UseNumber()

	if err := decoder.Decode(dest); err != nil {
		var maxErr *http.MaxBytesError
		if stderrors.As(err, &maxErr) {
			return fmt.Errorf("request body too large (max 10MB)")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := validate.Struct(dest); err != nil {
		return validationError(err)
	}
	return nil
}

// validationError flattens validator errors into one message.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return errors.NewCommandError(errors.CodeValidation, err.Error(), "")
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
	}
	return errors.NewCommandError(errors.CodeValidation, "validation failed: "+strings.Join(parts, ", "), "")
}

// statusForError maps session, store and scheduler errors onto HTTP
// statuses.
func statusForError(err error) int {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case stderrors.Is(err, dispatcher.ErrStopped),
		stderrors.Is(err, resolve.ErrNoServers),
		stderrors.Is(err, advisor.ErrNoAsker):
		return http.StatusServiceUnavailable
	case stderrors.Is(err, scheduler.ErrJobNotFound):
		return http.StatusNotFound
	}

	switch errors.GetCode(err) {
	case errors.CodeNotFound, errors.CodeFileNotFound:
		return http.StatusNotFound
	case errors.CodeValidation, errors.CodeParseFailed:
		return http.StatusBadRequest
	case errors.CodeConflict:
		return http.StatusConflict
	case errors.CodeImportFailed:
		return http.StatusUnprocessableEntity
	case errors.CodeTimeout:
		return http.StatusGatewayTimeout
	case errors.CodeDatabaseConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError writes the response for a failed operation. Server side
// failures are logged; client errors are not.
func handleError(
	w http.ResponseWriter,
	r *http.Request,
	err error,
	operation, entityType string,
	logger *logging.Logger,
) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		logger.Error(fmt.Sprintf("Failed to %s %s", operation, entityType),
			"request_id", getRequestIDFromContext(r.Context()),
			"error", err)
	}
	if status == http.StatusNotFound && errors.IsNotFound(err) {
		writeError(w, r, status, err)
		return
	}
	writeError(w, r, status, fmt.Errorf("failed to %s %s: %w", operation, entityType, err))
}

var (
	errNoCommands  = stderrors.New("no command has completed yet")
	errInvalidTail = stderrors.New("tail must be a non-negative integer")
)

var errNoProjectPath = stderrors.New("no project path configured")

var (
	errNoStore     = stderrors.New("snapshot store not configured")
	errNoScheduler = stderrors.New("scheduler not running")
)
