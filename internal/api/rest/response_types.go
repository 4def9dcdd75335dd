package rest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// ResponseEnvelope wraps every API response.
type ResponseEnvelope struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
	Meta    ResponseMeta   `json:"meta"`
}

type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// ErrorResponse carries the AppError code and message plus field-level
// validation failures.
type ErrorResponse struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Fields    map[string]string      `json:"fields,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
}

// ListResponse is the data of list endpoints.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func newList[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items)}
}

func meta(r *http.Request) ResponseMeta {
	return ResponseMeta{
		RequestID: RequestIDFrom(r.Context()),
		Timestamp: time.Now().UTC(),
		Version:   APIVersion,
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, env ResponseEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.WarnContext(r.Context(), "failed to encode response", "error", err)
	}
}

func writeSuccess(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	writeJSON(w, r, status, ResponseEnvelope{Success: true, Data: data, Meta: meta(r)})
}
