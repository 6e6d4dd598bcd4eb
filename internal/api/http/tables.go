package http

import (
	"fmt"
	"net/http"
	"strings"
)

// DiscardResponse is the body of DELETE /v1/tables/{topic}/pending.
type DiscardResponse struct {
	Topic     string `json:"topic"`
	Table     string `json:"table"`
	Discarded int    `json:"discarded"`
	RequestID string `json:"request_id"`
}

// PendingHandler handles DELETE /v1/tables/{topic}/pending, dropping the
// rows still buffered for the topic's table. After a failed flush these are
// the rows from the failing one on.
type PendingHandler struct {
	sink Sink
}

// NewPendingHandler creates a new pending handler.
func NewPendingHandler(sink Sink) *PendingHandler {
	return &PendingHandler{sink: sink}
}

// ServeHTTP handles the discard HTTP request.
func (h *PendingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}
	topic, ok := topicFromPath(r.URL.Path, "/pending")
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no such resource %s", r.URL.Path), requestID)
		return
	}

	info, err := h.sink.Table(topic)
	if err != nil {
		writeSinkError(w, err, requestID)
		return
	}
	n, err := h.sink.Discard(topic)
	if err != nil {
		writeSinkError(w, err, requestID)
		return
	}

	writeJSON(w, http.StatusOK, DiscardResponse{
		Topic:     topic,
		Table:     info.Table.Name,
		Discarded: n,
		RequestID: requestID,
	})
}

// TablesHandler routes /v1/tables/{topic}/... to the schema and pending
// handlers.
type TablesHandler struct {
	schema  *SchemaHandler
	pending *PendingHandler
}

// NewTablesHandler creates a new tables handler.
func NewTablesHandler(sink Sink) *TablesHandler {
	return &TablesHandler{
		schema:  NewSchemaHandler(sink),
		pending: NewPendingHandler(sink),
	}
}

// ServeHTTP dispatches on the last path element.
func (h *TablesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/pending"):
		h.pending.ServeHTTP(w, r)
	default:
		h.schema.ServeHTTP(w, r)
	}
}
