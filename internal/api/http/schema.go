package http

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/arkilian/sink/internal/projector"
	"github.com/arkilian/sink/pkg/record"
)

// ColumnResponse describes one table column.
type ColumnResponse struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// SchemaResponse represents the schema response.
type SchemaResponse struct {
	Topic     string           `json:"topic"`
	Table     string           `json:"table"`
	Shape     string           `json:"shape"`
	Columns   []ColumnResponse `json:"columns"`
	Schema    *record.Schema   `json:"schema"`
	RequestID string           `json:"request_id"`
}

// SchemaHandler handles GET /v1/tables/{topic}/schema requests, projecting
// the layout of the topic's table into the external schema. The shape query
// parameter selects struct (default) or string.
type SchemaHandler struct {
	sink Sink
}

// NewSchemaHandler creates a new schema handler.
func NewSchemaHandler(sink Sink) *SchemaHandler {
	return &SchemaHandler{sink: sink}
}

// ServeHTTP handles the schema HTTP request.
func (h *SchemaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	topic, ok := topicFromPath(r.URL.Path, "/schema")
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no such resource %s", r.URL.Path), requestID)
		return
	}

	shape, err := projector.ParseShape(r.URL.Query().Get("shape"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	info, err := h.sink.Table(topic)
	if err != nil {
		writeSinkError(w, err, requestID)
		return
	}

	schema, err := projector.Project(shape, info.Table.Columns)
	if err != nil {
		writeSinkError(w, err, requestID)
		return
	}

	resp := SchemaResponse{
		Topic:     topic,
		Table:     info.Table.Name,
		Shape:     shape.String(),
		Columns:   make([]ColumnResponse, 0, len(info.Table.Columns)),
		Schema:    schema,
		RequestID: requestID,
	}
	for _, c := range info.Table.Columns {
		resp.Columns = append(resp.Columns, ColumnResponse{Name: c.Name, Type: c.Type.String()})
	}

	writeJSON(w, http.StatusOK, resp)
}

// topicFromPath extracts the topic from /v1/tables/{topic}<suffix>.
func topicFromPath(path, suffix string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/v1/tables/")
	if !ok {
		return "", false
	}
	topic, ok := strings.CutSuffix(rest, suffix)
	if !ok || topic == "" || strings.Contains(topic, "/") {
		return "", false
	}
	return topic, true
}
