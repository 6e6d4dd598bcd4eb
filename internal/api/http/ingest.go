package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/arkilian/sink/pkg/record"
	"github.com/arkilian/sink/pkg/types"
)

// Sink is the task the handlers deliver to.
type Sink interface {
	Put(ctx context.Context, records []*record.SinkRecord) error
	Flush(ctx context.Context) (map[record.TopicPartition]int64, error)
	Table(topic string) (types.TableInfo, error)
	Discard(topic string) (int, error)
}

// RecordEnvelope is one record in the JSON converter's envelope layout.
// Timestamp is epoch milliseconds; without it the record carries no
// upstream time.
type RecordEnvelope struct {
	Topic     string          `json:"topic"`
	Partition int32           `json:"partition"`
	Offset    int64           `json:"offset"`
	Timestamp *int64          `json:"timestamp,omitempty"`
	Schema    json.RawMessage `json:"schema"`
	Payload   json.RawMessage `json:"payload"`
}

// RecordsRequest is the body of POST /v1/records.
type RecordsRequest struct {
	Records []RecordEnvelope `json:"records"`
}

// CommittedOffset is the next offset to consume for a topic partition.
type CommittedOffset struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

// RecordsResponse represents the ingest response.
type RecordsResponse struct {
	Accepted  int               `json:"accepted"`
	Committed []CommittedOffset `json:"committed,omitempty"`
	RequestID string            `json:"request_id"`
}

// RecordsHandler handles POST /v1/records requests. With ?flush=true the
// batch is flushed before responding and the committable offsets returned.
type RecordsHandler struct {
	sink Sink
}

// NewRecordsHandler creates a new records handler.
func NewRecordsHandler(sink Sink) *RecordsHandler {
	return &RecordsHandler{sink: sink}
}

// ServeHTTP handles the records HTTP request.
func (h *RecordsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req RecordsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "records must not be empty", requestID)
		return
	}

	records, err := decodeRecords(req.Records)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	if err := h.sink.Put(r.Context(), records); err != nil {
		logger.Warn().Err(err).Str("request_id", requestID).Int("records", len(records)).Msg("put failed")
		writeSinkError(w, err, requestID)
		return
	}

	resp := RecordsResponse{
		Accepted:  len(records),
		RequestID: requestID,
	}

	if r.URL.Query().Get("flush") == "true" {
		committed, err := h.sink.Flush(r.Context())
		if err != nil {
			logger.Error().Err(err).Str("request_id", requestID).Msg("flush failed")
			writeSinkError(w, err, requestID)
			return
		}
		resp.Committed = committedOffsets(committed)
	}

	writeJSON(w, http.StatusOK, resp)
}

func decodeRecords(envelopes []RecordEnvelope) ([]*record.SinkRecord, error) {
	records := make([]*record.SinkRecord, 0, len(envelopes))
	for i, env := range envelopes {
		if env.Topic == "" {
			return nil, fmt.Errorf("record %d: topic is required", i)
		}
		schema, err := record.DecodeSchema(env.Schema)
		if err != nil {
			return nil, fmt.Errorf("record %d: %v", i, err)
		}
		var value interface{}
		if len(env.Payload) > 0 {
			value, err = record.DecodeValue(schema, env.Payload)
			if err != nil {
				return nil, fmt.Errorf("record %d: %v", i, err)
			}
		}

		rec := &record.SinkRecord{
			Topic:         env.Topic,
			Partition:     env.Partition,
			Offset:        env.Offset,
			ValueSchema:   schema,
			Value:         value,
			TimestampType: record.NoTimestampType,
		}
		if env.Timestamp != nil {
			rec.Timestamp = *env.Timestamp
			rec.TimestampType = record.CreateTime
		}
		records = append(records, rec)
	}
	return records, nil
}

func committedOffsets(m map[record.TopicPartition]int64) []CommittedOffset {
	out := make([]CommittedOffset, 0, len(m))
	for tp, off := range m {
		out = append(out, CommittedOffset{Topic: tp.Topic, Partition: tp.Partition, Offset: off})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}
