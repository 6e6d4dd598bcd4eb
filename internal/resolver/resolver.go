// Package resolver decides the authoritative event time of a record.
package resolver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/arkilian/sink/internal/config"
	serrors "github.com/arkilian/sink/internal/errors"
	"github.com/arkilian/sink/pkg/record"
	"github.com/arkilian/sink/pkg/types"
)

// Resolver returns the timestamp to store with a record's row. It never
// mutates the record.
type Resolver interface {
	Resolve(r *record.SinkRecord) (types.Timespec, error)
}

// IngestionTime uses the upstream record timestamp, so resolution is at
// millisecond granularity.
type IngestionTime struct{}

// Resolve implements Resolver.
func (IngestionTime) Resolve(r *record.SinkRecord) (types.Timespec, error) {
	if !r.HasTimestamp() {
		return types.Timespec{}, resolutionError(r.ID(), "record carries no upstream timestamp", nil)
	}
	return types.TimespecFromMillis(r.Timestamp), nil
}

// Unit scales integer epoch offsets.
type Unit string

const (
	Seconds      Unit = "s"
	Milliseconds Unit = "ms"
	Microseconds Unit = "us"
	Nanoseconds  Unit = "ns"
)

// timespec converts an epoch offset in u to a Timespec.
func (u Unit) timespec(v int64) (types.Timespec, error) {
	switch u {
	case Seconds:
		return types.NewTimespec(v, 0), nil
	case Milliseconds, "":
		return types.TimespecFromMillis(v), nil
	case Microseconds:
		return types.NewTimespec(v/1e6, (v%1e6)*1e3), nil
	case Nanoseconds:
		return types.NewTimespec(0, v), nil
	}
	return types.Timespec{}, fmt.Errorf("unknown unit %q", u)
}

// FieldExtractor reads the event time from a named field of the record
// value. Integer fields are epoch offsets in Unit, string fields are RFC 3339.
type FieldExtractor struct {
	Field string
	Unit  Unit
}

// Resolve implements Resolver.
func (f FieldExtractor) Resolve(r *record.SinkRecord) (types.Timespec, error) {
	raw, err := f.lookup(r)
	if err != nil {
		return types.Timespec{}, resolutionError(r.ID(), err.Error(), nil)
	}
	ts, err := f.parse(raw)
	if err != nil {
		return types.Timespec{}, resolutionError(r.ID(), fmt.Sprintf("field %q", f.Field), err)
	}
	return ts, nil
}

func (f FieldExtractor) lookup(r *record.SinkRecord) (interface{}, error) {
	if r.ValueSchema == nil {
		return nil, fmt.Errorf("record has no value schema")
	}
	switch r.ValueSchema.Type {
	case record.TypeStruct:
		st, ok := r.Value.(*record.Struct)
		if !ok {
			return nil, fmt.Errorf("struct schema with %T value", r.Value)
		}
		v, ok := st.Get(f.Field)
		if !ok || v == nil {
			return nil, fmt.Errorf("field %q is missing", f.Field)
		}
		return v, nil
	case record.TypeString:
		s, ok := r.Value.(string)
		if !ok {
			return nil, fmt.Errorf("string schema with %T value", r.Value)
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(s)))
		dec.UseNumber()
		var obj map[string]interface{}
		if err := dec.Decode(&obj); err != nil {
			return nil, fmt.Errorf("value is not a JSON object: %v", err)
		}
		v, ok := obj[f.Field]
		if !ok || v == nil {
			return nil, fmt.Errorf("field %q is missing", f.Field)
		}
		return v, nil
	}
	return nil, fmt.Errorf("cannot extract a field from a %s value", r.ValueSchema.Type)
}

func (f FieldExtractor) parse(raw interface{}) (types.Timespec, error) {
	switch v := raw.(type) {
	case int8:
		return f.Unit.timespec(int64(v))
	case int16:
		return f.Unit.timespec(int64(v))
	case int32:
		return f.Unit.timespec(int64(v))
	case int64:
		return f.Unit.timespec(v)
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return types.Timespec{}, fmt.Errorf("%s is not an integer epoch offset", v)
		}
		return f.Unit.timespec(i)
	case float32:
		return f.parse(float64(v))
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
			return types.Timespec{}, fmt.Errorf("%v is not an integer epoch offset", v)
		}
		return f.Unit.timespec(int64(v))
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return types.Timespec{}, err
		}
		return types.TimespecFromTime(t), nil
	}
	return types.Timespec{}, fmt.Errorf("unsupported timestamp type %T", raw)
}

// Fallback tries Primary and, when it cannot resolve the record, Secondary.
type Fallback struct {
	Primary   Resolver
	Secondary Resolver
}

// Resolve implements Resolver.
func (f Fallback) Resolve(r *record.SinkRecord) (types.Timespec, error) {
	ts, err := f.Primary.Resolve(r)
	if err == nil || !errors.Is(err, serrors.ErrTimestampResolution) {
		return ts, err
	}
	return f.Secondary.Resolve(r)
}

// FromConfig builds the resolver selected in configuration.
func FromConfig(cfg config.TimestampConfig) (Resolver, error) {
	switch cfg.Resolver {
	case config.ResolverIngestion, "":
		return IngestionTime{}, nil
	case config.ResolverField:
		if cfg.Field == "" {
			return nil, fmt.Errorf("resolver: field resolver requires a field name")
		}
		unit := Unit(cfg.Unit)
		if _, err := unit.timespec(0); err != nil {
			return nil, fmt.Errorf("resolver: %w", err)
		}
		var r Resolver = FieldExtractor{Field: cfg.Field, Unit: unit}
		if cfg.Fallback {
			r = Fallback{Primary: r, Secondary: IngestionTime{}}
		}
		return r, nil
	}
	return nil, fmt.Errorf("resolver: unknown resolver %q", cfg.Resolver)
}

func resolutionError(id record.RecordID, reason string, cause error) error {
	return serrors.NewResolutionError(fmt.Sprintf("record %s: %s", id, reason), cause).
		WithDetails(map[string]interface{}{
			"topic":     id.Topic,
			"partition": id.Partition,
			"offset":    id.Offset,
		})
}
