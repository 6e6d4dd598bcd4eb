package record

import (
	"fmt"
	"time"
)

// TimestampType says where a record's timestamp came from.
type TimestampType string

const (
	NoTimestampType TimestampType = "NoTimestampType"
	CreateTime      TimestampType = "CreateTime"
	LogAppendTime   TimestampType = "LogAppendTime"
)

// TopicPartition identifies one ordered upstream log.
type TopicPartition struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// RecordID is the upstream identity of a record.
type RecordID struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

func (id RecordID) String() string {
	return fmt.Sprintf("%s/%d@%d", id.Topic, id.Partition, id.Offset)
}

// TopicPartition drops the offset.
func (id RecordID) TopicPartition() TopicPartition {
	return TopicPartition{Topic: id.Topic, Partition: id.Partition}
}

// SinkRecord is one upstream record handed to the sink. It is never
// modified by the sink.
type SinkRecord struct {
	Topic       string
	Partition   int32
	Offset      int64
	KeySchema   *Schema
	Key         interface{}
	ValueSchema *Schema
	Value       interface{}

	// Timestamp is milliseconds since the epoch, meaningful unless
	// TimestampType is NoTimestampType.
	Timestamp     int64
	TimestampType TimestampType
}

// ID returns the record's identity.
func (r *SinkRecord) ID() RecordID {
	return RecordID{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset}
}

// HasTimestamp reports whether an upstream timestamp is attached.
func (r *SinkRecord) HasTimestamp() bool {
	return r.TimestampType != "" && r.TimestampType != NoTimestampType
}

// Time returns the upstream timestamp.
func (r *SinkRecord) Time() time.Time {
	return time.UnixMilli(r.Timestamp).UTC()
}

func (r *SinkRecord) String() string {
	return fmt.Sprintf("SinkRecord{%s, schema=%s, timestamp=%d/%s}", r.ID(), r.ValueSchema, r.Timestamp, r.TimestampType)
}
