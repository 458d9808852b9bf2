// Package outcome publishes a record of every finished invocation so that
// operators can follow an execution environment from outside the platform.
package outcome

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	internalnats "github.com/wehubfusion/lambdaruntime/internal/nats"
)

// Status of a finished invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Record describes how one invocation ended.
type Record struct {
	InstanceID    string    `json:"instanceId"`
	RequestID     string    `json:"requestId"`
	FunctionName  string    `json:"functionName,omitempty"`
	Status        Status    `json:"status"`
	ErrorType     string    `json:"errorType,omitempty"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	DurationMs    int64     `json:"durationMs"`
	ResponseBytes int       `json:"responseBytes"`
	Delivered     bool      `json:"delivered"`
	ReportedAt    time.Time `json:"reportedAt"`
}

// Sink receives outcome records. Publishing is best effort: the runtime logs
// a failed publish and moves on.
type Sink interface {
	Publish(ctx context.Context, record Record) error
}

// Nop discards every record.
type Nop struct{}

// Publish implements Sink.
func (Nop) Publish(context.Context, Record) error { return nil }

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes JSON encoded records on a subject.
type NATSSink struct {
	pub     Publisher
	subject string
	conn    *nats.Conn
}

// NewNATSSink publishes through pub on subject.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	return &NATSSink{pub: pub, subject: subject}
}

// DialNATS connects to url and returns a sink that owns the connection.
func DialNATS(ctx context.Context, url, subject string, logger *zap.Logger) (*NATSSink, error) {
	conn, err := internalnats.Connect(ctx, internalnats.DefaultConnectionConfig(url), logger)
	if err != nil {
		return nil, err
	}
	sink := NewNATSSink(conn, subject)
	sink.conn = conn
	return sink, nil
}

// Publish implements Sink.
func (s *NATSSink) Publish(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome record: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("failed to publish outcome to %s: %w", s.subject, err)
	}
	return nil
}

// Close drains the connection opened by DialNATS. It is a no-op for sinks
// built over a caller owned publisher.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return internalnats.Close(s.conn)
}
