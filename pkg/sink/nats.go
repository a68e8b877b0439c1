package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Conduit/pkg/concurrency"
	"github.com/wehubfusion/Conduit/pkg/record"
)

// Message headers set on every published record.
const (
	HeaderRecordID  = "Conduit-Record-Id"
	HeaderStage     = "Conduit-Stage"
	HeaderErrorCode = "Conduit-Error-Code"
	HeaderEventType = "Conduit-Event-Type"
)

// Publisher is the part of *nats.Conn the sink uses.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// NATSConfig configures a NATSSink.
type NATSConfig struct {
	Subject string
	// MaxRetries is the number of extra attempts for a failed publish
	MaxRetries int
	RetryWait  time.Duration
	// FailureThreshold consecutive failed records open the circuit breaker
	FailureThreshold int64
	// ResetTimeout is how long the breaker stays open
	ResetTimeout time.Duration
}

// ApplyDefaults fills unset fields.
func (c *NATSConfig) ApplyDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryWait <= 0 {
		c.RetryWait = time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
}

// NATSSink publishes each record's JSON envelope to a subject. It is used
// for error and event records. After repeated publish failures its circuit
// breaker opens and writes fail fast until the server recovers.
type NATSSink struct {
	pub     Publisher
	cfg     NATSConfig
	breaker *concurrency.CircuitBreaker
	logger  *zap.Logger
}

// NewNATSSink creates a sink publishing through pub.
func NewNATSSink(pub Publisher, cfg NATSConfig, logger *zap.Logger) (*NATSSink, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if cfg.Subject == "" {
		return nil, errors.New("subject is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	return &NATSSink{
		pub:     pub,
		cfg:     cfg,
		breaker: concurrency.NewCircuitBreaker(cfg.FailureThreshold, cfg.ResetTimeout),
		logger:  logger,
	}, nil
}

// Subject returns the subject records are published to.
func (s *NATSSink) Subject() string {
	return s.cfg.Subject
}

// Write publishes recs in order and flushes. It stops at the first record
// that cannot be published.
func (s *NATSSink) Write(ctx context.Context, recs []*record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	for _, rec := range recs {
		msg, err := s.message(rec)
		if err != nil {
			return err
		}
		err = s.breaker.Do(func() error { return s.publish(ctx, msg) })
		if err != nil {
			s.logger.Error("Failed to publish record",
				zap.String("subject", s.cfg.Subject),
				zap.String("record", rec.Header().ID()),
				zap.Error(err))
			return fmt.Errorf("publish record %s to %s: %w", rec.Header().ID(), s.cfg.Subject, err)
		}
	}
	if err := s.pub.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", s.cfg.Subject, err)
	}
	s.logger.Debug("Published records", zap.String("subject", s.cfg.Subject), zap.Int("count", len(recs)))
	return nil
}

func (s *NATSSink) message(rec *record.Record) (*nats.Msg, error) {
	data, err := record.Encode(rec)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(s.cfg.Subject)
	msg.Data = data
	h := rec.Header()
	msg.Header.Set(HeaderRecordID, h.ID())
	msg.Header.Set(HeaderStage, h.StageCreator())
	if info := h.ErrorInfo(); info != nil {
		msg.Header.Set(HeaderStage, info.StageID)
		msg.Header.Set(HeaderErrorCode, info.Code)
	}
	if typ, ok := h.Attribute(record.EventTypeAttr); ok {
		msg.Header.Set(HeaderEventType, typ)
	}
	return msg, nil
}

// publish retries a failed publish up to MaxRetries times.
func (s *NATSSink) publish(ctx context.Context, msg *nats.Msg) error {
	var err error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.RetryWait):
			}
		}
		if err = s.pub.PublishMsg(msg); err == nil {
			return nil
		}
		s.logger.Warn("Publish attempt failed",
			zap.String("subject", msg.Subject),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return err
}

// Close is a no-op; the connection is owned by the caller.
func (s *NATSSink) Close() error { return nil }

var (
	_ Sink      = (*NATSSink)(nil)
	_ Publisher = (*nats.Conn)(nil)
)
