// Package audit emits one event per proxied request to configured sinks.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/monoklix/mediaproxy/internal/config"
	"github.com/monoklix/mediaproxy/internal/redact"
)

// Decision is the outcome of a request from the proxy's perspective.
type Decision string

const (
	DecisionAllow              Decision = "allow"
	DecisionAuthMissing        Decision = "auth_missing"
	DecisionRecaptchaRejected  Decision = "recaptcha_rejected"
	DecisionUpstreamError      Decision = "upstream_error"
	DecisionUpstreamRiskNeeded Decision = "upstream_risk_required"
	DecisionBadRequest         Decision = "bad_request"
	DecisionLocalError         Decision = "local_error"
)

// Event is the canonical audit payload.
type Event struct {
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"request_id"`
	Route          string    `json:"route"`
	Method         string    `json:"method"`
	Username       string    `json:"username"`
	Decision       Decision  `json:"decision"`
	Status         int       `json:"status"`
	UpstreamStatus int       `json:"upstream_status,omitempty"`
	RecaptchaScore *float64  `json:"recaptcha_score,omitempty"`
	DurationMs     float64   `json:"duration_ms"`
}

// Sink consumes audit events (stdout, file, webhook).
type Sink interface {
	Name() string
	Deliver(context.Context, *Event) error
	Close(context.Context) error
}

// Metrics holds delivery counters for observation/testing.
type Metrics struct {
	mu       sync.Mutex
	enqueued uint64
	dropped  uint64
	success  map[string]uint64
	failure  map[string]uint64
}

func (m *Metrics) Enqueued() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enqueued
}

func (m *Metrics) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

func (m *Metrics) SinkSuccess(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.success[name]
}

// Emitter buffers and delivers audit events to sinks without blocking the
// request path.
type Emitter struct {
	queue   chan *Event
	sinks   []Sink
	metrics *Metrics

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// EmitterConfig controls queue and worker sizing.
type EmitterConfig struct {
	QueueSize int
	Workers   int
}

// NewEmitter starts background workers delivering to the provided sinks.
func NewEmitter(cfg EmitterConfig, sinks []Sink) *Emitter {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	em := &Emitter{
		queue: make(chan *Event, queueSize),
		sinks: sinks,
		metrics: &Metrics{
			success: make(map[string]uint64, len(sinks)),
			failure: make(map[string]uint64, len(sinks)),
		},
	}

	for i := 0; i < workers; i++ {
		em.wg.Add(1)
		go em.worker()
	}

	return em
}

// NewFromConfig builds sinks from config and wraps them in an Emitter.
func NewFromConfig(cfg config.AuditConfig) (*Emitter, error) {
	sinks := make([]Sink, 0, len(cfg.Sinks))
	for i, sc := range cfg.Sinks {
		switch sc.Type {
		case "stdout":
			sinks = append(sinks, NewStdoutSink())
		case "file_jsonl":
			s, err := NewFileSink(sc.Path)
			if err != nil {
				return nil, fmt.Errorf("audit sink %d: %w", i, err)
			}
			sinks = append(sinks, s)
		case "webhook":
			s, err := NewWebhookSink(sc.URL, sc.Headers, 0)
			if err != nil {
				return nil, fmt.Errorf("audit sink %d: %w", i, err)
			}
			sinks = append(sinks, s)
		default:
			return nil, fmt.Errorf("audit sink %d has unknown type %q", i, sc.Type)
		}
	}
	return NewEmitter(EmitterConfig{}, sinks), nil
}

// Emit enqueues an event; full queue drops rather than blocking a request.
func (e *Emitter) Emit(ev *Event) {
	if e == nil || ev == nil {
		return
	}
	select {
	case e.queue <- ev:
		e.metrics.mu.Lock()
		e.metrics.enqueued++
		e.metrics.mu.Unlock()
	default:
		e.metrics.mu.Lock()
		e.metrics.dropped++
		e.metrics.mu.Unlock()
	}
}

// Metrics exposes delivery counters.
func (e *Emitter) Metrics() *Metrics {
	if e == nil {
		return &Metrics{}
	}
	return e.metrics
}

// Close drains the queue and closes sinks.
func (e *Emitter) Close(ctx context.Context) {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		close(e.queue)
	})
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	for _, s := range e.sinks {
		if err := s.Close(ctx); err != nil {
			redact.Logf("audit: close sink %s: %v", s.Name(), err)
		}
	}
}

func (e *Emitter) worker() {
	defer e.wg.Done()
	for ev := range e.queue {
		for _, s := range e.sinks {
			if err := s.Deliver(context.Background(), ev); err != nil {
				redact.Logf("audit: deliver to %s failed: %v", s.Name(), err)
				e.metrics.mu.Lock()
				e.metrics.failure[s.Name()]++
				e.metrics.mu.Unlock()
				continue
			}
			e.metrics.mu.Lock()
			e.metrics.success[s.Name()]++
			e.metrics.mu.Unlock()
		}
	}
}
