// Package router implements the event router and dead-letter queue: a
// registry of EventType -> handlers, invoked under a timeout with
// exponential backoff retry and dead-letter diversion on exhaustion.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskforge/pipeline/internal/store"
	"github.com/taskforge/pipeline/internal/task"
)

// Handler processes one event. An error triggers the router's retry
// path.
type Handler func(ctx context.Context, e task.Event) error

// Config bounds retry and per-handler timeout behavior.
type Config struct {
	MaxRetries     int
	HandlerTimeout time.Duration
}

// DefaultConfig returns the router's default retry budget and handler
// timeout.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, HandlerTimeout: 10 * time.Second}
}

const dlqBucket = "dlq"

// Router dispatches events to registered handlers by type, retrying on
// failure and diverting to the DLQ once a handler's retry budget is
// exhausted.
type Router struct {
	cfg      Config
	mu       sync.RWMutex
	handlers map[task.EventType][]Handler

	escalate func(ctx context.Context, e task.Event, failureChain []string)
	dlqStore *store.Store

	routed  int64
	failed  int64
	statsMu sync.Mutex
}

// New constructs a Router. dlqStore may be nil, in which case
// dead-lettered events are logged and escalated but not retained:
// Peek and Purge see no records and the DLQ size stays 0.
func New(cfg Config, dlqStore *store.Store, escalate func(ctx context.Context, e task.Event, failureChain []string)) *Router {
	return &Router{
		cfg:      cfg,
		handlers: make(map[task.EventType][]Handler),
		dlqStore: dlqStore,
		escalate: escalate,
	}
}

// On registers a handler for an event type. Multiple handlers for the
// same type are all invoked; any one failing triggers retry/DLQ for
// that handler alone.
func (r *Router) On(t task.EventType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = append(r.handlers[t], h)
}

// Route dispatches e to every handler registered for e.Type, retrying
// each independently with exponential backoff (2^retry_count seconds,
// capped at cfg.MaxRetries) before diverting to the DLQ.
func (r *Router) Route(ctx context.Context, e task.Event) {
	r.mu.RLock()
	handlers := append([]Handler(nil), r.handlers[e.Type]...)
	r.mu.RUnlock()

	for _, h := range handlers {
		r.routeOne(ctx, e, h)
	}
}

func (r *Router) routeOne(ctx context.Context, e task.Event, h Handler) {
	var failureChain []string
	ev := e
	for {
		hctx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
		err := h(hctx, ev)
		cancel()

		r.statsMu.Lock()
		r.routed++
		r.statsMu.Unlock()

		if err == nil {
			return
		}

		failureChain = append(failureChain, err.Error())
		r.statsMu.Lock()
		r.failed++
		r.statsMu.Unlock()

		if ev.DeliveryRetry >= r.cfg.MaxRetries {
			r.divertToDLQ(ctx, ev, failureChain)
			return
		}

		backoff := time.Duration(1<<uint(ev.DeliveryRetry)) * time.Second
		select {
		case <-ctx.Done():
			r.divertToDLQ(ctx, ev, failureChain)
			return
		case <-time.After(backoff):
		}
		ev.DeliveryRetry++
	}
}

// DLQRecord is one dead-lettered event plus why it got there.
type DLQRecord struct {
	Event        task.Event `json:"event"`
	FailureChain []string   `json:"failure_chain"`
	DivertedAt   time.Time  `json:"diverted_at"`
}

func (r *Router) divertToDLQ(ctx context.Context, e task.Event, failureChain []string) {
	rec := DLQRecord{Event: e, FailureChain: failureChain, DivertedAt: time.Now()}
	if r.dlqStore != nil {
		data, err := json.Marshal(rec)
		if err != nil {
			slog.Error("router: marshal dlq record failed", "error", err)
		} else if err := r.dlqStore.Put(dlqBucket, dlqKey(e), data); err != nil {
			slog.Error("router: persist dlq record failed", "error", err)
		}
	}
	slog.Warn("event diverted to dlq", "type", e.Type, "task_id", e.TaskID, "retries", e.DeliveryRetry)

	escalation := task.Event{
		Type:      task.EventEscalate,
		TaskID:    e.TaskID,
		Timestamp: time.Now(),
		Payload: map[string]any{
			"original_event": e,
			"failure_chain":  failureChain,
		},
	}
	if r.escalate != nil {
		r.escalate(ctx, escalation, failureChain)
	}
}

func dlqKey(e task.Event) string {
	return fmt.Sprintf("%s:%s:%d", e.Type, e.TaskID, e.Timestamp.UnixNano())
}

// Peek returns up to limit DLQ records currently persisted.
func (r *Router) Peek(limit int) ([]DLQRecord, error) {
	if r.dlqStore == nil {
		return nil, nil
	}
	var out []DLQRecord
	err := r.dlqStore.ForEach(dlqBucket, func(key string, value []byte) error {
		if limit > 0 && len(out) >= limit {
			return nil
		}
		var rec DLQRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil // skip malformed, don't fail the whole walk
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Purge removes every DLQ record and returns how many were removed.
func (r *Router) Purge() (int, error) {
	if r.dlqStore == nil {
		return 0, nil
	}
	var keys []string
	err := r.dlqStore.ForEach(dlqBucket, func(key string, value []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := r.dlqStore.Delete(dlqBucket, k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// ReEscalate re-sends an ESCALATE event for every DLQ record still
// resident, so an unserviced DLQ doesn't go quiet after each record's
// first escalation. Returns how many records were re-escalated.
func (r *Router) ReEscalate(ctx context.Context) int {
	if r.escalate == nil {
		return 0
	}
	recs, err := r.Peek(0)
	if err != nil {
		slog.Error("router: dlq sweep failed", "error", err)
		return 0
	}
	for _, rec := range recs {
		r.escalate(ctx, task.Event{
			Type:      task.EventEscalate,
			TaskID:    rec.Event.TaskID,
			Timestamp: time.Now(),
			Payload: map[string]any{
				"original_event": rec.Event,
				"failure_chain":  rec.FailureChain,
				"diverted_at":    rec.DivertedAt,
				"resweep":        true,
			},
		}, rec.FailureChain)
	}
	return len(recs)
}

// Stats reports routing counters for the orchestrator's health view.
type Stats struct {
	Routed      int64
	Failed      int64
	DLQSize     int
	FailureRate float64
}

func (r *Router) Stats() Stats {
	r.statsMu.Lock()
	routed, failed := r.routed, r.failed
	r.statsMu.Unlock()

	dlqSize := 0
	if r.dlqStore != nil {
		dlqSize = r.dlqStore.Count(dlqBucket)
	}
	var rate float64
	if routed > 0 {
		rate = float64(failed) / float64(routed)
	}
	return Stats{Routed: routed, Failed: failed, DLQSize: dlqSize, FailureRate: rate}
}
