// Package swtch implements the central stateless router: it moves each frame
// from a module's egress queue to the queue(s) named by the frame's
// destination list, in fair round-robin rotation across modules so that no
// single module's egress queue can starve the rest.
package swtch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/finswire/fins"
	"github.com/finswire/fins/internal/obslog"
	"github.com/finswire/fins/moduleid"
	"github.com/finswire/fins/queue"
)

// Stats mirrors the switch's per-process counters, read with Stats.
type Stats struct {
	Delivered  uint64
	Retried    uint64
	QueueFull  uint64 // CTRL_ERROR("queue_full") emitted
	DroppedRaw uint64 // dropped with no identifiable sender
}

// RetryPolicy bounds how hard the switch tries to deliver a frame to a full
// destination queue before giving up.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is a conservative bounded-backoff policy: at most 5
// attempts, starting at 1ms and doubling up to 20ms.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 20 * time.Millisecond}

// delay returns the backoff delay before retry attempt n (0-indexed).
func (p RetryPolicy) delay(n int) time.Duration {
	d := p.BaseDelay << n
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return d
}

// Switch routes frames between the egress and ingress queues of a fixed set
// of modules. It never mutates frame contents and is itself stateless beyond
// its counters and retry policy.
type Switch struct {
	queues map[moduleid.ID]queue.Pair
	order  []moduleid.ID // fixed iteration order for round-robin fairness
	retry  RetryPolicy
	log    *obslog.Logger

	delivered  atomic.Uint64
	retried    atomic.Uint64
	queueFull  atomic.Uint64
	droppedRaw atomic.Uint64
}

// New constructs a Switch over the given module->queue-pair set. modules
// fixes the round-robin iteration order; every id referenced as a frame
// destination anywhere in the fabric must appear here.
func New(modules map[moduleid.ID]queue.Pair, retry RetryPolicy, log *obslog.Logger) *Switch {
	order := make([]moduleid.ID, 0, len(modules))
	for id := range modules {
		order = append(order, id)
	}
	return &Switch{queues: modules, order: order, retry: retry, log: log}
}

// Stats returns a snapshot of the switch's delivery counters.
func (s *Switch) Stats() Stats {
	return Stats{
		Delivered:  s.delivered.Load(),
		Retried:    s.retried.Load(),
		QueueFull:  s.queueFull.Load(),
		DroppedRaw: s.droppedRaw.Load(),
	}
}

// Run drives one round-robin revolution per call until ctx is cancelled. It
// is meant to be the body of the switch's dedicated goroutine.
func (s *Switch) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.revolution(ctx)
	}
}

// revolution visits every module's egress queue once, moving at most one
// frame from each, so that no queue can be starved for longer than one full
// revolution.
func (s *Switch) revolution(ctx context.Context) {
	for _, id := range s.order {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pair, ok := s.queues[id]
		if !ok || pair.Egress == nil {
			continue
		}
		f, err := pair.Egress.TryDequeue()
		if err != nil {
			continue // empty or closed: move on, don't block the revolution
		}
		s.route(ctx, f)
	}
}

// route resolves the frame's next hop and delivers it, retrying with bounded
// backoff on a full destination queue and finally emitting a CTRL_ERROR (or
// dropping, if the sender can't be identified) once the retry budget is
// exhausted.
func (s *Switch) route(ctx context.Context, f fins.Frame) {
	for {
		dest, ok := f.CurrentDest()
		if !ok {
			// Destination list exhausted with nothing left to do: frame is
			// freed (no queue to push onto).
			return
		}
		if dest == moduleid.Switch {
			f = f.Advance()
			continue
		}
		s.deliver(ctx, f, dest)
		return
	}
}

func (s *Switch) deliver(ctx context.Context, f fins.Frame, dest moduleid.ID) {
	pair, ok := s.queues[dest]
	if !ok || pair.Ingress == nil {
		s.dropUndeliverable(f, dest)
		return
	}
	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		if err := pair.Ingress.TryEnqueue(f); err == nil {
			s.delivered.Add(1)
			return
		}
		s.retried.Add(1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.retry.delay(attempt)):
		}
	}
	s.exhausted(f, dest)
}

// exhausted handles a frame whose destination queue stayed full for the
// entire retry budget, per SPEC_FULL.md §4.2: emit CTRL_ERROR("queue_full")
// back to the sender's egress queue if the sender is a known module id, or
// count and drop if the frame carries no identifiable sender. The frame
// being routed here is a data frame in all observed cases (control frames
// are small and rare enough not to saturate a queue in practice), so the
// sender is recovered from the frame's own Metadata-less shape: a data
// frame has no Sender field, so the switch treats it as sender-unknown
// unless a control frame explicitly names one.
func (s *Switch) exhausted(f fins.Frame, dest moduleid.ID) {
	if s.log != nil {
		s.log.Warn("switch: queue_full", "dest", dest)
	}
	if f.Kind == fins.KindControl && f.Sender.Valid() {
		s.queueFull.Add(1)
		errFrame := fins.NewErrorFrame(moduleid.Switch, 0, "queue_full", nil, f.Sender)
		if pair, ok := s.queues[f.Sender]; ok && pair.Ingress != nil {
			_ = pair.Ingress.TryEnqueue(errFrame)
		}
		return
	}
	s.droppedRaw.Add(1)
}

func (s *Switch) dropUndeliverable(f fins.Frame, dest moduleid.ID) {
	if s.log != nil {
		s.log.Warn("switch: no such module", "dest", dest)
	}
	s.droppedRaw.Add(1)
}
