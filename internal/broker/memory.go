package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memMessage struct {
	body       []byte
	deliveries int
	receipt    string
	deadline   time.Time
	deadAt     time.Time
	reason     string
}

// MemoryBroker is an in-process Broker with the same delivery rules as
// RedisBroker. The clock is injectable so tests can expire visibility
// timeouts without sleeping.
type MemoryBroker struct {
	mu       sync.Mutex
	now      func() time.Time
	opts     Options
	msgs     map[string]*memMessage
	ready    []string
	inflight map[string]bool
	dead     map[string]bool

	onDeadLetter DeadLetterFunc

	// FailEnqueue, when set, makes Enqueue fail with it.
	FailEnqueue error
}

// NewMemoryBroker creates an empty MemoryBroker. A nil clock means time.Now.
func NewMemoryBroker(opts Options, now func() time.Time) *MemoryBroker {
	if now == nil {
		now = time.Now
	}
	return &MemoryBroker{
		now:      now,
		opts:     opts.withDefaults(),
		msgs:     make(map[string]*memMessage),
		inflight: make(map[string]bool),
		dead:     make(map[string]bool),
	}
}

func (b *MemoryBroker) OnDeadLetter(fn DeadLetterFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDeadLetter = fn
}

func (b *MemoryBroker) Ping(ctx context.Context) error { return nil }

func (b *MemoryBroker) Enqueue(ctx context.Context, body []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailEnqueue != nil {
		return "", b.FailEnqueue
	}
	id := uuid.NewString()
	b.msgs[id] = &memMessage{body: append([]byte(nil), body...)}
	b.ready = append(b.ready, id)
	return id, nil
}

func (b *MemoryBroker) Dequeue(ctx context.Context) (*Delivery, error) {
	b.mu.Lock()
	now := b.now()
	b.purgeLocked(now)
	dls := b.reclaimLocked(now)

	var d *Delivery
	if len(b.ready) > 0 {
		id := b.ready[0]
		b.ready = b.ready[1:]
		m := b.msgs[id]
		m.deliveries++
		m.receipt = makeReceipt(id, m.deliveries)
		m.deadline = now.Add(b.opts.VisibilityTimeout)
		b.inflight[id] = true
		d = &Delivery{ID: id, Body: append([]byte(nil), m.body...), Receipt: m.receipt, Attempt: m.deliveries}
	}
	fn := b.onDeadLetter
	b.mu.Unlock()

	if fn != nil {
		for _, dl := range dls {
			fn(ctx, dl)
		}
	}
	if d == nil {
		return nil, ErrEmpty
	}
	return d, nil
}

func (b *MemoryBroker) reclaimLocked(now time.Time) []DeadLetter {
	var expired []string
	for id := range b.inflight {
		if !now.Before(b.msgs[id].deadline) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)

	var dls []DeadLetter
	for _, id := range expired {
		m := b.msgs[id]
		delete(b.inflight, id)
		m.receipt = ""
		if m.deliveries >= b.opts.MaxDeliveries {
			dls = append(dls, b.killLocked(id, now, ReasonVisibilityExpired))
		} else {
			b.ready = append(b.ready, id)
		}
	}
	return dls
}

func (b *MemoryBroker) killLocked(id string, now time.Time, reason string) DeadLetter {
	m := b.msgs[id]
	m.deadAt = now
	m.reason = reason
	b.dead[id] = true
	return DeadLetter{ID: id, Body: append([]byte(nil), m.body...), Deliveries: m.deliveries, Reason: reason, DeadAt: now}
}

func (b *MemoryBroker) purgeLocked(now time.Time) {
	if b.opts.DeadLetterRetention <= 0 {
		return
	}
	for id := range b.dead {
		if now.Sub(b.msgs[id].deadAt) > b.opts.DeadLetterRetention {
			delete(b.dead, id)
			delete(b.msgs, id)
		}
	}
}

// currentLocked returns the in-flight message a receipt refers to, if still valid.
func (b *MemoryBroker) currentLocked(receipt string) (string, *memMessage, bool) {
	id, _, ok := parseReceipt(receipt)
	if !ok || !b.inflight[id] {
		return "", nil, false
	}
	m := b.msgs[id]
	if m.receipt != receipt {
		return "", nil, false
	}
	return id, m, true
}

func (b *MemoryBroker) Ack(ctx context.Context, receipt string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, _, ok := b.currentLocked(receipt)
	if !ok {
		return ErrStaleReceipt
	}
	delete(b.inflight, id)
	delete(b.msgs, id)
	return nil
}

func (b *MemoryBroker) Nack(ctx context.Context, receipt string) error {
	b.mu.Lock()
	id, m, ok := b.currentLocked(receipt)
	if !ok {
		b.mu.Unlock()
		return ErrStaleReceipt
	}
	delete(b.inflight, id)
	m.receipt = ""

	var dl *DeadLetter
	if m.deliveries >= b.opts.MaxDeliveries {
		d := b.killLocked(id, b.now(), ReasonNacked)
		dl = &d
	} else {
		b.ready = append(b.ready, id)
	}
	fn := b.onDeadLetter
	b.mu.Unlock()

	if dl != nil && fn != nil {
		fn(ctx, *dl)
	}
	return nil
}

func (b *MemoryBroker) Extend(ctx context.Context, receipt string, d time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, m, ok := b.currentLocked(receipt)
	if !ok {
		return ErrStaleReceipt
	}
	m.deadline = b.now().Add(d)
	return nil
}

func (b *MemoryBroker) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetter, 0, len(b.dead))
	for id := range b.dead {
		m := b.msgs[id]
		out = append(out, DeadLetter{
			ID: id, Body: append([]byte(nil), m.body...), Deliveries: m.deliveries,
			Reason: m.reason, DeadAt: m.deadAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadAt.After(out[j].DeadAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *MemoryBroker) DeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dead[id] {
		return nil, ErrNotDeadLettered
	}
	m := b.msgs[id]
	return &DeadLetter{
		ID: id, Body: append([]byte(nil), m.body...), Deliveries: m.deliveries,
		Reason: m.reason, DeadAt: m.deadAt,
	}, nil
}

func (b *MemoryBroker) Discard(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dead[id] {
		return ErrNotDeadLettered
	}
	delete(b.dead, id)
	delete(b.msgs, id)
	return nil
}

func (b *MemoryBroker) Replay(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dead[id] {
		return ErrNotDeadLettered
	}
	delete(b.dead, id)
	m := b.msgs[id]
	m.deliveries = 0
	m.reason = ""
	m.deadAt = time.Time{}
	b.ready = append(b.ready, id)
	return nil
}

// Len reports the number of ready and in-flight messages.
func (b *MemoryBroker) Len() (ready, inflight int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready), len(b.inflight)
}
