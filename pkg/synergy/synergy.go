// Package synergy implements the shared knowledge store agents read and
// write so that one agent's experience influences the others.
//
// A Layer is a single authoritative key → value mapping. Every write records
// provenance (source agent, time, sequence number) and is appended to a
// bounded audit log, so last-writer-wins stays traceable. Agents may also
// post fire-and-forget messages into a bounded mailbox; delivered messages
// become ordinary entries.
package synergy

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cogpy/lemonade-cog/pkg/errmodel"
)

// Provenance records who wrote an entry and when.
type Provenance struct {
	Agent string    `json:"agent"`
	Peer  string    `json:"peer,omitempty"`
	At    time.Time `json:"at"`
	Seq   uint64    `json:"seq"`
}

// Entry is one knowledge entry.
type Entry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	Provenance
}

// Op names an audit record's operation.
type Op string

const (
	OpShare   Op = "share"
	OpDeliver Op = "deliver"
	OpEvict   Op = "evict"
)

// AuditRecord is one line of the insertion-order audit log.
type AuditRecord struct {
	Seq   uint64    `json:"seq"`
	Op    Op        `json:"op"`
	Key   string    `json:"key"`
	Agent string    `json:"agent"`
	At    time.Time `json:"at"`
}

// Stats is a point-in-time copy of the layer's counters.
type Stats struct {
	Entries   int    `json:"entries"`
	Shared    uint64 `json:"shared"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Evicted   uint64 `json:"evicted"`
	Queued    int    `json:"queued"`
}

// Layer is safe for concurrent use.
type Layer struct {
	mu      sync.RWMutex
	entries map[string]Entry
	audit   []AuditRecord
	seq     uint64
	shared  uint64
	evicted uint64

	ttl      time.Duration
	auditCap int

	box    mailbox
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Layer.
type Option func(*Layer)

// WithTTL expires entries d after their last write; 0 keeps them forever.
func WithTTL(d time.Duration) Option { return func(l *Layer) { l.ttl = max(d, 0) } }

// WithMailboxSize bounds the number of undelivered messages.
func WithMailboxSize(n int) Option {
	return func(l *Layer) {
		if n > 0 {
			l.box.size = n
		}
	}
}

// WithAuditCap bounds the audit log; 0 keeps every record.
func WithAuditCap(n int) Option { return func(l *Layer) { l.auditCap = max(n, 0) } }

func WithClock(now func() time.Time) Option {
	return func(l *Layer) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(lg *zap.Logger) Option {
	return func(l *Layer) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// New returns an empty layer. Defaults: no TTL, mailbox of 256, audit cap 1024.
func New(opts ...Option) *Layer {
	l := &Layer{
		entries:  map[string]Entry{},
		auditCap: 1024,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	l.box.size = 256
	for _, o := range opts {
		o(l)
	}
	l.box.notify = make(chan struct{}, 1)
	l.logger = l.logger.Named("synergy")
	return l
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errmodel.Validation("bad_key", "knowledge key is empty", nil)
	}
	if len(key) > 256 {
		return errmodel.Validation("bad_key", fmt.Sprintf("knowledge key longer than 256 bytes (%d)", len(key)), nil)
	}
	return nil
}

// Share upserts key with value and records source as provenance. It fails
// only on a malformed key.
func (l *Layer) Share(key string, value any, source string) error {
	if err := validKey(key); err != nil {
		return err
	}
	l.mu.Lock()
	l.putLocked(key, value, Provenance{Agent: source}, OpShare)
	l.shared++
	l.mu.Unlock()
	return nil
}

func (l *Layer) putLocked(key string, value any, p Provenance, op Op) {
	l.seq++
	p.Seq = l.seq
	p.At = l.now()
	l.entries[key] = Entry{Key: key, Value: value, Provenance: p}
	l.appendAuditLocked(AuditRecord{Seq: p.Seq, Op: op, Key: key, Agent: p.Agent, At: p.At})
}

func (l *Layer) appendAuditLocked(r AuditRecord) {
	l.audit = append(l.audit, r)
	if l.auditCap > 0 && len(l.audit) > l.auditCap {
		drop := len(l.audit) - l.auditCap
		n := copy(l.audit, l.audit[drop:])
		l.audit = l.audit[:n]
	}
}

func (l *Layer) expiredLocked(e Entry, now time.Time) bool {
	return l.ttl > 0 && now.Sub(e.At) >= l.ttl
}

// Query returns the current entry for key. A missing or expired key is
// reported as absent, never as an error.
func (l *Layer) Query(key string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[key]
	if !ok || l.expiredLocked(e, l.now()) {
		return Entry{}, false
	}
	return e, true
}

// Recall is Query reduced to value and source agent.
func (l *Layer) Recall(key string) (any, string, bool) {
	e, ok := l.Query(key)
	if !ok {
		return nil, "", false
	}
	return e.Value, e.Agent, true
}

// Keys lists live keys in write order.
func (l *Layer) Keys() []string {
	l.mu.RLock()
	now := l.now()
	live := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if !l.expiredLocked(e, now) {
			live = append(live, e)
		}
	}
	l.mu.RUnlock()
	slices.SortFunc(live, func(a, b Entry) int { return cmp.Compare(a.Seq, b.Seq) })
	out := make([]string, len(live))
	for i, e := range live {
		out[i] = e.Key
	}
	return out
}

// Len counts live entries.
func (l *Layer) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	now := l.now()
	n := 0
	for _, e := range l.entries {
		if !l.expiredLocked(e, now) {
			n++
		}
	}
	return n
}

// Audit returns a copy of the audit log, oldest first.
func (l *Layer) Audit() []AuditRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.audit)
}

// EvictExpired deletes entries past their TTL and returns how many were removed.
func (l *Layer) EvictExpired() int {
	if l.ttl <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	var keys []string
	for k, e := range l.entries {
		if l.expiredLocked(e, now) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		delete(l.entries, k)
		l.seq++
		l.appendAuditLocked(AuditRecord{Seq: l.seq, Op: OpEvict, Key: k, At: now})
	}
	l.evicted += uint64(len(keys))
	if len(keys) > 0 {
		l.logger.Debug("evicted expired knowledge", zap.Int("count", len(keys)))
	}
	return len(keys)
}

// Stats returns the layer's counters.
func (l *Layer) Stats() Stats {
	l.mu.RLock()
	s := Stats{Shared: l.shared, Evicted: l.evicted}
	l.mu.RUnlock()
	s.Entries = l.Len()
	l.box.mu.Lock()
	s.Delivered = l.box.delivered
	s.Dropped = l.box.dropped
	s.Queued = len(l.box.queue)
	l.box.mu.Unlock()
	return s
}
