package synergy

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Broadcast addresses a message to every agent.
const Broadcast = "*"

// Message is an at-most-once note from one agent to a peer.
type Message struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type mailbox struct {
	mu        sync.Mutex
	queue     []Message
	size      int
	delivered uint64
	dropped   uint64
	notify    chan struct{}

	// deliverMu serializes pop+deliver so per-sender order survives
	// concurrent Run and Drain callers.
	deliverMu sync.Mutex
}

// Post enqueues m without blocking. A full mailbox or a malformed key drops
// the message and reports false.
func (l *Layer) Post(m Message) bool {
	if validKey(m.Key) != nil {
		l.countDrop(m, "bad key")
		return false
	}
	l.box.mu.Lock()
	if len(l.box.queue) >= l.box.size {
		l.box.mu.Unlock()
		l.countDrop(m, "mailbox full")
		return false
	}
	l.box.queue = append(l.box.queue, m)
	l.box.mu.Unlock()
	select {
	case l.box.notify <- struct{}{}:
	default:
	}
	return true
}

// Send is Post for callers that only hold primitives.
func (l *Layer) Send(from, to, key string, value any) bool {
	return l.Post(Message{From: from, To: to, Key: key, Value: value})
}

func (l *Layer) countDrop(m Message, reason string) {
	l.box.mu.Lock()
	l.box.dropped++
	l.box.mu.Unlock()
	l.logger.Debug("message dropped",
		zap.String("from", m.From), zap.String("to", m.To), zap.String("key", m.Key), zap.String("reason", reason))
}

// Drain delivers every queued message in arrival order and returns how many
// were delivered.
func (l *Layer) Drain() int {
	l.box.deliverMu.Lock()
	defer l.box.deliverMu.Unlock()
	n := 0
	for {
		l.box.mu.Lock()
		if len(l.box.queue) == 0 {
			l.box.queue = nil
			l.box.mu.Unlock()
			return n
		}
		m := l.box.queue[0]
		l.box.queue[0] = Message{}
		l.box.queue = l.box.queue[1:]
		l.box.mu.Unlock()

		l.deliver(m)
		n++
	}
}

// deliver turns m into an entry under its key with the sender as source
// and the addressee recorded as peer.
func (l *Layer) deliver(m Message) {
	l.mu.Lock()
	l.putLocked(m.Key, m.Value, Provenance{Agent: m.From, Peer: m.To}, OpDeliver)
	l.mu.Unlock()
	l.box.mu.Lock()
	l.box.delivered++
	l.box.mu.Unlock()
}

// Run pumps the mailbox until ctx is done, then delivers what is left.
func (l *Layer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.Drain()
			return nil
		case <-l.box.notify:
			l.Drain()
		}
	}
}
