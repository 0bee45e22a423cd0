package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/megadoom99/trading/internal/fuse"
	"github.com/megadoom99/trading/internal/observ"
)

// PendingApproval is a validated signal waiting for an explicit human
// go-ahead. It expires; it is never auto-approved.
type PendingApproval struct {
	ID        string
	Signal    fuse.Signal
	Quantity  int
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ApprovalQueue holds signals awaiting confirmation in manual mode.
type ApprovalQueue struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending map[string]PendingApproval
}

// NewApprovalQueue builds a queue; ttl defaults to five minutes.
func NewApprovalQueue(ttl time.Duration) *ApprovalQueue {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ApprovalQueue{ttl: ttl, pending: make(map[string]PendingApproval)}
}

// Enqueue adds a signal and returns its approval id.
func (q *ApprovalQueue) Enqueue(sig fuse.Signal, qty int) string {
	id := uuid.NewString()
	now := time.Now().UTC()
	q.mu.Lock()
	q.pending[id] = PendingApproval{
		ID:        id,
		Signal:    sig,
		Quantity:  qty,
		CreatedAt: now,
		ExpiresAt: now.Add(q.ttl),
	}
	q.mu.Unlock()
	observ.Log("approval_enqueued", map[string]any{
		"id": id, "symbol": sig.Symbol, "direction": string(sig.Direction),
	})
	return id
}

// Take removes and returns the approval if it exists and has not
// expired. Expired entries are dropped on access.
func (q *ApprovalQueue) Take(id string) (PendingApproval, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.pending[id]
	if !ok {
		return PendingApproval{}, false
	}
	delete(q.pending, id)
	if time.Now().After(p.ExpiresAt) {
		observ.Log("approval_expired", map[string]any{"id": id, "symbol": p.Signal.Symbol})
		return PendingApproval{}, false
	}
	return p, true
}

// Dismiss discards a pending approval.
func (q *ApprovalQueue) Dismiss(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}

// Sweep drops everything past its expiry and returns how many were
// dropped.
func (q *ApprovalQueue) Sweep(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, p := range q.pending {
		if now.After(p.ExpiresAt) {
			delete(q.pending, id)
			n++
		}
	}
	return n
}

// Pending lists the live approvals.
func (q *ApprovalQueue) Pending() []PendingApproval {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingApproval, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, p)
	}
	return out
}
