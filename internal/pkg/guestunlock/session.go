package guestunlock

import (
	"encoding/json"
	"time"
)

const (
	// TTLBeforeReveal is how long a precomputed reading stays available before
	// the guest decides to pay.
	TTLBeforeReveal = 30 * time.Minute
	// TTLAfterPurchase is how long a purchased reading stays visible.
	TTLAfterPurchase = 60 * time.Minute
)

// Session is a client-held capability to view one precomputed reading.
// Validity is purely time based; there is no server-side revocation.
type Session struct {
	UnlockedAt time.Time       `json:"unlocked_at"`
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
	OrderID    string          `json:"order_id,omitempty"`
}

var now = time.Now

// Mint starts a session for snapshot at the current time.
func Mint(snapshot json.RawMessage) Session {
	return Session{UnlockedAt: now().UTC(), Snapshot: snapshot}
}

// MintForOrder starts a post-purchase session bound to the paid order.
func MintForOrder(orderID string, snapshot json.RawMessage) Session {
	s := Mint(snapshot)
	s.OrderID = orderID
	return s
}

// MintForOrderAt binds a post-purchase session to the time the order was
// captured, so minting again for the same order never extends it.
func MintForOrderAt(orderID string, capturedAt time.Time, snapshot json.RawMessage) Session {
	if capturedAt.IsZero() {
		return MintForOrder(orderID, snapshot)
	}
	return Session{UnlockedAt: capturedAt.UTC(), Snapshot: snapshot, OrderID: orderID}
}

// IsValid reports whether now - unlockedAt < ttl.
func IsValid(s Session, ttl time.Duration) bool {
	if s.UnlockedAt.IsZero() {
		return false
	}
	return now().Sub(s.UnlockedAt) < ttl
}

// ExpiresAt is the first instant at which the session is no longer valid.
func (s Session) ExpiresAt(ttl time.Duration) time.Time {
	return s.UnlockedAt.Add(ttl)
}
