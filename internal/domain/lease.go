package domain

import "time"

// Lease is a TTL-bound mutual-exclusion grant for one (account, symbol) key.
// At most one non-expired lease exists per key; only the holder may issue
// orders for that key. The fencing token increases monotonically across
// acquisitions so a stale holder can always be told apart from the current
// one.
type Lease struct {
	Key        string
	Holder     string
	Token      int64
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// LeaseKey builds the lease key for an (account, symbol) pair.
func LeaseKey(account, symbol string) string {
	return account + ":" + symbol
}

// Expired reports whether the lease TTL has elapsed at the given instant.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
