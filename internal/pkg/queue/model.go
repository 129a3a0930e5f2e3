package queue

import "time"

type Entry struct {
	Identity string
	ConnID   string
	JoinedAt time.Time
}

// Outcome of a Join.
type Outcome int

const (
	// Queued means the entry now waits at the back of the tier.
	Queued Outcome = iota
	// Parked means the player was already the only one waiting in the tier
	// and keeps the earlier place.
	Parked
	// Paired means the oldest waiting entry was taken as opponent.
	Paired
)
