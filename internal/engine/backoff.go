package engine

import (
	"time"

	"github.com/BadgerOps/tapevault/internal/store"
)

// Threshold returns how long a batch with the given number of failed
// attempts waits before the next one. Past the end of the schedule the
// last interval grows linearly: last * (attempts + 2 - len(schedule)).
func Threshold(attempts int, schedule []time.Duration) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts < len(schedule) {
		return schedule[attempts]
	}
	last := schedule[len(schedule)-1]
	return last * time.Duration(attempts+2-len(schedule))
}

// Eligible reports whether a batch may be attempted again at now. The wait
// is measured from the last attempt, or from creation for a batch that has
// never been attempted.
func Eligible(b *store.Batch, schedule []time.Duration, now time.Time) bool {
	ref := b.LastAttemptAt
	if ref.IsZero() {
		ref = b.CreatedAt
	}
	return now.Sub(ref) >= Threshold(b.Attempts, schedule)
}
