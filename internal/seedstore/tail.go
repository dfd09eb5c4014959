package seedstore

import (
	"time"

	"github.com/banshee-data/trackrecon/internal/estimator"
)

// Tail returns the updates within window of the last one, the part of a
// target's updates that a following slice with that overlap can use.
func Tail(updates []estimator.Update, window time.Duration) []estimator.Update {
	if len(updates) == 0 {
		return nil
	}
	from := updates[len(updates)-1].Time.Add(-window)
	i := len(updates) - 1
	for i > 0 && !updates[i-1].Time.Before(from) {
		i--
	}
	out := make([]estimator.Update, 0, len(updates)-i)
	for _, u := range updates[i:] {
		out = append(out, u.Clone())
	}
	return out
}
