// Package progress implements the restart-durable local cache of in-progress
// visit and transfer work. One record per unit identifier; removed on
// successful finalize or explicit abandonment; never shared across ids.
package progress

import (
	"errors"

	"fieldops/internal/model"
)

// Record is the locally known progress for one visit or transfer.
type Record struct {
	ID        string           `json:"id"`
	Completed []string         `json:"completed,omitempty"`
	Skipped   []string         `json:"skipped,omitempty"`
	Media     []model.MediaRef `json:"media,omitempty"`
	UpdatedAt string           `json:"updatedAt,omitempty"`
}

// Key identifies an activity inside a record. Type and name together are
// unique within a visit.
func Key(typ model.ActivityType, name string) string { return string(typ) + "|" + name }

func contains(list []string, key string) bool {
	for _, k := range list {
		if k == key {
			return true
		}
	}
	return false
}

// HasCompleted reports whether the activity key is in the completed set.
func (r *Record) HasCompleted(key string) bool { return contains(r.Completed, key) }

// HasSkipped reports whether the activity key is in the skipped set.
func (r *Record) HasSkipped(key string) bool { return contains(r.Skipped, key) }

// MarkCompleted adds the key to the completed set (idempotent) and drops it
// from the skipped set.
func (r *Record) MarkCompleted(key string) {
	if !contains(r.Completed, key) {
		r.Completed = append(r.Completed, key)
	}
	out := r.Skipped[:0]
	for _, k := range r.Skipped {
		if k != key {
			out = append(out, k)
		}
	}
	r.Skipped = out
}

// MarkSkipped adds the key to the skipped set (idempotent).
func (r *Record) MarkSkipped(key string) {
	if !contains(r.Skipped, key) && !contains(r.Completed, key) {
		r.Skipped = append(r.Skipped, key)
	}
}

// AddMedia appends a captured media reference, deduplicating by id.
func (r *Record) AddMedia(ref model.MediaRef) {
	for _, m := range r.Media {
		if m.ID == ref.ID {
			return
		}
	}
	r.Media = append(r.Media, ref)
}

// Empty reports whether no progress has been recorded yet.
func (r *Record) Empty() bool {
	return len(r.Completed) == 0 && len(r.Skipped) == 0 && len(r.Media) == 0
}

// Store persists Records across process restarts. Implementations need no
// locking guarantees beyond single-session use; only one logical agent
// session ever touches a store.
type Store interface {
	Load(id string) (Record, bool, error)
	Save(rec Record) error
	Delete(id string) error
	Close() error
}

var ErrUnavailable = errors.New("progress store unavailable")
