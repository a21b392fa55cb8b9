package engine

import (
	"fieldops/internal/model"
	"fieldops/internal/progress"
)

// MergeActivities reconciles the server's view of a visit's activities with
// the local progress record. Server-confirmed facts always win; facts known
// only locally and not contradicted by the server are retained as
// provisional progress.
func MergeActivities(acts []model.Activity, rec progress.Record) []model.Activity {
	out := append([]model.Activity(nil), acts...)
	for i := range out {
		if out[i].Status != model.ActivityPending {
			continue // server fact, keep
		}
		key := progress.Key(out[i].Type, out[i].Name)
		switch {
		case rec.HasCompleted(key):
			out[i].Status = model.ActivityCompleted
		case rec.HasSkipped(key) && !out[i].Mandatory:
			out[i].Status = model.ActivitySkipped
		}
	}
	return out
}

// MergeMedia unions server-known media with locally captured references,
// server entries first, deduplicated by id.
func MergeMedia(server []model.MediaRef, rec progress.Record) []model.MediaRef {
	out := append([]model.MediaRef(nil), server...)
	seen := map[string]bool{}
	for _, m := range server {
		seen[m.ID] = true
	}
	for _, m := range rec.Media {
		if !seen[m.ID] {
			out = append(out, m)
			seen[m.ID] = true
		}
	}
	return out
}
