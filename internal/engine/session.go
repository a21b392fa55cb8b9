// Package engine implements the field-execution workflow core: stop
// sequencing, activity gating, local progress reconciliation, completion, and
// the goods-transfer state machine. All state lives in an explicit Session
// passed to every operation; the engine keeps no package-level state.
package engine

import (
	"log"
	"time"

	"fieldops/internal/model"
	"fieldops/internal/progress"
)

// Session is one agent's execution context for one day. It owns the cached
// authoritative route snapshot, the local progress store, and the remote
// client. A Session is driven by a single logical caller; it is not safe for
// concurrent use.
type Session struct {
	AgentID         string
	Remote          Remote
	Progress        progress.Store
	Locator         Locator
	LocationTimeout time.Duration

	route       model.Route
	routeLoaded bool
}

func NewSession(agentID string, remote Remote, store progress.Store, locator Locator) *Session {
	if store == nil {
		store = progress.NewMemStore()
	}
	return &Session{
		AgentID:         agentID,
		Remote:          remote,
		Progress:        store,
		Locator:         locator,
		LocationTimeout: DefaultLocationTimeout,
	}
}

// Route returns the last fetched authoritative snapshot.
func (s *Session) Route() model.Route { return s.route }

func (s *Session) setRoute(r model.Route) {
	s.route = r
	s.routeLoaded = true
}

// loadProgress reads the local record for id. A storage failure degrades to
// an empty record: the engine keeps operating against server state.
func (s *Session) loadProgress(id string) progress.Record {
	rec, ok, err := s.Progress.Load(id)
	if err != nil {
		log.Printf("progress load %s: %v (continuing without local cache)", id, err)
		return progress.Record{ID: id}
	}
	if !ok {
		return progress.Record{ID: id}
	}
	return rec
}

// saveProgress writes through the local record. Failures are logged, never
// fatal: losing offline resilience must not block field work.
func (s *Session) saveProgress(rec progress.Record) {
	if err := s.Progress.Save(rec); err != nil {
		log.Printf("progress save %s: %v", rec.ID, err)
	}
}

// purgeProgress removes the local record for id.
func (s *Session) purgeProgress(id string) {
	if err := s.Progress.Delete(id); err != nil {
		log.Printf("progress delete %s: %v", id, err)
	}
}
