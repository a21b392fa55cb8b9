package api

import (
	"sync"
)

// LatestLocation holds the latest known fix for an agent on a route.
type LatestLocation struct {
	Tenant  string  `json:"tenantId"`
	RouteID string  `json:"routeId"`
	AgentID string  `json:"agentId"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	TS      string  `json:"ts"`
}

// LocationCache stores latest agent fixes per tenant/route/agent.
type LocationCache struct {
	mu sync.Mutex
	// key: tenant|routeId|agentId
	m map[string]LatestLocation
}

// NewLocationCache constructs a LocationCache.
func NewLocationCache() *LocationCache { return &LocationCache{m: map[string]LatestLocation{}} }

func (c *LocationCache) key(tenant, routeID, agentID string) string {
	return tenant + "|" + routeID + "|" + agentID
}

// Upsert stores or updates the latest fix for an agent.
func (c *LocationCache) Upsert(tenant, routeID, agentID string, lat, lng float64, ts string) {
	if tenant == "" || routeID == "" || agentID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	k := c.key(tenant, routeID, agentID)
	c.m[k] = LatestLocation{Tenant: tenant, RouteID: routeID, AgentID: agentID, Lat: lat, Lng: lng, TS: ts}
}

// ListByRoute returns the latest fixes for agents on a route.
func (c *LocationCache) ListByRoute(tenant, routeID string) []LatestLocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []LatestLocation{}
	prefix := tenant + "|" + routeID + "|"
	for k, v := range c.m {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, v)
		}
	}
	return out
}
