// Package opt provides a pure stop-ordering helper: given coordinates it
// proposes a visiting order and per-leg distances. It holds no state and
// performs no I/O.
package opt

import "math"

// StopNode holds minimal info for ordering heuristics.
type StopNode struct {
	Lat float64
	Lng float64
}

// Plan is a proposed visiting order with per-leg distances in meters.
// Order indexes into the input slice; LegMeters[i] is the distance from
// start (i==0) or Order[i-1] to Order[i].
type Plan struct {
	Order       []int
	LegMeters   []float64
	TotalMeters float64
}

// OrderStops builds a visiting order from start over nodes using nearest
// neighbour seeding followed by 2-opt improvement.
func OrderStops(start StopNode, nodes []StopNode, iterations int) Plan {
	n := len(nodes)
	if n == 0 {
		return Plan{}
	}
	order := nearestNeighbour(start, nodes)
	if n > 3 {
		order = improve2Opt(start, nodes, order, iterations)
	}
	legs := make([]float64, n)
	total := 0.0
	prev := start
	for i, idx := range order {
		d := haversineMeters(prev.Lat, prev.Lng, nodes[idx].Lat, nodes[idx].Lng)
		legs[i] = d
		total += d
		prev = nodes[idx]
	}
	return Plan{Order: order, LegMeters: legs, TotalMeters: total}
}

func nearestNeighbour(start StopNode, nodes []StopNode) []int {
	n := len(nodes)
	order := make([]int, 0, n)
	used := make([]bool, n)
	cur := start
	for len(order) < n {
		best, bestD := -1, math.MaxFloat64
		for i := 0; i < n; i++ {
			if used[i] {
				continue
			}
			d := haversineMeters(cur.Lat, cur.Lng, nodes[i].Lat, nodes[i].Lng)
			if d < bestD {
				best, bestD = i, d
			}
		}
		used[best] = true
		order = append(order, best)
		cur = nodes[best]
	}
	return order
}

func improve2Opt(start StopNode, nodes []StopNode, order []int, iterations int) []int {
	if iterations <= 0 {
		iterations = 1
	}
	best := append([]int(nil), order...)
	bestDist := pathDistance(start, nodes, best)
	n := len(order)
	for it := 0; it < iterations; it++ {
		improved := false
		for i := 0; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				cand := twoOptSwap(best, i, k)
				d := pathDistance(start, nodes, cand)
				if d+1e-3 < bestDist {
					best = cand
					bestDist = d
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return best
}

func twoOptSwap(ord []int, i, k int) []int {
	out := make([]int, len(ord))
	copy(out, ord[:i])
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}

func pathDistance(start StopNode, nodes []StopNode, order []int) float64 {
	total := 0.0
	prev := start
	for _, idx := range order {
		total += haversineMeters(prev.Lat, prev.Lng, nodes[idx].Lat, nodes[idx].Lng)
		prev = nodes[idx]
	}
	return total
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
