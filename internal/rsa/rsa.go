// Package rsa computes routing and spectrum assignments over the optical
// topology: shortest path by fiber distance, contiguous slot selection with
// the continuity constraint, and the coarse OSNR estimate recorded on each
// new connection.
package rsa

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/lightwavelabs/lightwave/internal/linkdb"
	"github.com/lightwavelabs/lightwave/internal/sdnerr"
)

// Spectral efficiency in bit/s/Hz per polarization pair. Unknown modulations
// are treated as DP-16QAM.
var spectralEfficiency = map[string]float64{
	"DP-QPSK":  2,
	"DP-8QAM":  3,
	"DP-16QAM": 4,
}

// SlotSource exposes per-link free-slot state. *linkdb.RedisStore satisfies
// it; tests substitute a map-backed fake.
type SlotSource interface {
	AvailableSlots(ctx context.Context, linkID string) ([]int, error)
}

type Config struct {
	Logger *slog.Logger

	// SlotWidthGHz is the width of one spectrum slot. Defaults to 12.5.
	SlotWidthGHz float64
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.SlotWidthGHz == 0 {
		c.SlotWidthGHz = 12.5
	}
	if c.SlotWidthGHz < 0 {
		return fmt.Errorf("slot width must be positive")
	}
	return nil
}

// Assignment is the result of a successful plan: the ordered path, the slot
// indices used on every link of that path, and the OSNR estimate for the
// route length.
type Assignment struct {
	PathLinks     []string
	Slots         []int
	TotalKM       float64
	EstimatedOSNR float64
}

type Planner struct {
	log *slog.Logger
	cfg *Config
}

func NewPlanner(cfg *Config) (*Planner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Planner{log: cfg.Logger.With("component", "rsa"), cfg: cfg}, nil
}

// RequiredSlots returns the number of contiguous slots a demand needs:
// ceil((bandwidth / efficiency) / slotWidth), never less than one.
func (p *Planner) RequiredSlots(bandwidthGbps float64, modulation string) int {
	eff, ok := spectralEfficiency[modulation]
	if !ok {
		eff = spectralEfficiency["DP-16QAM"]
	}
	widthGHz := bandwidthGbps / eff
	n := int(math.Ceil(widthGHz / p.cfg.SlotWidthGHz))
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateOSNR is the distance-only estimate used at setup time, in dB,
// rounded to two decimals. Real OSNR arrives later via telemetry.
func EstimateOSNR(totalKM float64) float64 {
	if totalKM <= 0 {
		return 0
	}
	return math.Round(25.0*100.0/totalKM*100) / 100
}

// ShortestPath runs Dijkstra over the undirected link graph, minimizing total
// fiber distance. Ties are broken by preferring the lexicographically
// smallest link id so results are deterministic. Returns the ordered link ids
// and the total distance.
func (p *Planner) ShortestPath(links map[string]linkdb.NetworkLink, src, dst string) ([]string, float64, error) {
	if src == dst {
		return nil, 0, sdnerr.Newf(sdnerr.CodeInvalidRequest, "source and destination are the same pop %q", src)
	}

	type edge struct {
		linkID string
		peer   string
		km     float64
	}
	adj := map[string][]edge{}
	for id, l := range links {
		adj[l.PopA] = append(adj[l.PopA], edge{linkID: id, peer: l.PopB, km: l.DistanceKM})
		adj[l.PopB] = append(adj[l.PopB], edge{linkID: id, peer: l.PopA, km: l.DistanceKM})
	}
	for _, edges := range adj {
		sort.Slice(edges, func(i, j int) bool { return edges[i].linkID < edges[j].linkID })
	}
	if _, ok := adj[src]; !ok {
		return nil, 0, sdnerr.Newf(sdnerr.CodeNoPath, "no path from %s to %s", src, dst)
	}

	dist := map[string]float64{src: 0}
	prevLink := map[string]string{}
	prevPop := map[string]string{}
	done := map[string]bool{}

	pq := &popQueue{{pop: src, km: 0}}
	heap.Init(pq)
	for pq.Len() > 0 {
		cur := heap.Pop(pq).(popDist)
		if done[cur.pop] {
			continue
		}
		done[cur.pop] = true
		if cur.pop == dst {
			break
		}
		for _, e := range adj[cur.pop] {
			next := cur.km + e.km
			if d, seen := dist[e.peer]; !seen || next < d {
				dist[e.peer] = next
				prevLink[e.peer] = e.linkID
				prevPop[e.peer] = cur.pop
				heap.Push(pq, popDist{pop: e.peer, km: next})
			}
		}
	}
	if !done[dst] {
		return nil, 0, sdnerr.Newf(sdnerr.CodeNoPath, "no path from %s to %s", src, dst)
	}

	var path []string
	for pop := dst; pop != src; pop = prevPop[pop] {
		path = append(path, prevLink[pop])
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, dist[dst], nil
}

// Plan computes a full assignment: shortest path, then the first contiguous
// slot run free on every link of the path (the continuity constraint, no
// per-link spectrum conversion).
func (p *Planner) Plan(ctx context.Context, links map[string]linkdb.NetworkLink, slots SlotSource, src, dst string, bandwidthGbps float64, modulation string) (*Assignment, error) {
	path, totalKM, err := p.ShortestPath(links, src, dst)
	if err != nil {
		return nil, err
	}
	need := p.RequiredSlots(bandwidthGbps, modulation)

	run, err := p.findContiguous(ctx, slots, path, need)
	if err != nil {
		return nil, err
	}

	p.log.Debug("assignment planned",
		"source", src, "destination", dst,
		"path", path, "slots", run, "total_km", totalKM)
	return &Assignment{
		PathLinks:     path,
		Slots:         run,
		TotalKM:       totalKM,
		EstimatedOSNR: EstimateOSNR(totalKM),
	}, nil
}

// findContiguous walks candidate runs on the first link in ascending slot
// order and keeps the first one free on all remaining links.
func (p *Planner) findContiguous(ctx context.Context, slots SlotSource, path []string, need int) ([]int, error) {
	free := make([]map[int]bool, len(path))
	for i, linkID := range path {
		avail, err := slots.AvailableSlots(ctx, linkID)
		if err != nil {
			return nil, sdnerr.Wrap(sdnerr.CodeStore, fmt.Sprintf("read free slots for %s", linkID), err)
		}
		free[i] = make(map[int]bool, len(avail))
		for _, s := range avail {
			free[i][s] = true
		}
	}

	first := make([]int, 0, len(free[0]))
	for s := range free[0] {
		first = append(first, s)
	}
	sort.Ints(first)

outer:
	for _, start := range first {
		for offset := 0; offset < need; offset++ {
			slot := start + offset
			for _, f := range free {
				if !f[slot] {
					continue outer
				}
			}
		}
		run := make([]int, need)
		for i := range run {
			run[i] = start + i
		}
		return run, nil
	}
	return nil, sdnerr.Newf(sdnerr.CodeNoSpectrum, "no %d contiguous free slots along path %v", need, path)
}

type popDist struct {
	pop string
	km  float64
}

type popQueue []popDist

func (q popQueue) Len() int { return len(q) }
func (q popQueue) Less(i, j int) bool {
	if q[i].km != q[j].km {
		return q[i].km < q[j].km
	}
	return q[i].pop < q[j].pop
}
func (q popQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *popQueue) Push(x any)   { *q = append(*q, x.(popDist)) }
func (q *popQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
