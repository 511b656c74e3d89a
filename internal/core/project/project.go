package project

import (
	"sort"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"miner-pulse/internal/core/fleet"
)

// OnlineThreshold is the freshness cutoff for the online flag. Strict
// less-than, and a firm contract shared with every dashboard: not
// configurable.
const OnlineThreshold = 60 * time.Second

// DefaultHistoryLimit caps the trailing history slice attached to each
// device view. The store retains more; this is a response-size trade-off.
const DefaultHistoryLimit = 2000

// DeviceView is one row of the list response. Derived fields live here so
// presentation layers never recompute business rules.
type DeviceView struct {
	fleet.Snapshot
	History    []fleet.HistoryPoint `json:"history"`
	Online     bool                 `json:"online"`
	Efficiency float64              `json:"efficiency_jth,omitempty"`
}

// Projector builds the dashboard read model from current store state.
// Pure: no mutation, only store reads and the supplied clock.
type Projector struct {
	store        *fleet.Store
	historyLimit int
}

func New(store *fleet.Store, historyLimit int) *Projector {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Projector{store: store, historyLimit: historyLimit}
}

// Build returns every miner sorted by display name (locale-aware, id as
// final tiebreak so the order is total), each with its trailing history
// slice and derived online/efficiency fields.
func (p *Projector) Build(now time.Time) []DeviceView {
	snaps := p.store.ListSnapshots()

	col := collate.New(language.Und, collate.Loose)
	sort.SliceStable(snaps, func(i, j int) bool {
		if c := col.CompareString(sortKey(snaps[i]), sortKey(snaps[j])); c != 0 {
			return c < 0
		}
		return snaps[i].ID < snaps[j].ID
	})

	nowMS := now.UnixMilli()
	out := make([]DeviceView, 0, len(snaps))
	for _, snap := range snaps {
		v := DeviceView{
			Snapshot: snap,
			History:  p.store.GetHistory(snap.ID, p.historyLimit),
			Online:   nowMS-snap.LastTS < OnlineThreshold.Milliseconds(),
		}
		if v.History == nil {
			v.History = []fleet.HistoryPoint{}
		}
		if eff, ok := efficiency(snap.Metrics); ok {
			v.Efficiency = eff
		}
		out = append(out, v)
	}
	return out
}

func sortKey(s fleet.Snapshot) string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// efficiency derives J/TH from the power and hashrate metrics when both are
// present and numeric. Agents report power in watts and hashrate in TH/s
// under a couple of common spellings.
func efficiency(m fleet.Metrics) (float64, bool) {
	power, ok := firstFloat(m, "power", "power_w")
	if !ok || power <= 0 {
		return 0, false
	}
	ths, ok := firstFloat(m, "hashrate_ths", "hashrate")
	if !ok || ths <= 0 {
		return 0, false
	}
	return power / ths, true
}

func firstFloat(m fleet.Metrics, keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := m.Float(k); ok {
			return f, true
		}
	}
	return 0, false
}
