package ingest

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"miner-pulse/internal/coinnorm"
	"miner-pulse/internal/core/fleet"
)

// Entry is one miner record inside a push batch.
type Entry struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Coin    string        `json:"coin"`
	Metrics fleet.Metrics `json:"metrics"`
}

// Batch is the agent push payload. An absent miners array is an empty batch.
type Batch struct {
	Miners []Entry `json:"miners"`
}

// Report acknowledges a batch. Submitted counts every entry in the payload,
// accepted only those that made it into the store. Both are kept explicit so
// agents can detect silently dropped entries.
type Report struct {
	Submitted int
	Accepted  int

	// Applied holds the snapshots written this batch, for event publishing.
	Applied []fleet.Snapshot
}

// Sink mirrors applied writes to durable storage. Failures are logged and
// never abort the in-memory apply.
type Sink interface {
	StoreSnapshot(ctx context.Context, snap fleet.Snapshot) error
	StorePoint(ctx context.Context, minerID string, p fleet.HistoryPoint) error
}

type Config struct {
	Store *fleet.Store
	Sink  Sink             // optional
	Log   *zap.Logger      // optional
	Now   func() time.Time // optional, defaults to time.Now
}

// Service normalizes push batches into store mutations.
type Service struct {
	store *fleet.Store
	sink  Sink
	log   *zap.Logger
	now   func() time.Time
}

func New(cfg Config) *Service {
	s := &Service{
		store: cfg.Store,
		sink:  cfg.Sink,
		log:   cfg.Log,
		now:   cfg.Now,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Apply normalizes and stores every usable entry of the batch. One
// malformed entry never blocks the rest: entries without a usable id are
// silently dropped and still counted as submitted.
func (s *Service) Apply(ctx context.Context, batch Batch) Report {
	wallClock := s.now().UTC().UnixMilli()
	rep := Report{Submitted: len(batch.Miners)}

	for _, e := range batch.Miners {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			continue
		}
		name := strings.TrimSpace(e.Name)
		if name == "" {
			name = id
		}
		coin := coinnorm.Normalize(e.Coin).Display

		ts := resolveTS(e.Metrics, wallClock)

		snap := fleet.Snapshot{
			ID:      id,
			Name:    name,
			Coin:    coin,
			LastTS:  ts,
			Metrics: e.Metrics.Clone(),
		}
		point := fleet.HistoryPoint{TS: ts, Metrics: e.Metrics.Clone()}

		s.store.Ingest(snap, point)
		rep.Accepted++
		rep.Applied = append(rep.Applied, snap)

		if s.sink != nil {
			if err := s.sink.StoreSnapshot(ctx, snap); err != nil {
				s.log.Warn("archive snapshot", zap.String("miner", id), zap.Error(err))
			}
			if err := s.sink.StorePoint(ctx, id, point); err != nil {
				s.log.Warn("archive point", zap.String("miner", id), zap.Error(err))
			}
		}
	}
	return rep
}

// resolveTS coerces metrics.ts to a number, accepting numeric strings the
// way agents on loose JSON encoders send them, and falls back to the server
// clock when the coerced result is not finite. last_ts is therefore always
// a finite epoch-ms value and consumers never need to null-check it.
func resolveTS(m fleet.Metrics, wallClock int64) int64 {
	v, ok := m["ts"]
	if !ok {
		return wallClock
	}
	f, isNum := v.Float()
	if !isNum {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64)
		if err != nil {
			return wallClock
		}
		f = parsed
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return wallClock
	}
	return int64(f)
}
