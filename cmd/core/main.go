package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jhump/protoreflect/dynamic"
	"go.uber.org/zap"

	"miner-pulse/internal/archive"
	"miner-pulse/internal/bus/embeddednats"
	"miner-pulse/internal/bus/natsjs"
	"miner-pulse/internal/core/fleet"
	"miner-pulse/internal/core/ingest"
	"miner-pulse/internal/core/project"
	"miner-pulse/internal/events"
	"miner-pulse/internal/httpapi"
	"miner-pulse/internal/logging"
	"miner-pulse/internal/secrets"
	"miner-pulse/internal/settings"
)

func main() {
	log, err := logging.New(logging.FromEnv())
	if err != nil {
		panic(err)
	}
	startedAt := time.Now()
	defer func() { _ = log.Sync() }()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgStore, err := settings.Open("data")
	if err != nil {
		log.Fatal("settings open", zap.Error(err))
	}
	sec, err := secrets.Open("data")
	if err != nil {
		log.Fatal("secrets open", zap.Error(err))
	}
	cfg := cfgStore.Get()

	// Embedded NATS (optional). Must be up before any client connections.
	var embMu sync.Mutex
	var emb *embeddednats.Server
	startEmbedded := func(s settings.Settings) {
		embMu.Lock()
		defer embMu.Unlock()
		if emb != nil {
			emb.Shutdown()
			emb = nil
		}
		if !s.EmbeddedNATS.Enabled {
			return
		}
		server, err := embeddednats.Start(embeddednats.Config{
			Host:     s.EmbeddedNATS.Host,
			Port:     s.EmbeddedNATS.Port,
			HTTPPort: s.EmbeddedNATS.HTTPPort,
			StoreDir: s.EmbeddedNATS.StoreDir,
		})
		if err != nil {
			log.Warn("embedded nats start failed", zap.Error(err))
			return
		}
		emb = server
		log.Info("embedded nats started",
			zap.String("host", s.EmbeddedNATS.Host),
			zap.Int("port", s.EmbeddedNATS.Port),
		)
	}
	startEmbedded(cfg)

	schema, err := events.LoadSchema()
	if err != nil {
		log.Fatal("load proto schema", zap.Error(err))
	}

	store := fleet.NewStore(cfg.History.MaxPoints)

	// Durable mirror (optional). Restore before serving so a restart does
	// not come up blank.
	var arc *archive.Archive
	if cfg.Archive.Enabled {
		arc, err = archive.Open(archive.Config{
			DBPath:    cfg.Archive.DBPath,
			MaxPoints: cfg.History.MaxPoints,
		})
		if err != nil {
			log.Warn("archive open failed; running memory-only", zap.Error(err))
			arc = nil
		} else if err := arc.Restore(rootCtx, store); err != nil {
			log.Warn("archive restore", zap.Error(err))
		} else {
			log.Info("archive restored", zap.Int("miners", store.Len()))
		}
	}

	var sink ingest.Sink
	if arc != nil {
		sink = arc
	}
	normalizer := ingest.New(ingest.Config{
		Store: store,
		Sink:  sink,
		Log:   log,
	})
	projector := project.New(store, cfg.History.ReadLimit)

	// NATS is optional at runtime: the core must serve even if the bus is
	// down. Connect loop retries; publishing is skipped while disconnected.
	var natsMu sync.RWMutex
	var natsClient *natsjs.Client
	var natsConnected atomic.Bool
	var natsLastErr atomic.Value // string

	reconnectCh := make(chan struct{}, 1)

	shardID := cfg.ShardID

	applyEnvelope := func(envMsg *dynamic.Message) {
		shard, _ := envMsg.GetFieldByName("shard_id").(string)
		if shard == shardID {
			return
		}
		subj, _ := envMsg.GetFieldByName("subject").(string)
		switch subj {
		case events.TelemetrySnapshotIngested:
			payload, ok := envMsg.GetFieldByName("snapshot_ingested").(*dynamic.Message)
			if !ok || payload == nil {
				return
			}
			id, _ := payload.GetFieldByName("miner_id").(string)
			name, _ := payload.GetFieldByName("name").(string)
			coin, _ := payload.GetFieldByName("coin").(string)
			lastTS, _ := payload.GetFieldByName("last_ts").(int64)
			metricsJSON, _ := payload.GetFieldByName("metrics_json").(string)

			var metrics fleet.Metrics
			if metricsJSON != "" {
				if err := json.Unmarshal([]byte(metricsJSON), &metrics); err != nil {
					return
				}
			}
			snap := fleet.Snapshot{ID: id, Name: name, Coin: coin, LastTS: lastTS, Metrics: metrics}
			store.Ingest(snap, fleet.HistoryPoint{TS: lastTS, Metrics: metrics})
		case events.FleetCleared:
			store.Clear()
		}
	}

	// consumer loop (starts when connected): applies peer-shard envelopes
	// into the local store.
	startConsumer := func(c *natsjs.Client) {
		ctx := rootCtx
		consumer, err := c.NewPullConsumer("core-apply", ">", 4096)
		if err != nil {
			natsLastErr.Store(err.Error())
			return
		}
		go func() {
			for natsConnected.Load() {
				select {
				case <-ctx.Done():
					return
				default:
				}
				msgs, err := consumer.Fetch(ctx, 256, 2*time.Second)
				if err != nil {
					continue
				}
				for _, m := range msgs {
					envMsg, err := events.UnmarshalEnvelope(schema, m.Data())
					if err != nil {
						_ = m.Term()
						continue
					}
					applyEnvelope(envMsg)
					_ = m.Ack()
				}
			}
		}()
	}

	// connect loop
	go func() {
		for {
			select {
			case <-rootCtx.Done():
				natsMu.Lock()
				if natsClient != nil {
					_ = natsClient.Close()
					natsClient = nil
				}
				natsMu.Unlock()
				return
			default:
			}
			cfg := cfgStore.Get()

			c, err := natsjs.Connect(natsjs.Config{
				URL:     cfg.NATSURL,
				Prefix:  cfg.NATSPrefix,
				Timeout: 2 * time.Second,
			})
			if err != nil {
				natsConnected.Store(false)
				natsLastErr.Store(err.Error())
				select {
				case <-rootCtx.Done():
					return
				case <-time.After(2 * time.Second):
					continue
				case <-reconnectCh:
					continue
				}
			}
			if err := c.EnsureStreams(); err != nil {
				_ = c.Close()
				natsConnected.Store(false)
				natsLastErr.Store(err.Error())
				select {
				case <-rootCtx.Done():
					return
				case <-time.After(2 * time.Second):
					continue
				case <-reconnectCh:
					continue
				}
			}

			natsMu.Lock()
			if natsClient != nil {
				_ = natsClient.Close()
			}
			natsClient = c
			natsMu.Unlock()

			natsConnected.Store(true)
			natsLastErr.Store("")
			startConsumer(c)

			// wait for explicit reconnect request
			select {
			case <-rootCtx.Done():
				natsConnected.Store(false)
				natsMu.Lock()
				if natsClient != nil {
					_ = natsClient.Close()
					natsClient = nil
				}
				natsMu.Unlock()
				return
			case <-reconnectCh:
			}
			natsConnected.Store(false)
		}
	}()

	publishApplied := func(applied []fleet.Snapshot) {
		if !natsConnected.Load() {
			return
		}
		natsMu.RLock()
		c := natsClient
		natsMu.RUnlock()
		if c == nil {
			return
		}
		for _, snap := range applied {
			metricsJSON, err := json.Marshal(snap.Metrics)
			if err != nil {
				continue
			}
			envMsg := schema.NewEnvelope(events.TelemetrySnapshotIngested)
			envMsg.SetFieldByName("shard_id", shardID)
			envMsg.SetFieldByName("miner_id", snap.ID)
			si := dynamic.NewMessage(schema.SnapshotIngested)
			si.SetFieldByName("miner_id", snap.ID)
			si.SetFieldByName("name", snap.Name)
			si.SetFieldByName("coin", snap.Coin)
			si.SetFieldByName("last_ts", snap.LastTS)
			si.SetFieldByName("metrics_json", string(metricsJSON))
			si.SetFieldByName("shard_id", shardID)
			envMsg.SetFieldByName("snapshot_ingested", si)
			if b, err := events.Marshal(envMsg); err == nil {
				_ = c.Publish(context.Background(), events.TelemetrySnapshotIngested, b)
			}
		}
	}

	publishCleared := func() {
		if !natsConnected.Load() {
			return
		}
		natsMu.RLock()
		c := natsClient
		natsMu.RUnlock()
		if c == nil {
			return
		}
		envMsg := schema.NewEnvelope(events.FleetCleared)
		envMsg.SetFieldByName("shard_id", shardID)
		fc := dynamic.NewMessage(schema.FleetCleared)
		fc.SetFieldByName("shard_id", shardID)
		envMsg.SetFieldByName("fleet_cleared", fc)
		if b, err := events.Marshal(envMsg); err == nil {
			_ = c.Publish(context.Background(), events.FleetCleared, b)
		}
	}

	ingestToken := func() string {
		if v := strings.TrimSpace(os.Getenv("INGEST_TOKEN")); v != "" {
			return v
		}
		tok, err := sec.DecryptString(cfgStore.Get().IngestTokenEnc)
		if err != nil {
			log.Warn("ingest token decrypt", zap.Error(err))
			return ""
		}
		return tok
	}

	handler := &httpapi.Handler{
		Store:     store,
		Ingest:    normalizer,
		Projector: projector,
		Settings:  cfgStore,
		Secrets:   sec,
		Log:       log,
		Token:     ingestToken,
		Status: func() map[string]any {
			errStr, _ := natsLastErr.Load().(string)
			embMu.Lock()
			embOn := emb != nil
			embMu.Unlock()
			return map[string]any{
				"nats_connected": natsConnected.Load(),
				"nats_error":     errStr,
				"embedded_nats":  embOn,
				"archive":        arc != nil,
				"started_at":     startedAt.Format(time.RFC3339),
				"uptime_s":       int64(time.Since(startedAt).Seconds()),
			}
		},
		OnApplied: func(applied []fleet.Snapshot) {
			go publishApplied(applied)
		},
		OnCleared: func() {
			if arc != nil {
				if err := arc.Clear(context.Background()); err != nil {
					log.Warn("archive clear", zap.Error(err))
				}
			}
			go publishCleared()
		},
	}

	addr := cfg.HTTPAddr
	if v := strings.TrimSpace(os.Getenv("HTTP_ADDR")); v != "" {
		addr = v
	}
	ln, actualAddr, err := listenWithFallback(addr)
	if err != nil {
		log.Fatal("http listen", zap.String("addr", addr), zap.Error(err))
	}
	if actualAddr != addr {
		log.Warn("http addr was busy; switched", zap.String("from", addr), zap.String("to", actualAddr))
	}

	exitCh := make(chan struct{}, 1)
	srv := &http.Server{Handler: handler.Router()}
	go func() {
		log.Info("core http listening", zap.String("addr", actualAddr))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http serve", zap.Error(err))
			select {
			case exitCh <- struct{}{}:
			default:
			}
		}
	}()

	// Wait for exit signal
	select {
	case <-rootCtx.Done():
	case <-exitCh:
	}

	// Stop NATS client
	natsConnected.Store(false)
	natsMu.Lock()
	if natsClient != nil {
		_ = natsClient.Close()
		natsClient = nil
	}
	natsMu.Unlock()

	// Stop embedded NATS
	embMu.Lock()
	if emb != nil {
		emb.Shutdown()
		emb = nil
	}
	embMu.Unlock()

	// Stop archive
	if arc != nil {
		_ = arc.Close()
	}

	// Stop HTTP
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	_ = srv.Shutdown(ctxTimeout)
	cancel()
}

func listenWithFallback(addr string) (net.Listener, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, addr, nil
	}

	// Try port+1..port+20 on "address already in use" only.
	if !isAddrInUse(err) {
		return nil, "", err
	}

	host, portStr, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		// handle ":8080" which SplitHostPort accepts, but keep safe
		if len(addr) > 0 && addr[0] == ':' {
			host = ""
			portStr = addr[1:]
		} else {
			return nil, "", err
		}
	}
	var port int
	_, _ = fmt.Sscanf(portStr, "%d", &port)
	if port == 0 {
		return nil, "", err
	}

	for i := 1; i <= 20; i++ {
		tryAddr := net.JoinHostPort(host, fmt.Sprintf("%d", port+i))
		ln, e := net.Listen("tcp", tryAddr)
		if e == nil {
			return ln, tryAddr, nil
		}
	}
	return nil, "", err
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	// Windows spells it differently.
	return strings.Contains(strings.ToLower(err.Error()), "only one usage of each socket address")
}
