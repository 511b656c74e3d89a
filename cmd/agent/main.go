// Command agent pushes metric snapshots for a set of miners to a core
// instance. It is both the reference client for the ingest contract and a
// load source for local development: without a fleet on hand it synthesizes
// plausible hashrate, power and temperature series.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"miner-pulse/internal/logging"
)

type minerSim struct {
	ID       string
	Name     string
	Coin     string
	BaseTHS  float64
	BaseW    float64
	BaseTemp float64
}

func main() {
	var (
		server   = flag.String("server", envOr("PULSE_SERVER", "http://127.0.0.1:8080"), "core base URL")
		token    = flag.String("token", os.Getenv("INGEST_TOKEN"), "ingest bearer token")
		interval = flag.Duration("interval", 10*time.Second, "push interval")
		count    = flag.Int("count", 3, "simulated miners when no -miners list is given")
		miners   = flag.String("miners", "", "comma-separated name=coin pairs, e.g. rig1=BTC,rig2=KAS")
	)
	flag.Parse()

	log, err := logging.New(logging.FromEnv())
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if *token == "" {
		log.Fatal("no ingest token; set INGEST_TOKEN or -token")
	}

	fleet := buildFleet(*miners, *count)
	log.Info("agent starting",
		zap.String("server", *server),
		zap.Int("miners", len(fleet)),
		zap.Duration("interval", *interval))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: 15 * time.Second}

	push(ctx, client, log, *server, *token, fleet)
	t := time.NewTicker(*interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("agent stopped")
			return
		case <-t.C:
			push(ctx, client, log, *server, *token, fleet)
		}
	}
}

func buildFleet(spec string, count int) []minerSim {
	var out []minerSim
	if spec != "" {
		for _, part := range strings.Split(spec, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, coin := part, "BTC"
			if i := strings.IndexByte(part, '='); i >= 0 {
				name, coin = part[:i], part[i+1:]
			}
			out = append(out, newSim(name, coin))
		}
		return out
	}
	for i := 0; i < count; i++ {
		out = append(out, newSim(fmt.Sprintf("sim-%02d", i+1), "BTC"))
	}
	return out
}

func newSim(name, coin string) minerSim {
	return minerSim{
		ID:       uuid.NewString(),
		Name:     name,
		Coin:     coin,
		BaseTHS:  90 + rand.Float64()*60,
		BaseW:    3000 + rand.Float64()*500,
		BaseTemp: 55 + rand.Float64()*15,
	}
}

func push(ctx context.Context, client *http.Client, log *zap.Logger, server, token string, fleet []minerSim) {
	type entry struct {
		ID      string         `json:"id"`
		Name    string         `json:"name"`
		Coin    string         `json:"coin"`
		Metrics map[string]any `json:"metrics"`
	}

	now := time.Now().UnixMilli()
	batch := struct {
		Miners []entry `json:"miners"`
	}{}
	for _, m := range fleet {
		batch.Miners = append(batch.Miners, entry{
			ID:   m.ID,
			Name: m.Name,
			Coin: m.Coin,
			Metrics: map[string]any{
				"ts":           now,
				"hashrate_ths": jitter(m.BaseTHS, 0.03),
				"power":        jitter(m.BaseW, 0.02),
				"temp":         jitter(m.BaseTemp, 0.05),
				"fan_rpm":      jitter(5200, 0.10),
				"state":        "mining",
			},
		})
	}

	body, err := json.Marshal(batch)
	if err != nil {
		log.Error("encode batch", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(server, "/")+"/v1/ingest", bytes.NewReader(body))
	if err != nil {
		log.Error("build request", zap.Error(err))
		return
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		log.Warn("push failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	var ack struct {
		Submitted int `json:"submitted"`
		Accepted  int `json:"accepted"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&ack)

	if resp.StatusCode != http.StatusOK {
		log.Warn("push rejected", zap.Int("status", resp.StatusCode))
		return
	}
	log.Info("pushed",
		zap.Int("submitted", ack.Submitted),
		zap.Int("accepted", ack.Accepted))
}

func jitter(base, spread float64) float64 {
	return base * (1 + (rand.Float64()*2-1)*spread)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
