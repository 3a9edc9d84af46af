package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/GETSUNWOO/futures-encho/internal/gateway/database"
	"github.com/GETSUNWOO/futures-encho/internal/jobs"
	"github.com/GETSUNWOO/futures-encho/internal/signals"
)

// Seed a SQLite database with mock closed trades, decisions and a performance signal.
// Usage: go run scripts/seed_mock_data.go [db_path]
// Default db_path: data/encho_test.db
func main() {
	dbPath := "data/encho_test.db"
	if len(os.Args) > 1 && strings.TrimSpace(os.Args[1]) != "" {
		dbPath = strings.TrimSpace(os.Args[1])
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		panic(err)
	}

	store, err := database.NewStore(dbPath, 2)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := seedTrades(ctx, store); err != nil {
		panic(err)
	}
	if err := seedDecisions(ctx, store); err != nil {
		panic(err)
	}
	if err := seedPerformance(ctx, store); err != nil {
		panic(err)
	}

	fmt.Printf("✓ mock data seeded into %s\n", dbPath)
}

func seedTrades(ctx context.Context, store *database.Store) error {
	now := time.Now()
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 8; i++ {
		side := "long"
		if i%3 == 2 {
			side = "short"
		}
		entry := 60000 + rng.Float64()*4000
		move := (rng.Float64() - 0.4) * 0.04
		exit := entry * (1 + move)
		if side == "short" {
			exit = entry * (1 - move)
		}
		amount := 0.01
		opened := now.Add(-time.Duration(48-i*5) * time.Hour)
		id, err := store.InsertTrade(ctx, database.TradeRecord{
			Symbol:           "BTCUSDT",
			Side:             side,
			EntryPrice:       entry,
			Amount:           amount,
			Leverage:         3,
			SLPrice:          entry * 0.98,
			TPPrice:          entry * 1.04,
			SLPct:            0.02,
			TPPct:            0.04,
			Investment:       entry * amount,
			PositionFraction: 0.1,
			OpenedAt:         opened,
		})
		if err != nil {
			return err
		}
		pnl := (exit - entry) * amount
		if side == "short" {
			pnl = (entry - exit) * amount
		}
		reason := "take_profit"
		if pnl < 0 {
			reason = "stop_loss"
		}
		if err := store.CloseTrade(ctx, id, database.TradeClose{
			ExitPrice: exit,
			PnL:       pnl,
			PnLPct:    pnl / (entry * amount) * 100,
			Reason:    reason,
			ClosedAt:  opened.Add(3 * time.Hour),
		}); err != nil {
			return err
		}
	}
	return nil
}

func seedDecisions(ctx context.Context, store *database.Store) error {
	now := time.Now()
	samples := []database.DecisionRecord{
		{TraceID: "mock-trace-long", Direction: "LONG", Conviction: 0.68, Source: "oracle", Reasoning: "1h/4h 同向看多，新闻偏正面", Price: 63120.5, CreatedAt: now.Add(-90 * time.Minute)},
		{TraceID: "mock-trace-wait", Direction: "NO_POSITION", Source: "fallback", Reasoning: "oracle 不可用，趋势冲突", Price: 63010, CreatedAt: now.Add(-30 * time.Minute)},
	}
	for _, rec := range samples {
		if _, err := store.SaveDecision(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func seedPerformance(ctx context.Context, store *database.Store) error {
	stats, err := store.Performance(ctx, "BTCUSDT", time.Now().AddDate(0, 0, -30))
	if err != nil {
		return err
	}
	payload := jobs.PerformanceFromStats(stats)
	_, err = store.PutSignal(ctx, database.SignalInput{
		Kind:       signals.KindPerformance,
		Payload:    payload,
		Confidence: 0.6,
		TTL:        2 * time.Hour,
		Model:      "seed",
	})
	return err
}
