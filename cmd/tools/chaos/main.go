package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"marketmaker/internal/chaos"
	"marketmaker/internal/obs"
	"marketmaker/internal/ops"
	"marketmaker/internal/schema"
	"marketmaker/internal/stream"
	"marketmaker/pkg/websocket"
)

type tally struct {
	books  atomic.Uint64
	trades atomic.Uint64
	klines atomic.Uint64
	other  atomic.Uint64
}

func (t *tally) handle(msg any) {
	switch msg.(type) {
	case schema.BookUpdate:
		t.books.Add(1)
	case schema.Trade:
		t.trades.Add(1)
	case schema.Kline:
		t.klines.Add(1)
	default:
		t.other.Add(1)
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to YAML or JSON config")
	symbols := flag.String("symbols", "", "Comma separated symbols (default: enabled instruments)")
	duration := flag.Duration("duration", time.Minute, "Soak duration")
	seed := flag.Int64("seed", 0, "RNG seed (0=now)")
	failDials := flag.Int("fail-dials", 0, "Fail this many dials before connecting")
	dropRate := flag.Float64("drop-rate", 0, "Drop probability [0-1]")
	dupRate := flag.Float64("dup-rate", 0, "Duplicate probability [0-1]")
	reorderWindow := flag.Int("reorder-window", 1, "Reorder window (>=1)")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	dialer, err := chaos.NewDialer(websocket.NewDialer(loaded.Stream.PublicURL), chaos.Config{
		Seed:          *seed,
		FailDials:     *failDials,
		DropRate:      *dropRate,
		DuplicateRate: *dupRate,
		ReorderWindow: *reorderWindow,
	})
	if err != nil {
		log.Fatalf("chaos config invalid: %v", err)
	}

	metrics := obs.NewMetrics()
	client, err := stream.New(stream.Config{
		Name:         "chaos",
		PingInterval: loaded.Stream.PingInterval,
		ReadTimeout:  loaded.Stream.ReadTimeout,
		Backoff:      loaded.Stream.Backoff,
		Dialer:       dialer,
		Metrics:      metrics,
	})
	if err != nil {
		log.Fatalf("stream init failed: %v", err)
	}

	var t tally
	var topics []string
	for _, s := range targets(loaded, *symbols) {
		if err := client.Register(s, t.handle); err != nil {
			log.Fatalf("register %s failed: %v", s, err)
		}
		topics = append(topics,
			stream.BookTopic(loaded.Stream.Depth, s),
			stream.TradeTopic(s),
			stream.KlineTopic("1", s),
		)
	}
	if len(topics) == 0 {
		log.Fatalf("no symbols to subscribe")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	if err := client.Subscribe(ctx, topics...); err != nil {
		log.Fatalf("subscribe failed: %v", err)
	}
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("stream gave up: %v", err)
	}

	log.Printf("chaos completed: dials=%d books=%d trades=%d klines=%d other=%d",
		dialer.Dials(), t.books.Load(), t.trades.Load(), t.klines.Load(), t.other.Load())
	log.Printf("counters: %v", metrics.Snapshot().Counters)
}

func targets(loaded ops.Loaded, symbols string) []string {
	if symbols != "" {
		var out []string
		for _, s := range strings.Split(symbols, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	var out []string
	for _, inst := range loaded.Enabled() {
		out = append(out, inst.Symbol)
	}
	return out
}
