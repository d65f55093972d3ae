package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"marketmaker/internal/ops"
	"marketmaker/internal/state"
	"marketmaker/pkg/conn"
)

type source struct {
	dir      string
	dbDriver string
	dbDSN    string
}

func main() {
	dir := flag.String("dir", "", "State directory (default: persistence.dir of -config)")
	configPath := flag.String("config", "", "Path to YAML or JSON config")
	symbol := flag.String("symbol", "", "Only show this instrument")
	days := flag.Int("days", 7, "Daily rows to show per instrument (0=none)")
	trades := flag.Int("trades", 0, "Recent fills to show per instrument")
	dbDriver := flag.String("db-driver", "", "Trade store driver, postgres or sqlite (default: persistence.db of -config)")
	dbDSN := flag.String("db-dsn", "", "Trade store DSN")
	flag.Parse()

	src, err := resolveSource(*dir, *configPath)
	if err != nil {
		log.Fatalf("resolve state source failed: %v", err)
	}
	if *dbDriver != "" {
		src.dbDriver, src.dbDSN = *dbDriver, *dbDSN
	}
	store, err := state.NewFileStore(src.dir)
	if err != nil {
		log.Fatalf("open state dir failed: %v", err)
	}

	var tradeStore *state.TradeStore
	if src.dbDriver != "" {
		client, err := conn.New(conn.Option{Driver: src.dbDriver, ConnString: src.dbDSN})
		if err != nil {
			log.Fatalf("open trade store failed: %v", err)
		}
		defer func() { _ = client.Close() }()
		if tradeStore, err = state.NewTradeStore(client.DB()); err != nil {
			log.Fatalf("open trade store failed: %v", err)
		}
	}

	symbols, err := store.Symbols()
	if err != nil {
		log.Fatalf("list state failed: %v", err)
	}
	if *symbol != "" {
		symbols = []string{strings.ToUpper(*symbol)}
	}
	if len(symbols) == 0 {
		fmt.Printf("no state files in %s\n", src.dir)
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	for _, s := range symbols {
		snap, ok, err := store.Load(s)
		if err != nil {
			log.Fatalf("load %s failed: %v", s, err)
		}
		if !ok {
			fmt.Fprintf(tw, "%s\tno state\n", s)
			continue
		}
		if tradeStore != nil {
			if snap.TradeHistory, err = storedFills(tw, tradeStore, s, *trades); err != nil {
				log.Fatalf("read trade store %s failed: %v", s, err)
			}
		}
		printSnapshot(tw, snap, *days, *trades)
	}
}

func resolveSource(dir, configPath string) (source, error) {
	src := source{dir: dir}
	if configPath == "" {
		if src.dir == "" {
			src.dir = "state"
		}
		return src, nil
	}
	loaded, err := ops.Load(configPath)
	if err != nil {
		return source{}, err
	}
	if src.dir == "" {
		src.dir = loaded.Persistence.Dir
	}
	src.dbDriver = loaded.Persistence.DB.Driver
	src.dbDSN = loaded.Persistence.DB.DSN
	return src, nil
}

// storedFills prints the durable fill count and returns the most recent fills, which
// replace the capped history of the state file.
func storedFills(tw *tabwriter.Writer, store *state.TradeStore, symbol string, limit int) ([]state.TradeFill, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	count, err := store.Count(ctx, symbol)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(tw, "%s\tstored fills\t%d\n", symbol, count)
	if limit <= 0 {
		return nil, nil
	}
	return store.Recent(ctx, symbol, limit)
}

func printSnapshot(tw *tabwriter.Writer, snap state.Snapshot, days, trades int) {
	m := snap.Metrics
	fmt.Fprintf(tw, "== %s\n", snap.Symbol)
	fmt.Fprintf(tw, "position\t%s\tavg entry\t%s\n", m.Position.Qty, m.Position.AvgEntry)
	fmt.Fprintf(tw, "realized\t%s\tfees\t%s\tnet\t%s\n", m.Position.Realized, m.Position.Fees, m.NetPnL())
	fmt.Fprintf(tw, "fills\t%d\twins\t%d\tlosses\t%d\tvolume\t%s\n", m.Fills, m.Wins, m.Losses, m.Volume)
	fmt.Fprintf(tw, "open orders\t%d\n", len(snap.ActiveOrders))
	for _, o := range snap.ActiveOrders {
		fmt.Fprintf(tw, "  %s\t%s\t%s @ %s\tlayer %d\t%s\n", o.ClientID, o.Side, o.Qty, o.Price, o.Layer, o.Status)
	}

	if days > 0 && len(snap.DailyMetrics) > 0 {
		fmt.Fprintf(tw, "day\trealized\tfees\tnet\tfills\twins\tlosses\tvolume\n")
		daily := snap.DailyMetrics
		if len(daily) > days {
			daily = daily[len(daily)-days:]
		}
		for _, dm := range daily {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				dm.Date, dm.Realized, dm.Fees, dm.NetPnL(), dm.Fills, dm.Wins, dm.Losses, dm.Volume)
		}
	}

	if trades > 0 && len(snap.TradeHistory) > 0 {
		fmt.Fprintf(tw, "time\tside\tqty\tprice\tfee\trealized\n")
		history := snap.TradeHistory
		if len(history) > trades {
			history = history[len(history)-trades:]
		}
		for _, f := range history {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				f.Time.UTC().Format("2006-01-02 15:04:05"), f.Side, f.Qty, f.Price, f.Fee, f.Realized)
		}
	}
	fmt.Fprintln(tw)
}
