package stream

import "marketmaker/internal/schema"

// localBook rebuilds full snapshots from a snapshot plus deltas. Deltas must carry
// consecutive update ids; after a gap the book waits for the next snapshot.
type localBook struct {
	bids   map[string]schema.Level
	asks   map[string]schema.Level
	seq    int64
	synced bool
}

func newLocalBook() *localBook {
	return &localBook{
		bids: make(map[string]schema.Level),
		asks: make(map[string]schema.Level),
	}
}

func (b *localBook) reset() {
	clear(b.bids)
	clear(b.asks)
	b.seq = 0
	b.synced = false
}

func (b *localBook) apply(side map[string]schema.Level, levels []schema.Level) {
	for _, lv := range levels {
		key := lv.Price.String()
		if !lv.Qty.IsPositive() {
			delete(side, key)
			continue
		}
		side[key] = lv
	}
}

func (b *localBook) snapshot(symbol string) schema.BookUpdate {
	return schema.BookUpdate{
		Symbol: symbol,
		Bids:   levels(b.bids),
		Asks:   levels(b.asks),
		Seq:    b.seq,
	}
}

func levels(m map[string]schema.Level) []schema.Level {
	out := make([]schema.Level, 0, len(m))
	for _, lv := range m {
		out = append(out, lv)
	}
	return out
}
