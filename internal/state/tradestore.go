package state

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marketmaker/internal/errors"
	"marketmaker/internal/schema"
)

// TradeRecord is the durable row of one fill.
type TradeRecord struct {
	ID       uint64 `gorm:"primaryKey"`
	Symbol   string `gorm:"type:varchar(30);not null;uniqueIndex:idx_trade_symbol_exec"`
	ExecID   string `gorm:"column:exec_id;type:varchar(64);not null;uniqueIndex:idx_trade_symbol_exec"`
	OrderID  string `gorm:"column:order_id;type:varchar(64)"`
	ClientID string `gorm:"column:client_id;type:varchar(64)"`
	Side     string `gorm:"type:varchar(8);not null"`
	Price    string `gorm:"type:varchar(40);not null"`
	Qty      string `gorm:"type:varchar(40);not null"`
	Fee      string `gorm:"type:varchar(40);not null"`
	Realized string `gorm:"column:realized_pnl;type:varchar(40);not null"`
	Maker    bool   `gorm:"column:is_maker"`
	// ExecTime is unix milliseconds.
	ExecTime int64 `gorm:"column:exec_time;not null;index:idx_trade_time"`
}

func (TradeRecord) TableName() string {
	return "trade_fills"
}

// TradeStore is the append-only durable log of fills. The JSON state only keeps the
// most recent ones.
type TradeStore struct {
	db *gorm.DB
}

// NewTradeStore migrates the table and returns the store.
func NewTradeStore(db *gorm.DB) (*TradeStore, error) {
	if err := db.AutoMigrate(&TradeRecord{}); err != nil {
		return nil, errors.Wrap(err, "migrate trade store")
	}
	return &TradeStore{db: db}, nil
}

// Append inserts a fill. Re-inserting the same execution is a no-op.
func (s *TradeStore) Append(ctx context.Context, symbol string, fill TradeFill) error {
	record := TradeRecord{
		Symbol:   symbol,
		ExecID:   fill.ExecID,
		OrderID:  fill.OrderID,
		ClientID: fill.ClientID,
		Side:     fill.Side.String(),
		Price:    fill.Price.String(),
		Qty:      fill.Qty.String(),
		Fee:      fill.Fee.String(),
		Realized: fill.Realized.String(),
		Maker:    fill.Maker,
		ExecTime: fill.Time.UnixMilli(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
}

// Recent returns up to limit fills of symbol, oldest first.
func (s *TradeStore) Recent(ctx context.Context, symbol string, limit int) ([]TradeFill, error) {
	var records []TradeRecord
	err := s.db.WithContext(ctx).Model(&TradeRecord{}).
		Where("symbol = ?", symbol).
		Order("exec_time DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	fills := make([]TradeFill, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		fill, err := records[i].fill()
		if err != nil {
			return nil, err
		}
		fills = append(fills, fill)
	}
	return fills, nil
}

// Count returns the number of stored fills of symbol.
func (s *TradeStore) Count(ctx context.Context, symbol string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&TradeRecord{}).Where("symbol = ?", symbol).Count(&count).Error
	return count, err
}

func (r TradeRecord) fill() (TradeFill, error) {
	var (
		fill TradeFill
		err  error
	)
	fill.ExecID = r.ExecID
	fill.OrderID = r.OrderID
	fill.ClientID = r.ClientID
	fill.Side = schema.ParseSide(r.Side)
	fill.Maker = r.Maker
	fill.Time = time.UnixMilli(r.ExecTime).UTC()
	if fill.Price, err = decimal.NewFromString(r.Price); err != nil {
		return TradeFill{}, errors.Wrap(err, "parse price")
	}
	if fill.Qty, err = decimal.NewFromString(r.Qty); err != nil {
		return TradeFill{}, errors.Wrap(err, "parse qty")
	}
	if fill.Fee, err = decimal.NewFromString(r.Fee); err != nil {
		return TradeFill{}, errors.Wrap(err, "parse fee")
	}
	if fill.Realized, err = decimal.NewFromString(r.Realized); err != nil {
		return TradeFill{}, errors.Wrap(err, "parse realized")
	}
	return fill, nil
}
