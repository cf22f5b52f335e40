package storage

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/soryn-dev/trailbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Durable snapshots of positions and balances
// ═══════════════════════════════════════════════════════════════════════════════
//
// SQLite file by default, Postgres when DATABASE_URL is set. Decimal values
// are stored as strings so both drivers round-trip them exactly.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db *gorm.DB
}

type trackedRow struct {
	Symbol             string `gorm:"primaryKey"`
	Direction          string
	EntryPrice         string
	Leverage           string
	Volume             string
	CurrentStopPrice   string
	PlanOrderID        string
	HighestRoePercent  string
	TrailActivated     bool
	LastModifiedAt     time.Time
	PlanExpiryDeadline time.Time
	UpdatedAt          time.Time
}

func (trackedRow) TableName() string { return "tracked_positions" }

type positionRow struct {
	ID                 string `gorm:"primaryKey"`
	Strategy           string `gorm:"index"`
	Symbol             string
	Direction          string
	EntryPrice         string
	EntryTime          time.Time
	Leverage           string
	MarginUsed         string
	NotionalSize       string
	StopLossPrice      string
	TakeProfit         string
	HighestRoiPercent  string
	TrailActivated     bool
	Orphaned           bool
	Status             string `gorm:"index"`
	ExitPrice          string
	ExitTime           time.Time
	ExitReason         string
	RealizedPnl        string
	RealizedPnlPercent string
	UpdatedAt          time.Time
}

func (positionRow) TableName() string { return "positions" }

type strategyStateRow struct {
	Strategy    string `gorm:"primaryKey"`
	Balance     string
	PeakBalance string
	UpdatedAt   time.Time
}

func (strategyStateRow) TableName() string { return "strategy_state" }

// Open connects and migrates. dsn selects Postgres when non-empty, otherwise
// path names the SQLite file.
func Open(dsn, path string) (*Database, error) {
	var dialector gorm.Dialector
	if dsn != "" {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(path)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&trackedRow{}, &positionRow{}, &strategyStateRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info().Bool("postgres", dsn != "").Msg("💾 Database connected")
	return &Database{db: db}, nil
}

// SaveTrackedPosition upserts one exchange shadow.
func (d *Database) SaveTrackedPosition(symbol string, state *types.TrackedExchangePosition) error {
	row := trackedRow{
		Symbol:             symbol,
		Direction:          string(state.Direction),
		EntryPrice:         state.EntryPrice.String(),
		Leverage:           state.Leverage.String(),
		Volume:             state.Volume.String(),
		CurrentStopPrice:   state.CurrentStopPrice.String(),
		PlanOrderID:        state.PlanOrderID,
		HighestRoePercent:  state.HighestRoePercent.String(),
		TrailActivated:     state.TrailActivated,
		LastModifiedAt:     state.LastModifiedAt,
		PlanExpiryDeadline: state.PlanExpiryDeadline,
	}
	return d.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// LoadTrackedPositions returns every persisted shadow.
func (d *Database) LoadTrackedPositions() ([]*types.TrackedExchangePosition, error) {
	var rows []trackedRow
	if err := d.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.TrackedExchangePosition, 0, len(rows))
	for _, row := range rows {
		out = append(out, &types.TrackedExchangePosition{
			Symbol:             row.Symbol,
			Direction:          types.Direction(row.Direction),
			EntryPrice:         dec(row.EntryPrice),
			Leverage:           dec(row.Leverage),
			Volume:             dec(row.Volume),
			CurrentStopPrice:   dec(row.CurrentStopPrice),
			PlanOrderID:        row.PlanOrderID,
			HighestRoePercent:  dec(row.HighestRoePercent),
			TrailActivated:     row.TrailActivated,
			LastModifiedAt:     row.LastModifiedAt,
			PlanExpiryDeadline: row.PlanExpiryDeadline,
		})
	}
	return out, nil
}

// DeleteTrackedPosition removes a shadow after an external or manual close.
func (d *Database) DeleteTrackedPosition(symbol string) error {
	return d.db.Delete(&trackedRow{}, "symbol = ?", symbol).Error
}

// SavePositions snapshots one strategy: open and closed positions plus its
// balance state, in a single transaction.
func (d *Database) SavePositions(strategy string, open, closed []*types.Position, balance, peak decimal.Decimal) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		for _, pos := range append(append([]*types.Position{}, open...), closed...) {
			row := positionToRow(strategy, pos)
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return err
			}
		}
		state := strategyStateRow{Strategy: strategy, Balance: balance.String(), PeakBalance: peak.String()}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&state).Error
	})
}

// LoadPositions restores one strategy's snapshot.
func (d *Database) LoadPositions(strategy string) (open, closed []*types.Position, balance, peak decimal.Decimal, err error) {
	var rows []positionRow
	if err = d.db.Where("strategy = ?", strategy).Find(&rows).Error; err != nil {
		return nil, nil, decimal.Zero, decimal.Zero, err
	}
	for _, row := range rows {
		pos := rowToPosition(row)
		if pos.Status == types.StatusOpen {
			open = append(open, pos)
		} else {
			closed = append(closed, pos)
		}
	}

	var state strategyStateRow
	res := d.db.Where("strategy = ?", strategy).Limit(1).Find(&state)
	if res.Error != nil {
		return nil, nil, decimal.Zero, decimal.Zero, res.Error
	}
	if res.RowsAffected > 0 {
		balance, peak = dec(state.Balance), dec(state.PeakBalance)
	}
	return open, closed, balance, peak, nil
}

func positionToRow(strategy string, pos *types.Position) positionRow {
	return positionRow{
		ID:                 pos.ID,
		Strategy:           strategy,
		Symbol:             pos.Symbol,
		Direction:          string(pos.Direction),
		EntryPrice:         pos.EntryPrice.String(),
		EntryTime:          pos.EntryTime,
		Leverage:           pos.Leverage.String(),
		MarginUsed:         pos.MarginUsed.String(),
		NotionalSize:       pos.NotionalSize.String(),
		StopLossPrice:      pos.StopLossPrice.String(),
		TakeProfit:         pos.TakeProfit.String(),
		HighestRoiPercent:  pos.HighestRoiPercent.String(),
		TrailActivated:     pos.TrailActivated,
		Orphaned:           pos.Orphaned,
		Status:             string(pos.Status),
		ExitPrice:          pos.ExitPrice.String(),
		ExitTime:           pos.ExitTime,
		ExitReason:         string(pos.ExitReason),
		RealizedPnl:        pos.RealizedPnl.String(),
		RealizedPnlPercent: pos.RealizedPnlPercent.String(),
	}
}

func rowToPosition(row positionRow) *types.Position {
	return &types.Position{
		ID:                 row.ID,
		Strategy:           row.Strategy,
		Symbol:             row.Symbol,
		Direction:          types.Direction(row.Direction),
		EntryPrice:         dec(row.EntryPrice),
		EntryTime:          row.EntryTime,
		Leverage:           dec(row.Leverage),
		MarginUsed:         dec(row.MarginUsed),
		NotionalSize:       dec(row.NotionalSize),
		StopLossPrice:      dec(row.StopLossPrice),
		TakeProfit:         dec(row.TakeProfit),
		HighestRoiPercent:  dec(row.HighestRoiPercent),
		TrailActivated:     row.TrailActivated,
		Orphaned:           row.Orphaned,
		Status:             types.PositionStatus(row.Status),
		ExitPrice:          dec(row.ExitPrice),
		ExitTime:           row.ExitTime,
		ExitReason:         types.ExitReason(row.ExitReason),
		RealizedPnl:        dec(row.RealizedPnl),
		RealizedPnlPercent: dec(row.RealizedPnlPercent),
	}
}

// dec parses a stored decimal; rows we wrote always parse, anything else
// falls back to zero.
func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
