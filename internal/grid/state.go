package grid

import (
	"time"

	"grid-trading-bot/internal/exchange"
)

// StateVersion is bumped when the persisted layout changes.
const StateVersion = 2

// Mode is the engine's operating mode.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeRecovery Mode = "recovery"
)

// LevelStatus is the lifecycle state of one grid level.
type LevelStatus string

const (
	// LevelArmed has a live resting order on the exchange.
	LevelArmed LevelStatus = "armed"
	// LevelDeferred failed placement and waits for a retry.
	LevelDeferred LevelStatus = "deferred"
)

// Level is one rung of the price ladder.
type Level struct {
	Index    int                `json:"index"`
	Side     exchange.OrderSide `json:"side"`
	Price    float64            `json:"price"`
	Quantity float64            `json:"quantity"`
	OrderID  int64              `json:"order_id,omitempty"`
	Status   LevelStatus        `json:"status"`
}

// State is the full persisted state of one symbol's grid. It is written
// after every mutation so a restart can resume where it left off.
type State struct {
	Version     int                 `json:"version"`
	Symbol      string              `json:"symbol"`
	Market      exchange.MarketType `json:"market"`
	Direction   string              `json:"direction"`
	Mode        Mode                `json:"mode"`
	CenterPrice float64             `json:"center_price"`
	Spacing     float64             `json:"spacing"` // fraction between adjacent levels
	Budget      float64             `json:"budget"`  // quote currency allocated to the grid

	Levels []Level `json:"levels"`

	// Position accounting. PositionQty is signed, negative for short.
	PositionQty float64 `json:"position_qty"`
	EntryPrice  float64 `json:"entry_price"`
	RealizedPnL float64 `json:"realized_pnl"`

	FillCount int       `json:"fill_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// clone returns a deep copy safe to hand to other goroutines.
func (s *State) clone() *State {
	cp := *s
	cp.Levels = make([]Level, len(s.Levels))
	copy(cp.Levels, s.Levels)
	return &cp
}

// OpenLevels counts levels with live orders.
func (s *State) OpenLevels() int {
	n := 0
	for i := range s.Levels {
		if s.Levels[i].Status == LevelArmed {
			n++
		}
	}
	return n
}
