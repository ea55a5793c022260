package grid

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"grid-trading-bot/internal/exchange"
)

func sampleState() *State {
	return &State{
		Version:     StateVersion,
		Symbol:      "BTCUSDT",
		Direction:   "neutral",
		Mode:        ModeNormal,
		CenterPrice: 100.0,
		Spacing:     0.005,
		Budget:      1000,
		Levels: []Level{
			{Index: 0, Side: exchange.SideBuy, Price: 99.5, Quantity: 1.005, OrderID: 11, Status: LevelArmed},
			{Index: 1, Side: exchange.SideSell, Price: 100.5, Quantity: 0.995, OrderID: 12, Status: LevelArmed},
		},
		PositionQty: 1.005,
		EntryPrice:  99.5,
		RealizedPnL: 2.5,
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	if err := fs.Save(ctx, sampleState()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := fs.Load(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected state, got nil")
	}
	if loaded.Symbol != "BTCUSDT" || loaded.PositionQty != 1.005 || len(loaded.Levels) != 2 {
		t.Errorf("unexpected state: %+v", loaded)
	}
	if loaded.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt set on save")
	}
}

func TestFileStoreMissingSymbol(t *testing.T) {
	fs, _ := NewFileStore(t.TempDir())

	st, err := fs.Load(context.Background(), "NOPEUSDT")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if st != nil {
		t.Errorf("expected nil state for missing symbol, got %+v", st)
	}
}

func TestFileStoreIgnoresOldVersions(t *testing.T) {
	dir := t.TempDir()
	fs, _ := NewFileStore(dir)

	old := sampleState()
	old.Version = StateVersion - 1
	data, _ := json.Marshal(old)
	if err := os.WriteFile(filepath.Join(dir, "BTCUSDT.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	st, err := fs.Load(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if st != nil {
		t.Error("expected old-version state to be treated as absent")
	}
}

func TestFileStoreDelete(t *testing.T) {
	fs, _ := NewFileStore(t.TempDir())
	ctx := context.Background()

	fs.Save(ctx, sampleState())
	if err := fs.Delete(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if st, _ := fs.Load(ctx, "BTCUSDT"); st != nil {
		t.Error("expected state gone after delete")
	}

	// Deleting a missing symbol is not an error.
	if err := fs.Delete(ctx, "BTCUSDT"); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}
}

func TestResumeAdoptsExchangePosition(t *testing.T) {
	dir := t.TempDir()
	fs, _ := NewFileStore(dir)
	ctx := context.Background()

	// Persisted state claims a long of 1.005, but the exchange reports a
	// smaller live position. The exchange wins.
	prior := sampleState()
	fs.Save(ctx, prior)

	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 100.0)
	mock.SetPosition("BTCUSDT", 0.5, 99.8)

	e := New("BTCUSDT", exchange.MarketDerivative, mock, gridConfig(), fs, nil, nil)
	loaded, err := fs.Load(ctx, "BTCUSDT")
	if err != nil || loaded == nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := e.Resume(ctx, loaded, 1.0); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	st := e.State()
	if st.Mode != ModeRecovery {
		t.Errorf("expected recovery mode, got %s", st.Mode)
	}
	if st.PositionQty != 0.5 || st.EntryPrice != 99.8 {
		t.Errorf("expected exchange position adopted, got qty %.4f entry %.4f", st.PositionQty, st.EntryPrice)
	}
}

func TestResumeRearmsVanishedOrders(t *testing.T) {
	ctx := context.Background()

	// The mock knows neither persisted order, so both levels must be
	// re-placed on resume.
	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 100.0)

	e := New("BTCUSDT", exchange.MarketDerivative, mock, gridConfig(), nil, nil, nil)
	if err := e.Resume(ctx, sampleState(), 1.0); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	st := e.State()
	for _, lvl := range st.Levels {
		if lvl.Status != LevelArmed {
			t.Errorf("level %d not re-armed: %s", lvl.Index, lvl.Status)
		}
		if lvl.OrderID == 11 || lvl.OrderID == 12 {
			t.Errorf("level %d kept a stale order id", lvl.Index)
		}
	}
	open, _ := mock.GetOpenOrders(ctx, "BTCUSDT")
	if len(open) != 2 {
		t.Errorf("expected 2 live orders after resume, got %d", len(open))
	}
}

func TestResumeIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	fs, _ := NewFileStore(dir)
	ctx := context.Background()

	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 100.0)

	e := New("BTCUSDT", exchange.MarketDerivative, mock, gridConfig(), fs, nil, nil)
	if err := e.Resume(ctx, sampleState(), 1.0); err != nil {
		t.Fatalf("first Resume failed: %v", err)
	}
	first := e.State()

	// A second resume from the persisted state must not double the
	// orders.
	loaded, _ := fs.Load(ctx, "BTCUSDT")
	e2 := New("BTCUSDT", exchange.MarketDerivative, mock, gridConfig(), fs, nil, nil)
	if err := e2.Resume(ctx, loaded, 1.0); err != nil {
		t.Fatalf("second Resume failed: %v", err)
	}

	open, _ := mock.GetOpenOrders(ctx, "BTCUSDT")
	if len(open) != len(first.Levels) {
		t.Errorf("expected %d live orders after repeated resume, got %d", len(first.Levels), len(open))
	}
}
