package writer

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	appconfig "tradeflow/config"
	"tradeflow/models"
)

func writerConfig(t *testing.T) *appconfig.Config {
	t.Helper()
	cfg := &appconfig.Config{}
	cfg.Channels.SnapshotBuffer = 16
	cfg.Snapshots.Enabled = true
	cfg.Snapshots.Path = filepath.Join(t.TempDir(), "account_info.csv")
	cfg.Snapshots.FlushInterval = 10 * time.Millisecond
	return cfg
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open snapshot file: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read snapshot file: %v", err)
	}
	return rows
}

func TestSnapshotWriterAppendsRows(t *testing.T) {
	cfg := writerConfig(t)
	w, err := NewSnapshotWriter(cfg)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w.LogRiskSnapshot(models.RiskSnapshot{
		Timestamp: ts, Position: 1.5, UnrealizedPnl: -12.25, EntryPrice: 2500, RealizedPnl: 80,
	})
	w.LogRiskSnapshot(models.RiskSnapshot{
		Timestamp: ts.Add(5 * time.Second), Position: 0.75, UnrealizedPnl: 3, EntryPrice: 2500, RealizedPnl: 92.25,
	})

	cancel()
	w.Stop()

	rows := readRows(t, cfg.Snapshots.Path)
	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "timestamp" || rows[0][4] != "realized_pnl" {
		t.Fatalf("unexpected header %v", rows[0])
	}
	if rows[1][1] != "1.5" || rows[1][2] != "-12.25" || rows[1][3] != "2500" {
		t.Fatalf("unexpected first row %v", rows[1])
	}
}

func TestSnapshotWriterHeaderOnlyOnce(t *testing.T) {
	cfg := writerConfig(t)

	for i := 0; i < 2; i++ {
		w, err := NewSnapshotWriter(cfg)
		if err != nil {
			t.Fatalf("new writer: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		if err := w.Start(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}
		w.LogRiskSnapshot(models.RiskSnapshot{Timestamp: time.Now().UTC(), Position: float64(i)})
		cancel()
		w.Stop()
	}

	rows := readRows(t, cfg.Snapshots.Path)
	if len(rows) != 3 {
		t.Fatalf("expected a single header and 2 rows across restarts, got %d rows", len(rows))
	}
	if rows[1][0] == "timestamp" || rows[2][0] == "timestamp" {
		t.Fatal("header repeated on reopen")
	}
}

func TestSnapshotWriterDropsWhenFull(t *testing.T) {
	cfg := writerConfig(t)
	cfg.Channels.SnapshotBuffer = 1
	w, err := NewSnapshotWriter(cfg)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	// Worker not started: the second row has nowhere to go.
	w.LogRiskSnapshot(models.RiskSnapshot{Timestamp: time.Now().UTC()})
	w.LogRiskSnapshot(models.RiskSnapshot{Timestamp: time.Now().UTC()})

	if got := w.rowsDropped; got != 1 {
		t.Fatalf("expected 1 dropped row, got %d", got)
	}
}
