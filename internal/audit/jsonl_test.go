package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

func sampleUpdate() signal.LedgerUpdate {
	price := decimal.RequireFromString("10.05")
	return signal.LedgerUpdate{
		Ticker:           "TELIA.ST",
		BoughtAt:         &price,
		CountBefore:      100,
		CountAfter:       105,
		AmountSpent:      decimal.RequireFromString("50.25"),
		PositionName:     "Telia",
		NewTotalInvested: decimal.RequireFromString("1050.25"),
		InstrumentID:     "5479",
		Timestamp:        time.Date(2021, 11, 17, 10, 0, 0, 0, time.UTC),
	}
}

func TestJSONLRecorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger", "updates.jsonl")

	recorder, err := NewJSONLRecorder(path)
	if err != nil {
		t.Fatalf("NewJSONLRecorder error: %v", err)
	}
	update := sampleUpdate()
	if err := recorder.Write(context.Background(), update); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if err := recorder.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := recorder.Write(context.Background(), update); err == nil {
		t.Fatalf("expected error writing to closed recorder")
	}

	decoded, err := ReadJSONL(path)
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("expected one line in recorder output, got %d", len(decoded))
	}
	got := decoded[0]
	if got.Ticker != update.Ticker || !got.Price().Equal(update.Price()) || got.SoldAt != nil {
		t.Fatalf("unexpected decoded update: %+v", got)
	}
	if !got.NewTotalInvested.Equal(update.NewTotalInvested) || got.CountAfter != 105 {
		t.Fatalf("economics lost in round trip: %+v", got)
	}
}
