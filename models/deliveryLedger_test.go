package models_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/craftlinkhq/procure_backend/models"
	"github.com/shopspring/decimal"
)

func newTestLedger(t *testing.T) *models.DeliveryLedger {
	t.Helper()
	store := models.NewFileLedgerStore(filepath.Join(t.TempDir(), "ledger.json"))
	return models.NewDeliveryLedger(store, nil)
}

func TestDeliveryLedger_AvailableQtyClampsAtZero(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	_, err := ledger.RecordDelivery(ctx, models.DeliveryLine{
		PoId:        "po-1",
		LineId:      "line-1",
		ItemName:    "Steel pipe",
		OrderedQty:  10,
		ShippedQty:  5,
		ReceivedQty: 5,
		UnitPrice:   decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}

	// A correction larger than the received quantity cancels the line but
	// never drives it negative.
	summary, err := ledger.RecordCorrection(ctx, "po-1", "line-1", -10)
	if err != nil {
		t.Fatalf("RecordCorrection: %v", err)
	}
	if summary.AvailableQty != 0 {
		t.Fatalf("availableQty: got %d, want 0", summary.AvailableQty)
	}
	if !summary.DeliveredAmount.IsZero() {
		t.Fatalf("deliveredAmount: got %s, want 0", summary.DeliveredAmount)
	}
}

func TestDeliveryLedger_CorrectionOverwritesNotAccumulates(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	if _, err := ledger.RecordDelivery(ctx, models.DeliveryLine{
		PoId:        "po-1",
		LineId:      "line-1",
		ReceivedQty: 10,
		UnitPrice:   decimal.NewFromInt(50),
	}); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}

	if _, err := ledger.RecordCorrection(ctx, "po-1", "line-1", -3); err != nil {
		t.Fatalf("RecordCorrection: %v", err)
	}
	summary, err := ledger.RecordCorrection(ctx, "po-1", "line-1", -2)
	if err != nil {
		t.Fatalf("RecordCorrection: %v", err)
	}
	// -2 replaces -3, it is not added to it.
	if summary.AvailableQty != 8 {
		t.Fatalf("availableQty: got %d, want 8", summary.AvailableQty)
	}
	if want := decimal.NewFromInt(400); !summary.DeliveredAmount.Equal(want) {
		t.Fatalf("deliveredAmount: got %s, want %s", summary.DeliveredAmount, want)
	}
}

func TestDeliveryLedger_DeliveryPreservesExistingCorrection(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	if _, err := ledger.RecordDelivery(ctx, models.DeliveryLine{
		PoId:        "po-1",
		LineId:      "line-1",
		ReceivedQty: 10,
		UnitPrice:   decimal.NewFromInt(10),
	}); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	if _, err := ledger.RecordCorrection(ctx, "po-1", "line-1", -4); err != nil {
		t.Fatalf("RecordCorrection: %v", err)
	}

	// A re-sent carrier confirmation must not wipe the manual correction.
	summary, err := ledger.RecordDelivery(ctx, models.DeliveryLine{
		PoId:        "po-1",
		LineId:      "line-1",
		ReceivedQty: 12,
		UnitPrice:   decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	if summary.AvailableQty != 8 {
		t.Fatalf("availableQty: got %d, want 8 (12 received - 4 corrected)", summary.AvailableQty)
	}
}

func TestDeliveryLedger_SummaryAggregatesLines(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	if _, err := ledger.RecordDelivery(ctx, models.DeliveryLine{
		PoId:        "po-1",
		LineId:      "line-1",
		ReceivedQty: 3,
		UnitPrice:   decimal.NewFromFloat(2.5),
	}); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	summary, err := ledger.RecordDelivery(ctx, models.DeliveryLine{
		PoId:        "po-1",
		LineId:      "line-2",
		ReceivedQty: 4,
		UnitPrice:   decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}

	if summary.AvailableQty != 7 {
		t.Fatalf("availableQty: got %d, want 7", summary.AvailableQty)
	}
	if want := decimal.NewFromFloat(47.5); !summary.DeliveredAmount.Equal(want) {
		t.Fatalf("deliveredAmount: got %s, want %s", summary.DeliveredAmount, want)
	}
}

func TestDeliveryLedger_UnknownPoReturnsZeroSummary(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	summary, err := ledger.GetSummary(ctx, "po-unknown")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if summary.AvailableQty != 0 || !summary.DeliveredAmount.IsZero() {
		t.Fatalf("expected zero summary, got %+v", summary)
	}
}

func TestDeliveryLedger_CorrectionOnUnknownLineFails(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	if _, err := ledger.RecordCorrection(ctx, "po-1", "nope", -1); err == nil {
		t.Fatal("expected error correcting a line that was never delivered")
	}
}

func TestDeliveryLedger_RebuildAllSummaries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.json")
	store := models.NewFileLedgerStore(path)
	ledger := models.NewDeliveryLedger(store, nil)

	for _, po := range []string{"po-1", "po-2"} {
		if _, err := ledger.RecordDelivery(ctx, models.DeliveryLine{
			PoId:        po,
			LineId:      "line-1",
			ReceivedQty: 2,
			UnitPrice:   decimal.NewFromInt(5),
		}); err != nil {
			t.Fatalf("RecordDelivery: %v", err)
		}
	}

	count, err := ledger.RebuildAllSummaries(ctx)
	if err != nil {
		t.Fatalf("RebuildAllSummaries: %v", err)
	}
	if count != 2 {
		t.Fatalf("rebuilt count: got %d, want 2", count)
	}

	summary, err := ledger.GetSummary(ctx, "po-2")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if summary.AvailableQty != 2 || !summary.DeliveredAmount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected summary after rebuild: %+v", summary)
	}
}
