package reports_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/craftlinkhq/procure_backend/models"
	"github.com/craftlinkhq/procure_backend/models/reports"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

func buildGateWithInvoices(t *testing.T, now time.Time) *models.InvoiceGate {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	ledger := models.NewDeliveryLedger(models.NewFileLedgerStore(filepath.Join(dir, "ledger.json")), nil)
	gate := models.NewInvoiceGate(models.NewFileInvoiceStore(filepath.Join(dir, "invoices.json")), ledger, nil)
	gate.PublishEvents = false

	if _, err := ledger.RecordDelivery(ctx, models.DeliveryLine{
		PoId:        "po-1",
		LineId:      "line-1",
		ReceivedQty: 1000,
		UnitPrice:   decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}

	dueDates := []time.Time{
		now.AddDate(0, 0, 3),  // Waiting
		now.AddDate(0, 0, 10), // Next
		now.AddDate(0, 0, 30), // Neutral
		now.AddDate(0, 0, 5),  // Waiting
	}
	var paidId string
	for i, due := range dueDates {
		invoice, rejection, err := gate.ProposeInvoice(ctx, "po-1", decimal.NewFromInt(1000), due)
		if err != nil || rejection != nil {
			t.Fatalf("ProposeInvoice: %v %+v", err, rejection)
		}
		if i == 0 {
			paidId = invoice.Id
		}
	}
	if err := gate.MarkInvoicePaid(ctx, paidId, now); err != nil {
		t.Fatalf("MarkInvoicePaid: %v", err)
	}
	return gate
}

func TestBuildInvoiceAgingReport_Buckets(t *testing.T) {
	now := time.Now()
	gate := buildGateWithInvoices(t, now)

	report, err := reports.BuildInvoiceAgingReport(context.Background(), gate, now)
	if err != nil {
		t.Fatalf("BuildInvoiceAgingReport: %v", err)
	}

	want := map[models.PaymentStatus]int{
		models.PaymentStatusPaid:    1,
		models.PaymentStatusWaiting: 1,
		models.PaymentStatusNext:    1,
		models.PaymentStatusNeutral: 1,
	}
	for status, count := range want {
		if report.Buckets[status] != count {
			t.Fatalf("bucket %s: got %d, want %d (all: %v)", status, report.Buckets[status], count, report.Buckets)
		}
	}
	if report.Buckets[models.PaymentStatusOverDue] != 0 {
		t.Fatalf("unexpected overdue invoices: %v", report.Buckets)
	}
}

func TestInvoiceAgingReport_WriteXLSX(t *testing.T) {
	now := time.Now()
	gate := buildGateWithInvoices(t, now)

	report, err := reports.BuildInvoiceAgingReport(context.Background(), gate, now)
	if err != nil {
		t.Fatalf("BuildInvoiceAgingReport: %v", err)
	}

	var buf bytes.Buffer
	if err := report.WriteXLSX(&buf); err != nil {
		t.Fatalf("WriteXLSX: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Sheet1")
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	// Header plus one row per invoice.
	if len(rows) != 5 {
		t.Fatalf("row count: got %d, want 5", len(rows))
	}
	if rows[0][0] != "Status" || rows[0][3] != "Amount" {
		t.Fatalf("unexpected header row: %v", rows[0])
	}
	// Severity order: the paid invoice comes last.
	if rows[len(rows)-1][0] != string(models.PaymentStatusPaid) {
		t.Fatalf("expected Paid bucket last, got %v", rows[len(rows)-1])
	}
}
