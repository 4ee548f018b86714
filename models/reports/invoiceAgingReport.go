package reports

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/craftlinkhq/procure_backend/models"
	"github.com/xuri/excelize/v2"
)

// InvoiceAgingRow is one invoice with its resolved payment status.
type InvoiceAgingRow struct {
	InvoiceId string               `json:"invoiceId"`
	PoId      string               `json:"poId"`
	Amount    string               `json:"amount"`
	DueDate   time.Time            `json:"dueDate"`
	Status    models.PaymentStatus `json:"status"`
}

// InvoiceAgingReport groups the invoice set into payment-status buckets.
type InvoiceAgingReport struct {
	GeneratedAt time.Time                            `json:"generatedAt"`
	Buckets     map[models.PaymentStatus]int         `json:"buckets"`
	Rows        map[models.PaymentStatus][]InvoiceAgingRow `json:"rows"`
}

var bucketOrder = []models.PaymentStatus{
	models.PaymentStatusOverDue,
	models.PaymentStatusWaiting,
	models.PaymentStatusNext,
	models.PaymentStatusNeutral,
	models.PaymentStatusPaid,
}

// BuildInvoiceAgingReport resolves every invoice's status at the given
// instant and buckets them.
func BuildInvoiceAgingReport(ctx context.Context, gate *models.InvoiceGate, now time.Time) (*InvoiceAgingReport, error) {
	invoices, err := gate.Invoices(ctx)
	if err != nil {
		return nil, err
	}

	report := &InvoiceAgingReport{
		GeneratedAt: now,
		Buckets:     map[models.PaymentStatus]int{},
		Rows:        map[models.PaymentStatus][]InvoiceAgingRow{},
	}
	for i := range invoices {
		inv := invoices[i]
		status := models.ResolvePaymentStatus(&inv, now)
		report.Buckets[status]++
		report.Rows[status] = append(report.Rows[status], InvoiceAgingRow{
			InvoiceId: inv.Id,
			PoId:      inv.PoId,
			Amount:    inv.Amount.String(),
			DueDate:   inv.DueDate,
			Status:    status,
		})
	}
	for _, rows := range report.Rows {
		sort.Slice(rows, func(i, j int) bool {
			return rows[i].DueDate.Before(rows[j].DueDate)
		})
	}
	return report, nil
}

// WriteXLSX renders the report as a spreadsheet, one row per invoice,
// bucketed sections in severity order.
func (r *InvoiceAgingReport) WriteXLSX(w io.Writer) error {
	f := excelize.NewFile()
	sheetName := "Sheet1"
	_, err := f.NewSheet(sheetName)
	if err != nil {
		return err
	}

	// Add headers
	f.SetCellValue(sheetName, "A1", "Status")
	f.SetCellValue(sheetName, "B1", "InvoiceId")
	f.SetCellValue(sheetName, "C1", "PurchaseOrder")
	f.SetCellValue(sheetName, "D1", "Amount")
	f.SetCellValue(sheetName, "E1", "DueDate")

	row := 2
	for _, status := range bucketOrder {
		for _, item := range r.Rows[status] {
			f.SetCellValue(sheetName, "A"+fmt.Sprint(row), string(item.Status))
			f.SetCellValue(sheetName, "B"+fmt.Sprint(row), item.InvoiceId)
			f.SetCellValue(sheetName, "C"+fmt.Sprint(row), item.PoId)
			f.SetCellValue(sheetName, "D"+fmt.Sprint(row), item.Amount)
			f.SetCellValue(sheetName, "E"+fmt.Sprint(row), item.DueDate.Format("2006-01-02"))
			row++
		}
	}

	return f.Write(w)
}
