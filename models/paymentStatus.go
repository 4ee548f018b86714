package models

import (
	"time"

	"github.com/craftlinkhq/procure_backend/utils"
)

type PaymentStatus string

const (
	PaymentStatusPaid    PaymentStatus = "Paid"
	PaymentStatusOverDue PaymentStatus = "OverDue"
	PaymentStatusWaiting PaymentStatus = "Waiting"
	PaymentStatusNext    PaymentStatus = "Next"
	PaymentStatusNeutral PaymentStatus = "Neutral"
)

// ResolvePaymentStatus derives the display status of an invoice at a given
// instant. Pure; comparisons are by calendar day, not by instant, so an
// invoice due today is Waiting, not OverDue.
//
//	Paid     paidAt set
//	OverDue  due day before today
//	Waiting  due within 7 days
//	Next     due within 14 days
//	Neutral  everything later
func ResolvePaymentStatus(invoice *Invoice, now time.Time) PaymentStatus {
	if invoice.PaidAt != nil {
		return PaymentStatusPaid
	}

	today := utils.StartOfDay(now)
	due := utils.StartOfDay(invoice.DueDate.In(now.Location()))

	if due.Before(today) {
		return PaymentStatusOverDue
	}
	days := int(due.Sub(today).Hours() / 24)
	if days <= 7 {
		return PaymentStatusWaiting
	}
	if days <= 14 {
		return PaymentStatusNext
	}
	return PaymentStatusNeutral
}
