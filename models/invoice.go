package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/craftlinkhq/procure_backend/config"
	"github.com/craftlinkhq/procure_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Invoice is append-only once accepted; only PaidAt changes afterwards.
type Invoice struct {
	Id        string          `gorm:"primaryKey;size:36" json:"id"`
	PoId      string          `gorm:"size:64;index" json:"poId"`
	Amount    decimal.Decimal `gorm:"type:decimal(20,6)" json:"amount"`
	DueDate   time.Time       `json:"dueDate"`
	PaidAt    *time.Time      `json:"paidAt,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (Invoice) TableName() string {
	return "invoices"
}

type InvoiceRejectionReason string

const (
	InvoiceRejectionInvalidAmount          InvoiceRejectionReason = "INVALID_AMOUNT"
	InvoiceRejectionExceedsDeliveredAmount InvoiceRejectionReason = "EXCEEDS_DELIVERED_AMOUNT"
	InvoiceRejectionInvalidDueDate         InvoiceRejectionReason = "INVALID_DUE_DATE"
)

// InvoiceRejection is the structured refusal a proposal gets back.
// Remaining is set for the exceeds case so the caller can show how much is
// still invoiceable.
type InvoiceRejection struct {
	Reason    InvoiceRejectionReason `json:"reason"`
	Remaining *decimal.Decimal       `json:"remaining,omitempty"`
	Message   string                 `json:"message"`
}

type InvoiceStore interface {
	Create(ctx context.Context, invoice *Invoice) error
	Get(ctx context.Context, id string) (*Invoice, error)
	ByPo(ctx context.Context, poId string) ([]Invoice, error)
	All(ctx context.Context) ([]Invoice, error)
	SetPaidAt(ctx context.Context, id string, paidAt time.Time) error
}

// InvoiceGate validates invoice proposals against the delivery ledger and
// owns the invoice set. Checks run in a fixed order; the first failure wins.
type InvoiceGate struct {
	store  InvoiceStore
	ledger *DeliveryLedger
	logger *logrus.Logger

	// PublishEvents enables best-effort invoice.created publishing for the
	// external payment reconciliation process.
	PublishEvents bool

	poMu sync.Mutex
	poLk map[string]*sync.Mutex
}

func NewInvoiceGate(store InvoiceStore, ledger *DeliveryLedger, logger *logrus.Logger) *InvoiceGate {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &InvoiceGate{
		store:         store,
		ledger:        ledger,
		logger:        logger,
		PublishEvents: config.PubSubConfigured(),
		poLk:          map[string]*sync.Mutex{},
	}
}

func (g *InvoiceGate) poLock(poId string) *sync.Mutex {
	g.poMu.Lock()
	defer g.poMu.Unlock()
	mu, ok := g.poLk[poId]
	if !ok {
		mu = &sync.Mutex{}
		g.poLk[poId] = mu
	}
	return mu
}

// TotalInvoiced sums accepted invoice amounts for one purchase order.
func (g *InvoiceGate) TotalInvoiced(ctx context.Context, poId string) (decimal.Decimal, error) {
	invoices, err := g.store.ByPo(ctx, poId)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for i := range invoices {
		total = total.Add(invoices[i].Amount)
	}
	return total, nil
}

// RemainingInvoiceable is deliveredAmount minus the invoiced total, floored
// at zero (a downward correction can leave the PO over-invoiced).
func (g *InvoiceGate) RemainingInvoiceable(ctx context.Context, poId string) (decimal.Decimal, error) {
	summary, err := g.ledger.GetSummary(ctx, poId)
	if err != nil {
		return decimal.Zero, err
	}
	invoiced, err := g.TotalInvoiced(ctx, poId)
	if err != nil {
		return decimal.Zero, err
	}
	remaining := summary.DeliveredAmount.Sub(invoiced)
	if remaining.IsNegative() {
		return decimal.Zero, nil
	}
	return remaining, nil
}

// ProposeInvoice runs the ordered validation chain. A nil rejection with a
// non-nil invoice means accepted and persisted; a non-nil rejection is a
// normal outcome, not an error.
func (g *InvoiceGate) ProposeInvoice(ctx context.Context, poId string, amount decimal.Decimal, dueDate time.Time) (*Invoice, *InvoiceRejection, error) {
	mu := g.poLock(poId)
	mu.Lock()
	defer mu.Unlock()

	// Best-effort cross-instance exclusion; the in-process lock above is
	// authoritative on a single node.
	release, err := utils.PurchaseOrderLock(ctx, poId, "InvoiceGate", "ProposeInvoice")
	if err == nil {
		defer release()
	}

	if !amount.IsPositive() {
		return nil, &InvoiceRejection{
			Reason:  InvoiceRejectionInvalidAmount,
			Message: "invoice amount must be greater than zero",
		}, nil
	}

	remaining, err := g.RemainingInvoiceable(ctx, poId)
	if err != nil {
		return nil, nil, err
	}
	if amount.GreaterThan(remaining) {
		r := remaining
		return nil, &InvoiceRejection{
			Reason:    InvoiceRejectionExceedsDeliveredAmount,
			Remaining: &r,
			Message:   fmt.Sprintf("invoice amount exceeds the remaining invoiceable amount (%s)", r.String()),
		}, nil
	}

	if dueDate.IsZero() || utils.StartOfDay(dueDate).Before(utils.StartOfDay(time.Now())) {
		return nil, &InvoiceRejection{
			Reason:  InvoiceRejectionInvalidDueDate,
			Message: "due date must not be before today",
		}, nil
	}

	invoice := &Invoice{
		Id:        uuid.NewString(),
		PoId:      poId,
		Amount:    amount,
		DueDate:   dueDate,
		CreatedAt: time.Now().UTC(),
	}
	if err := g.store.Create(ctx, invoice); err != nil {
		return nil, nil, err
	}

	if g.PublishEvents {
		msg := config.InvoiceEventMessage{
			InvoiceId:     invoice.Id,
			PoId:          invoice.PoId,
			Action:        "invoice.created",
			Amount:        invoice.Amount.String(),
			DueDate:       invoice.DueDate,
			OccurredAt:    invoice.CreatedAt,
			CorrelationId: correlationIdFromContextOrNew(ctx),
		}
		if perr := config.PublishInvoiceEvent(msg); perr != nil {
			config.LogError(g.logger, "InvoiceGate", "ProposeInvoice", "failed to publish invoice event", invoice.Id, perr)
		}
	}

	return invoice, nil, nil
}

// MarkInvoicePaid sets paidAt. Replays keep the first value.
func (g *InvoiceGate) MarkInvoicePaid(ctx context.Context, invoiceId string, paidAt time.Time) error {
	invoice, err := g.store.Get(ctx, invoiceId)
	if err != nil {
		return err
	}
	if invoice.PaidAt != nil {
		return nil
	}
	return g.store.SetPaidAt(ctx, invoiceId, paidAt)
}

func (g *InvoiceGate) Invoices(ctx context.Context) ([]Invoice, error) {
	return g.store.All(ctx)
}

func (g *InvoiceGate) InvoicesByPo(ctx context.Context, poId string) ([]Invoice, error) {
	return g.store.ByPo(ctx, poId)
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// FileInvoiceStore keeps the invoice set in one JSON file, written atomically.
type FileInvoiceStore struct {
	path string
	mu   sync.Mutex
}

type fileInvoiceState struct {
	Invoices []Invoice `json:"invoices"`
}

func NewFileInvoiceStore(path string) *FileInvoiceStore {
	return &FileInvoiceStore{path: path}
}

func (s *FileInvoiceStore) load() (*fileInvoiceState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileInvoiceState{}, nil
		}
		return nil, err
	}
	var state fileInvoiceState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *FileInvoiceStore) save(state *fileInvoiceState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileInvoiceStore) Create(ctx context.Context, invoice *Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return err
	}
	state.Invoices = append(state.Invoices, *invoice)
	return s.save(state)
}

func (s *FileInvoiceStore) Get(ctx context.Context, id string) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range state.Invoices {
		if state.Invoices[i].Id == id {
			inv := state.Invoices[i]
			return &inv, nil
		}
	}
	return nil, utils.ErrorRecordNotFound
}

func (s *FileInvoiceStore) ByPo(ctx context.Context, poId string) ([]Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []Invoice
	for _, inv := range state.Invoices {
		if inv.PoId == poId {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (s *FileInvoiceStore) All(ctx context.Context) ([]Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Invoice, len(state.Invoices))
	copy(out, state.Invoices)
	return out, nil
}

func (s *FileInvoiceStore) SetPaidAt(ctx context.Context, id string, paidAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return err
	}
	for i := range state.Invoices {
		if state.Invoices[i].Id == id {
			state.Invoices[i].PaidAt = &paidAt
			return s.save(state)
		}
	}
	return utils.ErrorRecordNotFound
}

// GormInvoiceStore is the MySQL-backed invoice store.
type GormInvoiceStore struct {
	db *gorm.DB
}

func NewGormInvoiceStore(db *gorm.DB) (*GormInvoiceStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	return &GormInvoiceStore{db: db}, nil
}

func (s *GormInvoiceStore) Create(ctx context.Context, invoice *Invoice) error {
	return s.db.WithContext(ctx).Create(invoice).Error
}

func (s *GormInvoiceStore) Get(ctx context.Context, id string) (*Invoice, error) {
	var invoice Invoice
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

func (s *GormInvoiceStore) ByPo(ctx context.Context, poId string) ([]Invoice, error) {
	var invoices []Invoice
	err := s.db.WithContext(ctx).
		Where("po_id = ?", poId).
		Order("created_at ASC").
		Find(&invoices).Error
	return invoices, err
}

func (s *GormInvoiceStore) All(ctx context.Context) ([]Invoice, error) {
	var invoices []Invoice
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&invoices).Error
	return invoices, err
}

func (s *GormInvoiceStore) SetPaidAt(ctx context.Context, id string, paidAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&Invoice{}).
		Where("id = ?", id).
		Update("paid_at", paidAt)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}
