package models

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/craftlinkhq/procure_backend/config"
	"github.com/craftlinkhq/procure_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DeliveryLine is one line of a purchase order's delivery record.
// ReceivedQty comes from the carrier confirmation; CorrectionQty is the
// signed manual adjustment entered after a physical recount. The correction
// overwrites, it does not accumulate.
type DeliveryLine struct {
	ID            uint            `gorm:"primaryKey" json:"-"`
	PoId          string          `gorm:"size:64;index:idx_po_line,unique,priority:1" json:"poId"`
	LineId        string          `gorm:"size:64;index:idx_po_line,unique,priority:2" json:"lineId"`
	ItemName      string          `gorm:"size:255" json:"itemName"`
	OrderedQty    int             `json:"orderedQty"`
	ShippedQty    int             `json:"shippedQty"`
	ReceivedQty   int             `json:"receivedQty"`
	CorrectionQty int             `json:"correctionQty"`
	UnitPrice     decimal.Decimal `gorm:"type:decimal(20,6)" json:"unitPrice"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (DeliveryLine) TableName() string {
	return "delivery_lines"
}

// AvailableQty clamps at zero: a correction can cancel a delivery but can
// never drive a line negative.
func (l *DeliveryLine) AvailableQty() int {
	qty := l.ReceivedQty + l.CorrectionQty
	if qty < 0 {
		return 0
	}
	return qty
}

// FulfillmentSummary is derived state, recomputed from the lines on every
// write and persisted keyed by purchase order.
type FulfillmentSummary struct {
	PoId            string          `gorm:"primaryKey;size:64" json:"poId"`
	AvailableQty    int             `json:"availableQty"`
	DeliveredAmount decimal.Decimal `gorm:"type:decimal(20,6)" json:"deliveredAmount"`
	RecomputedAt    time.Time       `json:"recomputedAt"`
}

func (FulfillmentSummary) TableName() string {
	return "fulfillment_summaries"
}

type LedgerStore interface {
	UpsertLine(ctx context.Context, line *DeliveryLine) error
	GetLine(ctx context.Context, poId, lineId string) (*DeliveryLine, error)
	LinesByPo(ctx context.Context, poId string) ([]DeliveryLine, error)
	AllPoIds(ctx context.Context) ([]string, error)
	SaveSummary(ctx context.Context, summary *FulfillmentSummary) error
	GetSummary(ctx context.Context, poId string) (*FulfillmentSummary, error)
}

// invoicedTotals is what the ledger needs from the invoice side to flag
// over-invoiced purchase orders after a downward correction. Optional; a nil
// provider disables the check.
type invoicedTotals interface {
	TotalInvoiced(ctx context.Context, poId string) (decimal.Decimal, error)
}

// DeliveryLedger owns delivery lines and their derived summaries.
// Writes serialize per purchase order.
type DeliveryLedger struct {
	store    LedgerStore
	invoices invoicedTotals
	logger   *logrus.Logger

	poMu sync.Mutex
	poLk map[string]*sync.Mutex
}

func NewDeliveryLedger(store LedgerStore, logger *logrus.Logger) *DeliveryLedger {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &DeliveryLedger{
		store:  store,
		logger: logger,
		poLk:   map[string]*sync.Mutex{},
	}
}

// SetInvoicedTotals wires in the invoice side after both services exist.
func (dl *DeliveryLedger) SetInvoicedTotals(p invoicedTotals) {
	dl.invoices = p
}

func (dl *DeliveryLedger) poLock(poId string) *sync.Mutex {
	dl.poMu.Lock()
	defer dl.poMu.Unlock()
	mu, ok := dl.poLk[poId]
	if !ok {
		mu = &sync.Mutex{}
		dl.poLk[poId] = mu
	}
	return mu
}

// RecordDelivery upserts a line from an external delivery confirmation and
// recomputes the summary.
func (dl *DeliveryLedger) RecordDelivery(ctx context.Context, line DeliveryLine) (*FulfillmentSummary, error) {
	if line.PoId == "" || line.LineId == "" {
		return nil, errors.New("poId and lineId are required")
	}
	mu := dl.poLock(line.PoId)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := dl.store.GetLine(ctx, line.PoId, line.LineId); err == nil {
		// Confirmations never touch a manual correction.
		line.CorrectionQty = existing.CorrectionQty
	} else if !errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, err
	}

	if err := dl.store.UpsertLine(ctx, &line); err != nil {
		return nil, err
	}
	return dl.recomputeSummary(ctx, line.PoId)
}

// RecordCorrection overwrites one line's signed correction and recomputes
// the summary. Returns the fresh summary.
func (dl *DeliveryLedger) RecordCorrection(ctx context.Context, poId, lineId string, correctionQty int) (*FulfillmentSummary, error) {
	mu := dl.poLock(poId)
	mu.Lock()
	defer mu.Unlock()

	line, err := dl.store.GetLine(ctx, poId, lineId)
	if err != nil {
		return nil, err
	}
	line.CorrectionQty = correctionQty
	if err := dl.store.UpsertLine(ctx, line); err != nil {
		return nil, err
	}

	summary, err := dl.recomputeSummary(ctx, poId)
	if err != nil {
		return nil, err
	}

	// A downward correction can leave the PO invoiced above its delivered
	// amount. Invoices are append-only so this is not repaired, only flagged.
	if dl.invoices != nil {
		invoiced, terr := dl.invoices.TotalInvoiced(ctx, poId)
		if terr != nil {
			config.LogError(dl.logger, "DeliveryLedger", "RecordCorrection", "failed to read invoiced total", poId, terr)
		} else if invoiced.GreaterThan(summary.DeliveredAmount) {
			dl.logger.WithFields(logrus.Fields{
				"module":          "DeliveryLedger",
				"poId":            poId,
				"invoicedTotal":   invoiced.String(),
				"deliveredAmount": summary.DeliveredAmount.String(),
				"overInvoicedBy":  invoiced.Sub(summary.DeliveredAmount).String(),
			}).Warn("purchase order invoiced above delivered amount after correction")
		}
	}

	return summary, nil
}

// GetSummary returns the persisted summary, or a zero-value summary for a
// purchase order with no recorded deliveries.
func (dl *DeliveryLedger) GetSummary(ctx context.Context, poId string) (*FulfillmentSummary, error) {
	cacheKey := "fulfillmentSummary:" + poId
	var cached FulfillmentSummary
	if ok, err := config.GetRedisObject(cacheKey, &cached); err == nil && ok {
		return &cached, nil
	}

	summary, err := dl.store.GetSummary(ctx, poId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return &FulfillmentSummary{
				PoId:            poId,
				AvailableQty:    0,
				DeliveredAmount: decimal.Zero,
			}, nil
		}
		return nil, err
	}
	return summary, nil
}

func (dl *DeliveryLedger) Lines(ctx context.Context, poId string) ([]DeliveryLine, error) {
	return dl.store.LinesByPo(ctx, poId)
}

// RecomputeSummary forces a recompute of one purchase order's summary.
func (dl *DeliveryLedger) RecomputeSummary(ctx context.Context, poId string) (*FulfillmentSummary, error) {
	mu := dl.poLock(poId)
	mu.Lock()
	defer mu.Unlock()
	return dl.recomputeSummary(ctx, poId)
}

// RebuildAllSummaries recomputes every summary from its lines. Operator
// tooling for recovering from partial writes.
func (dl *DeliveryLedger) RebuildAllSummaries(ctx context.Context) (int, error) {
	poIds, err := dl.store.AllPoIds(ctx)
	if err != nil {
		return 0, err
	}
	for _, poId := range poIds {
		mu := dl.poLock(poId)
		mu.Lock()
		_, rerr := dl.recomputeSummary(ctx, poId)
		mu.Unlock()
		if rerr != nil {
			return 0, rerr
		}
	}
	return len(poIds), nil
}

func (dl *DeliveryLedger) recomputeSummary(ctx context.Context, poId string) (*FulfillmentSummary, error) {
	lines, err := dl.store.LinesByPo(ctx, poId)
	if err != nil {
		return nil, err
	}

	summary := &FulfillmentSummary{
		PoId:            poId,
		DeliveredAmount: decimal.Zero,
		RecomputedAt:    time.Now().UTC(),
	}
	for i := range lines {
		qty := lines[i].AvailableQty()
		summary.AvailableQty += qty
		summary.DeliveredAmount = summary.DeliveredAmount.Add(
			lines[i].UnitPrice.Mul(decimal.NewFromInt(int64(qty))))
	}

	if err := dl.store.SaveSummary(ctx, summary); err != nil {
		return nil, err
	}
	cacheKey := "fulfillmentSummary:" + poId
	if err := config.SetRedisObject(cacheKey, summary, time.Hour); err != nil {
		config.LogError(dl.logger, "DeliveryLedger", "recomputeSummary", "failed to cache summary", poId, err)
		// A stale cached summary is worse than no cache; drop the key.
		if derr := config.RemoveRedisKey(cacheKey); derr != nil {
			config.LogError(dl.logger, "DeliveryLedger", "recomputeSummary", "failed to drop stale summary cache", poId, derr)
		}
	}
	return summary, nil
}

// FileLedgerStore keeps lines and summaries in one JSON file, written
// atomically. The durable store for single-node deployments.
type FileLedgerStore struct {
	path string
	mu   sync.Mutex
}

type fileLedgerState struct {
	NextID    uint                          `json:"nextId"`
	Lines     []DeliveryLine                `json:"lines"`
	Summaries map[string]FulfillmentSummary `json:"summaries"`
}

func NewFileLedgerStore(path string) *FileLedgerStore {
	return &FileLedgerStore{path: path}
}

func (s *FileLedgerStore) load() (*fileLedgerState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileLedgerState{NextID: 1, Summaries: map[string]FulfillmentSummary{}}, nil
		}
		return nil, err
	}
	var state fileLedgerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.NextID == 0 {
		state.NextID = 1
	}
	if state.Summaries == nil {
		state.Summaries = map[string]FulfillmentSummary{}
	}
	return &state, nil
}

func (s *FileLedgerStore) save(state *fileLedgerState) error {
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

func (s *FileLedgerStore) UpsertLine(ctx context.Context, line *DeliveryLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range state.Lines {
		if state.Lines[i].PoId == line.PoId && state.Lines[i].LineId == line.LineId {
			line.ID = state.Lines[i].ID
			line.CreatedAt = state.Lines[i].CreatedAt
			line.UpdatedAt = now
			state.Lines[i] = *line
			return s.save(state)
		}
	}
	line.ID = state.NextID
	state.NextID++
	line.CreatedAt = now
	line.UpdatedAt = now
	state.Lines = append(state.Lines, *line)
	return s.save(state)
}

func (s *FileLedgerStore) GetLine(ctx context.Context, poId, lineId string) (*DeliveryLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range state.Lines {
		if state.Lines[i].PoId == poId && state.Lines[i].LineId == lineId {
			line := state.Lines[i]
			return &line, nil
		}
	}
	return nil, utils.ErrorRecordNotFound
}

func (s *FileLedgerStore) LinesByPo(ctx context.Context, poId string) ([]DeliveryLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []DeliveryLine
	for _, line := range state.Lines {
		if line.PoId == poId {
			out = append(out, line)
		}
	}
	return out, nil
}

func (s *FileLedgerStore) AllPoIds(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(state.Lines))
	for _, line := range state.Lines {
		ids = append(ids, line.PoId)
	}
	return utils.UniqueSlice(ids), nil
}

func (s *FileLedgerStore) SaveSummary(ctx context.Context, summary *FulfillmentSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return err
	}
	state.Summaries[summary.PoId] = *summary
	return s.save(state)
}

func (s *FileLedgerStore) GetSummary(ctx context.Context, poId string) (*FulfillmentSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return nil, err
	}
	summary, ok := state.Summaries[poId]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return &summary, nil
}

// GormLedgerStore is the MySQL-backed ledger store.
type GormLedgerStore struct {
	db *gorm.DB
}

func NewGormLedgerStore(db *gorm.DB) (*GormLedgerStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	return &GormLedgerStore{db: db}, nil
}

func (s *GormLedgerStore) UpsertLine(ctx context.Context, line *DeliveryLine) error {
	var existing DeliveryLine
	err := s.db.WithContext(ctx).
		Where("po_id = ? AND line_id = ?", line.PoId, line.LineId).
		First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.db.WithContext(ctx).Create(line).Error
		}
		return err
	}
	line.ID = existing.ID
	line.CreatedAt = existing.CreatedAt
	return s.db.WithContext(ctx).Save(line).Error
}

func (s *GormLedgerStore) GetLine(ctx context.Context, poId, lineId string) (*DeliveryLine, error) {
	var line DeliveryLine
	err := s.db.WithContext(ctx).
		Where("po_id = ? AND line_id = ?", poId, lineId).
		First(&line).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &line, nil
}

func (s *GormLedgerStore) LinesByPo(ctx context.Context, poId string) ([]DeliveryLine, error) {
	var lines []DeliveryLine
	err := s.db.WithContext(ctx).
		Where("po_id = ?", poId).
		Order("id ASC").
		Find(&lines).Error
	return lines, err
}

func (s *GormLedgerStore) AllPoIds(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&DeliveryLine{}).
		Distinct("po_id").
		Pluck("po_id", &ids).Error
	return ids, err
}

func (s *GormLedgerStore) SaveSummary(ctx context.Context, summary *FulfillmentSummary) error {
	var existing FulfillmentSummary
	err := s.db.WithContext(ctx).Where("po_id = ?", summary.PoId).First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.db.WithContext(ctx).Create(summary).Error
		}
		return err
	}
	return s.db.WithContext(ctx).Save(summary).Error
}

func (s *GormLedgerStore) GetSummary(ctx context.Context, poId string) (*FulfillmentSummary, error) {
	var summary FulfillmentSummary
	err := s.db.WithContext(ctx).Where("po_id = ?", poId).First(&summary).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &summary, nil
}
