package models

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/craftlinkhq/procure_backend/config"
	"github.com/craftlinkhq/procure_backend/remote"
	"github.com/sirupsen/logrus"
)

var errItemNotDead = errors.New("queue item is not in the dead-letter list")

func errUnknownQueueItemKind(kind QueueItemKind) error {
	return fmt.Errorf("unknown queue item kind: %s", kind)
}

// QueueStatus is what subscribers receive: the current pending depth.
type QueueStatus struct {
	Pending int `json:"pending"`
}

// FlushResult reports one flush pass. Processed counts removed items
// (successful executions and idempotent skips both); Remaining is the
// pending depth after the pass.
type FlushResult struct {
	Processed int `json:"processed"`
	Remaining int `json:"remaining"`
}

// SyncQueueManager replays durably queued remote operations in FIFO order.
// Items leave the queue only when the remote execution succeeds (or is
// provably already applied); a failure stops the pass so order is preserved.
//
// One manager owns one store. All state lives in the store; the manager adds
// the replay loop, the re-entrancy guard, and subscriber notifications.
type SyncQueueManager struct {
	store    QueueStore
	executor remote.Executor
	monitor  *config.ConnectivityMonitor
	logger   *logrus.Logger

	// MaxAttempts moves an item to the dead-letter list once exceeded.
	// 0 retries forever.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	flushMu sync.Mutex

	subMu  sync.Mutex
	subs   map[int]func(QueueStatus)
	nextId int
}

func NewSyncQueueManager(store QueueStore, executor remote.Executor, monitor *config.ConnectivityMonitor, logger *logrus.Logger) *SyncQueueManager {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &SyncQueueManager{
		store:          store,
		executor:       executor,
		monitor:        monitor,
		logger:         logger,
		MaxAttempts:    config.QueueMaxAttempts(),
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     10 * time.Minute,
		subs:           map[int]func(QueueStatus){},
	}
}

// Enqueue appends the item and notifies subscribers. The item is durable
// before Enqueue returns; replay happens later on a flush pass.
func (m *SyncQueueManager) Enqueue(ctx context.Context, item *QueueItem) error {
	if err := m.store.Append(ctx, item); err != nil {
		return err
	}
	m.notify(ctx)

	if config.QueueDirectFlush() {
		go func() {
			if _, err := m.FlushOnce(context.Background()); err != nil {
				config.LogError(m.logger, "SyncQueue", "Enqueue", "direct flush failed", item.ItemId, err)
			}
		}()
	}
	return nil
}

// FlushOnce runs one replay pass honoring per-item backoff schedules.
func (m *SyncQueueManager) FlushOnce(ctx context.Context) (FlushResult, error) {
	return m.flush(ctx, false)
}

// ForceFlush runs one replay pass ignoring backoff schedules. Used by the
// became-online trigger and the manual flush endpoint.
func (m *SyncQueueManager) ForceFlush(ctx context.Context) (FlushResult, error) {
	return m.flush(ctx, true)
}

func (m *SyncQueueManager) flush(ctx context.Context, force bool) (FlushResult, error) {
	if !m.isOnline() {
		remaining, err := m.store.PendingCount(ctx)
		if err != nil {
			return FlushResult{}, err
		}
		return FlushResult{Processed: 0, Remaining: remaining}, nil
	}

	// Re-entrancy guard: a second flush while one is in flight is a no-op.
	if !m.flushMu.TryLock() {
		remaining, err := m.store.PendingCount(ctx)
		if err != nil {
			return FlushResult{}, err
		}
		return FlushResult{Processed: 0, Remaining: remaining}, nil
	}
	defer m.flushMu.Unlock()

	items, err := m.store.Pending(ctx)
	if err != nil {
		return FlushResult{}, err
	}

	now := time.Now().UTC()
	processed := 0
	for i := range items {
		item := items[i]
		if !force && item.NextAttemptAt != nil && item.NextAttemptAt.After(now) {
			// Not due yet. Order is strict, so nothing behind it runs either.
			break
		}

		execErr := m.executeItem(ctx, &item)
		if execErr == nil {
			if err := m.store.Remove(ctx, item.ItemId); err != nil {
				return FlushResult{}, err
			}
			processed++
			continue
		}

		dead, markErr := m.markAttemptFailed(ctx, &item, execErr)
		if markErr != nil {
			return FlushResult{}, markErr
		}
		if dead {
			// The failing item is out of the queue; the next one may proceed.
			continue
		}
		break
	}

	remaining, err := m.store.PendingCount(ctx)
	if err != nil {
		return FlushResult{}, err
	}
	m.notify(ctx)
	return FlushResult{Processed: processed, Remaining: remaining}, nil
}

// executeItem runs one item against the remote service. For document uploads
// the remote listing is consulted first: a document of the same kind with the
// same content hash means an earlier attempt succeeded but the response was
// lost, so the item is treated as done. The kind must match too; the same
// file can legitimately exist under two document kinds.
func (m *SyncQueueManager) executeItem(ctx context.Context, item *QueueItem) error {
	switch item.Kind {
	case QueueItemKindUploadDocument:
		payload, err := item.UploadDocumentPayload()
		if err != nil {
			return err
		}
		docs, err := m.executor.ListDocuments(ctx, payload.RelatedEntityId)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if doc.ContentHash == payload.ContentHash && doc.DocKind == payload.DocKind {
				m.logger.WithFields(logrus.Fields{
					"module":     "SyncQueue",
					"itemId":     item.ItemId,
					"documentId": doc.DocumentId,
				}).Info("document already uploaded, skipping")
				return nil
			}
		}
		_, err = m.executor.UploadDocument(ctx, payload.ToRemoteRequest())
		return err

	case QueueItemKindAppendMessage:
		payload, err := item.AppendMessagePayload()
		if err != nil {
			return err
		}
		return m.executor.AppendThreadMessage(ctx, payload.ToRemoteRequest())

	default:
		// Unknown kinds are treated as permanent failures.
		return errUnknownQueueItemKind(item.Kind)
	}
}

func (m *SyncQueueManager) markAttemptFailed(ctx context.Context, item *QueueItem, execErr error) (dead bool, err error) {
	item.Attempts++
	msg := execErr.Error()
	item.LastError = &msg

	if m.MaxAttempts > 0 && item.Attempts >= m.MaxAttempts {
		item.Status = QueueItemStatusDead
		item.NextAttemptAt = nil
		config.LogError(m.logger, "SyncQueue", "FlushOnce", "queue item moved to dead-letter list", item.ItemId, execErr)
		return true, m.store.Update(ctx, item)
	}

	backoff := m.InitialBackoff
	for i := 1; i < item.Attempts; i++ {
		backoff *= 2
		if backoff >= m.MaxBackoff {
			backoff = m.MaxBackoff
			break
		}
	}
	next := time.Now().UTC().Add(backoff)
	item.NextAttemptAt = &next
	config.LogError(m.logger, "SyncQueue", "FlushOnce", "queue item execution failed", item.ItemId, execErr)
	return false, m.store.Update(ctx, item)
}

// Subscribe registers a status listener. The listener is called immediately
// with the current depth, then after every enqueue and flush. The returned
// func unregisters it.
func (m *SyncQueueManager) Subscribe(fn func(QueueStatus)) func() {
	m.subMu.Lock()
	id := m.nextId
	m.nextId++
	m.subs[id] = fn
	m.subMu.Unlock()

	if count, err := m.store.PendingCount(context.Background()); err == nil {
		fn(QueueStatus{Pending: count})
	}

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *SyncQueueManager) notify(ctx context.Context) {
	count, err := m.store.PendingCount(ctx)
	if err != nil {
		config.LogError(m.logger, "SyncQueue", "notify", "failed to read pending count", nil, err)
		return
	}
	m.subMu.Lock()
	fns := make([]func(QueueStatus), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		fn(QueueStatus{Pending: count})
	}
}

func (m *SyncQueueManager) PendingCount(ctx context.Context) (int, error) {
	return m.store.PendingCount(ctx)
}

func (m *SyncQueueManager) DeadLetters(ctx context.Context) ([]QueueItem, error) {
	return m.store.Dead(ctx)
}

// RequeueDeadLetter returns a DEAD item to the pending list with its attempt
// counter reset. It re-enters replay at its original queue position.
func (m *SyncQueueManager) RequeueDeadLetter(ctx context.Context, itemId string) error {
	item, err := m.store.Get(ctx, itemId)
	if err != nil {
		return err
	}
	if item.Status != QueueItemStatusDead {
		return errItemNotDead
	}
	item.Status = QueueItemStatusPending
	item.Attempts = 0
	item.NextAttemptAt = nil
	item.LastError = nil
	if err := m.store.Update(ctx, item); err != nil {
		return err
	}
	m.notify(ctx)
	return nil
}

func (m *SyncQueueManager) isOnline() bool {
	if config.ForcedOfflineMode() {
		return false
	}
	if m.executor == nil {
		// No remote client configured; behave as offline so items queue up.
		return false
	}
	if m.monitor == nil {
		return true
	}
	return m.monitor.IsOnline()
}
