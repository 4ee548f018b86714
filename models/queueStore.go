package models

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/craftlinkhq/procure_backend/utils"
	"gorm.io/gorm"
)

// QueueStore persists queue items in arrival order. Pending must return
// PENDING items oldest-first; that ordering is the replay order.
type QueueStore interface {
	Append(ctx context.Context, item *QueueItem) error
	Pending(ctx context.Context) ([]QueueItem, error)
	Dead(ctx context.Context) ([]QueueItem, error)
	Get(ctx context.Context, itemId string) (*QueueItem, error)
	Update(ctx context.Context, item *QueueItem) error
	Remove(ctx context.Context, itemId string) error
	PendingCount(ctx context.Context) (int, error)
}

// FileQueueStore keeps the whole queue in one JSON file. This is the durable
// store for single-node deployments: every mutation rewrites the file via a
// temp file + rename so a crash mid-write never loses the previous state.
type FileQueueStore struct {
	path string
	mu   sync.Mutex
}

type fileQueueState struct {
	NextID uint        `json:"nextId"`
	Items  []QueueItem `json:"items"`
}

func NewFileQueueStore(path string) *FileQueueStore {
	return &FileQueueStore{path: path}
}

func (s *FileQueueStore) load() (*fileQueueState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileQueueState{NextID: 1}, nil
		}
		return nil, err
	}
	var state fileQueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.NextID == 0 {
		state.NextID = 1
	}
	return &state, nil
}

func (s *FileQueueStore) save(state *fileQueueState) error {
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

func (s *FileQueueStore) Append(ctx context.Context, item *QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return err
	}
	item.ID = state.NextID
	state.NextID++
	state.Items = append(state.Items, *item)
	return s.save(state)
}

func (s *FileQueueStore) Pending(ctx context.Context) ([]QueueItem, error) {
	return s.byStatus(QueueItemStatusPending)
}

func (s *FileQueueStore) Dead(ctx context.Context) ([]QueueItem, error) {
	return s.byStatus(QueueItemStatusDead)
}

func (s *FileQueueStore) byStatus(status QueueItemStatus) ([]QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []QueueItem
	for _, it := range state.Items {
		if it.Status == status {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *FileQueueStore) Get(ctx context.Context, itemId string) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range state.Items {
		if state.Items[i].ItemId == itemId {
			it := state.Items[i]
			return &it, nil
		}
	}
	return nil, utils.ErrorRecordNotFound
}

func (s *FileQueueStore) Update(ctx context.Context, item *QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return err
	}
	for i := range state.Items {
		if state.Items[i].ItemId == item.ItemId {
			item.ID = state.Items[i].ID
			state.Items[i] = *item
			return s.save(state)
		}
	}
	return utils.ErrorRecordNotFound
}

func (s *FileQueueStore) Remove(ctx context.Context, itemId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return err
	}
	for i := range state.Items {
		if state.Items[i].ItemId == itemId {
			state.Items = append(state.Items[:i], state.Items[i+1:]...)
			return s.save(state)
		}
	}
	return utils.ErrorRecordNotFound
}

func (s *FileQueueStore) PendingCount(ctx context.Context) (int, error) {
	items, err := s.Pending(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// GormQueueStore is the MySQL-backed store for multi-instance deployments.
// FIFO order comes from the auto-increment primary key.
type GormQueueStore struct {
	db *gorm.DB
}

func NewGormQueueStore(db *gorm.DB) (*GormQueueStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	return &GormQueueStore{db: db}, nil
}

func (s *GormQueueStore) Append(ctx context.Context, item *QueueItem) error {
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *GormQueueStore) Pending(ctx context.Context) ([]QueueItem, error) {
	var items []QueueItem
	err := s.db.WithContext(ctx).
		Where("status = ?", QueueItemStatusPending).
		Order("id ASC").
		Find(&items).Error
	return items, err
}

func (s *GormQueueStore) Dead(ctx context.Context) ([]QueueItem, error) {
	var items []QueueItem
	err := s.db.WithContext(ctx).
		Where("status = ?", QueueItemStatusDead).
		Order("id ASC").
		Find(&items).Error
	return items, err
}

func (s *GormQueueStore) Get(ctx context.Context, itemId string) (*QueueItem, error) {
	var item QueueItem
	err := s.db.WithContext(ctx).Where("item_id = ?", itemId).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *GormQueueStore) Update(ctx context.Context, item *QueueItem) error {
	return s.db.WithContext(ctx).Model(&QueueItem{}).
		Where("item_id = ?", item.ItemId).
		Updates(map[string]interface{}{
			"status":          item.Status,
			"attempts":        item.Attempts,
			"next_attempt_at": item.NextAttemptAt,
			"last_error":      item.LastError,
		}).Error
}

func (s *GormQueueStore) Remove(ctx context.Context, itemId string) error {
	return s.db.WithContext(ctx).Where("item_id = ?", itemId).Delete(&QueueItem{}).Error
}

func (s *GormQueueStore) PendingCount(ctx context.Context) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&QueueItem{}).
		Where("status = ?", QueueItemStatusPending).
		Count(&count).Error
	return int(count), err
}
