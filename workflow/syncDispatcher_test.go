package workflow_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/craftlinkhq/procure_backend/config"
	"github.com/craftlinkhq/procure_backend/models"
	"github.com/craftlinkhq/procure_backend/remote"
	"github.com/craftlinkhq/procure_backend/workflow"
)

type countingExecutor struct {
	appends atomic.Int64
}

func (c *countingExecutor) UploadDocument(ctx context.Context, req remote.UploadDocumentRequest) (*remote.Document, error) {
	return &remote.Document{DocumentId: "doc", ContentHash: req.ContentHash}, nil
}

func (c *countingExecutor) AppendThreadMessage(ctx context.Context, req remote.AppendMessageRequest) error {
	c.appends.Add(1)
	return nil
}

func (c *countingExecutor) ListDocuments(ctx context.Context, relatedEntityId string) ([]remote.Document, error) {
	return nil, nil
}

func enqueueMessage(t *testing.T, manager *models.SyncQueueManager) {
	t.Helper()
	item, err := models.NewAppendMessageItem(models.AppendMessagePayload{
		ThreadId: "thread-1",
		Message:  "hello",
	})
	if err != nil {
		t.Fatalf("NewAppendMessageItem: %v", err)
	}
	if err := manager.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func waitForPending(t *testing.T, manager *models.SyncQueueManager, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		count, err := manager.PendingCount(context.Background())
		if err != nil {
			t.Fatalf("PendingCount: %v", err)
		}
		if count == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	count, _ := manager.PendingCount(context.Background())
	t.Fatalf("pending never reached %d, still %d", want, count)
}

func TestSyncDispatcher_DrainsQueueOnStartup(t *testing.T) {
	exec := &countingExecutor{}
	store := models.NewFileQueueStore(filepath.Join(t.TempDir(), "queue.json"))
	monitor := config.NewConnectivityMonitor(true)
	manager := models.NewSyncQueueManager(store, exec, monitor, nil)

	enqueueMessage(t, manager)
	enqueueMessage(t, manager)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := workflow.NewSyncDispatcher(manager, monitor, nil)
	dispatcher.FlushInterval = time.Hour // only the startup flush should run
	dispatcher.Start(ctx)

	waitForPending(t, manager, 0)
	if got := exec.appends.Load(); got != 2 {
		t.Fatalf("appends: got %d, want 2", got)
	}
}

func TestSyncDispatcher_FlushesWhenConnectivityReturns(t *testing.T) {
	exec := &countingExecutor{}
	store := models.NewFileQueueStore(filepath.Join(t.TempDir(), "queue.json"))
	monitor := config.NewConnectivityMonitor(false)
	manager := models.NewSyncQueueManager(store, exec, monitor, nil)

	enqueueMessage(t, manager)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := workflow.NewSyncDispatcher(manager, monitor, nil)
	dispatcher.FlushInterval = time.Hour
	dispatcher.Start(ctx)

	// Offline: the startup flush is a no-op.
	time.Sleep(50 * time.Millisecond)
	count, err := manager.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("pending while offline: got %d, want 1", count)
	}

	monitor.SetOnline(true)
	waitForPending(t, manager, 0)
	if got := exec.appends.Load(); got != 1 {
		t.Fatalf("appends: got %d, want 1", got)
	}
}

func TestSyncDispatcher_StartIsIdempotent(t *testing.T) {
	exec := &countingExecutor{}
	store := models.NewFileQueueStore(filepath.Join(t.TempDir(), "queue.json"))
	monitor := config.NewConnectivityMonitor(true)
	manager := models.NewSyncQueueManager(store, exec, monitor, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := workflow.NewSyncDispatcher(manager, monitor, nil)
	dispatcher.FlushInterval = time.Hour
	dispatcher.Start(ctx)
	dispatcher.Start(ctx)

	enqueueMessage(t, manager)
	if _, err := manager.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if got := exec.appends.Load(); got != 1 {
		t.Fatalf("appends: got %d, want 1 (duplicate Start must not double-deliver)", got)
	}
}
