package models_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/craftlinkhq/procure_backend/config"
	"github.com/craftlinkhq/procure_backend/models"
	"github.com/craftlinkhq/procure_backend/remote"
)

// fakeExecutor records calls and can be programmed to fail.
type fakeExecutor struct {
	mu sync.Mutex

	uploaded []remote.UploadDocumentRequest
	appended []remote.AppendMessageRequest
	listed   map[string][]remote.Document

	failUploads  bool
	failAppends  bool
	appendErrFor string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{listed: map[string][]remote.Document{}}
}

func (f *fakeExecutor) UploadDocument(ctx context.Context, req remote.UploadDocumentRequest) (*remote.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUploads {
		return nil, errors.New("upload failed")
	}
	f.uploaded = append(f.uploaded, req)
	doc := remote.Document{
		DocumentId:      "doc-" + req.ContentHash,
		DocKind:         req.DocKind,
		RelatedEntityId: req.RelatedEntityId,
		ContentUrl:      req.ContentUrl,
		ContentHash:     req.ContentHash,
	}
	f.listed[req.RelatedEntityId] = append(f.listed[req.RelatedEntityId], doc)
	return &doc, nil
}

func (f *fakeExecutor) AppendThreadMessage(ctx context.Context, req remote.AppendMessageRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAppends || (f.appendErrFor != "" && f.appendErrFor == req.ThreadId) {
		return errors.New("append failed")
	}
	f.appended = append(f.appended, req)
	return nil
}

func (f *fakeExecutor) ListDocuments(ctx context.Context, relatedEntityId string) ([]remote.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed[relatedEntityId], nil
}

func (f *fakeExecutor) appendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appended)
}

func (f *fakeExecutor) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploaded)
}

func newTestQueue(t *testing.T, executor remote.Executor, online bool) (*models.SyncQueueManager, *config.ConnectivityMonitor) {
	t.Helper()
	store := models.NewFileQueueStore(filepath.Join(t.TempDir(), "queue.json"))
	monitor := config.NewConnectivityMonitor(online)
	manager := models.NewSyncQueueManager(store, executor, monitor, nil)
	return manager, monitor
}

func mustAppendItem(t *testing.T, threadId, message string) *models.QueueItem {
	t.Helper()
	item, err := models.NewAppendMessageItem(models.AppendMessagePayload{
		ThreadId: threadId,
		Message:  message,
	})
	if err != nil {
		t.Fatalf("NewAppendMessageItem: %v", err)
	}
	return item
}

func TestSyncQueue_OfflineFlushIsNoOp(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	manager, monitor := newTestQueue(t, exec, false)

	for i := 0; i < 3; i++ {
		if err := manager.Enqueue(ctx, mustAppendItem(t, "thread-1", "hello")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	result, err := manager.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce: %v", err)
	}
	if result.Processed != 0 || result.Remaining != 3 {
		t.Fatalf("offline flush: got {%d %d}, want {0 3}", result.Processed, result.Remaining)
	}
	if exec.appendCount() != 0 {
		t.Fatalf("offline flush must not call the executor, got %d calls", exec.appendCount())
	}

	monitor.SetOnline(true)
	result, err = manager.ForceFlush(ctx)
	if err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if result.Processed != 3 || result.Remaining != 0 {
		t.Fatalf("online flush: got {%d %d}, want {3 0}", result.Processed, result.Remaining)
	}
}

func TestSyncQueue_FIFOOrderAndStopOnFailure(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	exec.appendErrFor = "thread-b"
	manager, _ := newTestQueue(t, exec, true)

	for _, thread := range []string{"thread-a", "thread-b", "thread-c"} {
		if err := manager.Enqueue(ctx, mustAppendItem(t, thread, "m")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	result, err := manager.ForceFlush(ctx)
	if err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	// thread-a processed, thread-b failed, thread-c must wait behind it.
	if result.Processed != 1 || result.Remaining != 2 {
		t.Fatalf("got {%d %d}, want {1 2}", result.Processed, result.Remaining)
	}
	if exec.appendCount() != 1 || exec.appended[0].ThreadId != "thread-a" {
		t.Fatalf("expected only thread-a delivered, got %+v", exec.appended)
	}

	exec.mu.Lock()
	exec.appendErrFor = ""
	exec.mu.Unlock()

	result, err = manager.ForceFlush(ctx)
	if err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if result.Processed != 2 || result.Remaining != 0 {
		t.Fatalf("got {%d %d}, want {2 0}", result.Processed, result.Remaining)
	}
	if exec.appended[1].ThreadId != "thread-b" || exec.appended[2].ThreadId != "thread-c" {
		t.Fatalf("delivery order wrong: %+v", exec.appended)
	}
}

func TestSyncQueue_UploadSkipsWhenContentHashAlreadyRemote(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	exec.listed["po-77"] = []remote.Document{
		{DocumentId: "doc-1", DocKind: "delivery_note", RelatedEntityId: "po-77", ContentHash: "abc123"},
	}
	manager, _ := newTestQueue(t, exec, true)

	item, err := models.NewUploadDocumentItem(models.UploadDocumentPayload{
		DocKind:         "delivery_note",
		RelatedEntityId: "po-77",
		ContentHash:     "abc123",
	})
	if err != nil {
		t.Fatalf("NewUploadDocumentItem: %v", err)
	}
	if err := manager.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	result, err := manager.ForceFlush(ctx)
	if err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if result.Processed != 1 || result.Remaining != 0 {
		t.Fatalf("got {%d %d}, want {1 0}", result.Processed, result.Remaining)
	}
	if exec.uploadCount() != 0 {
		t.Fatalf("expected no upload call for an already-present hash, got %d", exec.uploadCount())
	}
}

func TestSyncQueue_UploadStillRunsWhenHashMatchesOtherKind(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	// Same file already remote, but filed under a different document kind.
	exec.listed["po-9"] = []remote.Document{
		{DocumentId: "doc-1", DocKind: "invoice_copy", RelatedEntityId: "po-9", ContentHash: "h1"},
	}
	manager, _ := newTestQueue(t, exec, true)

	item, err := models.NewUploadDocumentItem(models.UploadDocumentPayload{
		DocKind:         "delivery_note",
		RelatedEntityId: "po-9",
		ContentHash:     "h1",
	})
	if err != nil {
		t.Fatalf("NewUploadDocumentItem: %v", err)
	}
	if err := manager.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	result, err := manager.ForceFlush(ctx)
	if err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if result.Processed != 1 || result.Remaining != 0 {
		t.Fatalf("got {%d %d}, want {1 0}", result.Processed, result.Remaining)
	}
	if exec.uploadCount() != 1 {
		t.Fatalf("uploads: got %d, want 1 (a hash match under another kind must not skip)", exec.uploadCount())
	}
	if exec.uploaded[0].DocKind != "delivery_note" {
		t.Fatalf("uploaded wrong item: %+v", exec.uploaded[0])
	}
}

func TestSyncQueue_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.json")

	store := models.NewFileQueueStore(path)
	manager := models.NewSyncQueueManager(store, newFakeExecutor(), config.NewConnectivityMonitor(false), nil)
	if err := manager.Enqueue(ctx, mustAppendItem(t, "thread-1", "before restart")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := manager.Enqueue(ctx, mustAppendItem(t, "thread-2", "also before restart")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// A new manager over the same file sees the surviving items.
	exec := newFakeExecutor()
	reopened := models.NewSyncQueueManager(models.NewFileQueueStore(path), exec, config.NewConnectivityMonitor(true), nil)
	count, err := reopened.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("pending after reopen: got %d, want 2", count)
	}

	result, err := reopened.ForceFlush(ctx)
	if err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if result.Processed != 2 || result.Remaining != 0 {
		t.Fatalf("got {%d %d}, want {2 0}", result.Processed, result.Remaining)
	}
	if exec.appended[0].ThreadId != "thread-1" {
		t.Fatalf("replay order wrong: %+v", exec.appended)
	}
}

func TestSyncQueue_SubscribeNotifiesAndUnsubscribes(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestQueue(t, newFakeExecutor(), true)

	var mu sync.Mutex
	var seen []int
	unsubscribe := manager.Subscribe(func(status models.QueueStatus) {
		mu.Lock()
		seen = append(seen, status.Pending)
		mu.Unlock()
	})

	mu.Lock()
	if len(seen) != 1 || seen[0] != 0 {
		mu.Unlock()
		t.Fatalf("expected immediate notification with depth 0, got %v", seen)
	}
	mu.Unlock()

	if err := manager.Enqueue(ctx, mustAppendItem(t, "thread-1", "m")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	mu.Lock()
	if len(seen) != 2 || seen[1] != 1 {
		mu.Unlock()
		t.Fatalf("expected enqueue notification with depth 1, got %v", seen)
	}
	mu.Unlock()

	unsubscribe()
	if err := manager.Enqueue(ctx, mustAppendItem(t, "thread-2", "m")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("subscriber called after unsubscribe: %v", seen)
	}
}

func TestSyncQueue_DeadLetterAndRequeue(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	exec.failAppends = true
	manager, _ := newTestQueue(t, exec, true)
	manager.MaxAttempts = 2

	if err := manager.Enqueue(ctx, mustAppendItem(t, "thread-1", "doomed")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := manager.Enqueue(ctx, mustAppendItem(t, "thread-2", "blocked")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Two forced passes exhaust the first item's attempts.
	if _, err := manager.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	result, err := manager.ForceFlush(ctx)
	if err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	// Second pass kills item 1 and then fails item 2 once.
	if result.Processed != 0 {
		t.Fatalf("processed: got %d, want 0", result.Processed)
	}

	dead, err := manager.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("dead letters: got %d, want 1", len(dead))
	}
	if dead[0].Attempts != 2 {
		t.Fatalf("dead item attempts: got %d, want 2", dead[0].Attempts)
	}
	if dead[0].LastError == nil {
		t.Fatal("dead item should carry its last error")
	}

	exec.mu.Lock()
	exec.failAppends = false
	exec.mu.Unlock()

	if err := manager.RequeueDeadLetter(ctx, dead[0].ItemId); err != nil {
		t.Fatalf("RequeueDeadLetter: %v", err)
	}
	requeued, err := manager.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(requeued) != 0 {
		t.Fatalf("dead letters after requeue: got %d, want 0", len(requeued))
	}

	flushed, err := manager.ForceFlush(ctx)
	if err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if flushed.Processed != 2 || flushed.Remaining != 0 {
		t.Fatalf("got {%d %d}, want {2 0}", flushed.Processed, flushed.Remaining)
	}
	// The requeued item re-enters at its original position, ahead of item 2.
	if exec.appended[0].ThreadId != "thread-1" {
		t.Fatalf("requeued item lost its queue position: %+v", exec.appended)
	}
}

func TestSyncQueue_RequeueRejectsPendingItem(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestQueue(t, newFakeExecutor(), false)

	item := mustAppendItem(t, "thread-1", "m")
	if err := manager.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := manager.RequeueDeadLetter(ctx, item.ItemId); err == nil {
		t.Fatal("expected error requeueing a pending item")
	}
}

func TestSyncQueue_BackoffDefersUntilForced(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	exec.failAppends = true
	manager, _ := newTestQueue(t, exec, true)

	if err := manager.Enqueue(ctx, mustAppendItem(t, "thread-1", "m")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := manager.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	exec.mu.Lock()
	exec.failAppends = false
	exec.mu.Unlock()

	// The timer pass honors the backoff schedule and does nothing.
	result, err := manager.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce: %v", err)
	}
	if result.Processed != 0 || result.Remaining != 1 {
		t.Fatalf("backoff pass: got {%d %d}, want {0 1}", result.Processed, result.Remaining)
	}

	// A forced pass ignores it.
	result, err = manager.ForceFlush(ctx)
	if err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if result.Processed != 1 || result.Remaining != 0 {
		t.Fatalf("forced pass: got {%d %d}, want {1 0}", result.Processed, result.Remaining)
	}
}

// gatedExecutor parks inside AppendThreadMessage until released, so a test
// can hold a flush pass open while poking the manager from another goroutine.
type gatedExecutor struct {
	*fakeExecutor
	entered chan struct{}
	release chan struct{}
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{
		fakeExecutor: newFakeExecutor(),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
}

func (g *gatedExecutor) AppendThreadMessage(ctx context.Context, req remote.AppendMessageRequest) error {
	g.entered <- struct{}{}
	<-g.release
	return g.fakeExecutor.AppendThreadMessage(ctx, req)
}

func TestSyncQueue_ConcurrentFlushIsNoOp(t *testing.T) {
	ctx := context.Background()
	exec := newGatedExecutor()
	manager, _ := newTestQueue(t, exec, true)

	for i := 0; i < 2; i++ {
		if err := manager.Enqueue(ctx, mustAppendItem(t, "thread-1", "m")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	type flushOutcome struct {
		result models.FlushResult
		err    error
	}
	firstDone := make(chan flushOutcome, 1)
	go func() {
		result, err := manager.ForceFlush(ctx)
		firstDone <- flushOutcome{result, err}
	}()

	// Wait until the first pass is inside the executor, then race a second one.
	<-exec.entered

	second, err := manager.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce: %v", err)
	}
	if second.Processed != 0 || second.Remaining != 2 {
		t.Fatalf("concurrent flush: got {%d %d}, want {0 2}", second.Processed, second.Remaining)
	}
	if exec.appendCount() != 0 {
		t.Fatalf("concurrent flush reached the executor: %d calls", exec.appendCount())
	}

	// Let the first pass finish both items.
	go func() {
		exec.release <- struct{}{}
		<-exec.entered
		exec.release <- struct{}{}
	}()

	first := <-firstDone
	if first.err != nil {
		t.Fatalf("ForceFlush: %v", first.err)
	}
	if first.result.Processed != 2 || first.result.Remaining != 0 {
		t.Fatalf("first flush: got {%d %d}, want {2 0}", first.result.Processed, first.result.Remaining)
	}
	if exec.appendCount() != 2 {
		t.Fatalf("append calls: got %d, want 2", exec.appendCount())
	}
}

func TestSyncQueue_NilExecutorBehavesOffline(t *testing.T) {
	ctx := context.Background()
	store := models.NewFileQueueStore(filepath.Join(t.TempDir(), "queue.json"))
	manager := models.NewSyncQueueManager(store, nil, config.NewConnectivityMonitor(true), nil)

	if err := manager.Enqueue(ctx, mustAppendItem(t, "thread-1", "m")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	result, err := manager.ForceFlush(ctx)
	if err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if result.Processed != 0 || result.Remaining != 1 {
		t.Fatalf("got {%d %d}, want {0 1}", result.Processed, result.Remaining)
	}
}
