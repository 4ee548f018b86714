package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/craftlinkhq/procure_backend/config"
	"github.com/craftlinkhq/procure_backend/models"
	"github.com/sirupsen/logrus"
)

// SyncDispatcher drives the sync queue: a recurring timer flush plus a
// forced flush whenever connectivity comes back. Timer flushes honor per-item
// backoff; the became-online flush does not, so a reconnect drains the queue
// immediately.
type SyncDispatcher struct {
	Manager       *models.SyncQueueManager
	Monitor       *config.ConnectivityMonitor
	Logger        *logrus.Logger
	FlushInterval time.Duration

	startOnce sync.Once
}

func NewSyncDispatcher(manager *models.SyncQueueManager, monitor *config.ConnectivityMonitor, logger *logrus.Logger) *SyncDispatcher {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &SyncDispatcher{
		Manager:       manager,
		Monitor:       monitor,
		Logger:        logger,
		FlushInterval: time.Duration(config.QueueFlushIntervalSeconds()) * time.Second,
	}
}

// Start is idempotent; the loop stops when ctx is done.
func (d *SyncDispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		if d.Monitor != nil {
			d.Monitor.OnBecameOnline(func() {
				result, err := d.Manager.ForceFlush(ctx)
				d.logResult("became-online flush", result, err)
			})
		}

		go d.run(ctx)
	})
}

func (d *SyncDispatcher) run(ctx context.Context) {
	// Drain whatever survived the last restart before the first tick.
	result, err := d.Manager.FlushOnce(ctx)
	d.logResult("startup flush", result, err)

	for {
		select {
		case <-ctx.Done():
			d.Logger.WithFields(logrus.Fields{
				"module": "SyncDispatcher",
			}).Info("sync dispatcher stopping")
			return
		case <-time.After(d.FlushInterval):
		}

		result, err := d.Manager.FlushOnce(ctx)
		d.logResult("timer flush", result, err)
	}
}

func (d *SyncDispatcher) logResult(trigger string, result models.FlushResult, err error) {
	if err != nil {
		config.LogError(d.Logger, "SyncDispatcher", "run", trigger+" failed", nil, err)
		return
	}
	if result.Processed > 0 {
		d.Logger.WithFields(logrus.Fields{
			"module":    "SyncDispatcher",
			"trigger":   trigger,
			"processed": result.Processed,
			"remaining": result.Remaining,
		}).Info("queue flush completed")
	}
}
