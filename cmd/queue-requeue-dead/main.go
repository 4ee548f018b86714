package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/craftlinkhq/procure_backend/config"
	"github.com/craftlinkhq/procure_backend/models"
)

func main() {
	itemID := flag.String("item-id", "", "Optional: requeue a single dead item")
	all := flag.Bool("all", false, "Requeue every dead item")
	list := flag.Bool("list", false, "List dead items and exit")
	dataDir := flag.String("data-dir", "data", "File store directory when DB_HOST is not set")
	flag.Parse()

	ctx := context.Background()
	logger := config.GetLogger()

	var store models.QueueStore
	if config.DatabaseConfigured() {
		config.ConnectDatabaseWithRetry()
		db := config.GetDB()
		if db == nil {
			fmt.Fprintln(os.Stderr, "database not initialized")
			os.Exit(1)
		}
		var err error
		store, err = models.NewGormQueueStore(db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open queue store: %v\n", err)
			os.Exit(1)
		}
	} else {
		store = models.NewFileQueueStore(filepath.Join(*dataDir, "queue.json"))
	}

	manager := models.NewSyncQueueManager(store, nil, nil, logger)

	dead, err := manager.DeadLetters(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list dead items: %v\n", err)
		os.Exit(1)
	}

	if *list || (!*all && strings.TrimSpace(*itemID) == "") {
		if len(dead) == 0 {
			fmt.Println("no dead items")
			return
		}
		for _, item := range dead {
			lastErr := ""
			if item.LastError != nil {
				lastErr = *item.LastError
			}
			fmt.Printf("item=%s kind=%s attempts=%d created=%s lastError=%q\n",
				item.ItemId, item.Kind, item.Attempts, item.CreatedAt.Format("2006-01-02 15:04:05"), lastErr)
		}
		return
	}

	if *all {
		for _, item := range dead {
			if err := manager.RequeueDeadLetter(ctx, item.ItemId); err != nil {
				fmt.Fprintf(os.Stderr, "requeue %s failed: %v\n", item.ItemId, err)
				os.Exit(1)
			}
			fmt.Printf("requeued %s\n", item.ItemId)
		}
		fmt.Printf("requeue complete: %d items\n", len(dead))
		return
	}

	if err := manager.RequeueDeadLetter(ctx, strings.TrimSpace(*itemID)); err != nil {
		fmt.Fprintf(os.Stderr, "requeue failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("requeued %s\n", strings.TrimSpace(*itemID))
}
