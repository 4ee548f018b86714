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
	poID := flag.String("po-id", "", "Optional: rebuild a single purchase order. Defaults to all.")
	dataDir := flag.String("data-dir", "data", "File store directory when DB_HOST is not set")
	flag.Parse()

	ctx := context.Background()
	logger := config.GetLogger()

	var store models.LedgerStore
	if config.DatabaseConfigured() {
		config.ConnectDatabaseWithRetry()
		db := config.GetDB()
		if db == nil {
			fmt.Fprintln(os.Stderr, "database not initialized")
			os.Exit(1)
		}
		var err error
		store, err = models.NewGormLedgerStore(db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open ledger store: %v\n", err)
			os.Exit(1)
		}
	} else {
		store = models.NewFileLedgerStore(filepath.Join(*dataDir, "ledger.json"))
	}
	if config.RedisConfigured() {
		config.ConnectRedisWithRetry()
	}

	ledger := models.NewDeliveryLedger(store, logger)

	if strings.TrimSpace(*poID) != "" {
		summary, err := ledger.RecomputeSummary(ctx, strings.TrimSpace(*poID))
		if err != nil {
			fmt.Fprintf(os.Stderr, "rebuild failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Rebuilt po=%s availableQty=%d deliveredAmount=%s\n",
			summary.PoId, summary.AvailableQty, summary.DeliveredAmount.String())
		return
	}

	count, err := ledger.RebuildAllSummaries(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rebuild failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("summary rebuild complete: %d purchase orders\n", count)
}
