package models

import "gorm.io/gorm"

// MigrateDatabase creates/updates the MySQL schema. Called from main()
// after the DB connection is established; the file-backed stores need none
// of this.
func MigrateDatabase(db *gorm.DB) error {
	return db.AutoMigrate(
		&QueueItem{},
		&DeliveryLine{},
		&FulfillmentSummary{},
		&Invoice{},
		&IdempotencyKey{},
	)
}
