package server

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDatabase opens the sqlite database at dbPath and migrates the schema.
func OpenDatabase(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&PushSubscription{},
		&DeliveryLog{},
		&ClosedNotification{},
	); err != nil {
		return nil, err
	}
	return db, nil
}
