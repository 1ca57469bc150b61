package db

import (
	"github.com/ZRnown/dingdanBot/internal/models"
)

// Models lists every table the bot owns.
func Models() []interface{} {
	return []interface{}{
		&models.Order{},
		&models.SyncTask{},
		&models.ChannelSetting{},
		&models.SyncState{},
	}
}

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil {
		return nil
	}
	return db.Gorm.AutoMigrate(Models()...)
}
