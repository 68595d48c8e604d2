package database

import (
	"exam_proctor_agent/internal/config"
	"exam_proctor_agent/internal/model"
	"fmt"
	"log"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func InitDB(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	// WAL 模式下快照写入不阻塞读取
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", cfg.Path)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})

	if err != nil {
		return nil, err
	}

	log.Println("Local database opened")

	err = db.AutoMigrate(
		&model.SessionSnapshot{},
		&model.FailedSubmission{},
		&model.ViolationEvent{},
	)

	if err != nil {
		return nil, err
	}

	log.Println("Local database migration completed")

	return db, nil
}
