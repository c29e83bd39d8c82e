package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/oraclepay/app/models"
	"github.com/ManuelReschke/oraclepay/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// GetDB returns the process-wide database handle (nil before SetupDatabase).
func GetDB() *gorm.DB {
	return DB
}

func SetupDatabase() {
	var err error
	if env.GetEnv("DB_DRIVER", "mysql") == "sqlite" {
		// local development without a MySQL server
		DB, err = OpenSQLite(env.GetEnv("DB_NAME", "oraclepay.db"))
		if err != nil {
			panic(err)
		}
		return
	}

	// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=UTC"
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       dsn,
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), &gorm.Config{})
		if err == nil {
			if err = AutoMigrate(DB); err != nil {
				log.Errorf("[Database] auto migration failed: %v", err)
			}
			return
		}

		log.Warnf("[Database] failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Infof("[Database] retrying in %s...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}

// AutoMigrate creates or updates the ledger and order tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Entitlement{},
		&models.ProcessedOrder{},
		&models.PaymentOrder{},
		&models.BillingWebhookEvent{},
	)
}

// OpenSQLite opens and migrates a sqlite database at path.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers; one connection avoids "database is locked"
	sqlDB.SetMaxOpenConns(1)
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenInMemory returns a fresh, migrated, private in-memory database.
func OpenInMemory() (*gorm.DB, error) {
	return OpenSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
}
