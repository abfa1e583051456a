package db

import (
	"log/slog"
	"os"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/suPer8Hu/modelchat/internal/chat"
	"github.com/suPer8Hu/modelchat/internal/models"
)

const sqlitePrefix = "sqlite:"

// Open opens dsn. A "sqlite:" prefix selects the embedded SQLite driver,
// anything else is a MySQL DSN.
func Open(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if rest, ok := strings.CutPrefix(dsn, sqlitePrefix); ok {
		dialector = gormsqlite.Open(rest)
	} else {
		dialector = mysql.Open(dsn)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return gdb, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.User{}, &chat.Session{}, &chat.Message{}, &chat.Job{})
}

// Connect opens and migrates the database, exiting the process on failure.
func Connect(dsn string) *gorm.DB {
	gdb, err := Open(dsn)
	if err != nil {
		slog.Error("db: connect failed", "error", err)
		os.Exit(1)
	}
	if err := Migrate(gdb); err != nil {
		slog.Error("db: migrate failed", "error", err)
		os.Exit(1)
	}
	return gdb
}
