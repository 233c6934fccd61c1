package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

// DSN renders the MySQL connection string. A host of the form
// /cloudsql/<connection> is dialled as a unix socket.
func (d DBSettings) DSN() string {
	cfg := mysqlDriver.NewConfig()
	cfg.User = d.User
	cfg.Passwd = d.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%s", d.Host, d.Port)
	if strings.HasPrefix(d.Host, "/cloudsql/") {
		cfg.Net = "unix"
		cfg.Addr = d.Host
	}
	cfg.DBName = d.Name
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN()
}

// ConnectDatabaseWithRetry connects and sets the global DB. maxAttempts <= 0
// retries until ctx is done.
func ConnectDatabaseWithRetry(ctx context.Context, s DBSettings, maxAttempts int) error {
	if !s.Enabled() {
		return nil
	}

	var attempt int
	for {
		attempt++
		conn, err := gorm.Open(mysql.Open(s.DSN()), initConfig())
		if err == nil {
			if sqlDB, derr := conn.DB(); derr == nil && sqlDB != nil {
				if s.MaxOpenConns > 0 {
					sqlDB.SetMaxOpenConns(s.MaxOpenConns)
				}
				if s.MaxIdleConns >= 0 {
					sqlDB.SetMaxIdleConns(s.MaxIdleConns)
				}
				if s.ConnMaxLifetime > 0 {
					sqlDB.SetConnMaxLifetime(s.ConnMaxLifetime)
				}
				if s.ConnMaxIdleTime > 0 {
					sqlDB.SetConnMaxIdleTime(s.ConnMaxIdleTime)
				}
			}
			if pluginErr := conn.Use(otelgorm.NewPlugin()); pluginErr != nil {
				logg.Warnf("db connected but failed to install otelgorm plugin: %v", pluginErr)
			}
			db = conn
			logg.WithFields(logrus.Fields{"attempt": attempt, "host": s.Host}).Info("connected to database")
			return nil
		}

		if maxAttempts > 0 && attempt >= maxAttempts {
			return fmt.Errorf("connect database after %d attempts: %w", attempt, err)
		}
		logg.WithFields(logrus.Fields{"attempt": attempt, "retry_in": backoff(attempt).String()}).
			Warnf("failed to connect database: %v", err)
		if werr := waitRetry(ctx, attempt); werr != nil {
			return werr
		}
	}
}

func CloseDB() {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:                 initLog(),
		NamingStrategy:         initNamingStrategy(),
		SkipDefaultTransaction: true,
	}
}

func initLog() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:      false,
			LogLevel:      logger.Error,
			SlowThreshold: time.Second,
		},
	)
}

func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   "",
	}
}
