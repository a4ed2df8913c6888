package store

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tphakala/radiotrack/internal/conf"
	"github.com/tphakala/radiotrack/internal/errors"
	"github.com/tphakala/radiotrack/internal/fingerprint"
	"github.com/tphakala/radiotrack/internal/logger"
	"github.com/tphakala/radiotrack/internal/observability/metrics"
)

// DefaultSlowQueryThreshold is when gorm statements are logged as slow.
const DefaultSlowQueryThreshold = 500 * time.Millisecond

// Open connects to the configured database and migrates the schema.
func Open(cfg conf.DatabaseSettings, engine fingerprint.Engine, log logger.Logger, m *metrics.IndexerMetrics) (*Store, error) {
	if log == nil {
		log = logger.Global().Module("store")
	}

	dialector, target, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(log, DefaultSlowQueryThreshold),
	})
	if err != nil {
		return nil, errors.New(err).
			Component("store").
			Category(errors.CategoryDatabase).
			Context("database", cfg.Type).
			Context("target", target).
			Build()
	}

	if isSQLite(cfg.Type) {
		// one writer at a time avoids "database is locked" under concurrent upserts
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	log.Info("database opened", logger.String("type", cfg.Type), logger.String("target", target))
	return New(db, engine, log, m)
}

func isSQLite(dbType string) bool {
	t := strings.ToLower(dbType)
	return t == "" || t == "sqlite"
}

// dialectorFor returns the gorm dialector plus a loggable target description.
func dialectorFor(cfg conf.DatabaseSettings) (gorm.Dialector, string, error) {
	switch {
	case isSQLite(cfg.Type):
		path := cfg.SQLite.Path
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, "", errors.New(err).
					Component("store").
					Category(errors.CategoryFileIO).
					Context("path", path).
					Build()
			}
		}
		return sqlite.Open(path + "?_busy_timeout=5000&_journal_mode=WAL"), path, nil

	case strings.EqualFold(cfg.Type, "mysql"):
		dsn := MySQLDSN(cfg.MySQL)
		return mysql.Open(dsn), net.JoinHostPort(cfg.MySQL.Host, strconv.Itoa(cfg.MySQL.Port)) + "/" + cfg.MySQL.Database, nil

	default:
		return nil, "", errors.Newf("unsupported database type %q", cfg.Type).
			Component("store").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// MySQLDSN builds a driver DSN with UTC times and utf8mb4.
func MySQLDSN(cfg conf.MySQLSettings) string {
	c := gomysql.NewConfig()
	c.User = cfg.Username
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	c.DBName = cfg.Database
	c.ParseTime = true
	c.Loc = time.UTC
	c.Params = map[string]string{"charset": "utf8mb4"}
	return c.FormatDSN()
}
