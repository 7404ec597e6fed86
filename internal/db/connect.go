// Package db opens and migrates the durable store behind the ledger and
// message stores. MySQL (including Dolt), Postgres and SQLite are supported.
package db

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/zulandar/converge/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// gormConfig is shared by every connection. TranslateError maps driver
// unique-constraint failures to gorm.ErrDuplicatedKey, which the ledger
// relies on to detect toggle races.
func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}
}

// IsLockConflict reports whether err is a MySQL deadlock (1213) or lock
// wait timeout (1205). Either one rolls the transaction back, so it can be
// retried from the start.
func IsLockConflict(err error) bool {
	var me *mysqldriver.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1213 || me.Number == 1205
	}
	return false
}

// MySQLDSN builds a MySQL-compatible DSN. An empty database selects none,
// which is what admin connections want.
func MySQLDSN(cfg config.StoreConfig, database string) string {
	mc := mysqldriver.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = database
	mc.ParseTime = true
	return mc.FormatDSN()
}

// PostgresDSN builds a libpq keyword/value DSN.
func PostgresDSN(cfg config.StoreConfig, database string) string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, database, cfg.SSLMode)
	if cfg.Password != "" {
		dsn += " password=" + cfg.Password
	}
	return dsn
}

// SQLiteDSN adds a busy timeout and WAL journaling to file databases.
func SQLiteDSN(path string) string {
	if path == ":memory:" {
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

// Connect opens a GORM connection to the configured store.
func Connect(cfg config.StoreConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case config.DriverMySQL, "":
		db, err := gorm.Open(mysql.Open(MySQLDSN(cfg, cfg.Database)), gormConfig())
		if err != nil {
			return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
		}
		return db, nil
	case config.DriverPostgres:
		db, err := gorm.Open(postgres.Open(PostgresDSN(cfg, cfg.Database)), gormConfig())
		if err != nil {
			return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
		}
		return db, nil
	case config.DriverSQLite:
		return OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
}

// OpenSQLite opens a SQLite database at path. The pool is limited to one
// connection: SQLite has a single writer, and ":memory:" databases are
// per-connection.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(SQLiteDSN(path)), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db: sqlite pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// ConnectAdmin opens a connection to the server without selecting the
// application database, used for CREATE/DROP DATABASE.
func ConnectAdmin(cfg config.StoreConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverMySQL, "":
		dialector = mysql.Open(MySQLDSN(cfg, ""))
	case config.DriverPostgres:
		dialector = postgres.Open(PostgresDSN(cfg, "postgres"))
	default:
		return nil, fmt.Errorf("db: admin connect not supported for driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, gormConfig())
	if err != nil {
		return nil, fmt.Errorf("db: admin connect to %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return db, nil
}

// CreateDatabase creates the named database if it doesn't already exist.
func CreateDatabase(adminDB *gorm.DB, name string) error {
	switch adminDB.Dialector.Name() {
	case "postgres":
		var count int64
		if err := adminDB.Raw("SELECT COUNT(*) FROM pg_database WHERE datname = ?", name).Scan(&count).Error; err != nil {
			return fmt.Errorf("db: create database %s: %w", name, err)
		}
		if count > 0 {
			return nil
		}
		if err := adminDB.Exec(fmt.Sprintf(`CREATE DATABASE "%s"`, name)).Error; err != nil {
			return fmt.Errorf("db: create database %s: %w", name, err)
		}
	default:
		sql := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)
		if err := adminDB.Exec(sql).Error; err != nil {
			return fmt.Errorf("db: create database %s: %w", name, err)
		}
	}
	return nil
}

// DropDatabase drops the named database if it exists.
func DropDatabase(adminDB *gorm.DB, name string) error {
	sql := fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", name)
	if adminDB.Dialector.Name() == "postgres" {
		sql = fmt.Sprintf(`DROP DATABASE IF EXISTS "%s"`, name)
	}
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: drop database %s: %w", name, err)
	}
	return nil
}

// RemoveSQLite deletes a SQLite database file and its WAL companions.
func RemoveSQLite(path string) error {
	if path == ":memory:" {
		return nil
	}
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("db: remove %s: %w", p, err)
		}
	}
	return nil
}
