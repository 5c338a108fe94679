// Package database opens the shared SQL connection and papers over
// placeholder differences between the supported drivers. Queries are written
// in PostgreSQL form ($1, $2, ...) and converted for drivers that use ?.
package database

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Options carries connection settings for Open.
type Options struct {
	Driver          string // postgres, mysql, sqlite3
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	SSLMode         string
	Path            string // sqlite3 only
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var (
	driverMu     sync.RWMutex
	activeDriver = "postgres"
)

// SetDriver records the active driver for placeholder conversion. Open calls
// it; tests using their own connections call it directly.
func SetDriver(name string) {
	driverMu.Lock()
	activeDriver = strings.ToLower(strings.TrimSpace(name))
	driverMu.Unlock()
}

// Driver returns the active driver name.
func Driver() string {
	driverMu.RLock()
	defer driverMu.RUnlock()
	return activeDriver
}

// Open connects using the configured driver and records it for
// ConvertPlaceholders.
func Open(opts Options) (*sql.DB, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver == "" {
		driver = "postgres"
	}
	var dsn string
	switch driver {
	case "postgres":
		sslMode := opts.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			opts.Host, opts.Port, opts.User, opts.Password, opts.Name, sslMode)
	case "mysql":
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			opts.User, opts.Password, opts.Host, opts.Port, opts.Name)
	case "sqlite3":
		path := opts.Path
		if path == "" {
			path = opts.Name
		}
		if path == "" {
			return nil, fmt.Errorf("database: sqlite3 requires a path")
		}
		dsn = path
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", opts.Driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", driver, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	SetDriver(driver)
	return db, nil
}

var placeholderPattern = regexp.MustCompile(`\$\d+`)

// ConvertPlaceholders rewrites $n placeholders to ? for drivers that need it.
func ConvertPlaceholders(query string) string {
	switch Driver() {
	case "mysql", "sqlite3":
		return placeholderPattern.ReplaceAllString(query, "?")
	default:
		return query
	}
}
