package core

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

type SQLiteDBOption struct {
	// mode can be ro | rw | rwc | memory
	Mode string
	// cache can be shared | private
	Cache string
	// JournalMode be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
	// BusyTimeout is the number of milliseconds a connection waits on a locked database.
	BusyTimeout int
}

func (config *SQLiteDBOption) DSN(sb *strings.Builder) {
	if config == nil {
		return
	}

	params := url.Values{}
	if config.Mode != "" {
		params.Set("mode", config.Mode)
	}
	if config.Cache != "" {
		params.Set("cache", config.Cache)
	}
	if config.JournalMode != "" {
		params.Set("_journal_mode", config.JournalMode)
	}
	if config.BusyTimeout > 0 {
		params.Set("_busy_timeout", strconv.Itoa(config.BusyTimeout))
	}
	if len(params) == 0 {
		return
	}
	sb.WriteString("?")
	sb.WriteString(params.Encode())
}

type SQLiteDB struct {
	*sql.DB
	config       *SQLiteDBOption
	file         string
	migrationDir string
}

func NewSQLiteDB(file, migrationDir string, config *SQLiteDBOption) (*SQLiteDB, error) {
	db := &SQLiteDB{config: config, migrationDir: migrationDir, file: file}

	var dsn strings.Builder
	dsn.WriteString("file:")
	dsn.WriteString(db.file)
	config.DSN(&dsn)

	d, err := sql.Open("sqlite3", dsn.String())
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	db.DB = d
	return db, nil
}

func (db *SQLiteDB) Migrate() error {
	return Migrate(db.DB, db.migrationDir)
}

// Migrate applies the goose migrations found in dir to db.
func Migrate(db *sql.DB, dir string) error {
	goose.SetBaseFS(os.DirFS(dir))
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose.SetDialect: %w", err)
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("goose.Up: %w", err)
	}
	return nil
}
