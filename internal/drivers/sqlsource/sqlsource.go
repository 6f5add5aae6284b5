// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package sqlsource reads tables from external MySQL, MariaDB and
// PostgreSQL databases through gorm.
package sqlsource

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tomtom215/marketscope/internal/drivers"
	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/warehouse"
)

const (
	defaultMaxRows = 100000
	connectTimeout = 15 * time.Second
)

func cursorKey(table string) string { return "cursor:" + table }

// Driver reads one SQL database. One instance serves one source type.
type Driver struct {
	typ models.SourceType
	// open is replaced in tests.
	open func(dialector gorm.Dialector) (*gorm.DB, error)
}

// New creates the driver for mysql, mariadb or postgres.
func New(t models.SourceType) *Driver {
	return &Driver{typ: t, open: func(d gorm.Dialector) (*gorm.DB, error) {
		return gorm.Open(d, &gorm.Config{Logger: gormLogger{}, SkipDefaultTransaction: true})
	}}
}

func (d *Driver) Type() models.SourceType { return d.typ }

// ValidateConfig requires either a dsn secret (checked at fetch time) or
// host, user and database.
func (d *Driver) ValidateConfig(cfg map[string]any) error {
	c := drivers.Config(cfg)
	if c.Bool("use_dsn") {
		return nil
	}
	if err := c.Require("host", "user", "database"); err != nil {
		return err
	}
	if port := c.Int("port", 0); port < 0 || port > 65535 {
		return drivers.Invalid("port %d out of range", port)
	}
	if c.Int("max_rows", defaultMaxRows) < 0 {
		return drivers.Invalid("max_rows must not be negative")
	}
	return nil
}

// dialector builds the gorm dialector. A "dsn" secret takes precedence
// over the discrete fields; the password always comes from secrets.
func (d *Driver) dialector(c drivers.Config, secrets map[string]string) gorm.Dialector {
	dsn := secrets["dsn"]
	switch d.typ {
	case models.SourcePostgres:
		if dsn == "" {
			u := url.URL{
				Scheme: "postgres",
				User:   url.UserPassword(c.String("user"), secrets["password"]),
				Host:   net.JoinHostPort(c.String("host"), strconv.Itoa(c.Int("port", 5432))),
				Path:   "/" + c.String("database"),
			}
			q := url.Values{
				"sslmode":         {c.StringDefault("sslmode", "prefer")},
				"connect_timeout": {strconv.Itoa(int(connectTimeout.Seconds()))},
			}
			u.RawQuery = q.Encode()
			dsn = u.String()
		}
		return postgres.Open(dsn)
	default:
		if dsn == "" {
			mc := mysqldriver.NewConfig()
			mc.User = c.String("user")
			mc.Passwd = secrets["password"]
			mc.Net = "tcp"
			mc.Addr = net.JoinHostPort(c.String("host"), strconv.Itoa(c.Int("port", 3306)))
			mc.DBName = c.String("database")
			mc.ParseTime = true
			mc.AllowNativePasswords = true
			mc.Timeout = connectTimeout
			if c.Bool("tls") {
				mc.TLSConfig = "true"
			}
			dsn = mc.FormatDSN()
		}
		return mysql.Open(dsn)
	}
}

// Fetch reads the configured tables, or every table when none are
// configured. With incremental_column set, only rows past the stored
// cursor are read and appended.
func (d *Driver) Fetch(ctx context.Context, req drivers.FetchRequest) (*drivers.FetchResult, error) {
	c := drivers.Config(req.DataSource.Config)
	db, err := d.open(d.dialector(c, req.Credentials.Secrets))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", d.typ, err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
		sqlDB.SetMaxOpenConns(2)
	}
	db = db.WithContext(ctx)

	tables := c.Strings("tables")
	if len(tables) == 0 {
		if tables, err = db.Migrator().GetTables(); err != nil {
			return nil, fmt.Errorf("failed to list tables: %w", err)
		}
	}

	incremental := c.String("incremental_column")
	maxRows := c.Int("max_rows", defaultMaxRows)
	result := &drivers.FetchResult{NextState: make(map[string]string, len(req.SyncState)+len(tables))}
	for k, v := range req.SyncState {
		result.NextState[k] = v
	}
	for _, table := range tables {
		ds, cursor, err := readTable(db, table, incremental, req.SyncState[cursorKey(table)], maxRows)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", table, err)
		}
		if cursor != "" {
			result.NextState[cursorKey(table)] = cursor
		}
		result.Datasets = append(result.Datasets, ds)
	}
	return result, nil
}

func readTable(db *gorm.DB, table, incremental, cursor string, maxRows int) (drivers.Dataset, string, error) {
	ds := drivers.Dataset{LogicalName: table, Mode: warehouse.ModeReplace}

	types, err := db.Migrator().ColumnTypes(table)
	if err != nil {
		return ds, "", fmt.Errorf("failed to read columns: %w", err)
	}
	names := make([]string, len(types))
	for i, ct := range types {
		names[i] = ct.Name()
	}
	useCursor := incremental != "" && slices.Contains(names, incremental)
	if incremental != "" && !useCursor {
		logging.Warn().Str("table", table).Str("column", incremental).Msg("Incremental column missing, reading full table")
	}

	q := db.Table(table)
	if useCursor {
		ds.Mode = warehouse.ModeAppend
		col := clause.Column{Name: incremental}
		if cursor != "" {
			q = q.Where(clause.Gt{Column: col, Value: typedCursor(cursor)})
		}
		q = q.Order(clause.OrderByColumn{Column: col})
	}
	if maxRows > 0 {
		q = q.Limit(maxRows)
	}

	rows, err := q.Rows()
	if err != nil {
		return ds, "", err
	}
	defer rows.Close()

	ds.Columns, ds.Rows, err = scanRows(rows)
	if err != nil {
		return ds, "", err
	}

	next := cursor
	if useCursor && len(ds.Rows) > 0 {
		idx := slices.Index(ds.Columns, incremental)
		if v := ds.Rows[len(ds.Rows)-1][idx]; v != nil {
			next = formatCursor(v)
		}
	}
	return ds, next, nil
}

func scanRows(rows *sql.Rows) ([]string, [][]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	var out [][]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out = append(out, values)
	}
	return cols, out, rows.Err()
}

// formatCursor stores a cursor value as text.
func formatCursor(v any) string {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// typedCursor restores a stored cursor so drivers compare it with the
// column's own type.
func typedCursor(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !strings.ContainsAny(s, "-:") {
		return f
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return s
}
