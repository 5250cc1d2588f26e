/*
Package storage chứa các store SQL (sqlx + squirrel) cho token, product cache,
notification, delivery, subscription và user. Hỗ trợ hai driver:
  - sqlite (modernc.org/sqlite): dev/test, một kết nối ghi
  - postgres (lib/pq): production

Mọi thời điểm được lưu dưới dạng Unix milliseconds (BIGINT).
*/
package storage

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed schema_sqlite.sql
var schemaSQLite string

//go:embed schema_postgres.sql
var schemaPostgres string

func init() {
	// modernc đăng ký tên "sqlite", sqlx chỉ biết "sqlite3"
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// DB bọc sqlx.DB cùng statement builder đúng placeholder của driver
type DB struct {
	*sqlx.DB
	driver string
	sb     sq.StatementBuilderType
}

// Open mở kết nối tới database theo driver ("sqlite" | "postgres")
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("driver không được hỗ trợ: %s", driver)
	}

	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("mở database %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite chỉ cho một writer, dùng một kết nối để tránh SQLITE_BUSY
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database %s: %w", driver, err)
	}

	return newDB(conn, driver), nil
}

func newDB(conn *sqlx.DB, driver string) *DB {
	var format sq.PlaceholderFormat = sq.Question
	if driver == DriverPostgres {
		format = sq.Dollar
	}
	return &DB{
		DB:     conn,
		driver: driver,
		sb:     sq.StatementBuilder.PlaceholderFormat(format),
	}
}

// Driver trả về tên driver đang dùng
func (db *DB) Driver() string { return db.driver }

// Builder trả về squirrel statement builder với placeholder của driver
func (db *DB) Builder() sq.StatementBuilderType { return db.sb }

// EnsureSchema tạo các bảng nếu chưa tồn tại
func (db *DB) EnsureSchema(ctx context.Context) error {
	schema := schemaSQLite
	if db.driver == DriverPostgres {
		schema = schemaPostgres
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("tạo schema: %w\n%s", err, stmt)
		}
	}
	return nil
}

// WithTx chạy fn trong một transaction. fn trả lỗi (hoặc panic) thì rollback.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bắt đầu transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// upsertRow chèn một dòng, nếu đã có thì cập nhật.
// Trả về created=true khi dòng được chèn mới.
func upsertRow(ctx context.Context, tx *sqlx.Tx, insert, update string, insertArgs, updateArgs []interface{}) (bool, error) {
	res, err := tx.ExecContext(ctx, tx.Rebind(insert), insertArgs...)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return true, nil
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(update), updateArgs...); err != nil {
		return false, err
	}
	return false, nil
}

func jsonText(b []byte, empty string) string {
	if len(b) == 0 {
		return empty
	}
	return string(b)
}
