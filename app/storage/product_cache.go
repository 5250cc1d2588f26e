package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"agent_sapo/utility"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
)

// ProductEntry là một dòng product_cache
type ProductEntry struct {
	ProductID int64          `db:"product_id" json:"product_id"`
	Status    string         `db:"status" json:"status"`
	Data      types.JSONText `db:"data" json:"data"`
	SyncedAt  int64          `db:"synced_at" json:"synced_at"`
}

// VariantEntry là một dòng variant_cache
type VariantEntry struct {
	VariantID int64          `db:"variant_id" json:"variant_id"`
	ProductID int64          `db:"product_id" json:"product_id"`
	Data      types.JSONText `db:"data" json:"data"`
	SyncedAt  int64          `db:"synced_at" json:"synced_at"`
}

// UpsertResult đếm số dòng chèn mới / cập nhật của một lần upsert
type UpsertResult struct {
	ProductCreated  bool
	VariantsCreated int
	VariantsUpdated int
}

// ProductCache đọc/ghi product_cache và variant_cache
type ProductCache struct {
	db *DB
}

// NewProductCache tạo ProductCache trên db
func NewProductCache(db *DB) *ProductCache {
	return &ProductCache{db: db}
}

// UpsertProduct ghi product và các variant của nó trong cùng một transaction
func (c *ProductCache) UpsertProduct(ctx context.Context, product ProductEntry, variants []VariantEntry) (UpsertResult, error) {
	var result UpsertResult
	now := time.Now().UnixMilli()

	err := c.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		created, err := upsertRow(ctx, tx,
			`INSERT INTO product_cache (product_id, status, data, synced_at) VALUES (?, ?, ?, ?) ON CONFLICT (product_id) DO NOTHING`,
			`UPDATE product_cache SET status = ?, data = ?, synced_at = ? WHERE product_id = ?`,
			[]interface{}{product.ProductID, product.Status, string(product.Data), now},
			[]interface{}{product.Status, string(product.Data), now, product.ProductID},
		)
		if err != nil {
			return err
		}
		result.ProductCreated = created

		for _, v := range variants {
			created, err := upsertRow(ctx, tx,
				`INSERT INTO variant_cache (variant_id, product_id, data, synced_at) VALUES (?, ?, ?, ?) ON CONFLICT (variant_id) DO NOTHING`,
				`UPDATE variant_cache SET product_id = ?, data = ?, synced_at = ? WHERE variant_id = ?`,
				[]interface{}{v.VariantID, product.ProductID, string(v.Data), now},
				[]interface{}{product.ProductID, string(v.Data), now, v.VariantID},
			)
			if err != nil {
				return err
			}
			if created {
				result.VariantsCreated++
			} else {
				result.VariantsUpdated++
			}
		}
		return nil
	})
	return result, err
}

// GetProduct trả về product theo id, nil nếu không có
func (c *ProductCache) GetProduct(ctx context.Context, productID int64) (*ProductEntry, error) {
	var row ProductEntry
	err := c.db.GetContext(ctx, &row, c.db.Rebind(
		`SELECT product_id, status, data, synced_at FROM product_cache WHERE product_id = ?`), productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &row, err
}

// GetVariant trả về variant theo id, nil nếu không có
func (c *ProductCache) GetVariant(ctx context.Context, variantID int64) (*VariantEntry, error) {
	var row VariantEntry
	err := c.db.GetContext(ctx, &row, c.db.Rebind(
		`SELECT variant_id, product_id, data, synced_at FROM variant_cache WHERE variant_id = ?`), variantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &row, err
}

// ListVariantsByProduct trả về các variant của một product
func (c *ProductCache) ListVariantsByProduct(ctx context.Context, productID int64) ([]VariantEntry, error) {
	var rows []VariantEntry
	err := c.db.SelectContext(ctx, &rows, c.db.Rebind(
		`SELECT variant_id, product_id, data, synced_at FROM variant_cache WHERE product_id = ? ORDER BY variant_id`), productID)
	return rows, err
}

// ListProducts trả về toàn bộ product, status rỗng = mọi trạng thái
func (c *ProductCache) ListProducts(ctx context.Context, status string) ([]ProductEntry, error) {
	q := c.db.Builder().Select("product_id", "status", "data", "synced_at").From("product_cache").OrderBy("product_id")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []ProductEntry
	err = c.db.SelectContext(ctx, &rows, query, args...)
	return rows, err
}

// ListVariants trả về toàn bộ variant
func (c *ProductCache) ListVariants(ctx context.Context) ([]VariantEntry, error) {
	var rows []VariantEntry
	err := c.db.SelectContext(ctx, &rows,
		`SELECT variant_id, product_id, data, synced_at FROM variant_cache ORDER BY variant_id`)
	return rows, err
}

// Counts trả về số product và variant đang cache
func (c *ProductCache) Counts(ctx context.Context) (products, variants int, err error) {
	if err = c.db.GetContext(ctx, &products, `SELECT COUNT(*) FROM product_cache`); err != nil {
		return
	}
	err = c.db.GetContext(ctx, &variants, `SELECT COUNT(*) FROM variant_cache`)
	return
}

// LastSyncedAt trả về thời điểm ghi gần nhất vào product_cache
func (c *ProductCache) LastSyncedAt(ctx context.Context) (time.Time, error) {
	var ms sql.NullInt64
	if err := c.db.GetContext(ctx, &ms, `SELECT MAX(synced_at) FROM product_cache`); err != nil {
		return time.Time{}, err
	}
	return utility.FromMilli(ms.Int64), nil
}
