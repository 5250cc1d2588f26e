package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"agent_sapo/app/integrations"
	"agent_sapo/app/storage"
	apputility "agent_sapo/app/utility"
	"agent_sapo/utility/logger"

	"github.com/sirupsen/logrus"
)

// ProductLister là phần của SapoCore mà sync cần
type ProductLister interface {
	ListProducts(ctx context.Context, filters integrations.Filters) (map[string]interface{}, error)
}

// ProductWriter ghi product kèm variants trong một đơn vị nguyên tử
type ProductWriter interface {
	UpsertProduct(ctx context.Context, product storage.ProductEntry, variants []storage.VariantEntry) (storage.UpsertResult, error)
}

// SyncError là lỗi của một product trong lượt sync
type SyncError struct {
	ProductID int64  `json:"product_id"`
	Message   string `json:"message"`
}

// SyncStats là bộ đếm của một lượt sync
type SyncStats struct {
	Pages           int           `json:"pages"`
	Products        int           `json:"products"`
	Variants        int           `json:"variants"`
	Created         int           `json:"created"`
	Updated         int           `json:"updated"`
	VariantsCreated int           `json:"variants_created"`
	VariantsUpdated int           `json:"variants_updated"`
	Errors          []SyncError   `json:"errors"`
	Duration        time.Duration `json:"duration"`
}

// ProductSyncService mirror toàn bộ products/variants của Sapo vào cache local
type ProductSyncService struct {
	products ProductLister
	cache    ProductWriter
	pacer    *apputility.AdaptiveRateLimiter
	limit    int
	log      *logrus.Logger
}

// NewProductSyncService tạo service sync; pacer nil = không nghỉ giữa các trang
func NewProductSyncService(products ProductLister, cache ProductWriter, pacer *apputility.AdaptiveRateLimiter) *ProductSyncService {
	return &ProductSyncService{
		products: products,
		cache:    cache,
		pacer:    pacer,
		limit:    SapoMaxPageLimit,
		log:      logger.GetLogger("sync"),
	}
}

// SyncAll quét mọi trang products (lọc theo status nếu có) và upsert vào cache.
// Lỗi của từng product được gom vào stats.Errors; lỗi lấy trang dừng lượt sync
// và được trả về cùng stats tới thời điểm đó.
func (s *ProductSyncService) SyncAll(ctx context.Context, status string) (*SyncStats, error) {
	start := time.Now()
	stats := &SyncStats{Errors: []SyncError{}}
	s.log.WithField("status", status).Info("🔄 Bắt đầu sync products từ Sapo")

	extra := map[string]string{}
	if status != "" {
		extra["status"] = status
	}

	fetch := func(ctx context.Context, page, limit int) ([]map[string]interface{}, error) {
		data, err := s.products.ListProducts(ctx, pageParams(page, limit, extra))
		if err != nil {
			return nil, err
		}
		return integrations.ListOf(data, "products"), nil
	}

	visit := func(page int, items []map[string]interface{}) error {
		for _, product := range items {
			s.syncOne(ctx, product, stats)
		}
		s.log.WithFields(logrus.Fields{
			"page":     page,
			"products": stats.Products,
			"variants": stats.Variants,
		}).Debug("📄 Đã xử lý trang products")
		return nil
	}

	pages, err := ScanPages(ctx, PageScan{Limit: s.limit, MaxPages: ProductMaxPages, Pacer: s.pacer}, fetch, visit)
	stats.Pages = pages
	stats.Duration = time.Since(start)

	fields := logrus.Fields{
		"pages":    stats.Pages,
		"products": stats.Products,
		"variants": stats.Variants,
		"created":  stats.Created,
		"updated":  stats.Updated,
		"errors":   len(stats.Errors),
		"duration": stats.Duration.String(),
	}
	if err != nil {
		s.log.WithFields(fields).WithError(err).Error("❌ Sync products dừng giữa chừng")
		return stats, err
	}
	s.log.WithFields(fields).Info("✅ Hoàn thành sync products")
	return stats, nil
}

func (s *ProductSyncService) syncOne(ctx context.Context, product map[string]interface{}, stats *SyncStats) {
	productID, ok := toInt64(product["id"])
	if !ok {
		stats.Errors = append(stats.Errors, SyncError{Message: "product không có id"})
		return
	}

	entry, variants, err := buildEntries(productID, Normalize(product))
	if err != nil {
		stats.Errors = append(stats.Errors, SyncError{ProductID: productID, Message: err.Error()})
		return
	}

	res, err := s.cache.UpsertProduct(ctx, entry, variants)
	if err != nil {
		s.log.WithError(err).WithField("product_id", productID).Warn("⚠️ Không thể lưu product vào cache")
		stats.Errors = append(stats.Errors, SyncError{ProductID: productID, Message: err.Error()})
		return
	}

	stats.Products++
	stats.Variants += len(variants)
	if res.ProductCreated {
		stats.Created++
	} else {
		stats.Updated++
	}
	stats.VariantsCreated += res.VariantsCreated
	stats.VariantsUpdated += res.VariantsUpdated
}

func buildEntries(productID int64, product map[string]interface{}) (storage.ProductEntry, []storage.VariantEntry, error) {
	data, err := json.Marshal(product)
	if err != nil {
		return storage.ProductEntry{}, nil, fmt.Errorf("serialize product: %w", err)
	}
	status, _ := product["status"].(string)
	entry := storage.ProductEntry{ProductID: productID, Status: status, Data: data}

	rawVariants, _ := product["variants"].([]interface{})
	variants := make([]storage.VariantEntry, 0, len(rawVariants))
	for _, rv := range rawVariants {
		v, ok := rv.(map[string]interface{})
		if !ok {
			continue
		}
		variantID, ok := toInt64(v["id"])
		if !ok {
			return entry, nil, fmt.Errorf("variant không có id")
		}
		vdata, err := json.Marshal(v)
		if err != nil {
			return entry, nil, fmt.Errorf("serialize variant %d: %w", variantID, err)
		}
		variants = append(variants, storage.VariantEntry{VariantID: variantID, ProductID: productID, Data: vdata})
	}
	return entry, variants, nil
}

// Normalize đổi các field danh sách đang null (hoặc thiếu) thành danh sách rỗng:
// product.images, product.variants, variant.images, variant.variant_prices, variant.inventories.
// Product được sửa tại chỗ và trả về.
func Normalize(product map[string]interface{}) map[string]interface{} {
	ensureList(product, "images")
	ensureList(product, "variants")
	for _, rv := range product["variants"].([]interface{}) {
		if v, ok := rv.(map[string]interface{}); ok {
			ensureList(v, "images")
			ensureList(v, "variant_prices")
			ensureList(v, "inventories")
		}
	}
	return product
}

func ensureList(m map[string]interface{}, key string) {
	if _, ok := m[key].([]interface{}); !ok {
		m[key] = []interface{}{}
	}
}

// toInt64 đọc id từ JSON (float64, json.Number, string, int)
func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}
