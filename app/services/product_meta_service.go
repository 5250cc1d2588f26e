package services

import (
	"context"
	"fmt"

	"agent_sapo/app/integrations"
	apputility "agent_sapo/app/utility"
	"agent_sapo/utility/logger"

	"github.com/sirupsen/logrus"
)

// ProductEditor là phần của SapoCore dùng để đọc và sửa product
type ProductEditor interface {
	GetProduct(ctx context.Context, productID int64) (map[string]interface{}, error)
	UpdateProduct(ctx context.Context, productID int64, data map[string]interface{}) (map[string]interface{}, error)
}

// ProductMetaService đọc/ghi metadata mở rộng nằm trong description của product Sapo
type ProductMetaService struct {
	products ProductEditor
	log      *logrus.Logger
}

// NewProductMetaService tạo service trên SapoCore
func NewProductMetaService(products ProductEditor) *ProductMetaService {
	return &ProductMetaService{products: products, log: logger.GetLogger("sync")}
}

// Get trả về metadata và phần mô tả gốc của product.
// Product chưa có metadata nhận bộ khung rỗng theo danh sách variant.
func (s *ProductMetaService) Get(ctx context.Context, productID int64) (*apputility.ProductMeta, string, error) {
	product, err := s.fetch(ctx, productID)
	if err != nil {
		return nil, "", err
	}
	description, _ := product["description"].(string)
	meta, remainder := apputility.ParseProductMeta(description)
	if meta == nil {
		meta = apputility.NewProductMeta(variantIDs(product))
	}
	return meta, remainder, nil
}

// Save thay khối metadata trong description, giữ nguyên phần mô tả gốc
func (s *ProductMetaService) Save(ctx context.Context, productID int64, meta *apputility.ProductMeta) error {
	product, err := s.fetch(ctx, productID)
	if err != nil {
		return err
	}
	blob, err := meta.Blob()
	if err != nil {
		return fmt.Errorf("serialize metadata: %w", err)
	}
	current, _ := product["description"].(string)
	updated := apputility.UpdateDescriptionMeta(current, blob)
	if updated == current {
		return nil
	}

	if _, err := s.products.UpdateProduct(ctx, productID, map[string]interface{}{"description": updated}); err != nil {
		s.log.WithError(err).WithField("product_id", productID).Error("❌ Không thể ghi metadata product")
		return err
	}
	s.log.WithField("product_id", productID).Info("📝 Đã cập nhật metadata product")
	return nil
}

func (s *ProductMetaService) fetch(ctx context.Context, productID int64) (map[string]interface{}, error) {
	data, err := s.products.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	product := integrations.ObjectOf(data, "product")
	if len(product) == 0 {
		return nil, fmt.Errorf("product %d không tồn tại", productID)
	}
	return product, nil
}

func variantIDs(product map[string]interface{}) []int64 {
	raw, _ := product["variants"].([]interface{})
	ids := make([]int64, 0, len(raw))
	for _, rv := range raw {
		if v, ok := rv.(map[string]interface{}); ok {
			if id, ok := toInt64(v["id"]); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
