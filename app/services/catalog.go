package services

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"agent_sapo/app/integrations"
	"agent_sapo/app/storage"
	apputility "agent_sapo/app/utility"
	"agent_sapo/utility/logger"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// CatalogUpstream là phần của SapoCore mà Catalog dùng
type CatalogUpstream interface {
	ListOrderSources(ctx context.Context, filters integrations.Filters) (map[string]interface{}, error)
	ListDeliveryProviders(ctx context.Context, filters integrations.Filters) (map[string]interface{}, error)
	GetDeliveryProvider(ctx context.Context, providerID int64) (map[string]interface{}, error)
}

// CatalogCache là phần của ProductCache mà Catalog dùng để dựng map ảnh variant
type CatalogCache interface {
	ListProducts(ctx context.Context, status string) ([]storage.ProductEntry, error)
	ListVariants(ctx context.Context) ([]storage.VariantEntry, error)
}

// CatalogStats là kích thước hiện tại của các map
type CatalogStats struct {
	Sources        int `json:"sources"`
	Providers      int `json:"providers"`
	FetchedSingles int `json:"fetched_singles"`
	VariantImages  int `json:"variant_images"`
}

// Catalog giữ các map tra cứu trong bộ nhớ cho đường phục vụ request:
// nguồn đơn, đơn vị vận chuyển và ảnh variant. Map được nạp lười ở lần dùng đầu.
type Catalog struct {
	upstream CatalogUpstream
	cache    CatalogCache
	pacer    *apputility.AdaptiveRateLimiter

	mu             sync.RWMutex
	sources        map[int64]string
	providers      map[int64]string
	images         map[int64]string
	sourcesReady   bool
	providersReady bool
	imagesReady    bool

	// Kết quả tra từng id đơn lẻ. Không bị ForceReload xóa: mỗi id chỉ gọi upstream một lần.
	singles map[int64]string
	fetched map[int64]bool

	sf  singleflight.Group
	log *logrus.Logger
}

// NewCatalog tạo Catalog rỗng
func NewCatalog(upstream CatalogUpstream, cache CatalogCache, pacer *apputility.AdaptiveRateLimiter) *Catalog {
	return &Catalog{
		upstream:  upstream,
		cache:     cache,
		pacer:     pacer,
		sources:   map[int64]string{},
		providers: map[int64]string{},
		images:    map[int64]string{},
		singles:   map[int64]string{},
		fetched:   map[int64]bool{},
		log:       logger.GetLogger("sync"),
	}
}

// SourceName trả về tên nguồn đơn, "" nếu không có
func (c *Catalog) SourceName(ctx context.Context, sourceID int64) (string, error) {
	if err := c.ensure(ctx, "sources", func() bool { return c.sourcesReady }, c.loadSources); err != nil {
		return "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sources[sourceID], nil
}

// ProviderName trả về tên đơn vị vận chuyển. Id không có trong lượt quét được tra
// riêng qua upstream, mỗi id tối đa một lần trong suốt vòng đời Catalog.
func (c *Catalog) ProviderName(ctx context.Context, providerID int64) (string, error) {
	if err := c.ensure(ctx, "providers", func() bool { return c.providersReady }, c.loadProviders); err != nil {
		return "", err
	}

	c.mu.RLock()
	name, ok := c.providers[providerID]
	if !ok {
		name, ok = c.singles[providerID]
	}
	done := c.fetched[providerID]
	c.mu.RUnlock()
	if ok || done {
		return name, nil
	}

	key := "provider:" + strconv.FormatInt(providerID, 10)
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		c.mu.Lock()
		if c.fetched[providerID] {
			name := c.singles[providerID]
			c.mu.Unlock()
			return name, nil
		}
		c.fetched[providerID] = true
		c.mu.Unlock()

		data, err := c.upstream.GetDeliveryProvider(ctx, providerID)
		if err != nil {
			c.log.WithError(err).WithField("provider_id", providerID).Warn("⚠️ Không tra được đơn vị vận chuyển")
			return "", err
		}
		name, _ := integrations.ObjectOf(data, "delivery_service_provider")["name"].(string)

		c.mu.Lock()
		c.singles[providerID] = name
		c.mu.Unlock()
		return name, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// VariantImage trả về URL ảnh của variant: ảnh của variant, không có thì ảnh đầu của product
func (c *Catalog) VariantImage(ctx context.Context, variantID int64) (string, error) {
	if err := c.ensure(ctx, "images", func() bool { return c.imagesReady }, c.loadImages); err != nil {
		return "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.images[variantID], nil
}

// ForceReload quét lại cả ba map và thay thế (không gộp) nội dung cũ
func (c *Catalog) ForceReload(ctx context.Context) error {
	sources, err := c.scanNames(ctx, "order_sources", nil, c.upstream.ListOrderSources)
	if err != nil {
		return err
	}
	providers, err := c.scanNames(ctx, "delivery_service_providers", map[string]string{"status": "active"}, c.upstream.ListDeliveryProviders)
	if err != nil {
		return err
	}
	images, err := c.buildImages(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sources, c.sourcesReady = sources, true
	c.providers, c.providersReady = providers, true
	c.images, c.imagesReady = images, true
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"sources":   len(sources),
		"providers": len(providers),
		"images":    len(images),
	}).Info("✅ Đã nạp lại catalog")
	return nil
}

// Stats trả về kích thước các map
func (c *Catalog) Stats() CatalogStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CatalogStats{
		Sources:        len(c.sources),
		Providers:      len(c.providers),
		FetchedSingles: len(c.fetched),
		VariantImages:  len(c.images),
	}
}

func (c *Catalog) ensure(ctx context.Context, kind string, ready func() bool, load func(context.Context) error) error {
	c.mu.RLock()
	ok := ready()
	c.mu.RUnlock()
	if ok {
		return nil
	}
	_, err, _ := c.sf.Do(kind, func() (interface{}, error) {
		c.mu.RLock()
		ok := ready()
		c.mu.RUnlock()
		if ok {
			return nil, nil
		}
		return nil, load(ctx)
	})
	return err
}

func (c *Catalog) loadSources(ctx context.Context) error {
	m, err := c.scanNames(ctx, "order_sources", nil, c.upstream.ListOrderSources)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sources, c.sourcesReady = m, true
	c.mu.Unlock()
	return nil
}

func (c *Catalog) loadProviders(ctx context.Context) error {
	m, err := c.scanNames(ctx, "delivery_service_providers", map[string]string{"status": "active"}, c.upstream.ListDeliveryProviders)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.providers, c.providersReady = m, true
	c.mu.Unlock()
	return nil
}

func (c *Catalog) loadImages(ctx context.Context) error {
	m, err := c.buildImages(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.images, c.imagesReady = m, true
	c.mu.Unlock()
	return nil
}

type listFunc func(ctx context.Context, filters integrations.Filters) (map[string]interface{}, error)

// scanNames quét một API list tham chiếu và dựng map id → name
func (c *Catalog) scanNames(ctx context.Context, key string, extra map[string]string, list listFunc) (map[int64]string, error) {
	names := map[int64]string{}
	fetch := func(ctx context.Context, page, limit int) ([]map[string]interface{}, error) {
		data, err := list(ctx, pageParams(page, limit, extra))
		if err != nil {
			return nil, err
		}
		return integrations.ListOf(data, key), nil
	}
	_, err := ScanPages(ctx, PageScan{MaxPages: ReferenceMaxPages, Pacer: c.pacer}, fetch, func(_ int, items []map[string]interface{}) error {
		for _, item := range items {
			id, ok := toInt64(item["id"])
			if !ok {
				continue
			}
			name, _ := item["name"].(string)
			names[id] = name
		}
		return nil
	})
	if err != nil {
		c.log.WithError(err).WithField("key", key).Error("❌ Không quét được dữ liệu tham chiếu")
		return nil, err
	}
	return names, nil
}

type imageHolder struct {
	Images []struct {
		FullPath string `json:"full_path"`
		Path     string `json:"path"`
	} `json:"images"`
}

func (h imageHolder) first() string {
	if len(h.Images) == 0 {
		return ""
	}
	if h.Images[0].FullPath != "" {
		return h.Images[0].FullPath
	}
	return h.Images[0].Path
}

// buildImages dựng map variant id → URL ảnh từ cache local
func (c *Catalog) buildImages(ctx context.Context) (map[int64]string, error) {
	products, err := c.cache.ListProducts(ctx, "")
	if err != nil {
		return nil, err
	}
	productImage := make(map[int64]string, len(products))
	for _, p := range products {
		var h imageHolder
		if json.Unmarshal(p.Data, &h) == nil {
			productImage[p.ProductID] = h.first()
		}
	}

	variants, err := c.cache.ListVariants(ctx)
	if err != nil {
		return nil, err
	}
	images := make(map[int64]string, len(variants))
	for _, v := range variants {
		var h imageHolder
		url := ""
		if json.Unmarshal(v.Data, &h) == nil {
			url = h.first()
		}
		if url == "" {
			url = productImage[v.ProductID]
		}
		if url != "" {
			images[v.VariantID] = url
		}
	}
	return images, nil
}
