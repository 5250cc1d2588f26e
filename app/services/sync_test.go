package services

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"agent_sapo/app/integrations"
	"agent_sapo/app/storage"
)

func openServiceDB(t *testing.T) *storage.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "services.db") + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := storage.Open(storage.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return db
}

// listPage dựng response list của Sapo: {"<key>": [items...]}
func listPage(key string, items ...map[string]interface{}) map[string]interface{} {
	list := make([]interface{}, 0, len(items))
	for _, it := range items {
		list = append(list, it)
	}
	return map[string]interface{}{key: list}
}

func TestScanPagesStopsAfterEmptyPage(t *testing.T) {
	var calls []int
	fetch := func(_ context.Context, page, limit int) ([]map[string]interface{}, error) {
		calls = append(calls, page)
		if page == 1 {
			return []map[string]interface{}{{"id": 1}, {"id": 2}}, nil
		}
		return nil, nil
	}
	seen := 0
	pages, err := ScanPages(context.Background(), PageScan{Limit: 2, MaxPages: 10}, fetch, func(_ int, items []map[string]interface{}) error {
		seen += len(items)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanPages: %v", err)
	}
	if pages != 1 || seen != 2 {
		t.Fatalf("pages=%d seen=%d, want 1 and 2", pages, seen)
	}
	if len(calls) != 2 {
		t.Fatalf("fetch calls = %v, want pages 1 and 2", calls)
	}
}

func TestScanPagesStopsOnShortPageAndCap(t *testing.T) {
	short := 0
	_, err := ScanPages(context.Background(), PageScan{Limit: 3}, func(_ context.Context, page, _ int) ([]map[string]interface{}, error) {
		short++
		return []map[string]interface{}{{"id": page}}, nil
	}, func(int, []map[string]interface{}) error { return nil })
	if err != nil || short != 1 {
		t.Fatalf("short page: calls=%d err=%v", short, err)
	}

	full := 0
	pages, err := ScanPages(context.Background(), PageScan{Limit: 1, MaxPages: 4}, func(_ context.Context, page, _ int) ([]map[string]interface{}, error) {
		full++
		return []map[string]interface{}{{"id": page}}, nil
	}, func(int, []map[string]interface{}) error { return nil })
	if err != nil || pages != 4 || full != 4 {
		t.Fatalf("cap: pages=%d calls=%d err=%v", pages, full, err)
	}
}

func TestScanPagesReturnsFetchError(t *testing.T) {
	boom := errors.New("boom")
	pages, err := ScanPages(context.Background(), PageScan{Limit: 1}, func(_ context.Context, page, _ int) ([]map[string]interface{}, error) {
		if page == 2 {
			return nil, boom
		}
		return []map[string]interface{}{{"id": 1}}, nil
	}, func(int, []map[string]interface{}) error { return nil })
	if !errors.Is(err, boom) || pages != 1 {
		t.Fatalf("pages=%d err=%v", pages, err)
	}
}

type fakeProductLister struct {
	pages [][]map[string]interface{}
	calls []integrations.Filters
}

func (f *fakeProductLister) ListProducts(_ context.Context, filters integrations.Filters) (map[string]interface{}, error) {
	f.calls = append(f.calls, filters)
	page, _ := strconv.Atoi(filters["page"])
	if page < 1 || page > len(f.pages) {
		return listPage("products"), nil
	}
	return listPage("products", f.pages[page-1]...), nil
}

func syntheticProduct(id int, variantIDs ...int) map[string]interface{} {
	variants := make([]interface{}, 0, len(variantIDs))
	for _, vid := range variantIDs {
		variants = append(variants, map[string]interface{}{
			"id":             float64(vid),
			"sku":            "SKU-" + strconv.Itoa(vid),
			"images":         nil,
			"variant_prices": nil,
		})
	}
	return map[string]interface{}{
		"id":       float64(id),
		"name":     "Product " + strconv.Itoa(id),
		"status":   "active",
		"images":   nil,
		"variants": variants,
	}
}

func TestSyncAllNormalizesAndCachesVariants(t *testing.T) {
	ctx := context.Background()
	cache := storage.NewProductCache(openServiceDB(t))
	lister := &fakeProductLister{pages: [][]map[string]interface{}{
		{syntheticProduct(1, 11, 12), syntheticProduct(2, 21)},
	}}

	svc := NewProductSyncService(lister, cache, nil)
	stats, err := svc.SyncAll(ctx, "active")
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if stats.Products != 2 || stats.Variants != 3 || stats.Created != 2 || stats.VariantsCreated != 3 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := lister.calls[0]["status"]; got != "active" {
		t.Fatalf("status filter = %q", got)
	}

	for vid, pid := range map[int64]int64{11: 1, 12: 1, 21: 2} {
		v, err := cache.GetVariant(ctx, vid)
		if err != nil || v == nil {
			t.Fatalf("GetVariant(%d) = %v, %v", vid, v, err)
		}
		if v.ProductID != pid {
			t.Fatalf("variant %d product_id = %d, want %d", vid, v.ProductID, pid)
		}
		var data map[string]interface{}
		if err := json.Unmarshal(v.Data, &data); err != nil {
			t.Fatalf("variant data: %v", err)
		}
		for _, key := range []string{"images", "variant_prices", "inventories"} {
			list, ok := data[key].([]interface{})
			if !ok || len(list) != 0 {
				t.Fatalf("variant %d %s = %#v, want []", vid, key, data[key])
			}
		}
	}

	again, err := svc.SyncAll(ctx, "active")
	if err != nil {
		t.Fatalf("second SyncAll: %v", err)
	}
	if again.Created != 0 || again.Updated != 2 || again.VariantsUpdated != 3 {
		t.Fatalf("second sync stats = %+v", again)
	}
}

func TestSyncAllRecordsProductErrors(t *testing.T) {
	cache := storage.NewProductCache(openServiceDB(t))
	lister := &fakeProductLister{pages: [][]map[string]interface{}{
		{{"name": "không có id"}, syntheticProduct(3, 31)},
	}}

	stats, err := NewProductSyncService(lister, cache, nil).SyncAll(context.Background(), "")
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if stats.Products != 1 || len(stats.Errors) != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, ok := lister.calls[0]["status"]; ok {
		t.Fatal("empty status must not be sent")
	}
}

func TestNormalizeFillsMissingLists(t *testing.T) {
	p := Normalize(map[string]interface{}{
		"id":       float64(1),
		"variants": []interface{}{map[string]interface{}{"id": float64(2), "inventories": nil}},
	})
	if imgs, ok := p["images"].([]interface{}); !ok || len(imgs) != 0 {
		t.Fatalf("images = %#v", p["images"])
	}
	v := p["variants"].([]interface{})[0].(map[string]interface{})
	for _, key := range []string{"images", "variant_prices", "inventories"} {
		if _, ok := v[key].([]interface{}); !ok {
			t.Fatalf("variant %s = %#v", key, v[key])
		}
	}

	empty := Normalize(map[string]interface{}{"id": float64(9)})
	if vs, ok := empty["variants"].([]interface{}); !ok || len(vs) != 0 {
		t.Fatalf("variants = %#v", empty["variants"])
	}
}

type fakeCatalogUpstream struct {
	mu           sync.Mutex
	sources      []map[string]interface{}
	providers    []map[string]interface{}
	singleCalls  map[int64]int
	singleNames  map[int64]string
	listCalls    int32
	providerHold chan struct{}
}

func (f *fakeCatalogUpstream) ListOrderSources(_ context.Context, _ integrations.Filters) (map[string]interface{}, error) {
	atomic.AddInt32(&f.listCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return listPage("order_sources", f.sources...), nil
}

func (f *fakeCatalogUpstream) ListDeliveryProviders(_ context.Context, filters integrations.Filters) (map[string]interface{}, error) {
	atomic.AddInt32(&f.listCalls, 1)
	if filters["status"] != "active" {
		return nil, errors.New("missing status filter")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return listPage("delivery_service_providers", f.providers...), nil
}

func (f *fakeCatalogUpstream) GetDeliveryProvider(_ context.Context, id int64) (map[string]interface{}, error) {
	if f.providerHold != nil {
		<-f.providerHold
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleCalls[id]++
	return map[string]interface{}{"delivery_service_provider": map[string]interface{}{"id": float64(id), "name": f.singleNames[id]}}, nil
}

type fakeCatalogCache struct {
	products []storage.ProductEntry
	variants []storage.VariantEntry
}

func (f *fakeCatalogCache) ListProducts(context.Context, string) ([]storage.ProductEntry, error) {
	return f.products, nil
}

func (f *fakeCatalogCache) ListVariants(context.Context) ([]storage.VariantEntry, error) {
	return f.variants, nil
}

func newFakeUpstream() *fakeCatalogUpstream {
	return &fakeCatalogUpstream{
		sources:     []map[string]interface{}{{"id": float64(1), "name": "Web"}},
		providers:   []map[string]interface{}{{"id": float64(5), "name": "GHN"}},
		singleCalls: map[int64]int{},
		singleNames: map[int64]string{99: "Ahamove"},
	}
}

func TestCatalogProviderNameFetchesSingleIDOnce(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream()
	up.providerHold = make(chan struct{})
	cat := NewCatalog(up, &fakeCatalogCache{}, nil)

	if name, err := cat.ProviderName(ctx, 5); err != nil || name != "GHN" {
		t.Fatalf("ProviderName(5) = %q, %v", name, err)
	}

	var wg sync.WaitGroup
	names := make([]string, 8)
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			names[i], _ = cat.ProviderName(ctx, 99)
		}(i)
	}
	close(up.providerHold)
	wg.Wait()

	if err := cat.ForceReload(ctx); err != nil {
		t.Fatalf("ForceReload: %v", err)
	}
	if name, _ := cat.ProviderName(ctx, 99); name != "Ahamove" {
		t.Fatalf("after reload ProviderName(99) = %q", name)
	}
	if _, _ = cat.ProviderName(ctx, 404); up.singleCalls[404] != 1 {
		t.Fatalf("unknown id calls = %d", up.singleCalls[404])
	}
	if _, _ = cat.ProviderName(ctx, 404); up.singleCalls[404] != 1 {
		t.Fatalf("unknown id must not be fetched twice, calls = %d", up.singleCalls[404])
	}

	if up.singleCalls[99] != 1 {
		t.Fatalf("upstream calls for id 99 = %d, want 1", up.singleCalls[99])
	}
	for i, n := range names {
		if n != "Ahamove" && n != "" {
			t.Fatalf("names[%d] = %q", i, n)
		}
	}
}

func TestCatalogForceReloadReplacesMaps(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream()
	cat := NewCatalog(up, &fakeCatalogCache{}, nil)

	if name, _ := cat.SourceName(ctx, 1); name != "Web" {
		t.Fatalf("SourceName(1) = %q", name)
	}
	if name, _ := cat.SourceName(ctx, 1); name != "Web" || atomic.LoadInt32(&up.listCalls) != 1 {
		t.Fatalf("lazy load must run once, list calls = %d", up.listCalls)
	}

	up.mu.Lock()
	up.sources = []map[string]interface{}{{"id": float64(2), "name": "POS"}}
	up.mu.Unlock()
	if err := cat.ForceReload(ctx); err != nil {
		t.Fatalf("ForceReload: %v", err)
	}
	if name, _ := cat.SourceName(ctx, 1); name != "" {
		t.Fatalf("stale source survived reload: %q", name)
	}
	if name, _ := cat.SourceName(ctx, 2); name != "POS" {
		t.Fatalf("SourceName(2) = %q", name)
	}
	if st := cat.Stats(); st.Sources != 1 || st.Providers != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestCatalogVariantImageFallsBackToProduct(t *testing.T) {
	cache := &fakeCatalogCache{
		products: []storage.ProductEntry{
			{ProductID: 1, Data: []byte(`{"images":[{"full_path":"https://cdn/p1.jpg"}]}`)},
		},
		variants: []storage.VariantEntry{
			{VariantID: 10, ProductID: 1, Data: []byte(`{"images":[{"path":"/v10.jpg"}]}`)},
			{VariantID: 11, ProductID: 1, Data: []byte(`{"images":[]}`)},
			{VariantID: 20, ProductID: 2, Data: []byte(`{"images":[]}`)},
		},
	}
	cat := NewCatalog(newFakeUpstream(), cache, nil)
	ctx := context.Background()

	cases := map[int64]string{10: "/v10.jpg", 11: "https://cdn/p1.jpg", 20: ""}
	for id, want := range cases {
		got, err := cat.VariantImage(ctx, id)
		if err != nil || got != want {
			t.Fatalf("VariantImage(%d) = %q, %v; want %q", id, got, err, want)
		}
	}
}
