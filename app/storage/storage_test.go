package storage

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"agent_sapo/app/session"

	"github.com/jmoiron/sqlx"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := Open(DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return db
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestBuilderPlaceholderPerDriver(t *testing.T) {
	cases := map[string]string{
		DriverSQLite:   "SELECT id FROM t WHERE id = ?",
		DriverPostgres: "SELECT id FROM t WHERE id = $1",
	}
	for driver, want := range cases {
		query, _, err := newDB(nil, driver).Builder().Select("id").From("t").Where("id = ?", 1).ToSql()
		if err != nil {
			t.Fatalf("%s: ToSql: %v", driver, err)
		}
		if query != want {
			t.Fatalf("%s: query = %q, want %q", driver, query, want)
		}
	}
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("second EnsureSchema: %v", err)
	}
}

func TestTokenStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewTokenStore(openTestDB(t))

	tok, err := store.Load(ctx, session.ScopeCore)
	if err != nil || tok != nil {
		t.Fatalf("Load on empty store = %v, %v", tok, err)
	}

	now := time.UnixMilli(time.Now().UnixMilli())
	tokens := []session.Token{
		{Scope: session.ScopeCore, Headers: map[string]string{"Cookie": "sid=a"}, AcquiredAt: now, ExpiresAt: now.Add(time.Hour)},
		{Scope: session.ScopeMarketplace, Headers: map[string]string{"X-Market-Token": "m"}, AcquiredAt: now, ExpiresAt: now.Add(time.Hour)},
	}
	if err := store.SaveAll(ctx, tokens); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}

	// Ghi đè: vẫn một dòng mỗi scope
	later := now.Add(time.Minute)
	tokens[0].Headers = map[string]string{"Cookie": "sid=b"}
	tokens[0].AcquiredAt = later
	tokens[0].ExpiresAt = later.Add(time.Hour)
	if err := store.SaveAll(ctx, tokens[:1]); err != nil {
		t.Fatalf("SaveAll overwrite: %v", err)
	}

	got, err := store.Load(ctx, session.ScopeCore)
	if err != nil || got == nil {
		t.Fatalf("Load core = %v, %v", got, err)
	}
	if got.Headers["Cookie"] != "sid=b" || !got.AcquiredAt.Equal(later) {
		t.Fatalf("unexpected core token: %+v", got)
	}
	var rows int
	if err := store.db.GetContext(ctx, &rows, `SELECT COUNT(*) FROM upstream_tokens`); err != nil {
		t.Fatal(err)
	}
	if rows != 2 {
		t.Fatalf("rows = %d, want 2", rows)
	}
}

func TestTokenStoreRejectsInvalidToken(t *testing.T) {
	store := NewTokenStore(openTestDB(t))
	now := time.Now()
	bad := []session.Token{{Scope: session.ScopeCore, AcquiredAt: now, ExpiresAt: now}}
	if err := store.SaveAll(context.Background(), bad); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestProductCacheUpsertCounts(t *testing.T) {
	ctx := context.Background()
	cache := NewProductCache(openTestDB(t))

	product := ProductEntry{ProductID: 1, Status: "active", Data: []byte(`{"id":1,"name":"Nồi"}`)}
	variants := []VariantEntry{
		{VariantID: 11, Data: []byte(`{"id":11}`)},
		{VariantID: 12, Data: []byte(`{"id":12}`)},
	}

	res, err := cache.UpsertProduct(ctx, product, variants)
	if err != nil {
		t.Fatalf("UpsertProduct: %v", err)
	}
	if !res.ProductCreated || res.VariantsCreated != 2 || res.VariantsUpdated != 0 {
		t.Fatalf("first upsert = %+v", res)
	}

	product.Data = []byte(`{"id":1,"name":"Nồi lớn"}`)
	res, err = cache.UpsertProduct(ctx, product, variants)
	if err != nil {
		t.Fatalf("UpsertProduct again: %v", err)
	}
	if res.ProductCreated || res.VariantsCreated != 0 || res.VariantsUpdated != 2 {
		t.Fatalf("second upsert = %+v", res)
	}

	got, err := cache.GetProduct(ctx, 1)
	if err != nil || got == nil {
		t.Fatalf("GetProduct = %v, %v", got, err)
	}
	if string(got.Data) != `{"id":1,"name":"Nồi lớn"}` {
		t.Fatalf("data = %s", got.Data)
	}
	v, err := cache.GetVariant(ctx, 12)
	if err != nil || v == nil || v.ProductID != 1 {
		t.Fatalf("GetVariant = %+v, %v", v, err)
	}
	if missing, err := cache.GetVariant(ctx, 99); err != nil || missing != nil {
		t.Fatalf("GetVariant missing = %v, %v", missing, err)
	}

	products, variantCount, err := cache.Counts(ctx)
	if err != nil || products != 1 || variantCount != 2 {
		t.Fatalf("Counts = %d, %d, %v", products, variantCount, err)
	}
	list, err := cache.ListProducts(ctx, "active")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListProducts = %v, %v", list, err)
	}
	if none, _ := cache.ListProducts(ctx, "archived"); len(none) != 0 {
		t.Fatalf("ListProducts archived = %v", none)
	}
	last, err := cache.LastSyncedAt(ctx)
	if err != nil || last.IsZero() {
		t.Fatalf("LastSyncedAt = %v, %v", last, err)
	}
}

func TestProductCacheUpsertIsAtomic(t *testing.T) {
	ctx := context.Background()
	cache := NewProductCache(openTestDB(t))

	_, err := cache.UpsertProduct(ctx, ProductEntry{ProductID: 2, Data: []byte(`{}`)}, []VariantEntry{
		{VariantID: 21, Data: []byte(`{}`)},
	})
	if err != nil {
		t.Fatal(err)
	}
	var count int
	cache.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM variant_cache`)
	if count != 1 {
		t.Fatalf("variants = %d", count)
	}

	// Trigger làm hỏng variant thứ hai: product và variant đầu phải bị rollback
	_, err = cache.db.ExecContext(ctx, `CREATE TRIGGER fail_variant BEFORE INSERT ON variant_cache
		WHEN NEW.variant_id = 32 BEGIN SELECT RAISE(ABORT, 'boom'); END`)
	if err != nil {
		t.Fatal(err)
	}
	_, err = cache.UpsertProduct(ctx, ProductEntry{ProductID: 3, Data: []byte(`{}`)}, []VariantEntry{
		{VariantID: 31, Data: []byte(`{}`)},
		{VariantID: 32, Data: []byte(`{}`)},
	})
	if err == nil {
		t.Fatal("expected trigger failure")
	}
	if p, _ := cache.GetProduct(ctx, 3); p != nil {
		t.Fatal("product 3 must be rolled back")
	}
	if v, _ := cache.GetVariant(ctx, 31); v != nil {
		t.Fatal("variant 31 must be rolled back")
	}
}

type audienceFixture struct {
	users *UserStore
	ids   map[string]int64
}

func seedAudience(t *testing.T, db *DB) audienceFixture {
	t.Helper()
	ctx := context.Background()
	users := NewUserStore(db)
	f := audienceFixture{users: users, ids: map[string]int64{}}

	add := func(name, dep string, active bool, groups ...string) {
		id, err := users.CreateUser(ctx, name, dep, active)
		if err != nil {
			t.Fatalf("CreateUser %s: %v", name, err)
		}
		if err := users.AddToGroups(ctx, id, groups...); err != nil {
			t.Fatalf("AddToGroups %s: %v", name, err)
		}
		f.ids[name] = id
	}
	add("an", "CSKH", true, "CSKHStaff", "ShopA")
	add("binh", "CSKH", true, "CSKHStaff")
	add("chi", "Kho", true, "KhoStaff", "ShopA")
	add("dung", "Kho", false, "CSKHStaff")
	return f
}

func TestResolveAudience(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	f := seedAudience(t, db)
	id := f.ids

	cases := []struct {
		name string
		in   Audience
		want []int64
	}{
		{"empty means all active", Audience{}, []int64{id["an"], id["binh"], id["chi"]}},
		{"ALL group", Audience{Groups: []string{"ALL"}}, []int64{id["an"], id["binh"], id["chi"]}},
		{"one group skips inactive", Audience{Groups: []string{"CSKHStaff"}}, []int64{id["an"], id["binh"]}},
		{"groups OR", Audience{Groups: []string{"CSKHStaff", "KhoStaff"}}, []int64{id["an"], id["binh"], id["chi"]}},
		{"department", Audience{Departments: []string{"Kho"}}, []int64{id["chi"]}},
		{"group and department intersect", Audience{Groups: []string{"CSKHStaff"}, Departments: []string{"Kho"}}, nil},
		{"shop", Audience{Shops: []string{"ShopA"}}, []int64{id["an"], id["chi"]}},
		{"shop ALL", Audience{Shops: []string{"ALL"}, Departments: []string{"CSKH"}}, []int64{id["an"], id["binh"]}},
		{"user ids", Audience{UserIDs: []int64{id["binh"], id["dung"]}}, []int64{id["binh"]}},
		{"group and user ids", Audience{Groups: []string{"ShopA"}, UserIDs: []int64{id["an"], id["binh"]}}, []int64{id["an"]}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := f.users.ResolveAudience(ctx, db, tc.in)
			if err != nil {
				t.Fatalf("ResolveAudience: %v", err)
			}
			if len(got) == 0 && len(tc.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNotificationStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	f := seedAudience(t, db)
	store := NewNotificationStore(db)

	collapse := "ticket_count"
	first := &Notification{Action: "badge_update", CollapseID: &collapse}
	second := &Notification{Action: "badge_update", CollapseID: &collapse}
	recipients := []int64{f.ids["an"], f.ids["binh"]}

	for _, n := range []*Notification{first, second} {
		err := store.WithTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := store.CancelPendingByCollapse(ctx, tx, collapse); err != nil {
				return err
			}
			if err := store.InsertNotification(ctx, tx, n); err != nil {
				return err
			}
			inserted, err := store.InsertDeliveries(ctx, tx, n.ID, recipients, []string{ChannelInApp, ChannelWebPush})
			if err != nil {
				return err
			}
			if inserted != 4 {
				t.Errorf("inserted = %d, want 4", inserted)
			}
			// Lặp lại cùng bộ: không chèn thêm
			again, err := store.InsertDeliveries(ctx, tx, n.ID, recipients, []string{ChannelInApp})
			if err != nil {
				return err
			}
			if again != 0 {
				t.Errorf("duplicate insert = %d, want 0", again)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("emit tx: %v", err)
		}
	}

	list, err := store.ListByCollapse(ctx, collapse)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListByCollapse = %v, %v", list, err)
	}
	if list[0].Status != NotificationCancelled || list[1].Status != NotificationPending {
		t.Fatalf("statuses = %s, %s", list[0].Status, list[1].Status)
	}

	pending, err := store.ListPending(ctx, PendingFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 4 {
		t.Fatalf("pending = %d, want 4 (cancelled excluded)", len(pending))
	}
	for i := 1; i < len(pending); i++ {
		if pending[i].ID <= pending[i-1].ID {
			t.Fatal("pending not FIFO")
		}
	}
	if limited, _ := store.ListPending(ctx, PendingFilter{Limit: 1}); len(limited) != 1 {
		t.Fatalf("limit ignored: %d", len(limited))
	}

	ok, err := store.MarkDelivery(ctx, pending[0].ID, DeliveryOutcome{
		Status: DeliverySent, Metadata: []byte(`{"method":"in_app"}`), SentAt: time.Now(),
	})
	if err != nil || !ok {
		t.Fatalf("MarkDelivery = %v, %v", ok, err)
	}
	if ok, _ := store.MarkDelivery(ctx, pending[0].ID, DeliveryOutcome{Status: DeliveryFailed}); ok {
		t.Fatal("second MarkDelivery must not overwrite")
	}
	store.MarkDelivery(ctx, pending[1].ID, DeliveryOutcome{Status: DeliveryFailed, ErrorMessage: "boom"})

	counts, err := store.DeliveryCounts(ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts[DeliverySent] != 1 || counts[DeliveryFailed] != 1 || counts[DeliveryPending] != 2 {
		t.Fatalf("counts = %v", counts)
	}

	if err := store.FinalizeNotification(ctx, second.ID, NotificationFailed, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if err := store.FinalizeNotification(ctx, first.ID, NotificationSent, time.Now()); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetNotification(ctx, second.ID)
	if got.Status != NotificationFailed || got.SentAt != nil {
		t.Fatalf("second = %+v", got)
	}
	got, _ = store.GetNotification(ctx, first.ID)
	if got.Status != NotificationCancelled {
		t.Fatalf("cancelled notification was finalized: %s", got.Status)
	}
	if missing, err := store.GetNotification(ctx, 999); err != nil || missing != nil {
		t.Fatalf("GetNotification missing = %v, %v", missing, err)
	}
}

func TestNotificationStoreScheduled(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	f := seedAudience(t, db)
	store := NewNotificationStore(db)

	now := time.Now()
	future := now.Add(time.Minute).UnixMilli()
	n := &Notification{Title: "Nhắc", Action: "reminder", ScheduledAt: &future}
	err := store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := store.InsertNotification(ctx, tx, n); err != nil {
			return err
		}
		_, err := store.InsertDeliveries(ctx, tx, n.ID, []int64{f.ids["an"]}, []string{ChannelInApp})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	if pending, _ := store.ListPending(ctx, PendingFilter{Now: now}); len(pending) != 0 {
		t.Fatalf("future delivery drained early: %d", len(pending))
	}
	if due, _ := store.ListDueScheduled(ctx, now); len(due) != 0 {
		t.Fatalf("due too early: %v", due)
	}

	at := now.Add(61 * time.Second)
	due, err := store.ListDueScheduled(ctx, at)
	if err != nil || len(due) != 1 || due[0] != n.ID {
		t.Fatalf("ListDueScheduled = %v, %v", due, err)
	}
	pending, err := store.ListPending(ctx, PendingFilter{NotificationID: n.ID, Now: at})
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListPending = %v, %v", pending, err)
	}
}

func TestSubscriptionStore(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	f := seedAudience(t, db)
	subs := NewSubscriptionStore(db)

	userID := f.ids["an"]
	fcmID, err := subs.Add(ctx, Subscription{UserID: userID, DeviceType: "android", FCMToken: "tok"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := subs.Add(ctx, Subscription{UserID: userID, Endpoint: "https://push/1", P256dh: "p", Auth: "a"}); err != nil {
		t.Fatal(err)
	}

	active, err := subs.ListActive(ctx, userID)
	if err != nil || len(active) != 2 {
		t.Fatalf("ListActive = %v, %v", active, err)
	}
	if err := subs.Deactivate(ctx, fcmID); err != nil {
		t.Fatal(err)
	}
	active, _ = subs.ListActive(ctx, userID)
	if len(active) != 1 || active[0].Endpoint != "https://push/1" || !active[0].IsActive {
		t.Fatalf("after deactivate = %+v", active)
	}
}

func TestMongoTokenStore(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	store, err := NewMongoTokenStore(ctx, uri, "agent_sapo_test")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close(ctx)

	now := time.UnixMilli(time.Now().UnixMilli())
	tokens := []session.Token{
		{Scope: session.ScopeCore, Headers: map[string]string{"Cookie": "sid=1"}, AcquiredAt: now, ExpiresAt: now.Add(time.Hour)},
		{Scope: session.ScopeMarketplace, Headers: map[string]string{"X-A": "b"}, AcquiredAt: now, ExpiresAt: now.Add(time.Hour)},
	}
	if err := store.SaveAll(ctx, tokens); err != nil {
		t.Fatal(err)
	}
	got, err := store.Load(ctx, session.ScopeMarketplace)
	if err != nil || got == nil || got.Headers["X-A"] != "b" {
		t.Fatalf("Load = %+v, %v", got, err)
	}
}
