package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"agent_sapo/app/session"
	"agent_sapo/utility/httpclient"
)

type recordedCall struct {
	scope  session.Scope
	method string
	path   string
	opts   httpclient.Options
}

type fakeRequester struct {
	calls    []recordedCall
	response map[string]interface{}
	raw      []byte
	err      error
}

func (f *fakeRequester) RequestJSON(ctx context.Context, scope session.Scope, method, path string, opts httpclient.Options) (map[string]interface{}, error) {
	f.calls = append(f.calls, recordedCall{scope, method, path, opts})
	if f.err != nil {
		return nil, f.err
	}
	if f.response == nil {
		return map[string]interface{}{}, nil
	}
	return f.response, nil
}

func (f *fakeRequester) RequestRaw(ctx context.Context, scope session.Scope, method, path string, opts httpclient.Options) ([]byte, error) {
	f.calls = append(f.calls, recordedCall{scope, method, path, opts})
	return f.raw, f.err
}

func (f *fakeRequester) last(t *testing.T) recordedCall {
	t.Helper()
	if len(f.calls) == 0 {
		t.Fatal("no request issued")
	}
	return f.calls[len(f.calls)-1]
}

func decode(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	out := map[string]interface{}{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestSapoCorePaths(t *testing.T) {
	ctx := context.Background()
	f := &fakeRequester{}
	core := NewSapoCore(f)

	cases := []struct {
		name   string
		call   func() error
		method string
		path   string
	}{
		{"order", func() error { _, err := core.GetOrder(ctx, 7); return err }, http.MethodGet, "orders/7.json"},
		{"customer", func() error { _, err := core.GetCustomer(ctx, 3); return err }, http.MethodGet, "customers/3.json"},
		{"variant", func() error { _, err := core.GetVariant(ctx, 11); return err }, http.MethodGet, "variants/11.json"},
		{"provider", func() error { _, err := core.GetDeliveryProvider(ctx, 5); return err }, http.MethodGet, "delivery_service_providers/5.json"},
		{"shipments", func() error { _, err := core.ListShipments(ctx, Filters{"page": "1"}); return err }, http.MethodGet, "shipments.json"},
		{"order sources", func() error { _, err := core.ListOrderSources(ctx, nil); return err }, http.MethodGet, "order_sources.json"},
		{"brands search", func() error { _, err := core.SearchBrands(ctx, Filters{"query": "x"}); return err }, http.MethodGet, "brands/search.json"},
		{"address", func() error {
			_, err := core.UpdateCustomerAddress(ctx, 3, 9, map[string]interface{}{"city": "HN"})
			return err
		}, http.MethodPut, "customers/3/addresses/9.json"},
		{"supplier address", func() error {
			_, err := core.UpdateSupplierAddress(ctx, 4, 8, map[string]interface{}{})
			return err
		}, http.MethodPut, "suppliers/4/addresses/8.json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); err != nil {
				t.Fatal(err)
			}
			got := f.last(t)
			if got.scope != session.ScopeCore || got.method != tc.method || got.path != tc.path {
				t.Fatalf("got %s %s %s", got.scope, got.method, got.path)
			}
		})
	}
}

func TestSapoCoreUpdateProductWrapsBody(t *testing.T) {
	f := &fakeRequester{}
	core := NewSapoCore(f)
	if _, err := core.UpdateProduct(context.Background(), 42, map[string]interface{}{"description": "mô tả"}); err != nil {
		t.Fatal(err)
	}
	body, _ := json.Marshal(f.last(t).opts.Body)
	if string(body) != `{"product":{"description":"mô tả"}}` {
		t.Fatalf("body = %s", body)
	}
}

func TestSapoCoreUpdateShipmentNoteUsesForm(t *testing.T) {
	f := &fakeRequester{}
	core := NewSapoCore(f)
	if _, err := core.UpdateShipmentNote(context.Background(), 55, "giao giờ hành chính"); err != nil {
		t.Fatal(err)
	}
	got := f.last(t)
	if got.method != http.MethodPost || got.path != "shipments/update" {
		t.Fatalf("got %s %s", got.method, got.path)
	}
	if got.opts.Body != nil || got.opts.Form.Get("id") != "55" || got.opts.Form.Get("note") != "giao giờ hành chính" {
		t.Fatalf("form = %v body = %v", got.opts.Form, got.opts.Body)
	}
}

func TestSapoCoreGetOrderByReference(t *testing.T) {
	ctx := context.Background()
	f := &fakeRequester{response: decode(t, `{"orders":[{"id":1,"reference_number":"R1"}]}`)}
	core := NewSapoCore(f)

	order, err := core.GetOrderByReference(ctx, "R1")
	if err != nil || order == nil || order["reference_number"] != "R1" {
		t.Fatalf("order = %v, %v", order, err)
	}
	params := f.last(t).opts.Params
	if params["query"] != "R1" || params["limit"] != "1" || params["page"] != "1" {
		t.Fatalf("params = %v", params)
	}

	f.response = decode(t, `{"orders":[]}`)
	if order, err := core.GetOrderByReference(ctx, "none"); err != nil || order != nil {
		t.Fatalf("missing order = %v, %v", order, err)
	}
}

func TestSapoCorePassesErrorsThrough(t *testing.T) {
	want := &httpclient.HTTPError{Status: 404, Body: "not found"}
	core := NewSapoCore(&fakeRequester{err: want})
	_, err := core.GetProduct(context.Background(), 1)
	var httpErr *httpclient.HTTPError
	if !errors.As(err, &httpErr) || httpErr != want {
		t.Fatalf("err = %v", err)
	}
}

func TestSapoCoreDownloadRaw(t *testing.T) {
	f := &fakeRequester{raw: []byte("%PDF")}
	core := NewSapoCore(f)
	b, err := core.DownloadRaw(context.Background(), "orders/1/print.json", nil)
	if err != nil || string(b) != "%PDF" {
		t.Fatalf("raw = %q, %v", b, err)
	}
}

func TestSapoMarketplaceListOrdersAddsAccount(t *testing.T) {
	f := &fakeRequester{}
	mp := NewSapoMarketplace(f, "319911", "10925,155174")
	if _, err := mp.ListOrders(context.Background(), Filters{"page": "2", "limit": "50"}); err != nil {
		t.Fatal(err)
	}
	got := f.last(t)
	if got.scope != session.ScopeMarketplace || got.path != "v2/orders" {
		t.Fatalf("got %s %s", got.scope, got.path)
	}
	want := map[string]string{"page": "2", "limit": "50", "connectionIds": "10925,155174", "accountId": "319911"}
	for k, v := range want {
		if got.opts.Params[k] != v {
			t.Fatalf("param %s = %q, want %q", k, got.opts.Params[k], v)
		}
	}
}

func TestSapoMarketplaceInitConfirm(t *testing.T) {
	f := &fakeRequester{}
	mp := NewSapoMarketplace(f, "319911", "")
	if _, err := mp.InitConfirm(context.Background(), []int64{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	got := f.last(t)
	if got.path != "v2/orders/confirm/init" || got.opts.Params["ids"] != "1,2,3" || got.opts.Params["accountId"] != "319911" {
		t.Fatalf("got %s %v", got.path, got.opts.Params)
	}
	if _, err := mp.InitConfirm(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty ids")
	}
}

func TestSapoMarketplaceConfirmOrdersBody(t *testing.T) {
	f := &fakeRequester{}
	mp := NewSapoMarketplace(f, "319911", "")
	_, err := mp.ConfirmOrders(context.Background(), []ConfirmRequest{{
		ConnectionID:   134366,
		OrderModels:    []ConfirmOrderModel{{OrderID: 803738354, PickupTimeID: "1763456400"}},
		ShopeeLogistic: &ShopeeLogistic{PickUpType: 1, AddressID: 200033410},
	}})
	if err != nil {
		t.Fatal(err)
	}
	got := f.last(t)
	if got.method != http.MethodPut || got.path != "v2/orders/confirm" || got.opts.Params["accountId"] != "319911" {
		t.Fatalf("got %s %s %v", got.method, got.path, got.opts.Params)
	}
	body, _ := json.Marshal(got.opts.Body)
	want := `{"confirm_order_request_model":[{"connection_id":134366,"order_models":[{"order_id":803738354,"pickup_time_id":"1763456400"}],"shopee_logistic":{"pick_up_type":1,"address_id":200033410}}]}`
	if string(body) != want {
		t.Fatalf("body = %s", body)
	}
}

func TestSapoMarketplaceFeedbacks(t *testing.T) {
	f := &fakeRequester{}
	mp := NewSapoMarketplace(f, "319911", "10925")
	if _, err := mp.ListFeedbacks(context.Background(), Filters{"rating": "1,2"}); err != nil {
		t.Fatal(err)
	}
	if got := f.last(t); got.path != "feedbacks/filter" || got.opts.Params["tenantId"] != "319911" || got.opts.Params["rating"] != "1,2" {
		t.Fatalf("got %s %v", got.path, got.opts.Params)
	}
	if _, err := mp.ReplyFeedback(context.Background(), 77, "Cảm ơn bạn"); err != nil {
		t.Fatal(err)
	}
	if got := f.last(t); got.method != http.MethodPost || got.path != "feedbacks/77/reply" {
		t.Fatalf("got %s %s", got.method, got.path)
	}
}

func TestSapoPromotionDefaults(t *testing.T) {
	f := &fakeRequester{}
	p := NewSapoPromotion(f)
	if _, err := p.ListPrograms(context.Background(), "", 0, 500); err != nil {
		t.Fatal(err)
	}
	got := f.last(t)
	if got.scope != session.ScopeCore || got.path != "promotion_programs_v2/list.json" {
		t.Fatalf("got %s %s", got.scope, got.path)
	}
	if got.opts.Params["statuses"] != "active" || got.opts.Params["limit"] != "100" || got.opts.Params["page"] != "1" {
		t.Fatalf("params = %v", got.opts.Params)
	}
	if _, err := p.GetProgramConditions(context.Background(), 256528); err != nil {
		t.Fatal(err)
	}
	if got := f.last(t); got.path != "promotion_programs_v2/256528/conditions.json" {
		t.Fatalf("path = %s", got.path)
	}
}

func TestListOfAndObjectOf(t *testing.T) {
	data := decode(t, `{"orders":[{"id":1},"bad",{"id":2}],"order":{"id":3},"none":null}`)
	if got := ListOf(data, "orders"); len(got) != 2 {
		t.Fatalf("ListOf = %v", got)
	}
	if got := ListOf(data, "none"); got == nil || len(got) != 0 {
		t.Fatalf("ListOf null = %v", got)
	}
	if got := ObjectOf(data, "order"); got["id"] != float64(3) {
		t.Fatalf("ObjectOf = %v", got)
	}
	if got := ObjectOf(data, "missing"); got != nil {
		t.Fatalf("ObjectOf missing = %v", got)
	}
}
