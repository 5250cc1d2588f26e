package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agent_sapo/app/jobs"
	"agent_sapo/app/scheduler"
	"agent_sapo/app/services"
	"agent_sapo/app/session"
	apputility "agent_sapo/app/utility"
	"agent_sapo/utility/httpclient"
)

const testToken = "s3cret"

type fakeSessions struct{ invalidated []session.Scope }

func (f *fakeSessions) Status() []session.ScopeStatus {
	return []session.ScopeStatus{{Scope: session.ScopeCore, Initialized: true, Valid: true}}
}
func (f *fakeSessions) Invalidate(scope session.Scope) { f.invalidated = append(f.invalidated, scope) }

type fakeNotifier struct{ got services.EmitParams }

func (f *fakeNotifier) Emit(_ context.Context, p services.EmitParams) (*services.EmitResult, error) {
	f.got = p
	return &services.EmitResult{Recipients: 2, Deliveries: 4}, nil
}

type fakeDrainer struct{ opts services.DrainOptions }

func (f *fakeDrainer) ProcessPending(_ context.Context, opts services.DrainOptions) (*services.DrainResult, error) {
	f.opts = opts
	return &services.DrainResult{Processed: 1, Success: 1}, nil
}

type fakeCatalog struct{ reloads int }

func (f *fakeCatalog) ForceReload(context.Context) error { f.reloads++; return nil }
func (f *fakeCatalog) Stats() services.CatalogStats { return services.CatalogStats{Sources: 3} }

type fakeJobs struct {
	status []scheduler.JobMetadata
	ran    chan string
}

func (f *fakeJobs) Status() []scheduler.JobMetadata { return f.status }
func (f *fakeJobs) RunNow(name string) error {
	f.ran <- name
	return nil
}

type fakeMeta struct{ saved *apputility.ProductMeta }

func (f *fakeMeta) Get(_ context.Context, id int64) (*apputility.ProductMeta, string, error) {
	if id == 404 {
		return nil, "", &httpclient.HTTPError{Method: "GET", URL: "products/404.json", Status: http.StatusNotFound}
	}
	return apputility.NewProductMeta([]int64{11}), "mô tả", nil
}

func (f *fakeMeta) Save(_ context.Context, _ int64, meta *apputility.ProductMeta) error {
	f.saved = meta
	return nil
}

type apiEnv struct {
	router   http.Handler
	sessions *fakeSessions
	notifier *fakeNotifier
	drainer  *fakeDrainer
	catalog  *fakeCatalog
	jobs     *fakeJobs
	meta     *fakeMeta
}

func newAPIEnv() *apiEnv {
	env := &apiEnv{
		sessions: &fakeSessions{},
		notifier: &fakeNotifier{},
		drainer:  &fakeDrainer{},
		catalog:  &fakeCatalog{},
		jobs: &fakeJobs{
			status: []scheduler.JobMetadata{
				{Name: jobs.ProductSyncJobName, Status: scheduler.JobStatusCompleted},
				{Name: jobs.NotificationJobName, Status: scheduler.JobStatusRunning},
			},
			ran: make(chan string, 1),
		},
		meta: &fakeMeta{},
	}
	env.router = NewRouter(Deps{
		Token:       testToken,
		Sessions:    env.sessions,
		Notifier:    env.notifier,
		Drainer:     env.drainer,
		Catalog:     env.catalog,
		Jobs:        env.jobs,
		ProductMeta: env.meta,
		System:      services.NewSystemInfoCollector(),
	})
	return env
}

func (e *apiEnv) do(method, path, body string, auth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthzIsPublic(t *testing.T) {
	env := newAPIEnv()
	rec := env.do(http.MethodGet, "/healthz", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
}

func TestBearerGuard(t *testing.T) {
	env := newAPIEnv()
	if rec := env.do(http.MethodGet, "/sessions", "", false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d", rec.Code)
	}

	if rec := env.do(http.MethodGet, "/sessions", "", true); rec.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d", rec.Code)
	}
}

func TestEmptyTokenLocksProtectedRoutes(t *testing.T) {
	router := NewRouter(Deps{Sessions: &fakeSessions{}})
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestInvalidateSession(t *testing.T) {
	env := newAPIEnv()
	if rec := env.do(http.MethodPost, "/sessions/marketplace/invalidate", "", true); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(env.sessions.invalidated) != 1 || env.sessions.invalidated[0] != session.ScopeMarketplace {
		t.Fatalf("invalidated = %v", env.sessions.invalidated)
	}
	if rec := env.do(http.MethodPost, "/sessions/pos/invalidate", "", true); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown scope: status = %d", rec.Code)
	}
}

func TestEmitNotification(t *testing.T) {
	env := newAPIEnv()
	body := `{"title":"Đơn mới","body":"#1001","action":"order_created","collapse_id":"order-1001","groups":["CSKHStaff"]}`
	rec := env.do(http.MethodPost, "/notifications", body, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if env.notifier.got.CollapseID != "order-1001" || len(env.notifier.got.Groups) != 1 {
		t.Fatalf("params = %+v", env.notifier.got)
	}
	var res services.EmitResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || res.Deliveries != 4 {
		t.Fatalf("result = %+v err=%v", res, err)
	}

	if rec := env.do(http.MethodPost, "/notifications", `{"title":"x"}`, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing action: status = %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/notifications", `{`, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: status = %d", rec.Code)
	}
}

func TestProcessNotifications(t *testing.T) {
	env := newAPIEnv()
	rec := env.do(http.MethodPost, "/notifications/process", `{"limit":10,"notification_id":7,"timeout_seconds":5}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	want := services.DrainOptions{Limit: 10, NotificationID: 7, OverallTimeout: 5 * time.Second}
	if env.drainer.opts != want {
		t.Fatalf("opts = %+v", env.drainer.opts)
	}

	if rec := env.do(http.MethodPost, "/notifications/process", "", true); rec.Code != http.StatusOK {
		t.Fatalf("empty body: status = %d", rec.Code)
	}
	if env.drainer.opts != (services.DrainOptions{}) {
		t.Fatalf("empty body opts = %+v", env.drainer.opts)
	}
}

func TestCatalogReload(t *testing.T) {
	env := newAPIEnv()
	rec := env.do(http.MethodPost, "/catalog/reload", "", true)
	if rec.Code != http.StatusOK || env.catalog.reloads != 1 {
		t.Fatalf("status = %d reloads = %d", rec.Code, env.catalog.reloads)
	}
}

func TestProductSyncStartsJob(t *testing.T) {
	env := newAPIEnv()
	rec := env.do(http.MethodPost, "/products/sync", "", true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	select {
	case name := <-env.jobs.ran:
		if name != jobs.ProductSyncJobName {
			t.Fatalf("ran %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job was not started")
	}
}

func TestRunJobConflictAndNotFound(t *testing.T) {
	env := newAPIEnv()
	if rec := env.do(http.MethodPost, "/jobs/"+jobs.NotificationJobName+"/run", "", true); rec.Code != http.StatusConflict {
		t.Fatalf("running job: status = %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/jobs/unknown-job/run", "", true); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job: status = %d", rec.Code)
	}
}

func TestProductMetaRoutes(t *testing.T) {
	env := newAPIEnv()
	rec := env.do(http.MethodGet, "/products/5/meta", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/products/404/meta", "", true); rec.Code != http.StatusNotFound {
		t.Fatalf("missing product: status = %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/products/abc/meta", "", true); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: status = %d", rec.Code)
	}

	rec = env.do(http.MethodPut, "/products/5/meta", `{"warranty_months":12,"variants":[{"id":11}]}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("put: status = %d body=%s", rec.Code, rec.Body.String())
	}
	if env.meta.saved == nil || env.meta.saved.WarrantyMonths == nil || *env.meta.saved.WarrantyMonths != 12 {
		t.Fatalf("saved = %+v", env.meta.saved)
	}
}

func TestPromotionRoutesAbsentWithoutReader(t *testing.T) {
	env := newAPIEnv()
	if rec := env.do(http.MethodGet, "/promotions", "", true); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMetricsIsPublic(t *testing.T) {
	env := newAPIEnv()
	rec := env.do(http.MethodGet, "/metrics", "", false)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "agent_sapo_notifications_emitted_total") {
		t.Fatalf("status = %d", rec.Code)
	}
}
