/*
Package api là HTTP API nội bộ cho vận hành: xem trạng thái session/job,
tạo notification, kích hoạt drain, nạp lại catalog và sync product.
Mọi route trừ /healthz và /metrics yêu cầu header "Authorization: Bearer <API_TOKEN>".
*/
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"agent_sapo/app/jobs"
	"agent_sapo/app/scheduler"
	"agent_sapo/app/services"
	"agent_sapo/app/session"
	"agent_sapo/utility/logger"
	"agent_sapo/utility/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SessionController là phần của session.Manager mà API dùng
type SessionController interface {
	Status() []session.ScopeStatus
	Invalidate(scope session.Scope)
}

// Notifier tạo notification
type Notifier interface {
	Emit(ctx context.Context, p services.EmitParams) (*services.EmitResult, error)
}

// Drainer xử lý delivery pending
type Drainer interface {
	ProcessPending(ctx context.Context, opts services.DrainOptions) (*services.DrainResult, error)
}

// CatalogController nạp lại catalog
type CatalogController interface {
	ForceReload(ctx context.Context) error
	Stats() services.CatalogStats
}

// JobRunner là phần của Scheduler mà API dùng
type JobRunner interface {
	Status() []scheduler.JobMetadata
	RunNow(name string) error
}

// Deps là các thành phần mà router cần.
// ProductMeta, Promotions và Marketplace có thể nil: khi đó các route tương ứng không được đăng ký.
type Deps struct {
	Token       string
	Sessions    SessionController
	Notifier    Notifier
	Drainer     Drainer
	Catalog     CatalogController
	Jobs        JobRunner
	ProductMeta ProductMetaEditor
	Promotions  PromotionReader
	Marketplace MarketplaceOps
	System      *services.SystemInfoCollector
}

type handler struct {
	deps Deps
	log  *logrus.Logger
}

// NewRouter tạo chi router với đủ các route của ops API
func NewRouter(deps Deps) chi.Router {
	h := &handler{deps: deps, log: logger.GetLogger("api")}

	r := chi.NewRouter()
	r.Use(h.requestID)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(h.bearerAuth)

		r.Get("/sessions", h.listSessions)
		r.Post("/sessions/{scope}/invalidate", h.invalidateSession)

		r.Post("/notifications", h.emitNotification)
		r.Post("/notifications/process", h.processNotifications)

		r.Get("/catalog", h.catalogStats)
		r.Post("/catalog/reload", h.reloadCatalog)

		r.Post("/products/sync", h.syncProducts)
		if deps.ProductMeta != nil {
			r.Get("/products/{id}/meta", h.getProductMeta)
			r.Put("/products/{id}/meta", h.putProductMeta)
		}
		if deps.Promotions != nil {
			r.Get("/promotions", h.listPromotions)
			r.Get("/promotions/{id}", h.getPromotion)
		}
		if deps.Marketplace != nil {
			r.Get("/marketplace/orders", h.listMarketplaceOrders)
			r.Post("/marketplace/orders/sync", h.syncMarketplaceOrders)
			r.Get("/marketplace/feedbacks", h.listFeedbacks)
			r.Post("/marketplace/feedbacks/{id}/reply", h.replyFeedback)
		}

		r.Get("/jobs", h.listJobs)
		r.Post("/jobs/{name}/run", h.runJob)
	})
	return r
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

// requestID gắn X-Request-ID (nhận từ client hoặc sinh mới) vào context và response
func (h *handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (h *handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		entry := logger.WithRequestID(h.log, requestIDFrom(r.Context())).WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if ww.Status() >= 500 {
			entry.Error("❌ API request lỗi")
			return
		}
		entry.Debug("API request")
	})
}

// bearerAuth so khớp token cố định; API_TOKEN rỗng thì khóa mọi route được bảo vệ
func (h *handler) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.deps.Token == "" {
			WriteError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "API_TOKEN chưa được cấu hình")
			return
		}
		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
			subtle.ConstantTimeCompare([]byte(parts[1]), []byte(h.deps.Token)) != 1 {
			WriteError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "token không hợp lệ")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if h.deps.System != nil {
		body["system"] = h.deps.System.Collect()
	}
	WriteJSON(w, http.StatusOK, body)
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{"sessions": h.deps.Sessions.Status()})
}

func (h *handler) invalidateSession(w http.ResponseWriter, r *http.Request) {
	scope, err := session.ParseScope(chi.URLParam(r, "scope"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	h.deps.Sessions.Invalidate(scope)
	WriteJSON(w, http.StatusOK, map[string]interface{}{"scope": scope, "invalidated": true})
}

func (h *handler) emitNotification(w http.ResponseWriter, r *http.Request) {
	var p services.EmitParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeBadRequest(w, "body không phải JSON hợp lệ: "+err.Error())
		return
	}
	if p.Action == "" {
		writeBadRequest(w, "action là bắt buộc")
		return
	}
	res, err := h.deps.Notifier.Emit(r.Context(), p)
	if err != nil {
		logger.WithRequestID(h.log, requestIDFrom(r.Context())).WithError(err).Error("❌ Emit notification qua API thất bại")
		writeInternalError(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, res)
}

type processRequest struct {
	Limit          int   `json:"limit"`
	NotificationID int64 `json:"notification_id"`
	TimeoutSeconds int   `json:"timeout_seconds"`
}

func (h *handler) processNotifications(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "body không phải JSON hợp lệ: "+err.Error())
			return
		}
	}
	if req.Limit < 0 || req.TimeoutSeconds < 0 {
		writeBadRequest(w, "limit và timeout_seconds không được âm")
		return
	}
	res, err := h.deps.Drainer.ProcessPending(r.Context(), services.DrainOptions{
		Limit:          req.Limit,
		NotificationID: req.NotificationID,
		OverallTimeout: time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (h *handler) catalogStats(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.deps.Catalog.Stats())
}

func (h *handler) reloadCatalog(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Catalog.ForceReload(r.Context()); err != nil {
		writeInternalError(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, h.deps.Catalog.Stats())
}

func (h *handler) syncProducts(w http.ResponseWriter, r *http.Request) {
	h.startJob(w, r, jobs.ProductSyncJobName)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{"jobs": h.deps.Jobs.Status()})
}

func (h *handler) runJob(w http.ResponseWriter, r *http.Request) {
	h.startJob(w, r, chi.URLParam(r, "name"))
}

// startJob chạy job ở background và trả về 202 ngay; job đang chạy trả về 409
func (h *handler) startJob(w http.ResponseWriter, r *http.Request, name string) {
	var meta *scheduler.JobMetadata
	for _, m := range h.deps.Jobs.Status() {
		if m.Name == name {
			m := m
			meta = &m
			break
		}
	}
	if meta == nil {
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "không tìm thấy job "+name)
		return
	}
	if meta.Status == scheduler.JobStatusRunning {
		WriteError(w, http.StatusConflict, ErrCodeConflict, "job "+name+" đang chạy")
		return
	}

	entry := logger.WithRequestID(h.log, requestIDFrom(r.Context())).WithField("job_name", name)
	go func() {
		if err := h.deps.Jobs.RunNow(name); err != nil && !errors.Is(err, scheduler.ErrJobRunning) {
			entry.WithError(err).Warn("⚠️ Job chạy theo yêu cầu thất bại")
		}
	}()
	entry.Info("▶️ Đã kích hoạt job theo yêu cầu")
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{"job": name, "started": true})
}
