package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"agent_sapo/app/integrations"
	apputility "agent_sapo/app/utility"
	"agent_sapo/utility/httpclient"

	"github.com/go-chi/chi/v5"
)

// ProductMetaEditor đọc/ghi metadata mở rộng của product
type ProductMetaEditor interface {
	Get(ctx context.Context, productID int64) (*apputility.ProductMeta, string, error)
	Save(ctx context.Context, productID int64, meta *apputility.ProductMeta) error
}

// PromotionReader đọc chương trình khuyến mãi
type PromotionReader interface {
	ListPrograms(ctx context.Context, statuses string, page, limit int) (map[string]interface{}, error)
	GetProgram(ctx context.Context, programID int64) (map[string]interface{}, error)
	GetProgramConditions(ctx context.Context, programID int64) (map[string]interface{}, error)
}

// writeUpstreamError: 404 của Sapo giữ nguyên, mọi lỗi khác là 502
func writeUpstreamError(w http.ResponseWriter, err error) {
	var httpErr *httpclient.HTTPError
	if errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound {
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}
	WriteError(w, http.StatusBadGateway, ErrCodeUpstream, err.Error())
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (h *handler) getProductMeta(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeBadRequest(w, "product id không hợp lệ")
		return
	}
	meta, remainder, err := h.deps.ProductMeta.Get(r.Context(), id)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"product_id":  id,
		"meta":        meta,
		"description": remainder,
	})
}

func (h *handler) putProductMeta(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeBadRequest(w, "product id không hợp lệ")
		return
	}
	var meta apputility.ProductMeta
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		writeBadRequest(w, "body không phải JSON hợp lệ: "+err.Error())
		return
	}
	if err := h.deps.ProductMeta.Save(r.Context(), id, &meta); err != nil {
		writeUpstreamError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"product_id": id, "saved": true})
}

func (h *handler) listPromotions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	res, err := h.deps.Promotions.ListPrograms(r.Context(), q.Get("statuses"), page, limit)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// getPromotion gộp chi tiết chương trình và điều kiện vào một response
func (h *handler) getPromotion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeBadRequest(w, "promotion id không hợp lệ")
		return
	}
	program, err := h.deps.Promotions.GetProgram(r.Context(), id)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	conditions, err := h.deps.Promotions.GetProgramConditions(r.Context(), id)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"promotion_program": program["promotion_program"],
		"condition_items":   conditions["condition_items"],
	})
}

// MarketplaceOps là phần của SapoMarketplace mà API dùng
type MarketplaceOps interface {
	ListOrders(ctx context.Context, filters integrations.Filters) (map[string]interface{}, error)
	SyncOrders(ctx context.Context, orderIDs []int64) (map[string]interface{}, error)
	ListFeedbacks(ctx context.Context, filters integrations.Filters) (map[string]interface{}, error)
	ReplyFeedback(ctx context.Context, feedbackID int64, content string) (map[string]interface{}, error)
}

// queryFilters chuyển query string thành Filters, giá trị lặp lại chỉ lấy giá trị đầu
func queryFilters(r *http.Request) integrations.Filters {
	f := integrations.Filters{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			f[key] = values[0]
		}
	}
	return f
}

func (h *handler) listMarketplaceOrders(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Marketplace.ListOrders(r.Context(), queryFilters(r))
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (h *handler) syncMarketplaceOrders(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderIDs []int64 `json:"order_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "body không phải JSON hợp lệ: "+err.Error())
		return
	}
	if len(req.OrderIDs) == 0 {
		writeBadRequest(w, "order_ids là bắt buộc")
		return
	}
	res, err := h.deps.Marketplace.SyncOrders(r.Context(), req.OrderIDs)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (h *handler) listFeedbacks(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Marketplace.ListFeedbacks(r.Context(), queryFilters(r))
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (h *handler) replyFeedback(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeBadRequest(w, "feedback id không hợp lệ")
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "body không phải JSON hợp lệ: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeBadRequest(w, "content là bắt buộc")
		return
	}
	res, err := h.deps.Marketplace.ReplyFeedback(r.Context(), id, req.Content)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}
