package integrations

import (
	"context"
	"fmt"
	"net/http"

	"agent_sapo/app/session"
	"agent_sapo/utility/httpclient"
	"agent_sapo/utility/logger"

	"github.com/sirupsen/logrus"
)

// SapoMarketplace là repository cho Market-place API (https://market-place.sapoapps.vn).
// Mọi request gắn accountId; các API list gắn thêm connectionIds của các shop.
type SapoMarketplace struct {
	r             Requester
	accountID     string
	connectionIDs string
	log           *logrus.Logger
}

// NewSapoMarketplace tạo repository Market-place
// Tham số:
//   - accountID: Sapo account id (vd: "319911")
//   - connectionIDs: các connection id của shop, phân tách bởi dấu phẩy
func NewSapoMarketplace(r Requester, accountID, connectionIDs string) *SapoMarketplace {
	return &SapoMarketplace{
		r:             r,
		accountID:     accountID,
		connectionIDs: connectionIDs,
		log:           logger.GetLogger("sapo"),
	}
}

// ConfirmOrderModel là một đơn trong yêu cầu xác nhận
type ConfirmOrderModel struct {
	OrderID      int64  `json:"order_id"`
	PickupTimeID string `json:"pickup_time_id"`
}

// ShopeeLogistic là cách lấy hàng đã chọn cho shop Shopee
type ShopeeLogistic struct {
	PickUpType int   `json:"pick_up_type"`
	AddressID  int64 `json:"address_id"`
}

// ConfirmRequest là yêu cầu xác nhận cho các đơn của một connection (shop)
type ConfirmRequest struct {
	ConnectionID   int64               `json:"connection_id"`
	OrderModels    []ConfirmOrderModel `json:"order_models"`
	ShopeeLogistic *ShopeeLogistic     `json:"shopee_logistic,omitempty"`
}

// ListOrders lấy đơn sàn TMĐT: {"orders": [...], "metadata": {...}}
// Tham số:
//   - filters: page, limit, query, channelOrderStatus, sortBy, orderBy...
func (m *SapoMarketplace) ListOrders(ctx context.Context, filters Filters) (map[string]interface{}, error) {
	params := filters.merge(map[string]string{
		"connectionIds": m.connectionIDs,
		"accountId":     m.accountID,
	})
	m.log.WithField("params", params).Debug("[SapoMarketplace] list orders")
	return m.r.RequestJSON(ctx, session.ScopeMarketplace, http.MethodGet, "v2/orders", httpclient.Options{Params: params})
}

// InitConfirm lấy khung giờ lấy hàng và địa chỉ cho các đơn trước khi xác nhận
func (m *SapoMarketplace) InitConfirm(ctx context.Context, orderIDs []int64) (map[string]interface{}, error) {
	if len(orderIDs) == 0 {
		return nil, fmt.Errorf("InitConfirm: danh sách đơn rỗng")
	}
	m.log.WithField("orders", len(orderIDs)).Info("[SapoMarketplace] init confirm")
	return m.r.RequestJSON(ctx, session.ScopeMarketplace, http.MethodGet, "v2/orders/confirm/init", httpclient.Options{
		Params: map[string]string{
			"accountId": m.accountID,
			"ids":       joinIDs(orderIDs),
		},
	})
}

// ConfirmOrders xác nhận đơn (tìm ship / chuẩn bị hàng), mỗi phần tử là một shop
func (m *SapoMarketplace) ConfirmOrders(ctx context.Context, requests []ConfirmRequest) (map[string]interface{}, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("ConfirmOrders: không có shop nào")
	}
	m.log.WithField("shops", len(requests)).Info("[SapoMarketplace] confirm orders")
	return m.r.RequestJSON(ctx, session.ScopeMarketplace, http.MethodPut, "v2/orders/confirm", httpclient.Options{
		Params: map[string]string{"accountId": m.accountID},
		Body:   map[string]interface{}{"confirm_order_request_model": requests},
	})
}

// SyncOrders yêu cầu Market-place đồng bộ lại các đơn từ sàn
func (m *SapoMarketplace) SyncOrders(ctx context.Context, orderIDs []int64) (map[string]interface{}, error) {
	return m.r.RequestJSON(ctx, session.ScopeMarketplace, http.MethodPut, "v2/orders/sync", httpclient.Options{
		Params: map[string]string{
			"ids":       joinIDs(orderIDs),
			"accountId": m.accountID,
		},
	})
}

// ListProducts lấy sản phẩm đã liên kết từ các sàn
func (m *SapoMarketplace) ListProducts(ctx context.Context, filters Filters) (map[string]interface{}, error) {
	params := filters.merge(map[string]string{
		"connectionIds": m.connectionIDs,
		"accountId":     m.accountID,
	})
	return m.r.RequestJSON(ctx, session.ScopeMarketplace, http.MethodGet, "products/v2/filter", httpclient.Options{Params: params})
}

// ListFeedbacks lấy đánh giá của khách: {"feedbacks": [...], "metadata": {...}}
// Tham số:
//   - filters: page, limit, rating...
func (m *SapoMarketplace) ListFeedbacks(ctx context.Context, filters Filters) (map[string]interface{}, error) {
	params := filters.merge(map[string]string{
		"tenantId":      m.accountID,
		"connectionIds": m.connectionIDs,
	})
	return m.r.RequestJSON(ctx, session.ScopeMarketplace, http.MethodGet, "feedbacks/filter", httpclient.Options{Params: params})
}

// ReplyFeedback gửi phản hồi cho một đánh giá
func (m *SapoMarketplace) ReplyFeedback(ctx context.Context, feedbackID int64, content string) (map[string]interface{}, error) {
	m.log.WithField("feedback_id", feedbackID).Info("[SapoMarketplace] reply feedback")
	return m.r.RequestJSON(ctx, session.ScopeMarketplace, http.MethodPost, fmt.Sprintf("feedbacks/%d/reply", feedbackID), httpclient.Options{
		Body: map[string]interface{}{"content": content},
	})
}
