package integrations

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"agent_sapo/app/session"
	"agent_sapo/utility/httpclient"
)

// PromotionMaxLimit là số chương trình tối đa mỗi trang Sapo chấp nhận
const PromotionMaxLimit = 100

// SapoPromotion đọc chương trình khuyến mãi (Admin API, scope core)
type SapoPromotion struct {
	r Requester
}

// NewSapoPromotion tạo repository khuyến mãi
func NewSapoPromotion(r Requester) *SapoPromotion {
	return &SapoPromotion{r: r}
}

// ListPrograms lấy một trang chương trình: {"promotion_list": [...], "metadata": {...}}
// statuses rỗng = "active"; limit ngoài (0, 100] được đưa về 100.
func (p *SapoPromotion) ListPrograms(ctx context.Context, statuses string, page, limit int) (map[string]interface{}, error) {
	if statuses == "" {
		statuses = "active"
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > PromotionMaxLimit {
		limit = PromotionMaxLimit
	}
	return p.r.RequestJSON(ctx, session.ScopeCore, http.MethodGet, "promotion_programs_v2/list.json", httpclient.Options{
		Params: map[string]string{
			"page":     strconv.Itoa(page),
			"limit":    strconv.Itoa(limit),
			"statuses": statuses,
		},
	})
}

// GetProgram lấy chi tiết chương trình: {"promotion_program": {...}}
func (p *SapoPromotion) GetProgram(ctx context.Context, programID int64) (map[string]interface{}, error) {
	return p.r.RequestJSON(ctx, session.ScopeCore, http.MethodGet, fmt.Sprintf("promotion_programs_v2/%d.json", programID), httpclient.Options{})
}

// GetProgramConditions lấy điều kiện và quà tặng: {"condition_items": [...]}
func (p *SapoPromotion) GetProgramConditions(ctx context.Context, programID int64) (map[string]interface{}, error) {
	return p.r.RequestJSON(ctx, session.ScopeCore, http.MethodGet, fmt.Sprintf("promotion_programs_v2/%d/conditions.json", programID), httpclient.Options{})
}
