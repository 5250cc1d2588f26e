/*
Package integrations chứa các repository gọi API Sapo theo từng bề mặt:
  - SapoCore: Admin API (/admin/*.json)
  - SapoMarketplace: Market-place API (đơn sàn TMĐT, xác nhận đơn, feedback)
  - SapoPromotion: chương trình khuyến mãi (promotion_programs_v2)

Repository chỉ đặt tên path, query params và hình dạng payload. Retry, timeout, log
nằm ở utility/httpclient; session nằm ở app/session. Lỗi transport được trả nguyên vẹn.
*/
package integrations

import (
	"context"
	"strconv"
	"strings"

	"agent_sapo/app/session"
	"agent_sapo/utility/httpclient"
)

// Requester gửi request đã xác thực theo scope (session.Manager thỏa mãn interface này)
type Requester interface {
	RequestJSON(ctx context.Context, scope session.Scope, method, path string, opts httpclient.Options) (map[string]interface{}, error)
	RequestRaw(ctx context.Context, scope session.Scope, method, path string, opts httpclient.Options) ([]byte, error)
}

// Filters là query params tùy ý của các API list (page, limit, status, query...)
type Filters map[string]string

func (f Filters) merge(extra map[string]string) map[string]string {
	out := make(map[string]string, len(f)+len(extra))
	for k, v := range f {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// joinIDs nối danh sách id bằng dấu phẩy (ids=a,b,c)
func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ListOf lấy danh sách object dưới key của response ("orders", "products"...).
// Thiếu key hoặc null trả về slice rỗng.
func ListOf(data map[string]interface{}, key string) []map[string]interface{} {
	raw, _ := data[key].([]interface{})
	out := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

// ObjectOf lấy object dưới key của response ("order", "product"...), nil nếu không có
func ObjectOf(data map[string]interface{}, key string) map[string]interface{} {
	m, _ := data[key].(map[string]interface{})
	return m
}
