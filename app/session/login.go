package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"agent_sapo/utility/httpclient"

	"github.com/google/uuid"
)

// Các chuỗi nhận diện request cần bắt trong lần login bằng trình duyệt
const (
	coreCaptureMarker         = "delivery_service_providers.json"
	marketplaceCaptureMarker  = "/v2/orders"
	marketplaceFallbackStaffs = "/api/staffs/"
	marketplaceFallbackScopes = "/scopes"
)

// Credentials là thông tin đăng nhập Sapo cho Driver
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CapturedRequest là một request đi ra mà trình duyệt đã gửi sau khi đăng nhập
type CapturedRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// Driver thực hiện login tương tác: đăng nhập, mở trang core và trang marketplace,
// rồi trả về toàn bộ request đã ghi lại theo thứ tự gửi.
type Driver interface {
	Login(ctx context.Context, creds Credentials) ([]CapturedRequest, error)
}

// DriverFunc cho phép dùng một hàm làm Driver
type DriverFunc func(ctx context.Context, creds Credentials) ([]CapturedRequest, error)

// Login gọi f(ctx, creds)
func (f DriverFunc) Login(ctx context.Context, creds Credentials) ([]CapturedRequest, error) {
	return f(ctx, creds)
}

// HTTPDriver gọi sidecar tự động hóa trình duyệt qua HTTP:
//
//	POST {LOGIN_DRIVER_URL}/login {"username","password","run_id"}
//	→ {"requests":[{"url": "...", "headers": {...}}, ...]}
type HTTPDriver struct {
	client  *httpclient.HttpClient
	timeout time.Duration
}

// NewHTTPDriver tạo driver gọi tới sidecar tại baseURL
func NewHTTPDriver(baseURL string, timeout time.Duration) *HTTPDriver {
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &HTTPDriver{client: httpclient.NewHttpClient(baseURL, timeout), timeout: timeout}
}

type driverLoginResponse struct {
	Requests []CapturedRequest `json:"requests"`
	Error    string            `json:"error"`
}

// Login gửi yêu cầu login tới sidecar. Không retry: một lần chạy trình duyệt đã đủ đắt.
func (d *HTTPDriver) Login(ctx context.Context, creds Credentials) ([]CapturedRequest, error) {
	resp, err := d.client.Request(ctx, http.MethodPost, "login", httpclient.Options{
		Body: map[string]string{
			"username": creds.Username,
			"password": creds.Password,
			"run_id":   uuid.NewString(),
		},
		Timeout: d.timeout,
		Retry:   1,
	})
	if err != nil {
		return nil, err
	}
	var out driverLoginResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, &httpclient.DecodeError{URL: resp.URL, Err: err}
	}
	if out.Error != "" {
		return nil, fmt.Errorf("driver: %s", out.Error)
	}
	return out.Requests, nil
}

// pickCaptures chọn headers cho từng scope từ danh sách request đã bắt:
//   - core: request đầu tiên có URL chứa "delivery_service_providers.json"
//   - marketplace: request đầu tiên chứa "/v2/orders", nếu không có thì request
//     đầu tiên chứa "/api/staffs/" và "/scopes"
func pickCaptures(captured []CapturedRequest) (core, marketplace *CapturedRequest, err error) {
	var fallback *CapturedRequest
	for i := range captured {
		c := &captured[i]
		switch {
		case core == nil && strings.Contains(c.URL, coreCaptureMarker):
			core = c
		case marketplace == nil && strings.Contains(c.URL, marketplaceCaptureMarker):
			marketplace = c
		case fallback == nil && strings.Contains(c.URL, marketplaceFallbackStaffs) && strings.Contains(c.URL, marketplaceFallbackScopes):
			fallback = c
		}
	}
	if core == nil {
		return nil, nil, &LoginFailedError{Reason: "không bắt được request " + coreCaptureMarker}
	}
	if marketplace == nil {
		if fallback == nil {
			return nil, nil, &LoginFailedError{Reason: "không bắt được request /v2/orders hoặc /api/staffs/.../scopes"}
		}
		marketplace = fallback
	}
	return core, marketplace, nil
}
