/*
Package httpclient cung cấp lớp HTTP dùng chung cho mọi lời gọi upstream (Sapo core,
Sapo marketplace, FCM...).
Lớp này chỉ chứa chính sách: retry có giới hạn với exponential backoff, timeout riêng
cho từng request, log từng lần thử, và giải mã JSON / bytes.
Trạng thái duy nhất là base URL cùng headers/cookies của session.
*/
package httpclient

import (
	"agent_sapo/utility/logger"
	"agent_sapo/utility/metrics"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultRetry      = 3                // Số lần thử mặc định
	DefaultRetryDelay = 1 * time.Second  // Thời gian chờ cơ sở giữa các lần thử
	DefaultTimeout    = 30 * time.Second // Timeout mặc định cho mỗi lần thử
)

// hotPathPrefixes là các path cần log [PERF] ở mức INFO
var hotPathPrefixes = []string{"orders", "variants"}

// Options là tham số cho một request
type Options struct {
	Params     map[string]string // Query params
	Body       interface{}       // Body JSON (marshal tự động)
	Form       url.Values        // Body dạng form (application/x-www-form-urlencoded)
	Headers    map[string]string // Header bổ sung cho riêng request này
	Timeout    time.Duration     // Timeout cho mỗi lần thử, 0 = DefaultTimeout
	Retry      int               // Tổng số lần thử, 0 = DefaultRetry
	RetryDelay time.Duration     // Thời gian chờ cơ sở, 0 = DefaultRetryDelay
}

// Response là phản hồi đã đọc hết body
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
}

// JSON giải mã body thành map. Body rỗng trả về map rỗng.
func (r *Response) JSON() (map[string]interface{}, error) {
	result := make(map[string]interface{})
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(r.Body, &result); err != nil {
		return make(map[string]interface{}), &DecodeError{URL: r.URL, Snippet: snippet(r.Body, bodySnippetLimit), Err: err}
	}
	return result, nil
}

// HttpClient struct chứa thông tin cấu hình cho HTTP client
type HttpClient struct {
	BaseURL    string       // Base URL của API (ví dụ: "https://sisapsan.mysapogo.com/admin")
	HTTPClient *http.Client // HTTP client từ standard library

	mu         sync.RWMutex
	headers    map[string]string
	jar        *swappableJar
	log        *logrus.Logger
	defaultTTL time.Duration
}

// NewHttpClient tạo một HttpClient mới với base URL và timeout mặc định cho mỗi request
// Tham số:
//   - baseURL: Base URL của API
//   - timeout: Timeout mặc định cho mỗi lần thử (0 = DefaultTimeout)
//
// Trả về:
//   - *HttpClient: Instance mới của HttpClient
func NewHttpClient(baseURL string, timeout time.Duration) *HttpClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	jar := newSwappableJar()
	return &HttpClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		// Timeout được áp dụng qua context cho từng lần thử
		HTTPClient: &http.Client{Jar: jar},
		headers:    make(map[string]string),
		jar:        jar,
		log:        logger.GetLogger("http"),
		defaultTTL: timeout,
	}
}

// SetLogger đổi logger dùng cho client (mặc định logger "http")
func (c *HttpClient) SetLogger(l *logrus.Logger) {
	if l != nil {
		c.log = l
	}
}

// SetHeader thêm hoặc cập nhật một header mặc định
func (c *HttpClient) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[key] = value
}

// ReplaceHeaders thay toàn bộ headers mặc định
func (c *HttpClient) ReplaceHeaders(headers map[string]string) {
	next := make(map[string]string, len(headers))
	for k, v := range headers {
		next[k] = v
	}
	c.mu.Lock()
	c.headers = next
	c.mu.Unlock()
}

// Headers trả về bản sao headers mặc định hiện tại
func (c *HttpClient) Headers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.headers))
	for k, v := range c.headers {
		out[k] = v
	}
	return out
}

// ReplaceCookies thay toàn bộ cookie jar bằng các cookie đã cho (gắn với host của BaseURL)
func (c *HttpClient) ReplaceCookies(cookies map[string]string) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		u = nil
	}
	c.jar.replace(u, cookies)
}

// Cookies trả về các cookie đang được gửi kèm tới BaseURL
func (c *HttpClient) Cookies() map[string]string {
	out := make(map[string]string)
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return out
	}
	for _, ck := range c.jar.Cookies(u) {
		out[ck.Name] = ck.Value
	}
	return out
}

// resolveURL ghép path với BaseURL. Path tuyệt đối (http/https) được giữ nguyên.
func (c *HttpClient) resolveURL(path string, params map[string]string) (*url.URL, error) {
	raw := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		trimmed := strings.TrimLeft(path, "/")
		if trimmed == "" {
			raw = c.BaseURL
		} else {
			raw = c.BaseURL + "/" + trimmed
		}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		query := u.Query()
		for key, value := range params {
			query.Set(key, value)
		}
		u.RawQuery = query.Encode()
	}
	return u, nil
}

func (c *HttpClient) buildBody(opts Options) (io.Reader, string, error) {
	if opts.Form != nil {
		return strings.NewReader(opts.Form.Encode()), "application/x-www-form-urlencoded", nil
	}
	if opts.Body != nil {
		jsonBody, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(jsonBody), "application/json", nil
	}
	return nil, "", nil
}

// Request gửi request với chính sách retry:
//   - ConnectionError: thử tối đa Retry lần, chờ RetryDelay × 2^attempt
//   - TimeoutError: retry đúng 1 lần (nếu Retry > 1) với thời gian chờ RetryDelay
//   - HTTPError (4xx/5xx) và các lỗi khác: không retry
//
// Trả về *Response nếu status 2xx/3xx, ngược lại trả về lỗi đã phân loại.
func (c *HttpClient) Request(ctx context.Context, method, path string, opts Options) (*Response, error) {
	retry := opts.Retry
	if retry <= 0 {
		retry = DefaultRetry
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.defaultTTL
	}

	u, err := c.resolveURL(path, opts.Params)
	if err != nil {
		return nil, err
	}
	fullURL := u.String()
	perf := isHotPath(path)
	timeoutRetried := false

	var lastErr error
	for attempt := 0; attempt < retry; attempt++ {
		start := time.Now()
		resp, err := c.doOnce(ctx, method, fullURL, opts, timeout)
		elapsed := time.Since(start)
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		metrics.ObserveUpstream(u.Host, status, elapsed)

		fields := logrus.Fields{
			"method":     method,
			"url":        fullURL,
			"attempt":    attempt + 1,
			"max":        retry,
			"elapsed_ms": elapsed.Milliseconds(),
		}
		if status > 0 {
			fields["status"] = status
		}
		entry := c.log.WithFields(fields)

		if err == nil {
			if perf {
				entry.Info("[PERF] ⏱️ Upstream request")
			} else {
				entry.Debug("Upstream request")
			}
			if resp.StatusCode >= 400 {
				return nil, &HTTPError{Method: method, URL: fullURL, Status: resp.StatusCode, Body: snippet(resp.Body, bodySnippetLimit)}
			}
			return resp, nil
		}

		// Context của caller bị hủy: không retry
		if ctxErr := ctx.Err(); ctxErr != nil {
			entry.WithError(err).Warn("⚠️ Request bị hủy bởi caller")
			return nil, ctxErr
		}

		lastErr = classifyTransportError(method, fullURL, err)
		switch lastErr.(type) {
		case *TimeoutError:
			if !timeoutRetried && attempt < retry-1 {
				timeoutRetried = true
				entry.WithError(lastErr).Warn("⚠️ Timeout, thử lại một lần")
				if err := sleepCtx(ctx, delay); err != nil {
					return nil, err
				}
				continue
			}
			entry.WithError(lastErr).Error("❌ Timeout, không retry thêm")
			return nil, lastErr
		case *ConnectionError:
			if attempt < retry-1 {
				backoff := delay * time.Duration(1<<uint(attempt))
				entry.WithError(lastErr).WithField("backoff_ms", backoff.Milliseconds()).Warn("⚠️ Lỗi kết nối, thử lại")
				if err := sleepCtx(ctx, backoff); err != nil {
					return nil, err
				}
				continue
			}
			entry.WithError(lastErr).Error("❌ Lỗi kết nối, đã hết số lần thử")
			return nil, lastErr
		default:
			entry.WithError(lastErr).Error("❌ Lỗi transport không retry")
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// doOnce thực hiện một lần thử với timeout riêng và đọc hết body trong thời hạn đó
func (c *HttpClient) doOnce(ctx context.Context, method, fullURL string, opts Options, timeout time.Duration) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, contentType, err := c.buildBody(opts)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, fullURL, body)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	c.mu.RUnlock()
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data, URL: fullURL}, nil
}

// RequestJSON gửi request và giải mã JSON. Body không phải JSON trả về map rỗng kèm cảnh báo.
func (c *HttpClient) RequestJSON(ctx context.Context, method, path string, opts Options) (map[string]interface{}, error) {
	resp, err := c.Request(ctx, method, path, opts)
	if err != nil {
		return nil, err
	}
	result, err := resp.JSON()
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"method": method,
			"url":    resp.URL,
			"body":   snippet(resp.Body, bodySnippetLimit),
		}).Warn("⚠️ Response không phải JSON, trả về map rỗng")
		return result, nil
	}
	return result, nil
}

// Get gửi GET và trả về JSON map
func (c *HttpClient) Get(ctx context.Context, path string, opts Options) (map[string]interface{}, error) {
	return c.RequestJSON(ctx, http.MethodGet, path, opts)
}

// Post gửi POST và trả về JSON map
func (c *HttpClient) Post(ctx context.Context, path string, opts Options) (map[string]interface{}, error) {
	return c.RequestJSON(ctx, http.MethodPost, path, opts)
}

// Put gửi PUT và trả về JSON map
func (c *HttpClient) Put(ctx context.Context, path string, opts Options) (map[string]interface{}, error) {
	return c.RequestJSON(ctx, http.MethodPut, path, opts)
}

// Delete gửi DELETE và trả về JSON map
func (c *HttpClient) Delete(ctx context.Context, path string, opts Options) (map[string]interface{}, error) {
	return c.RequestJSON(ctx, http.MethodDelete, path, opts)
}

// PostForm gửi POST dạng application/x-www-form-urlencoded và trả về JSON map
func (c *HttpClient) PostForm(ctx context.Context, path string, form url.Values, opts Options) (map[string]interface{}, error) {
	opts.Form = form
	return c.RequestJSON(ctx, http.MethodPost, path, opts)
}

// GetRaw gửi GET và trả về bytes chưa giải mã (dùng để tải PDF, ảnh...)
func (c *HttpClient) GetRaw(ctx context.Context, path string, opts Options) ([]byte, error) {
	resp, err := c.Request(ctx, http.MethodGet, path, opts)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func isHotPath(path string) bool {
	p := strings.TrimLeft(path, "/")
	for _, prefix := range hotPathPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
