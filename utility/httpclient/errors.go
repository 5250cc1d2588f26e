package httpclient

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
)

// bodySnippetLimit giới hạn số ký tự body được giữ lại trong HTTPError và log
const bodySnippetLimit = 200

// TimeoutError là lỗi khi một request vượt quá timeout của chính nó
type TimeoutError struct {
	Method string
	URL    string
	Err    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout khi gọi %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ConnectionError là lỗi kết nối (connection refused, reset, EOF giữa chừng, DNS...)
type ConnectionError struct {
	Method string
	URL    string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("lỗi kết nối khi gọi %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// HTTPError là phản hồi 4xx/5xx từ server. Không bao giờ được retry.
type HTTPError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s trả về mã lỗi %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// DecodeError là lỗi khi body không phải JSON hợp lệ
type DecodeError struct {
	URL     string
	Snippet string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("không thể parse JSON từ %s: %v (body: %q)", e.URL, e.Err, e.Snippet)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsStatus kiểm tra err có phải HTTPError với một trong các status đã cho
func IsStatus(err error, statuses ...int) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	for _, s := range statuses {
		if httpErr.Status == s {
			return true
		}
	}
	return false
}

// classifyTransportError phân loại lỗi từ http.Client.Do thành TimeoutError,
// ConnectionError hoặc trả nguyên lỗi gốc (không retry).
func classifyTransportError(method, rawURL string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return &TimeoutError{Method: method, URL: rawURL, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Method: method, URL: rawURL, Err: err}
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &opErr),
		errors.As(err, &dnsErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return &ConnectionError{Method: method, URL: rawURL, Err: err}
	}
	return err
}

// snippet cắt chuỗi về tối đa n rune
func snippet(b []byte, n int) string {
	r := []rune(string(b))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n])
}
