package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRequestTimeoutRetriedExactlyOnce(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	}))
	defer srv.Close()

	c := NewHttpClient(srv.URL, time.Second)
	start := time.Now()
	_, err := c.Request(context.Background(), http.MethodGet, "orders.json", Options{
		Retry:      5,
		Timeout:    100 * time.Millisecond,
		RetryDelay: 20 * time.Millisecond,
	})
	elapsed := time.Since(start)

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
	if elapsed < 220*time.Millisecond {
		t.Fatalf("elapsed = %v, want >= 2 timeouts + delay", elapsed)
	}
}

func TestRequestTimeoutNotRetriedWithSingleAttempt(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewHttpClient(srv.URL, time.Second)
	_, err := c.Request(context.Background(), http.MethodGet, "x", Options{Retry: 1, Timeout: 50 * time.Millisecond})
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestRequestConnectionErrorRetriedWithBackoff(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Errorf("response writer does not support hijacking")
				return
			}
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewHttpClient(srv.URL, time.Second)
	start := time.Now()
	got, err := c.Get(context.Background(), "customers/1.json", Options{Retry: 3, RetryDelay: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got["ok"] != true {
		t.Fatalf("body = %v, want ok=true", got)
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}
	// 20ms * 2^0 + 20ms * 2^1
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("elapsed = %v, want >= 60ms of backoff", elapsed)
	}
}

func TestRequestConnectionErrorExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewHttpClient(url, time.Second)
	_, err := c.Request(context.Background(), http.MethodGet, "x", Options{Retry: 2, RetryDelay: time.Millisecond})
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("err = %v, want *ConnectionError", err)
	}
}

func TestRequestHTTPErrorNotRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := NewHttpClient(srv.URL, time.Second)
	_, err := c.Get(context.Background(), "orders.json", Options{Retry: 5, RetryDelay: time.Millisecond})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want *HTTPError", err)
	}
	if httpErr.Status != http.StatusInternalServerError || httpErr.Body != "boom" {
		t.Fatalf("HTTPError = %+v, want status 500 body boom", httpErr)
	}
	if !IsStatus(err, 500) {
		t.Fatalf("IsStatus(err, 500) = false, want true")
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}
}

func TestGetNonJSONBodyReturnsEmptyMap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("success"))
	}))
	defer srv.Close()

	c := NewHttpClient(srv.URL, time.Second)
	got, err := c.Put(context.Background(), "fulfillments/1.json", Options{Body: map[string]interface{}{"a": 1}})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("Put() = %v, want empty map", got)
	}
}

func TestGetRawReturnsBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()

	c := NewHttpClient(srv.URL, time.Second)
	got, err := c.GetRaw(context.Background(), "/labels/1.pdf", Options{})
	if err != nil {
		t.Fatalf("GetRaw() error = %v", err)
	}
	if string(got) != "%PDF-1.4" {
		t.Fatalf("GetRaw() = %q, want %%PDF-1.4", got)
	}
}

func TestRequestSendsHeadersCookiesAndParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-sapo-client") != "sapo-frontend-v3" {
			t.Errorf("x-sapo-client = %q", r.Header.Get("x-sapo-client"))
		}
		ck, err := r.Cookie("session")
		if err != nil || ck.Value != "abc" {
			t.Errorf("cookie session = %v, %v; want abc", ck, err)
		}
		if r.URL.Path != "/admin/orders.json" || r.URL.Query().Get("limit") != "1" {
			t.Errorf("url = %s", r.URL.String())
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewHttpClient(srv.URL+"/admin/", time.Second)
	c.ReplaceHeaders(map[string]string{"x-sapo-client": "sapo-frontend-v3"})
	c.ReplaceCookies(map[string]string{"session": "abc"})
	if _, err := c.Get(context.Background(), "/orders.json", Options{Params: map[string]string{"limit": "1"}}); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := c.Cookies()["session"]; got != "abc" {
		t.Fatalf("Cookies()[session] = %q, want abc", got)
	}
}

func TestRequestCallerCancelStopsRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c := NewHttpClient(srv.URL, time.Second)
	_, err := c.Request(ctx, http.MethodGet, "x", Options{Retry: 5})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestParseCookieHeader(t *testing.T) {
	got := ParseCookieHeader("a=1; b=x=y; broken; c=")
	want := map[string]string{"a": "1", "b": "x=y", "c": ""}
	if len(got) != len(want) {
		t.Fatalf("ParseCookieHeader() = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("ParseCookieHeader()[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestIsHotPath(t *testing.T) {
	cases := map[string]bool{
		"orders.json":       true,
		"/variants/1.json":  true,
		"products.json":     false,
		"customers/ordersx": false,
	}
	for path, want := range cases {
		if got := isHotPath(path); got != want {
			t.Fatalf("isHotPath(%q) = %v, want %v", path, got, want)
		}
	}
}
