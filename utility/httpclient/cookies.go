package httpclient

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
)

// swappableJar là cookie jar có thể được thay toàn bộ khi session được refresh.
// Set-Cookie từ server vẫn được ghi vào jar hiện tại như bình thường.
type swappableJar struct {
	mu  sync.RWMutex
	jar *cookiejar.Jar
}

func newSwappableJar() *swappableJar {
	jar, _ := cookiejar.New(nil)
	return &swappableJar{jar: jar}
}

func (s *swappableJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	s.mu.RLock()
	jar := s.jar
	s.mu.RUnlock()
	jar.SetCookies(u, cookies)
}

func (s *swappableJar) Cookies(u *url.URL) []*http.Cookie {
	s.mu.RLock()
	jar := s.jar
	s.mu.RUnlock()
	return jar.Cookies(u)
}

func (s *swappableJar) replace(u *url.URL, cookies map[string]string) {
	jar, _ := cookiejar.New(nil)
	list := make([]*http.Cookie, 0, len(cookies))
	for name, value := range cookies {
		list = append(list, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	if u != nil && len(list) > 0 {
		jar.SetCookies(u, list)
	}
	s.mu.Lock()
	s.jar = jar
	s.mu.Unlock()
}

// ParseCookieHeader tách header Cookie dạng "a=1; b=2" thành map name → value.
// Mỗi phần được tách theo dấu "=" đầu tiên, phần không có "=" bị bỏ qua.
func ParseCookieHeader(raw string) map[string]string {
	cookies := make(map[string]string)
	for _, kv := range strings.Split(raw, "; ") {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		cookies[name] = value
	}
	return cookies
}
