package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"agent_sapo/utility/httpclient"
	"agent_sapo/utility/logger"

	"github.com/sirupsen/logrus"
)

// TokenStore lưu token của các scope, mỗi scope đúng một bản ghi
type TokenStore interface {
	// Load trả về token đã lưu của scope, nil nếu chưa có
	Load(ctx context.Context, scope Scope) (*Token, error)
	// SaveAll ghi toàn bộ token trong một lần (atomic)
	SaveAll(ctx context.Context, tokens []Token) error
}

const probeTimeout = 10 * time.Second

// coreProbeMinBody: body ngắn hơn là trang redirect về login trả về 200
const coreProbeMinBody = 500

// coreDefaultHeaders luôn được gắn vào session core sau khi áp token
var coreDefaultHeaders = map[string]string{
	"X-Sapo-Client":    "sapo-frontend-v3",
	"X-Sapo-Serviceid": "sapo-frontend-v3",
	"Accept":           "application/json",
	"Content-Type":     "application/json;charset=UTF-8",
}

// strippedHeaders không được copy từ request đã bắt: transport tự gắn
var strippedHeaders = map[string]bool{
	"Host":            true,
	"Content-Length":  true,
	"Accept-Encoding": true,
	"Connection":      true,
}

// ScopeStatus là trạng thái hiện tại của một scope (cho ops API)
type ScopeStatus struct {
	Scope       Scope     `json:"scope"`
	Initialized bool      `json:"initialized"`
	Valid       bool      `json:"valid"`
	AcquiredAt  time.Time `json:"acquired_at,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

type scopeState struct {
	scope  Scope
	client *httpclient.HttpClient

	// transition giữ suốt quá trình !valid → valid (load, probe, login)
	transition sync.Mutex

	mu          sync.Mutex
	initialized bool
	valid       bool
	token       *Token
}

// isValid: đã probe/login thành công và token chưa hết hạn
func (s *scopeState) isValid(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid && s.token != nil && !s.token.Expired(now)
}

// Options là tham số tạo Manager
type Options struct {
	CoreClient        *httpclient.HttpClient
	MarketplaceClient *httpclient.HttpClient
	Store             TokenStore
	Driver            Driver
	Lock              LoginLock // nil = LocalLock
	Credentials       Credentials
	StaffID           string // staff id Sapo TMĐT dùng cho probe marketplace
	TokenLifetime     time.Duration
	Logger            *logrus.Logger
	Now               func() time.Time
}

// Manager cung cấp session còn sống cho từng scope.
// EnsureValid là nơi duy nhất thay đổi trạng thái session.
type Manager struct {
	store    TokenStore
	driver   Driver
	lock     LoginLock
	creds    Credentials
	staffID  string
	lifetime time.Duration
	log      *logrus.Logger
	now      func() time.Time

	// loginMu: một lần chạy trình duyệt trong process tại một thời điểm
	loginMu sync.Mutex
	scopes  map[Scope]*scopeState
}

// NewManager tạo Manager cho hai scope
func NewManager(opts Options) (*Manager, error) {
	if opts.CoreClient == nil || opts.MarketplaceClient == nil {
		return nil, errors.New("session: thiếu HTTP client cho core hoặc marketplace")
	}
	if opts.Store == nil || opts.Driver == nil {
		return nil, errors.New("session: thiếu TokenStore hoặc Driver")
	}
	m := &Manager{
		store:    opts.Store,
		driver:   opts.Driver,
		lock:     opts.Lock,
		creds:    opts.Credentials,
		staffID:  opts.StaffID,
		lifetime: opts.TokenLifetime,
		log:      opts.Logger,
		now:      opts.Now,
		scopes: map[Scope]*scopeState{
			ScopeCore:        {scope: ScopeCore, client: opts.CoreClient},
			ScopeMarketplace: {scope: ScopeMarketplace, client: opts.MarketplaceClient},
		},
	}
	if m.lock == nil {
		m.lock = LocalLock{}
	}
	if m.lifetime <= 0 {
		m.lifetime = DefaultTokenLifetime
	}
	if m.log == nil {
		m.log = logger.GetLogger("sapo")
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

func (m *Manager) state(scope Scope) (*scopeState, error) {
	st, ok := m.scopes[scope]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScope, scope)
	}
	return st, nil
}

// Client trả về HTTP client của scope (headers/cookies đã được áp)
func (m *Manager) Client(scope Scope) (*httpclient.HttpClient, error) {
	st, err := m.state(scope)
	if err != nil {
		return nil, err
	}
	return st.client, nil
}

// EnsureValid trả về khi session của scope đã được xác nhận dùng được trong process này.
// Thứ tự: đã valid → trả về; nạp token lần đầu; token chưa hết hạn → probe;
// probe lỗi hoặc không có token → login bằng trình duyệt (làm mới cả hai scope).
func (m *Manager) EnsureValid(ctx context.Context, scope Scope) error {
	st, err := m.state(scope)
	if err != nil {
		return err
	}
	if st.isValid(m.now()) {
		return nil
	}

	st.transition.Lock()
	defer st.transition.Unlock()

	if st.isValid(m.now()) {
		return nil
	}

	st.mu.Lock()
	initialized := st.initialized
	st.mu.Unlock()
	if !initialized {
		if err := m.loadStored(ctx, st); err != nil {
			return err
		}
	}

	st.mu.Lock()
	tok := st.token
	st.mu.Unlock()

	log := m.log.WithField("scope", scope)
	if tok != nil && !tok.Expired(m.now()) {
		err := m.probe(ctx, st)
		if err == nil {
			m.markValid(st)
			log.Debug("✅ Token còn hiệu lực")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).Warn("⚠️ Probe thất bại, cần login lại")
	} else {
		log.Info("📋 Không có token còn hạn, cần login")
	}

	return m.login(ctx, st)
}

// loadStored nạp token đã lưu của scope và áp vào client nếu còn hạn
func (m *Manager) loadStored(ctx context.Context, st *scopeState) error {
	tok, err := m.store.Load(ctx, st.scope)
	if err != nil {
		return fmt.Errorf("nạp token %s: %w", st.scope, err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.initialized = true
	st.token = tok
	if tok != nil && !tok.Expired(m.now()) {
		applyToken(st, tok)
	}
	return nil
}

func (m *Manager) markValid(st *scopeState) {
	st.mu.Lock()
	st.valid = true
	st.mu.Unlock()
}

// login chạy trình duyệt dưới khóa process (và khóa giữa các process nếu có),
// lưu cả hai token rồi áp vào cả hai scope.
func (m *Manager) login(ctx context.Context, st *scopeState) error {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	// Process này vừa login xong trong lúc chờ khóa
	if st.isValid(m.now()) {
		return nil
	}

	release, waited, err := m.lock.Acquire(ctx)
	if err != nil {
		return &LoginFailedError{Reason: "không lấy được khóa login", Err: err}
	}
	defer release()

	log := m.log.WithField("scope", st.scope)
	if waited {
		// Process khác có thể vừa login: thử token mới trong store trước
		if err := m.reloadAll(ctx); err != nil {
			log.WithError(err).Warn("⚠️ Không nạp lại được token sau khi chờ khóa")
		} else if err := m.probe(ctx, st); err == nil {
			m.markValid(st)
			log.Info("✅ Dùng token do process khác vừa login")
			return nil
		}
	}

	start := m.now()
	log.Info("🚀 Bắt đầu login Sapo bằng trình duyệt")
	tokens, err := m.browserLogin(ctx)
	if err != nil {
		log.WithError(err).Error("❌ Login Sapo thất bại")
		return err
	}

	if err := m.store.SaveAll(ctx, tokens); err != nil {
		// Session vẫn dùng được trong process này, chỉ mất khi restart
		log.WithError(err).Error("❌ Không lưu được token sau khi login")
	}

	for i := range tokens {
		tok := tokens[i]
		target, ok := m.scopes[tok.Scope]
		if !ok {
			continue
		}
		target.mu.Lock()
		target.token = &tok
		target.initialized = true
		target.valid = true
		applyToken(target, &tok)
		target.mu.Unlock()
	}

	log.WithFields(logrus.Fields{
		"elapsed_ms": m.now().Sub(start).Milliseconds(),
		"scopes":     len(tokens),
	}).Info("✅ Login Sapo thành công, đã làm mới tất cả scope")
	return nil
}

// reloadAll nạp lại token của mọi scope từ store. Scope nào nhận token mới
// sẽ bị bỏ trạng thái valid để lần gọi sau probe lại.
func (m *Manager) reloadAll(ctx context.Context) error {
	for _, scope := range AllScopes {
		st := m.scopes[scope]
		tok, err := m.store.Load(ctx, scope)
		if err != nil {
			return err
		}
		st.mu.Lock()
		st.initialized = true
		if tok != nil && !tok.Expired(m.now()) {
			st.token = tok
			st.valid = false
			applyToken(st, tok)
		}
		st.mu.Unlock()
	}
	return nil
}

// browserLogin gọi Driver và dựng token cho cả hai scope từ các request đã bắt
func (m *Manager) browserLogin(ctx context.Context) ([]Token, error) {
	captured, err := m.driver.Login(ctx, m.creds)
	if err != nil {
		var lf *LoginFailedError
		if errors.As(err, &lf) {
			return nil, err
		}
		return nil, &LoginFailedError{Reason: "driver lỗi", Err: err}
	}
	core, marketplace, err := pickCaptures(captured)
	if err != nil {
		return nil, err
	}

	now := m.now()
	expires := now.Add(m.lifetime)
	return []Token{
		{Scope: ScopeCore, Headers: copyHeaders(core.Headers), AcquiredAt: now, ExpiresAt: expires},
		{Scope: ScopeMarketplace, Headers: copyHeaders(marketplace.Headers), AcquiredAt: now, ExpiresAt: expires},
	}, nil
}

// probe gửi một request nhẹ để phân biệt session sống với trang login
func (m *Manager) probe(ctx context.Context, st *scopeState) error {
	switch st.scope {
	case ScopeCore:
		return probeCore(ctx, st.client)
	case ScopeMarketplace:
		return probeMarketplace(ctx, st.client, m.staffID)
	}
	return fmt.Errorf("%w: %s", ErrUnknownScope, st.scope)
}

func probeCore(ctx context.Context, client *httpclient.HttpClient) error {
	resp, err := client.Request(ctx, http.MethodGet, "orders.json", httpclient.Options{
		Params:  map[string]string{"limit": "1"},
		Timeout: probeTimeout,
		Retry:   1,
	})
	if err != nil {
		return &AuthExpiredError{Scope: ScopeCore, Reason: "probe orders.json lỗi", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &AuthExpiredError{Scope: ScopeCore, Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	if len(resp.Body) < coreProbeMinBody {
		return &AuthExpiredError{Scope: ScopeCore, Reason: fmt.Sprintf("body quá ngắn (%d bytes)", len(resp.Body))}
	}
	return nil
}

func probeMarketplace(ctx context.Context, client *httpclient.HttpClient, staffID string) error {
	resp, err := client.Request(ctx, http.MethodGet, "api/staffs/"+staffID+"/scopes", httpclient.Options{
		Timeout: probeTimeout,
		Retry:   1,
	})
	if err != nil {
		return &AuthExpiredError{Scope: ScopeMarketplace, Reason: "probe scopes lỗi", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &AuthExpiredError{Scope: ScopeMarketplace, Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	data, err := resp.JSON()
	if err != nil {
		return &AuthExpiredError{Scope: ScopeMarketplace, Reason: "scopes không phải JSON", Err: err}
	}
	if _, ok := data["sapo_account_id"]; !ok {
		return &AuthExpiredError{Scope: ScopeMarketplace, Reason: "thiếu sapo_account_id"}
	}
	return nil
}

// applyToken gắn token vào client: cookie vào jar, host bị bỏ, còn lại thành default headers.
// Phải gọi khi đang giữ st.mu.
func applyToken(st *scopeState, tok *Token) {
	headers := make(map[string]string, len(tok.Headers)+len(coreDefaultHeaders))
	cookies := map[string]string{}
	for key, value := range tok.Headers {
		canonical := http.CanonicalHeaderKey(key)
		switch {
		case canonical == "Cookie":
			cookies = httpclient.ParseCookieHeader(value)
		case strippedHeaders[canonical]:
		default:
			headers[canonical] = value
		}
	}
	if st.scope == ScopeCore {
		for key, value := range coreDefaultHeaders {
			headers[key] = value
		}
	}
	st.client.ReplaceHeaders(headers)
	st.client.ReplaceCookies(cookies)
}

// Invalidate bỏ trạng thái valid của scope: lần gọi sau sẽ probe lại
func (m *Manager) Invalidate(scope Scope) {
	st, err := m.state(scope)
	if err != nil {
		return
	}
	st.mu.Lock()
	st.valid = false
	st.mu.Unlock()
	m.log.WithField("scope", scope).Info("📋 Session bị đánh dấu cần kiểm tra lại")
}

// Recheck probe lại scope kể cả khi đang valid, login lại nếu session đã chết phía Sapo
func (m *Manager) Recheck(ctx context.Context, scope Scope) error {
	st, err := m.state(scope)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.valid = false
	st.mu.Unlock()
	return m.EnsureValid(ctx, scope)
}

// Status trả về trạng thái của mọi scope
func (m *Manager) Status() []ScopeStatus {
	out := make([]ScopeStatus, 0, len(AllScopes))
	now := m.now()
	for _, scope := range AllScopes {
		st := m.scopes[scope]
		st.mu.Lock()
		s := ScopeStatus{Scope: scope, Initialized: st.initialized, Valid: st.valid && st.token != nil && !st.token.Expired(now)}
		if st.token != nil {
			s.AcquiredAt = st.token.AcquiredAt
			s.ExpiresAt = st.token.ExpiresAt
		}
		st.mu.Unlock()
		out = append(out, s)
	}
	return out
}

// Request đảm bảo session rồi gửi request qua client của scope.
// 401/403 làm scope bị Invalidate, lỗi vẫn được trả về cho caller.
func (m *Manager) Request(ctx context.Context, scope Scope, method, path string, opts httpclient.Options) (*httpclient.Response, error) {
	st, err := m.prepare(ctx, scope)
	if err != nil {
		return nil, err
	}
	resp, err := st.client.Request(ctx, method, path, opts)
	m.observe(scope, err)
	return resp, err
}

// RequestJSON giống Request nhưng giải mã JSON (body không phải JSON trả về map rỗng)
func (m *Manager) RequestJSON(ctx context.Context, scope Scope, method, path string, opts httpclient.Options) (map[string]interface{}, error) {
	st, err := m.prepare(ctx, scope)
	if err != nil {
		return nil, err
	}
	data, err := st.client.RequestJSON(ctx, method, path, opts)
	m.observe(scope, err)
	return data, err
}

// RequestRaw giống Request nhưng trả về bytes chưa giải mã (PDF, ảnh...)
func (m *Manager) RequestRaw(ctx context.Context, scope Scope, method, path string, opts httpclient.Options) ([]byte, error) {
	resp, err := m.Request(ctx, scope, method, path, opts)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (m *Manager) prepare(ctx context.Context, scope Scope) (*scopeState, error) {
	if err := m.EnsureValid(ctx, scope); err != nil {
		return nil, err
	}
	return m.state(scope)
}

func (m *Manager) observe(scope Scope, err error) {
	if httpclient.IsStatus(err, http.StatusUnauthorized, http.StatusForbidden) {
		m.log.WithError(err).WithField("scope", scope).Warn("⚠️ Upstream từ chối session")
		m.Invalidate(scope)
	}
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.TrimSpace(k)] = v
	}
	return out
}
