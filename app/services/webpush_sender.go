package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"agent_sapo/app/storage"
	"agent_sapo/utility/httpclient"
	"agent_sapo/utility/logger"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/sirupsen/logrus"
)

// Thời hạn của đường gửi web push
const (
	FCMEndpoint       = "https://fcm.googleapis.com/fcm/send"
	PushSendTimeout   = 2 * time.Second // timeout transport cho mỗi subscription
	PerUserPushBudget = 2 * time.Second // tổng thời gian cho vòng gửi của một user
	webPushTTL        = 300
)

// ErrNoActiveSubscriptions là lý do khi user không còn subscription active nào
const ErrNoActiveSubscriptions = "no active subscriptions"

// DeliveryFailedError là lỗi gửi của một delivery, Reason được ghi vào error_message
type DeliveryFailedError struct {
	Channel string
	Reason  string
	Err     error
}

func (e *DeliveryFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Channel, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Channel, e.Reason)
}

func (e *DeliveryFailedError) Unwrap() error { return e.Err }

// ChannelSender gửi một delivery qua một kênh và trả về metadata của lần gửi thành công
type ChannelSender interface {
	Send(ctx context.Context, n *storage.Notification, d storage.Delivery) (map[string]interface{}, error)
}

// PushTarget là một đích gửi đã phân loại từ subscription: FCMTarget hoặc WebPushTarget
type PushTarget interface {
	subscriptionID() int64
}

// FCMTarget là thiết bị dùng FCM legacy
type FCMTarget struct {
	SubscriptionID int64
	Token          string
}

func (t FCMTarget) subscriptionID() int64 { return t.SubscriptionID }

// WebPushTarget là subscription Web Push chuẩn (VAPID)
type WebPushTarget struct {
	SubscriptionID int64
	Endpoint       string
	P256dh         string
	Auth           string
}

func (t WebPushTarget) subscriptionID() int64 { return t.SubscriptionID }

// TargetOf phân loại subscription. FCM token được ưu tiên; dòng không đủ field nào trả về false.
func TargetOf(sub storage.Subscription) (PushTarget, bool) {
	if sub.FCMToken != "" {
		return FCMTarget{SubscriptionID: sub.ID, Token: sub.FCMToken}, true
	}
	if sub.Endpoint != "" && sub.P256dh != "" && sub.Auth != "" {
		return WebPushTarget{SubscriptionID: sub.ID, Endpoint: sub.Endpoint, P256dh: sub.P256dh, Auth: sub.Auth}, true
	}
	return nil, false
}

// SubscriptionLister là phần của SubscriptionStore mà sender dùng
type SubscriptionLister interface {
	ListActive(ctx context.Context, userID int64) ([]storage.Subscription, error)
	Deactivate(ctx context.Context, id int64) error
}

// WebPushConfig là cấu hình của WebPushSender
type WebPushConfig struct {
	Keys        PushKeys
	Subscriber  string // mailto dùng làm claim sub của VAPID
	FCMEndpoint string // rỗng = FCMEndpoint
	Icon        string // icon mặc định khi context không có "icon"
}

// WebPushSender gửi delivery kênh web_push tới mọi subscription active của user
type WebPushSender struct {
	subs       SubscriptionLister
	cfg        WebPushConfig
	fcm        *httpclient.HttpClient
	httpClient *http.Client
	budget     time.Duration
	now        func() time.Time
	log        *logrus.Logger
}

// NewWebPushSender tạo sender với key material đã nạp
func NewWebPushSender(subs SubscriptionLister, cfg WebPushConfig) *WebPushSender {
	if cfg.FCMEndpoint == "" {
		cfg.FCMEndpoint = FCMEndpoint
	}
	cfg.Subscriber = strings.TrimPrefix(cfg.Subscriber, "mailto:")

	fcm := httpclient.NewHttpClient(cfg.FCMEndpoint, PushSendTimeout)
	fcm.SetLogger(logger.GetLogger("notify"))
	fcm.SetHeader("Authorization", "key="+cfg.Keys.FCMServerKey)

	return &WebPushSender{
		subs:       subs,
		cfg:        cfg,
		fcm:        fcm,
		httpClient: &http.Client{Timeout: PushSendTimeout},
		budget:     PerUserPushBudget,
		now:        time.Now,
		log:        logger.GetLogger("notify"),
	}
}

// Send gửi tới từng subscription tuần tự. Vòng gửi dừng khi đã dùng hết budget của user;
// các subscription đã gửi thành công vẫn được tính.
func (s *WebPushSender) Send(ctx context.Context, n *storage.Notification, d storage.Delivery) (map[string]interface{}, error) {
	subs, err := s.subs.ListActive(ctx, d.UserID)
	if err != nil {
		return nil, &DeliveryFailedError{Channel: storage.ChannelWebPush, Reason: "không đọc được subscriptions", Err: err}
	}

	targets := make([]PushTarget, 0, len(subs))
	for _, sub := range subs {
		if t, ok := TargetOf(sub); ok {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		return nil, &DeliveryFailedError{Channel: storage.ChannelWebPush, Reason: ErrNoActiveSubscriptions}
	}

	data := s.pushData(n)
	start := s.now()
	sent, attempted := 0, 0
	var lastErr error
	for _, t := range targets {
		if s.now().Sub(start) >= s.budget {
			s.log.WithFields(logrus.Fields{
				"user_id":   d.UserID,
				"attempted": attempted,
				"remaining": len(targets) - attempted,
			}).Warn("⏱️ Hết thời gian gửi cho user, bỏ qua các subscription còn lại")
			break
		}
		attempted++

		var err error
		switch target := t.(type) {
		case FCMTarget:
			err = s.sendFCM(ctx, target, n, data)
		case WebPushTarget:
			err = s.sendWebPush(ctx, target, n, data)
		}
		if err != nil {
			lastErr = err
			s.log.WithError(err).WithFields(logrus.Fields{
				"user_id":         d.UserID,
				"subscription_id": t.subscriptionID(),
			}).Warn("⚠️ Gửi push tới subscription thất bại")
			continue
		}
		sent++
	}

	if sent == 0 {
		if lastErr == nil {
			lastErr = errors.New("hết thời gian trước khi gửi được subscription nào")
		}
		return nil, &DeliveryFailedError{Channel: storage.ChannelWebPush, Reason: lastErr.Error(), Err: lastErr}
	}
	return map[string]interface{}{
		"subscriptions_sent": sent,
		"attempted":          attempted,
		"skipped":            len(targets) - attempted,
	}, nil
}

type fcmNotification struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	Icon        string `json:"icon,omitempty"`
	ClickAction string `json:"click_action,omitempty"`
}

type fcmEnvelope struct {
	To           string                 `json:"to"`
	Notification fcmNotification        `json:"notification"`
	Data         map[string]interface{} `json:"data"`
}

// sendFCM gửi envelope FCM legacy. Chỉ 200 với failure=0 là thành công.
func (s *WebPushSender) sendFCM(ctx context.Context, t FCMTarget, n *storage.Notification, data map[string]interface{}) error {
	env := fcmEnvelope{
		To: t.Token,
		Notification: fcmNotification{
			Title:       n.Title,
			Body:        n.Body,
			Icon:        s.icon(data),
			ClickAction: n.Link,
		},
		Data: data,
	}
	resp, err := s.fcm.Request(ctx, http.MethodPost, "", httpclient.Options{Body: env, Retry: 1})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("FCM trả về mã %d", resp.StatusCode)
	}

	var result struct {
		Failure int `json:"failure"`
		Results []struct {
			Error string `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return fmt.Errorf("phản hồi FCM không hợp lệ: %w", err)
	}
	if result.Failure > 0 {
		reason := "unknown"
		if len(result.Results) > 0 && result.Results[0].Error != "" {
			reason = result.Results[0].Error
		}
		if reason == "NotRegistered" || reason == "InvalidRegistration" {
			s.deactivate(ctx, t.SubscriptionID, reason)
		}
		return fmt.Errorf("FCM từ chối token: %s", reason)
	}
	return nil
}

// sendWebPush gửi payload mã hóa (RFC 8291) có ký VAPID
func (s *WebPushSender) sendWebPush(ctx context.Context, t WebPushTarget, n *storage.Notification, data map[string]interface{}) error {
	payload := make(map[string]interface{}, len(data)+4)
	for k, v := range data {
		payload[k] = v
	}
	payload["title"] = n.Title
	payload["body"] = n.Body
	if icon := s.icon(data); icon != "" {
		payload["icon"] = icon
	}
	if n.Link != "" {
		payload["url"] = n.Link
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	sub := &webpush.Subscription{
		Endpoint: t.Endpoint,
		Keys: webpush.Keys{
			P256dh: t.P256dh,
			Auth:   t.Auth,
		},
	}
	resp, err := webpush.SendNotificationWithContext(ctx, body, sub, &webpush.Options{
		HTTPClient:      s.httpClient,
		Subscriber:      s.cfg.Subscriber,
		TTL:             webPushTTL,
		VAPIDPublicKey:  s.cfg.Keys.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.Keys.VAPIDPrivateKey,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		s.deactivate(ctx, t.SubscriptionID, resp.Status)
		return fmt.Errorf("endpoint đã hết hạn (%d)", resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("push service trả về mã %d", resp.StatusCode)
	}
	return nil
}

func (s *WebPushSender) deactivate(ctx context.Context, id int64, reason string) {
	if err := s.subs.Deactivate(ctx, id); err != nil {
		s.log.WithError(err).WithField("subscription_id", id).Error("❌ Không thể tắt subscription")
		return
	}
	s.log.WithFields(logrus.Fields{"subscription_id": id, "reason": reason}).Info("🔕 Đã tắt subscription hết hạn")
}

func (s *WebPushSender) icon(data map[string]interface{}) string {
	if icon, ok := data["icon"].(string); ok && icon != "" {
		return icon
	}
	return s.cfg.Icon
}

// pushData gộp context của notification với các field định danh.
// Context không decode được bị bỏ qua, push vẫn mang các field định danh.
func (s *WebPushSender) pushData(n *storage.Notification) map[string]interface{} {
	data := map[string]interface{}{}
	if len(n.Context) > 0 {
		if err := json.Unmarshal(n.Context, &data); err != nil {
			s.log.WithError(err).WithField("notification_id", n.ID).Warn("⚠️ Context của notification không phải JSON object, bỏ qua")
			data = map[string]interface{}{}
		}
	}
	data["notification_id"] = n.ID
	data["action"] = n.Action
	if n.Tag != nil {
		data["tag"] = *n.Tag
	}
	if n.Count != nil {
		data["count"] = *n.Count
	}
	if n.Sound != nil {
		data["sound"] = *n.Sound
	}
	return data
}

// InAppSender chỉ đánh dấu đã gửi; client tự poll danh sách notification
type InAppSender struct{}

// Send luôn thành công
func (InAppSender) Send(_ context.Context, _ *storage.Notification, _ storage.Delivery) (map[string]interface{}, error) {
	return map[string]interface{}{"method": storage.ChannelInApp}, nil
}
