package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	amqp "github.com/rabbitmq/amqp091-go"

	"zonemonitor/internal/config"
	"zonemonitor/internal/zone"
)

func testMessage() Message {
	return Message{
		ZoneID:      "z1",
		ZoneName:    "Lobby",
		AccountID:   "acc",
		AccountName: "Cafe",
		Status:      zone.StatusOffline,
		Elapsed:     15 * time.Minute,
		Title:       "Zone Offline",
		Body:        `Zone "Lobby" (Cafe) Offline since 10:00 (>15 min)`,
		URL:         "https://dash.example.com",
	}
}

// formRecorder 记录表单请求
type formRecorder struct {
	mu    sync.Mutex
	forms []url.Values
	paths []string
	auth  []string
}

func (r *formRecorder) handler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		_ = req.ParseForm()
		r.mu.Lock()
		r.forms = append(r.forms, req.PostForm)
		r.paths = append(r.paths, req.URL.Path)
		r.auth = append(r.auth, req.Header.Get("Authorization"))
		r.mu.Unlock()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func TestPushover_Send(t *testing.T) {
	rec := &formRecorder{}
	srv := httptest.NewServer(rec.handler(200, `{"status":1,"request":"abc"}`))
	defer srv.Close()

	p := NewPushover(config.PushoverConfig{APIURL: srv.URL, AppToken: "app-token", Priority: 1, Sound: "alarm"})
	if err := p.Send(context.Background(), testMessage(), []string{"user-1"}); err != nil {
		t.Fatalf("发送失败: %v", err)
	}

	form := rec.forms[0]
	if form.Get("token") != "app-token" || form.Get("user") != "user-1" {
		t.Errorf("认证字段错误: %v", form)
	}
	if form.Get("priority") != "1" || form.Get("sound") != "alarm" || form.Get("url") != "https://dash.example.com" {
		t.Errorf("推送参数错误: %v", form)
	}
}

func TestPushover_Failures(t *testing.T) {
	srv := httptest.NewServer((&formRecorder{}).handler(400, `{"status":0,"errors":["user key is invalid"]}`))
	defer srv.Close()
	p := NewPushover(config.PushoverConfig{APIURL: srv.URL, AppToken: "x"})

	err := p.Send(context.Background(), testMessage(), []string{"bad"})
	var sendErr *SendError
	if !errors.As(err, &sendErr) || sendErr.StatusCode != 400 {
		t.Fatalf("期望 HTTP 400 SendError，实际 %v", err)
	}

	if err := p.Send(context.Background(), testMessage(), nil); !errors.Is(err, ErrNoRecipients) {
		t.Errorf("无收件人应返回 ErrNoRecipients，实际 %v", err)
	}
}

func TestPushover_PartialDeliveryIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("user") == "bad" {
			w.WriteHeader(400)
			_, _ = io.WriteString(w, `{"status":0}`)
			return
		}
		_, _ = io.WriteString(w, `{"status":1}`)
	}))
	defer srv.Close()
	p := NewPushover(config.PushoverConfig{APIURL: srv.URL, AppToken: "x"})

	if err := p.Send(context.Background(), testMessage(), []string{"bad", "good"}); err != nil {
		t.Errorf("至少一个收件人成功应视为送达: %v", err)
	}
}

func newTestSMS(apiURL string, hour int) *SMS {
	s := NewSMS(config.SMSConfig{
		APIURL:                    apiURL,
		AccountSID:                "AC123",
		AuthToken:                 "secret",
		From:                      "+15550000000",
		DefaultCountryCode:        "1",
		QuietStartHour:            22,
		QuietEndHour:              7,
		CriticalThresholdDuration: 30 * time.Minute,
		Location:                  time.UTC,
	})
	s.nowFn = func() time.Time { return time.Date(2025, 1, 1, hour, 30, 0, 0, time.UTC) }
	return s
}

func TestSMS_SendNormalizesAndTruncates(t *testing.T) {
	rec := &formRecorder{}
	srv := httptest.NewServer(rec.handler(201, `{"sid":"SM1"}`))
	defer srv.Close()

	s := newTestSMS(srv.URL, 12)
	msg := testMessage()
	msg.Body = strings.Repeat("x", 2000)
	if err := s.Send(context.Background(), msg, []string{"(555) 123-4567"}); err != nil {
		t.Fatalf("发送失败: %v", err)
	}

	if rec.paths[0] != "/2010-04-01/Accounts/AC123/Messages.json" {
		t.Errorf("请求路径错误: %s", rec.paths[0])
	}
	if !strings.HasPrefix(rec.auth[0], "Basic ") {
		t.Errorf("应使用 Basic 认证: %q", rec.auth[0])
	}
	form := rec.forms[0]
	if form.Get("To") != "+15551234567" {
		t.Errorf("号码未规范化: %s", form.Get("To"))
	}
	if body := form.Get("Body"); len([]rune(body)) != smsMaxLength || !strings.HasSuffix(body, "...") {
		t.Errorf("正文应截断到 %d 字符，实际 %d", smsMaxLength, len([]rune(body)))
	}
}

func TestSMS_QuietHours(t *testing.T) {
	rec := &formRecorder{}
	srv := httptest.NewServer(rec.handler(201, `{}`))
	defer srv.Close()

	s := newTestSMS(srv.URL, 23)
	msg := testMessage()

	if err := s.Send(context.Background(), msg, []string{"+15551234567"}); !errors.Is(err, ErrQuietHours) {
		t.Fatalf("静默时段应跳过，实际 %v", err)
	}

	// 紧急告警不受静默时段限制
	msg.Elapsed = 45 * time.Minute
	if err := s.Send(context.Background(), msg, []string{"+15551234567"}); err != nil {
		t.Errorf("紧急告警应发送: %v", err)
	}

	// 手动告警不受静默时段限制
	msg.Elapsed = time.Minute
	msg.Manual = true
	if err := s.Send(context.Background(), msg, []string{"+15551234567"}); err != nil {
		t.Errorf("手动告警应发送: %v", err)
	}
	if len(rec.forms) != 2 {
		t.Errorf("期望发送 2 条，实际 %d", len(rec.forms))
	}
}

func TestSMS_InQuietHours(t *testing.T) {
	s := newTestSMS("http://unused", 0)
	cases := map[int]bool{21: false, 22: true, 23: true, 0: true, 6: true, 7: false, 12: false}
	for hour, want := range cases {
		now := time.Date(2025, 1, 1, hour, 0, 0, 0, time.UTC)
		if got := s.inQuietHours(now); got != want {
			t.Errorf("hour=%d: 期望 %v，实际 %v", hour, want, got)
		}
	}

	s.quietStart, s.quietEnd = 9, 17
	if !s.inQuietHours(time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)) {
		t.Error("不跨午夜的静默时段判断错误")
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"+44 20 7946 0958", "+442079460958"},
		{"5551234567", "+15551234567"},
		{"15551234567", "+15551234567"},
		{"555-123-4567", "+15551234567"},
	}
	for _, tt := range tests {
		if got := NormalizePhone(tt.in, "1"); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWebhook_Send(t *testing.T) {
	var got webhookPayload
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Token")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(config.WebhookConfig{URL: srv.URL, Headers: map[string]string{"X-Token": "abc"}, TimeoutDuration: time.Second})
	if err := w.Send(context.Background(), testMessage(), []string{"ops"}); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	if header != "abc" {
		t.Errorf("自定义 header 未发送: %q", header)
	}
	if got.ZoneID != "z1" || got.Status != zone.StatusOffline || got.ElapsedSec != 900 {
		t.Errorf("负载内容错误: %+v", got)
	}
	if len(got.Recipients) != 1 {
		t.Errorf("收件人未随负载发送: %v", got.Recipients)
	}
}

func TestWebhook_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhook(config.WebhookConfig{URL: srv.URL})
	if err := w.Send(context.Background(), testMessage(), nil); err == nil {
		t.Error("5xx 应返回错误")
	}
}

func TestTelegram_Send(t *testing.T) {
	var mu sync.Mutex
	var chatIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"monitor","username":"monitor_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			_ = r.ParseForm()
			mu.Lock()
			chatIDs = append(chatIDs, r.PostForm.Get("chat_id"))
			mu.Unlock()
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tg, err := NewTelegram(config.TelegramConfig{BotToken: "123:abc", APIEndpoint: srv.URL + "/bot%s/%s"})
	if err != nil {
		t.Fatalf("创建 Telegram 通道失败: %v", err)
	}

	if err := tg.Send(context.Background(), testMessage(), []string{"42", "not-a-number"}); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	if len(chatIDs) != 1 || chatIDs[0] != "42" {
		t.Errorf("期望发送到 chat 42，实际 %v", chatIDs)
	}
}

func TestEmail_Send(t *testing.T) {
	e := NewEmail(config.EmailConfig{Host: "smtp.example.com", Port: 587, Username: "bot@example.com", Password: "pw"})
	e.nowFn = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	e.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	if err := e.Send(context.Background(), testMessage(), []string{"ops@example.com", "oncall@example.com"}); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	if gotAddr != "smtp.example.com:587" || gotFrom != "bot@example.com" || len(gotTo) != 2 {
		t.Errorf("SMTP 参数错误: %s %s %v", gotAddr, gotFrom, gotTo)
	}
	raw := string(gotMsg)
	if !strings.Contains(raw, "Subject: Zone Offline\r\n") || !strings.Contains(raw, "https://dash.example.com") {
		t.Errorf("邮件内容错误:\n%s", raw)
	}

	e.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("535 auth failed") }
	if err := e.Send(context.Background(), testMessage(), []string{"ops@example.com"}); err == nil {
		t.Error("SMTP 失败应返回错误")
	}
}

type fakeMulticast struct {
	calls  []*messaging.MulticastMessage
	failed map[string]bool
}

func (f *fakeMulticast) SendEachForMulticast(_ context.Context, m *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	f.calls = append(f.calls, m)
	resp := &messaging.BatchResponse{}
	for _, tok := range m.Tokens {
		if f.failed[tok] {
			resp.FailureCount++
			resp.Responses = append(resp.Responses, &messaging.SendResponse{Error: errors.New("unregistered")})
			continue
		}
		resp.SuccessCount++
		resp.Responses = append(resp.Responses, &messaging.SendResponse{Success: true})
	}
	return resp, nil
}

func TestFCM_Send(t *testing.T) {
	fake := &fakeMulticast{failed: map[string]bool{"dead": true}}
	f := &FCM{client: fake}

	tokens := make([]string, 0, 501)
	for i := 0; i < 501; i++ {
		tokens = append(tokens, "tok")
	}
	if err := f.Send(context.Background(), testMessage(), tokens); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	if len(fake.calls) != 2 {
		t.Errorf("超过 500 个 token 应分批，实际 %d 批", len(fake.calls))
	}
	if fake.calls[0].Data["status"] != "offline" || fake.calls[0].Notification.Title != "Zone Offline" {
		t.Errorf("推送内容错误: %+v", fake.calls[0])
	}

	if err := f.Send(context.Background(), testMessage(), []string{"dead"}); err == nil {
		t.Error("全部设备失败应返回错误")
	}
}

type fakePublisher struct {
	keys []string
	body []byte
	err  error
}

func (f *fakePublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.body = msg.Body
	return nil
}

func TestAMQP_Send(t *testing.T) {
	pub := &fakePublisher{}
	a := &AMQP{cfg: config.AMQPConfig{Exchange: "zone.alerts", RoutingKey: "zone.degraded"}, channel: pub}

	if err := a.Send(context.Background(), testMessage(), nil); err != nil {
		t.Fatalf("发布失败: %v", err)
	}
	if len(pub.keys) != 1 || pub.keys[0] != "zone.degraded" {
		t.Errorf("应使用默认 routing key，实际 %v", pub.keys)
	}
	var decoded Message
	if err := json.Unmarshal(pub.body, &decoded); err != nil || decoded.ZoneID != "z1" {
		t.Errorf("消息体错误: %s", pub.body)
	}

	pub.err = errors.New("channel closed")
	if err := a.Send(context.Background(), testMessage(), []string{"ops"}); err == nil {
		t.Error("发布失败应返回错误")
	}
}

func TestMQTT_Send(t *testing.T) {
	var topics []string
	m := &MQTT{topic: "zones/alerts"}
	m.publish = func(_ context.Context, topic string, payload []byte) error {
		topics = append(topics, topic)
		if !json.Valid(payload) {
			t.Errorf("负载不是合法 JSON: %s", payload)
		}
		return nil
	}

	if err := m.Send(context.Background(), testMessage(), nil); err != nil {
		t.Fatalf("发布失败: %v", err)
	}
	if err := m.Send(context.Background(), testMessage(), []string{"acc/cafe", "ops"}); err != nil {
		t.Fatalf("发布失败: %v", err)
	}
	if strings.Join(topics, ",") != "zones/alerts,acc/cafe,ops" {
		t.Errorf("主题错误: %v", topics)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewWebhook(config.WebhookConfig{URL: "http://example.com"}))
	r.Register(NewPushover(config.PushoverConfig{}))

	if _, ok := r.Get("webhook"); !ok {
		t.Error("应能获取已注册的通道")
	}
	if _, ok := r.Get("sms"); ok {
		t.Error("未注册的通道不应存在")
	}
	if names := r.Names(); strings.Join(names, ",") != "pushover,webhook" {
		t.Errorf("通道名列表错误: %v", names)
	}
}
