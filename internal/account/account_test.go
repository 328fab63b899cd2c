package account

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"wxbridge/internal/backoff"
	"wxbridge/internal/domain"

	"github.com/gorilla/websocket"
)

const testKey = "test-key"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeService is a scripted account microservice.
type fakeService struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	loginState int
	statusCode int // envelope code for login status, 0 means 200
	wakeCode   int
	qrURL      string
	texts      []sendTextRequest
	images     []sendImageRequest
	pageReqs   []bigImageRequest
	page       func(call int, req bigImageRequest) (int, any)
	badKeys    int

	conns chan *websocket.Conn
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	fs := &fakeService{t: t, conns: make(chan *websocket.Conn, 8), wakeCode: 200}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+pathLoginStatus, func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		code, state := fs.statusCode, fs.loginState
		fs.mu.Unlock()
		if code == 0 {
			code = 200
		}
		fs.reply(w, code, map[string]any{"loginState": state, "loginTime": 1700000000})
	})
	mux.HandleFunc("POST "+pathWakeUpLogin, func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		code := fs.wakeCode
		fs.mu.Unlock()
		fs.reply(w, code, nil)
	})
	mux.HandleFunc("POST "+pathLoginQRCode, func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		u := fs.qrURL
		fs.mu.Unlock()
		fs.reply(w, 200, map[string]any{"QrCodeUrl": u, "Uuid": "uuid-1", "ExpiredTime": 300})
	})
	mux.HandleFunc("POST "+pathSendText, func(w http.ResponseWriter, r *http.Request) {
		var req sendTextRequest
		json.NewDecoder(r.Body).Decode(&req)
		fs.mu.Lock()
		fs.texts = append(fs.texts, req)
		fs.mu.Unlock()
		if req.ToUserName == "blocked" {
			fs.reply(w, -1, nil)
			return
		}
		fs.reply(w, 200, nil)
	})
	mux.HandleFunc("POST "+pathSendImage, func(w http.ResponseWriter, r *http.Request) {
		var req sendImageRequest
		json.NewDecoder(r.Body).Decode(&req)
		fs.mu.Lock()
		fs.images = append(fs.images, req)
		fs.mu.Unlock()
		fs.reply(w, 200, nil)
	})
	mux.HandleFunc("POST "+pathBigImage, func(w http.ResponseWriter, r *http.Request) {
		var req bigImageRequest
		json.NewDecoder(r.Body).Decode(&req)
		fs.mu.Lock()
		call := len(fs.pageReqs)
		fs.pageReqs = append(fs.pageReqs, req)
		page := fs.page
		fs.mu.Unlock()
		code, data := page(call, req)
		fs.reply(w, code, data)
	})
	mux.HandleFunc("GET "+pathSyncSocket, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- conn
	})

	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != testKey {
			fs.mu.Lock()
			fs.badKeys++
			fs.mu.Unlock()
			http.Error(w, "bad key", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeService) reply(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"Code": code, "Text": "", "Data": data})
}

func (fs *fakeService) with(fn func()) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fn()
}

func (fs *fakeService) setPages(fn func(call int, req bigImageRequest) (int, any)) {
	fs.mu.Lock()
	fs.page = fn
	fs.mu.Unlock()
}

func (fs *fakeService) pageRequests() []bigImageRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]bigImageRequest(nil), fs.pageReqs...)
}

func (fs *fakeService) setLoginState(state int) {
	fs.mu.Lock()
	fs.loginState = state
	fs.mu.Unlock()
}

func (fs *fakeService) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fs.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no push connection")
		return nil
	}
}

// fakeScheduler captures reconnect timers so tests fire them by hand.
type fakeScheduler struct {
	mu      sync.Mutex
	pending []func()
	delays  []time.Duration
}

func (f *fakeScheduler) schedule(d time.Duration, fn func()) func() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	idx := len(f.pending)
	f.pending = append(f.pending, fn)
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		stopped := f.pending[idx] != nil
		f.pending[idx] = nil
		return stopped
	}
}

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delays)
}

func (f *fakeScheduler) delay(idx int) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delays[idx]
}

func (f *fakeScheduler) fire(idx int) {
	f.mu.Lock()
	fn := f.pending[idx]
	f.pending[idx] = nil
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestClient(fs *fakeService, sched backoff.ScheduleFunc) *Client {
	return New(Config{
		BaseURL:  fs.srv.URL,
		AuthKey:  testKey,
		Timeout:  2 * time.Second,
		Schedule: sched,
		Logger:   testLogger(),
	})
}

func TestSendText(t *testing.T) {
	fs := newFakeService(t)
	c := newTestClient(fs, nil)

	if !c.SendText(context.Background(), "wxid_a", "hello") {
		t.Fatal("expected send to succeed")
	}
	if c.SendText(context.Background(), "blocked", "hello") {
		t.Fatal("remote rejection should report false")
	}
	fs.with(func() {
		if len(fs.texts) != 2 || fs.texts[0].Content != "hello" || fs.texts[0].ToUserName != "wxid_a" {
			t.Errorf("unexpected requests: %+v", fs.texts)
		}
		if fs.badKeys != 0 {
			t.Errorf("auth key missing on %d requests", fs.badKeys)
		}
	})
}

func TestSendText_TransportFailure(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", AuthKey: testKey, Timeout: time.Second, Logger: testLogger()})
	if c.SendText(context.Background(), "wxid_a", "hi") {
		t.Fatal("transport failure should report false")
	}
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected ping to fail")
	}
}

func TestSendImage(t *testing.T) {
	fs := newFakeService(t)
	c := newTestClient(fs, nil)

	if !c.SendImage(context.Background(), "wxid_a", "/tmp/cat.png") {
		t.Fatal("expected image send to succeed")
	}
	fs.with(func() {
		if len(fs.images) != 1 || fs.images[0].ImagePath != "/tmp/cat.png" {
			t.Errorf("unexpected requests: %+v", fs.images)
		}
	})
}

func TestPing_RemoteRejectionIsReachable(t *testing.T) {
	fs := newFakeService(t)
	fs.with(func() { fs.statusCode = -2 })
	c := newTestClient(fs, nil)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestUnwrapQRURL(t *testing.T) {
	cases := map[string]string{
		"https://api.qrserver.com/v1/create-qr-code/?size=300x300&data=http%3A%2F%2Fweixin.qq.com%2Fx%2Fabc": "http://weixin.qq.com/x/abc",
		"https://qr.example/render?url=https%3A%2F%2Flogin.example%2Fq":                                      "https://login.example/q",
		"https://qr.example/render?text=hello":                                                               "hello",
		"http://weixin.qq.com/x/abc":                                                                         "http://weixin.qq.com/x/abc",
	}
	for raw, want := range cases {
		if got := unwrapQRURL(raw); got != want {
			t.Errorf("unwrapQRURL(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestRequestLoginChallenge(t *testing.T) {
	fs := newFakeService(t)
	fs.with(func() {
		fs.qrURL = "https://api.qrserver.com/v1/create-qr-code/?data=http%3A%2F%2Fweixin.qq.com%2Fx%2Fabc"
	})
	c := newTestClient(fs, nil)

	var got string
	c.OnQRCode(func(u string) { got = u })

	ch, err := c.RequestLoginChallenge(context.Background())
	if err != nil {
		t.Fatalf("RequestLoginChallenge: %v", err)
	}
	if ch.URL != "http://weixin.qq.com/x/abc" || got != ch.URL {
		t.Errorf("unexpected url %q (listener got %q)", ch.URL, got)
	}
	if ch.Expires != 5*time.Minute {
		t.Errorf("unexpected expiry %v", ch.Expires)
	}
	if c.LoginState() != domain.AwaitingCredential {
		t.Errorf("expected awaiting credential, got %v", c.LoginState())
	}
}

func TestRequestLoginChallenge_EmptyURLFails(t *testing.T) {
	fs := newFakeService(t)
	c := newTestClient(fs, nil)
	if _, err := c.RequestLoginChallenge(context.Background()); err == nil {
		t.Fatal("expected error for empty QR url")
	}
}

func TestAttemptSilentLogin(t *testing.T) {
	fs := newFakeService(t)
	c := newTestClient(fs, nil)
	if !c.AttemptSilentLogin(context.Background()) {
		t.Fatal("expected wake-up to succeed")
	}
	fs.with(func() { fs.wakeCode = -1 })
	if c.AttemptSilentLogin(context.Background()) {
		t.Fatal("expected wake-up to fail")
	}
}

func TestRefreshLoginState_NotifiesOncePerTransition(t *testing.T) {
	fs := newFakeService(t)
	c := newTestClient(fs, nil)

	success, expired := 0, 0
	c.OnLoginSuccess(func() { success++ })
	c.OnLoginExpired(func() { expired++ })
	ctx := context.Background()

	if s, _ := c.RefreshLoginState(ctx); s != domain.LoggedOut {
		t.Fatalf("expected logged out, got %v", s)
	}
	fs.setLoginState(1)
	c.RefreshLoginState(ctx)
	c.RefreshLoginState(ctx)
	if c.LoginState() != domain.LoggedIn || success != 1 {
		t.Fatalf("expected one success notification, got state %v, %d", c.LoginState(), success)
	}

	fs.setLoginState(0)
	c.RefreshLoginState(ctx)
	c.RefreshLoginState(ctx)
	if c.LoginState() != domain.Expired || expired != 1 {
		t.Fatalf("expected one expiry notification, got state %v, %d", c.LoginState(), expired)
	}
}

func TestPollLoginUntil_Succeeds(t *testing.T) {
	fs := newFakeService(t)
	c := newTestClient(fs, nil)

	time.AfterFunc(30*time.Millisecond, func() { fs.setLoginState(1) })
	if err := c.PollLoginUntil(context.Background(), 10*time.Millisecond, 2*time.Second); err != nil {
		t.Fatalf("PollLoginUntil: %v", err)
	}
	if c.LoginState() != domain.LoggedIn {
		t.Errorf("expected logged in, got %v", c.LoginState())
	}
}

func TestPollLoginUntil_Timeout(t *testing.T) {
	fs := newFakeService(t)
	c := newTestClient(fs, nil)

	err := c.PollLoginUntil(context.Background(), 10*time.Millisecond, 60*time.Millisecond)
	if !errors.Is(err, domain.ErrLoginTimeout) {
		t.Fatalf("expected login timeout, got %v", err)
	}
}

func testImage(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func pageData(img []byte, off, end, next int) map[string]any {
	return map[string]any{
		"Data":         map[string]any{"Buffer": base64.StdEncoding.EncodeToString(img[off:end])},
		"DataLen":      end - off,
		"StartPos":     off,
		"NextStartPos": next,
	}
}

func TestDownloadImage_ReassemblesByServerOffset(t *testing.T) {
	img := testImage(150000)
	fs := newFakeService(t)
	// Pages arrive out of offset order; the cursor follows NextStartPos.
	fs.setPages(func(call int, req bigImageRequest) (int, any) {
		switch call {
		case 0:
			return 200, pageData(img, PageSize, 2*PageSize, 0)
		case 1:
			return 200, pageData(img, 0, PageSize, 2*PageSize)
		default:
			return 200, pageData(img, 2*PageSize, len(img), len(img))
		}
	})
	c := newTestClient(fs, nil)

	got, ok := c.DownloadImage(context.Background(), "m1", len(img), "wxid_from", "wxid_to")
	if !ok {
		t.Fatal("expected download to succeed")
	}
	if len(got) != len(img) {
		t.Fatalf("expected %d bytes, got %d", len(img), len(got))
	}
	for i := range img {
		if got[i] != img[i] {
			t.Fatalf("byte %d differs", i)
		}
	}
	reqs := fs.pageRequests()
	if len(reqs) != 3 {
		t.Fatalf("expected 3 page requests, got %d", len(reqs))
	}
	if reqs[1].Section.StartPos != 0 || reqs[2].Section.StartPos != 2*PageSize {
		t.Errorf("client did not follow server offsets: %+v", reqs)
	}
	if reqs[0].MsgID != "m1" || reqs[0].TotalLen != len(img) || reqs[0].Section.DataLen != PageSize {
		t.Errorf("unexpected first request: %+v", reqs[0])
	}
}

func TestDownloadImage_FailureMidStreamReturnsNothing(t *testing.T) {
	img := testImage(3 * PageSize)
	fs := newFakeService(t)
	fs.setPages(func(call int, req bigImageRequest) (int, any) {
		if call == 1 {
			return 500, nil
		}
		off := req.Section.StartPos
		return 200, pageData(img, off, off+PageSize, off+PageSize)
	})
	c := newTestClient(fs, nil)

	got, ok := c.DownloadImage(context.Background(), "m1", len(img), "a", "b")
	if ok || got != nil {
		t.Fatalf("expected absence, got ok=%v len=%d", ok, len(got))
	}
	if n := len(fs.pageRequests()); n != 2 {
		t.Errorf("expected download to stop after the failed page, got %d requests", n)
	}
}

func TestDownloadImage_ZeroLengthPageEndsStream(t *testing.T) {
	img := testImage(PageSize)
	fs := newFakeService(t)
	fs.setPages(func(call int, req bigImageRequest) (int, any) {
		if call == 0 {
			return 200, pageData(img, 0, PageSize, PageSize)
		}
		return 200, map[string]any{"Data": map[string]any{"Buffer": ""}, "DataLen": 0}
	})
	c := newTestClient(fs, nil)

	got, ok := c.DownloadImage(context.Background(), "m1", 100000, "a", "b")
	if !ok || len(got) != PageSize {
		t.Fatalf("expected %d bytes, got ok=%v len=%d", PageSize, ok, len(got))
	}
}

func TestDownloadImage_EmptyFirstPageIsEmptySuccess(t *testing.T) {
	fs := newFakeService(t)
	fs.setPages(func(call int, req bigImageRequest) (int, any) {
		return 200, map[string]any{"Data": map[string]any{"Buffer": ""}, "DataLen": 0}
	})
	c := newTestClient(fs, nil)

	got, ok := c.DownloadImage(context.Background(), "m1", 4096, "a", "b")
	if !ok || got == nil || len(got) != 0 {
		t.Fatalf("expected empty success, got ok=%v len=%d", ok, len(got))
	}
}

func TestDownloadImage_OverlappingPagesAreTrimmed(t *testing.T) {
	img := testImage(150000)
	fs := newFakeService(t)
	// The server re-chunks: each page starts 1000 bytes before the end
	// of the previous one.
	fs.setPages(func(call int, req bigImageRequest) (int, any) {
		off := req.Section.StartPos
		end := min(off+PageSize, len(img))
		next := end - 1000
		if end == len(img) {
			next = end
		}
		return 200, pageData(img, off, end, next)
	})
	c := newTestClient(fs, nil)

	got, ok := c.DownloadImage(context.Background(), "m1", len(img), "a", "b")
	if !ok {
		t.Fatal("expected download to succeed")
	}
	if !bytes.Equal(got, img) {
		t.Fatalf("reassembled image differs: got %d bytes, want %d", len(got), len(img))
	}
	if n := len(fs.pageRequests()); n != 3 {
		t.Errorf("expected 3 page requests, got %d", n)
	}
}

func TestImageTransfer_Add(t *testing.T) {
	img := testImage(100)
	tr := newImageTransfer("m1", len(img))
	tr.add(40, img[40:70])
	tr.add(0, img[0:50])    // overlaps the front of [40,70)
	tr.add(60, img[60:100]) // overlaps the tail
	tr.add(10, img[10:20])  // already held
	tr.add(100, []byte{1})  // past the end

	if tr.bytesReceived != len(img) || !tr.complete() {
		t.Fatalf("bytesReceived = %d, want %d", tr.bytesReceived, len(img))
	}
	if got := tr.assemble(); !bytes.Equal(got, img) {
		t.Errorf("assembled %v", got)
	}
}

func TestDownloadImage_StuckServerGivesUp(t *testing.T) {
	img := testImage(PageSize)
	fs := newFakeService(t)
	fs.setPages(func(call int, req bigImageRequest) (int, any) {
		return 200, pageData(img, 0, 1024, 0)
	})
	c := newTestClient(fs, nil)

	if _, ok := c.DownloadImage(context.Background(), "m1", 2*PageSize, "a", "b"); ok {
		t.Fatal("expected failure when the server never advances")
	}
	if n := len(fs.pageRequests()); n != 2+extraPages {
		t.Errorf("expected %d requests, got %d", 2+extraPages, n)
	}
}

func TestSubscribe_EmitsNormalizedMessages(t *testing.T) {
	fs := newFakeService(t)
	c := newTestClient(fs, nil)
	defer c.Close()

	msgs := make(chan domain.NormalizedMessage, 4)
	c.OnMessage(func(m domain.NormalizedMessage) { msgs <- m })

	if err := c.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if c.ConnectionState() != domain.Connected {
		t.Fatalf("expected connected, got %v", c.ConnectionState())
	}
	conn := fs.nextConn(t)

	frames := []string{
		`not json`,
		`{"from_user_name":{"str":"wxid_a"},"content":{"str":"no recipient"},"msg_type":1}`,
		`{"from_user_name":{"str":"wxid_a"},"to_user_name":{"str":"wxid_me"},"content":{"str":"hello"},"msg_type":1,"create_time":1700000000,"msg_id":1234567890123}`,
		`[{"from_user_name":{"str":"wxid_b"},"to_user_name":{"str":"wxid_me"},"content":{"str":"<msg><img aeskey=\"k\" length=\"2048\"/></msg>"},"msg_type":3,"msg_id":"77"}]`,
	}
	for _, f := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatal(err)
		}
	}

	var got []domain.NormalizedMessage
	for len(got) < 2 {
		select {
		case m := <-msgs:
			got = append(got, m)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 2 messages, got %d", len(got))
		}
	}

	text := got[0]
	if text.SenderID != "wxid_a" || text.RecipientID != "wxid_me" || text.RawContent != "hello" ||
		text.Type != domain.MessageText || text.MessageID != "1234567890123" {
		t.Errorf("unexpected text message: %+v", text)
	}
	if !text.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("unexpected timestamp %v", text.Timestamp)
	}
	img := got[1]
	if img.Type != domain.MessageImage || img.Image == nil || img.Image.TotalLength() != 2048 || img.MessageID != "77" {
		t.Errorf("unexpected image message: %+v", img)
	}
}

func TestSubscribe_ReconnectsWithBackoff(t *testing.T) {
	fs := newFakeService(t)
	sched := &fakeScheduler{}
	c := newTestClient(fs, sched.schedule)
	defer c.Close()

	connected := make(chan struct{}, 4)
	c.OnConnected(func() { connected <- struct{}{} })

	if err := c.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	<-connected
	fs.nextConn(t).Close()

	waitFor(t, "reconnect to be scheduled", func() bool { return sched.count() == 1 })
	if c.ConnectionState() != domain.Reconnecting {
		t.Errorf("expected reconnecting, got %v", c.ConnectionState())
	}
	if d := sched.delay(0); d != backoff.DefaultBase || c.ReconnectAttempt() != 1 {
		t.Errorf("unexpected delay %v attempt %d", d, c.ReconnectAttempt())
	}

	sched.fire(0)
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("did not reconnect")
	}
	fs.nextConn(t)
	if c.ConnectionState() != domain.Connected || c.ReconnectAttempt() != 0 {
		t.Errorf("expected connected with attempt 0, got %v %d", c.ConnectionState(), c.ReconnectAttempt())
	}
}

func TestDisableReconnect_StopsPendingAttempt(t *testing.T) {
	fs := newFakeService(t)
	sched := &fakeScheduler{}
	c := newTestClient(fs, sched.schedule)
	defer c.Close()

	if err := c.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	fs.nextConn(t).Close()
	waitFor(t, "reconnect to be scheduled", func() bool { return sched.count() == 1 })

	c.DisableReconnect()
	sched.fire(0)

	select {
	case <-fs.conns:
		t.Fatal("reconnected after DisableReconnect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClose_Idempotent(t *testing.T) {
	fs := newFakeService(t)
	c := newTestClient(fs, nil)
	if err := c.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	fs.nextConn(t)

	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if c.ConnectionState() != domain.Disconnected {
		t.Errorf("expected disconnected, got %v", c.ConnectionState())
	}
	if err := c.Subscribe(context.Background()); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}
