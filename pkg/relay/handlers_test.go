package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Metaphorme/fbox/pkg/models"
	"github.com/Metaphorme/fbox/pkg/protocol"
	fsession "github.com/Metaphorme/fbox/pkg/session"
	"github.com/Metaphorme/fbox/pkg/transfer"
	"github.com/Metaphorme/fbox/pkg/transport"
)

func newTestServer(t *testing.T, lim *IPLimiter) (*httptest.Server, *Hub) {
	t.Helper()
	hub, _ := newTestHub(t, func(c *Config) { c.Now = time.Now })
	h := NewHTTPHandlers(hub, lim, nil, zerolog.Nop())
	h.TransferToken = testTransferToken
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return srv, hub
}

const testTransferToken = "xfer-token"

// fileRequest 以文件传输服务的身份调用中继的内部接口
func fileRequest(t *testing.T, method, base, token, seed, id string) int {
	t.Helper()
	req, err := http.NewRequest(method, base+models.RequestsPath+"/"+id, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(models.SessionSeedHeader, seed)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func socketURL(base string) string {
	return "ws" + strings.TrimPrefix(base, "http") + models.SocketPath
}

type captureUploader struct {
	mu    sync.Mutex
	calls []fsession.Upload
	got   chan struct{}
}

func (u *captureUploader) Upload(_ context.Context, seed, id string, payload []byte) error {
	u.mu.Lock()
	u.calls = append(u.calls, fsession.Upload{ID: id, Seed: seed, Payload: payload})
	u.mu.Unlock()
	u.got <- struct{}{}
	return nil
}

// client 是测试中的一个 fbox 客户端
type client struct {
	m      *fsession.Machine
	states chan fsession.State
}

func newClient(t *testing.T, url string, up fsession.Uploader) *client {
	t.Helper()
	nop := zerolog.Nop()
	c := &client{states: make(chan fsession.State, 64)}
	c.m = fsession.New(context.Background(), fsession.Config{
		Open:     fsession.SocketOpener(url, transport.WithLogger(nop)),
		Uploader: up,
		OnChange: func(st fsession.State) { c.states <- st },
		Logger:   &nop,
	})
	if err := c.m.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.m.Close)
	return c
}

// waitState 等待满足条件的状态
func (c *client) waitState(t *testing.T, ok func(fsession.State) bool) fsession.State {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-c.states:
			if ok(st) {
				return st
			}
		case <-deadline:
			t.Fatalf("state not reached; current %#v", c.m.State())
			return nil
		}
	}
}

func isCreated(st fsession.State) bool { return st.Kind() == fsession.KindCreated }

func isConnected(st fsession.State) bool { return st.Kind() == fsession.KindConnected }

func hasFiles(n int) func(fsession.State) bool {
	return func(st fsession.State) bool {
		c, ok := st.(fsession.Connected)
		return ok && len(c.Files()) == n
	}
}

func TestRelay_EndToEnd(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	url := socketURL(srv.URL)

	up := &captureUploader{got: make(chan struct{}, 1)}
	a := newClient(t, url, up)
	b := newClient(t, url, nil)

	created := a.waitState(t, isCreated).(fsession.Created)
	b.waitState(t, isCreated)

	if err := b.m.Connect(created.Phrase); err != nil {
		t.Fatal(err)
	}
	ca := a.waitState(t, isConnected).(fsession.Connected)
	cb := b.waitState(t, isConnected).(fsession.Connected)
	if ca.Seed != cb.Seed || ca.ConnectionID == cb.ConnectionID {
		t.Fatalf("a=%#v b=%#v", ca, cb)
	}

	id, err := a.m.AddFile(fsession.LocalFile{Name: "x.txt", MimeType: "text/plain", Data: []byte("0123456789")})
	if err != nil {
		t.Fatal(err)
	}
	fb := b.waitState(t, hasFiles(1)).(fsession.Connected).Files()[0]
	if fb.ID != id || fb.Name != "x.txt" || fb.Size != 10 || fb.ConnectionID != ca.ConnectionID {
		t.Fatalf("b sees %#v", fb)
	}
	a.waitState(t, hasFiles(1))

	// 文件传输服务向中继请求该文件，A 负责上传
	if code := fileRequest(t, http.MethodPost, srv.URL, testTransferToken, cb.Seed, id); code != http.StatusOK {
		t.Fatalf("request file status = %d", code)
	}
	select {
	case <-up.got:
	case <-time.After(5 * time.Second):
		t.Fatal("upload not triggered")
	}
	up.mu.Lock()
	call := up.calls[0]
	up.mu.Unlock()
	if call.ID != id || call.Seed != ca.Seed || string(call.Payload) != "0123456789" {
		t.Fatalf("upload = %#v", call)
	}
	if code := fileRequest(t, http.MethodDelete, srv.URL, testTransferToken, cb.Seed, id); code != http.StatusNoContent {
		t.Fatalf("complete status = %d", code)
	}

	// A 断开后，B 看到 A 的文件被撤回
	a.m.Close()
	b.waitState(t, hasFiles(0))
}

func TestRelay_FileRequestEndpoint(t *testing.T) {
	srv, hub := newTestServer(t, nil)
	a, phrase := register(t, hub, "10.0.0.1")
	b, _ := register(t, hub, "10.0.0.2")
	hub.Handle(b, protocol.Connect{Phrase: phrase})
	seed := recv(t, a).(protocol.Connected).Seed
	recv(t, b)
	hub.Handle(a, protocol.AddFile{ID: "f1", Name: "a.txt", MimeType: "text/plain", Size: 1})
	recv(t, a)
	recv(t, b)

	if code := fileRequest(t, http.MethodPost, srv.URL, "", seed, "f1"); code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", code)
	}
	if code := fileRequest(t, http.MethodPost, srv.URL, "wrong", seed, "f1"); code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d", code)
	}
	quiet(t, a)

	if code := fileRequest(t, http.MethodPost, srv.URL, testTransferToken, seed, "f1"); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if r, ok := recv(t, a).(protocol.FileRequested); !ok || r.ID != "f1" {
		t.Fatalf("owner got %#v", r)
	}
	if code := fileRequest(t, http.MethodPost, srv.URL, testTransferToken, seed, "f1"); code != http.StatusConflict {
		t.Fatalf("duplicate request: status = %d", code)
	}
	if code := fileRequest(t, http.MethodPost, srv.URL, testTransferToken, seed, "missing"); code != http.StatusNotFound {
		t.Fatalf("unknown file: status = %d", code)
	}
	if code := fileRequest(t, http.MethodPost, srv.URL, testTransferToken, "bogus", "f1"); code != http.StatusNotFound {
		t.Fatalf("unknown session: status = %d", code)
	}

	if code := fileRequest(t, http.MethodDelete, srv.URL, testTransferToken, seed, "f1"); code != http.StatusNoContent {
		t.Fatalf("complete: status = %d", code)
	}
	if code := fileRequest(t, http.MethodDelete, srv.URL, testTransferToken, seed, "f1"); code != http.StatusNotFound {
		t.Fatalf("second complete: status = %d", code)
	}
	// 完成后可以再次请求
	if code := fileRequest(t, http.MethodPost, srv.URL, testTransferToken, seed, "f1"); code != http.StatusOK {
		t.Fatalf("re-request: status = %d", code)
	}
}

func TestRelay_FileRequestRoutesNeedToken(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	srv := httptest.NewServer(NewHTTPHandlers(hub, nil, nil, zerolog.Nop()).Routes())
	defer srv.Close()
	if code := fileRequest(t, http.MethodPost, srv.URL, "", "seed", "f1"); code != http.StatusNotFound {
		t.Fatalf("routes exposed without a token: status = %d", code)
	}
}

func TestRelay_NewPhraseEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + models.SessionsPath)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}

	c := transfer.NewClient(srv.URL)
	c.Log = zerolog.Nop()
	phrase, err := c.NewPhrase(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(strings.Fields(phrase)) != DefaultPhraseWords {
		t.Fatalf("phrase = %q", phrase)
	}
}

func TestRelay_SocketRateLimited(t *testing.T) {
	lim := NewIPLimiter(time.Minute, 1, time.Minute, 100)
	srv, _ := newTestServer(t, lim)
	url := socketURL(srv.URL)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer ws.Close()

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("second dial should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("resp = %#v", resp)
	}
}

func TestRelay_Health(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ws, _, err := websocket.DefaultDialer.Dial(socketURL(srv.URL), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	// 读到 created 说明连接已登记
	if _, _, err := ws.ReadMessage(); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["peers"] != 1 || got["sessions"] != 0 || got["phrases"] != 1 {
		t.Fatalf("health = %v", got)
	}
}
