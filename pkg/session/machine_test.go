package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Metaphorme/fbox/pkg/models"
	"github.com/Metaphorme/fbox/pkg/protocol"
	"github.com/Metaphorme/fbox/pkg/transport"
)

type sent struct {
	kind models.RequestKind
	body any
}

// fakeConn 记录发出的请求，并允许测试直接驱动回调
type fakeConn struct {
	gen uint64
	h   transport.Handler

	mu     sync.Mutex
	sent   []sent
	closed bool
}

func (c *fakeConn) Send(kind models.RequestKind, body any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.sent = append(c.sent, sent{kind, body})
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) deliver(r protocol.Response) { c.h.OnMessage(r) }

func (c *fakeConn) requests() []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sent(nil), c.sent...)
}

type fakeUploader struct {
	mu    sync.Mutex
	calls []Upload
	err   error
}

func (u *fakeUploader) Upload(_ context.Context, seed, id string, payload []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, Upload{ID: id, Seed: seed, Payload: payload})
	return u.err
}

func (u *fakeUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

type harness struct {
	m        *Machine
	up       *fakeUploader
	mu       sync.Mutex
	conns    []*fakeConn
	notices  []Notice
	changes  int
	idSerial int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{up: &fakeUploader{}}
	nop := zerolog.Nop()
	h.m = New(context.Background(), Config{
		Open: func(_ context.Context, gen uint64, th transport.Handler) Conn {
			c := &fakeConn{gen: gen, h: th}
			h.mu.Lock()
			h.conns = append(h.conns, c)
			h.mu.Unlock()
			return c
		},
		Uploader: h.up,
		OnChange: func(State) {
			h.mu.Lock()
			h.changes++
			h.mu.Unlock()
		},
		OnNotice: func(n Notice) {
			h.mu.Lock()
			h.notices = append(h.notices, n)
			h.mu.Unlock()
		},
		NewID: func() string {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.idSerial++
			return fmt.Sprintf("id-%d", h.idSerial)
		},
		Logger: &nop,
	})
	if err := h.m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) conn(i int) *fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[i]
}

func (h *harness) lastNotice() Notice {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.notices) == 0 {
		return Notice{}
	}
	return h.notices[len(h.notices)-1]
}

func (h *harness) connect(t *testing.T, seed string, files ...models.FileInfo) *fakeConn {
	t.Helper()
	c := h.conn(len(h.conns) - 1)
	c.deliver(protocol.Created{Phrase: "alpha beta"})
	if err := h.m.Connect("gamma delta"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.deliver(protocol.Connected{ConnectionID: 1, Seed: seed, Files: files})
	if h.m.State().Kind() != KindConnected {
		t.Fatalf("state = %s", h.m.State().Kind())
	}
	return c
}

func TestMachine_CommandsRequireState(t *testing.T) {
	h := newHarness(t)

	if err := h.m.Connect("a b"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Connect in uninitialized: %v", err)
	}
	if _, err := h.m.AddFile(LocalFile{Name: "x"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("AddFile in uninitialized: %v", err)
	}
	if err := h.m.RemoveFile("x"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("RemoveFile in uninitialized: %v", err)
	}

	h.conn(0).deliver(protocol.Created{Phrase: "p"})
	if err := h.m.AddPeer("a b"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("AddPeer in created: %v", err)
	}
	if err := h.m.Connect("   "); !errors.Is(err, ErrEmptyPhrase) {
		t.Fatalf("empty phrase: %v", err)
	}
	if got := h.conn(0).requests(); len(got) != 0 {
		t.Fatalf("rejected commands sent %v", got)
	}
}

func TestMachine_ConnectSendsNormalizedPhrase(t *testing.T) {
	h := newHarness(t)
	h.conn(0).deliver(protocol.Created{Phrase: "p"})
	if err := h.m.Connect("  one   two  three "); err != nil {
		t.Fatal(err)
	}
	// 状态只在响应到达时改变
	if h.m.State().Kind() != KindCreated {
		t.Fatalf("state changed before response")
	}
	got := h.conn(0).requests()
	want := []sent{{models.RequestConnect, models.ConnectRequest{Phrase: "one two three"}}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("sent = %#v", got)
	}
}

func TestMachine_EndToEnd(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, "seed-1", fi("theirs"))

	id, err := h.m.AddFile(LocalFile{Name: "notes.txt", Data: []byte("hello")})
	if err != nil {
		t.Fatal(err)
	}
	if id != "id-1" {
		t.Fatalf("id = %s", id)
	}
	reqs := c.requests()
	last := reqs[len(reqs)-1]
	want := models.AddFileRequest{ID: "id-1", Name: "notes.txt", MimeType: DefaultMimeType, Size: 5}
	if last.kind != models.RequestAddFile || !reflect.DeepEqual(last.body, want) {
		t.Fatalf("add_file = %#v", last)
	}

	// 中继回显，然后对端请求该文件
	c.deliver(protocol.FileAdded{File: models.FileInfo{ID: id, Name: "notes.txt", MimeType: DefaultMimeType, Size: 5}})
	if got := ids(h.m.State().(Connected).Files()); !reflect.DeepEqual(got, []string{"theirs", id}) {
		t.Fatalf("files = %v", got)
	}
	c.deliver(protocol.FileRequested{ID: id})
	h.m.Wait()

	if h.up.count() != 1 {
		t.Fatalf("upload count = %d", h.up.count())
	}
	call := h.up.calls[0]
	if call.ID != id || call.Seed != "seed-1" || string(call.Payload) != "hello" {
		t.Fatalf("upload = %#v", call)
	}
	if h.m.State().(Connected).Registry.LocalCount() != 0 {
		t.Fatalf("payload not consumed")
	}

	seed, ok := h.m.Seed()
	if !ok || seed != "seed-1" {
		t.Fatalf("Seed() = %q %v", seed, ok)
	}
}

func TestMachine_FileRequestedForUnknownIDDoesNotUpload(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, "s")
	c.deliver(protocol.FileRequested{ID: "nope"})
	h.m.Wait()
	if h.up.count() != 0 {
		t.Fatalf("upload count = %d", h.up.count())
	}
}

func TestMachine_RemoveFileIsIdempotent(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, "s")
	id, _ := h.m.AddFile(LocalFile{Name: "a", Data: []byte("1")})

	for i := 0; i < 2; i++ {
		if err := h.m.RemoveFile(id); err != nil {
			t.Fatalf("RemoveFile #%d: %v", i, err)
		}
	}
	if h.m.State().(Connected).Registry.LocalCount() != 0 {
		t.Fatalf("local payload not dropped")
	}
	n := 0
	for _, r := range c.requests() {
		if r.kind == models.RequestRemoveFile {
			n++
		}
	}
	if n != 2 {
		t.Fatalf("remove_file sent %d times, want 2", n)
	}

	// 回显到达后即使再次请求也不会上传
	c.deliver(protocol.FileRequested{ID: id})
	h.m.Wait()
	if h.up.count() != 0 {
		t.Fatalf("removed file was uploaded")
	}
}

func TestMachine_RejectionRollsBack(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, "s")
	id, _ := h.m.AddFile(LocalFile{Name: "a", Data: []byte("1")})

	c.deliver(protocol.FileCountLimitReached{})
	n := h.lastNotice()
	if n.Kind != NoticeFileCountLimitReached || n.RolledBack != id {
		t.Fatalf("notice = %#v", n)
	}
	if h.m.State().(Connected).Registry.LocalCount() != 0 {
		t.Fatalf("rolled back file still held")
	}
}

func TestMachine_RejectionAfterLocalRemoveKeepsLaterFile(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, "s")
	first, _ := h.m.AddFile(LocalFile{Name: "a", Data: []byte("1")})
	if err := h.m.RemoveFile(first); err != nil {
		t.Fatal(err)
	}
	second, _ := h.m.AddFile(LocalFile{Name: "b", Data: []byte("2")})

	// 中继拒绝的是先到的 first，second 仍在等待回显
	c.deliver(protocol.FileCountLimitReached{})
	if n := h.lastNotice(); n.Kind != NoticeFileCountLimitReached || n.RolledBack != "" {
		t.Fatalf("notice = %#v", n)
	}
	if _, ok := h.m.State().(Connected).Registry.Local(second); !ok {
		t.Fatalf("%s dropped by a rejection meant for %s", second, first)
	}

	c.deliver(protocol.FileAdded{File: models.FileInfo{ID: second, Name: "b", MimeType: DefaultMimeType, Size: 1}})
	c.deliver(protocol.FileRequested{ID: second})
	h.m.Wait()
	if h.up.count() != 1 || string(h.up.calls[0].Payload) != "2" {
		t.Fatalf("uploads = %#v", h.up.calls)
	}
	if got := h.m.State().(Connected).Registry.Pending(); len(got) != 0 {
		t.Fatalf("pending = %v", got)
	}
}

func TestMachine_StaleSnapshotNotDelivered(t *testing.T) {
	var got []StateKind
	nop := zerolog.Nop()
	m := New(context.Background(), Config{
		OnChange: func(st State) { got = append(got, st.Kind()) },
		Logger:   &nop,
	})
	defer m.Close()

	// 模拟两个并发修改：较新的快照先到达，较旧的随后才被交付
	m.notifyChange(2, Connected{Seed: "s"})
	m.notifyChange(1, Created{Phrase: "p"})
	m.notifyChange(3, Uninitialized{})
	want := []StateKind{KindConnected, KindUninitialized}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("delivered = %v, want %v", got, want)
	}
}

func TestMachine_ReconnectDropsStaleCallbacks(t *testing.T) {
	h := newHarness(t)
	old := h.connect(t, "s1", fi("a"))
	if _, err := h.m.AddFile(LocalFile{Name: "x", Data: []byte("x")}); err != nil {
		t.Fatal(err)
	}

	h.m.Reconnect()
	if h.m.State().Kind() != KindUninitialized {
		t.Fatalf("state after reconnect = %s", h.m.State().Kind())
	}
	if !old.closed {
		t.Fatalf("old transport not closed")
	}
	fresh := h.conn(1)
	if fresh.gen != old.gen+1 {
		t.Fatalf("generation %d -> %d", old.gen, fresh.gen)
	}

	// 旧传输上迟到的事件必须被丢弃
	old.deliver(protocol.Created{Phrase: "stale"})
	old.deliver(protocol.FileRequested{ID: "id-1"})
	old.h.OnClose(errors.New("late close"))
	h.m.Wait()
	if h.m.State().Kind() != KindUninitialized {
		t.Fatalf("stale event changed state to %s", h.m.State().Kind())
	}
	if h.up.count() != 0 {
		t.Fatalf("stale event triggered upload")
	}
	if n := h.lastNotice(); n.Kind == NoticeDisconnected {
		t.Fatalf("stale close surfaced a notice")
	}

	fresh.deliver(protocol.Created{Phrase: "new phrase"})
	if st, ok := h.m.State().(Created); !ok || st.Phrase != "new phrase" {
		t.Fatalf("state = %#v", h.m.State())
	}
}

func TestMachine_CurrentTransportLossIsNotice(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, "s")
	c.h.OnClose(errors.New("boom"))
	if n := h.lastNotice(); n.Kind != NoticeDisconnected {
		t.Fatalf("notice = %#v", n)
	}
	// 状态保持不变
	if h.m.State().Kind() != KindConnected {
		t.Fatalf("state = %s", h.m.State().Kind())
	}
}

func TestMachine_UnknownOrInvalidEventsIgnored(t *testing.T) {
	h := newHarness(t)
	c := h.conn(0)
	c.deliver(protocol.FileAdded{File: fi("a")})
	c.deliver(protocol.Connected{Seed: "s"})
	if h.m.State().Kind() != KindUninitialized {
		t.Fatalf("state = %s", h.m.State().Kind())
	}
	h.mu.Lock()
	changes := h.changes
	h.mu.Unlock()
	// 只有 Start 时那一次
	if changes != 1 {
		t.Fatalf("OnChange called %d times", changes)
	}
}

func TestMachine_CloseStopsEverything(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, "s")
	h.m.Close()
	if !c.closed {
		t.Fatalf("transport not closed")
	}
	if _, err := h.m.AddFile(LocalFile{Name: "a"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("AddFile after close: %v", err)
	}
	h.m.Reconnect()
	h.mu.Lock()
	n := len(h.conns)
	h.mu.Unlock()
	if n != 1 {
		t.Fatalf("reconnect after close opened a transport")
	}
	if err := h.m.Start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after close: %v", err)
	}
}
