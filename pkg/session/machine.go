package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Metaphorme/fbox/pkg/models"
	"github.com/Metaphorme/fbox/pkg/protocol"
	"github.com/Metaphorme/fbox/pkg/transport"
)

var (
	// ErrInvalidState 表示命令在当前连接状态下无效
	ErrInvalidState = errors.New("session: command not valid in current state")
	// ErrEmptyPhrase 表示配对短语为空
	ErrEmptyPhrase = errors.New("session: empty phrase")
	// ErrClosed 表示状态机已关闭
	ErrClosed = errors.New("session: machine closed")
)

// DefaultMimeType 是未知类型文件的 MIME
const DefaultMimeType = "application/octet-stream"

// Conn 是状态机对传输层的最小依赖
type Conn interface {
	Send(kind models.RequestKind, body any)
	Close()
}

// Opener 为给定代际打开一个新的传输
// 实现不得在 Opener 内同步调用 h 的回调
type Opener func(ctx context.Context, gen uint64, h transport.Handler) Conn

// SocketOpener 返回一个连接到 url 的 WebSocket Opener
func SocketOpener(url string, opts ...transport.Option) Opener {
	return func(ctx context.Context, gen uint64, h transport.Handler) Conn {
		o := append([]transport.Option{transport.WithGeneration(gen)}, opts...)
		return transport.Open(ctx, url, h, o...)
	}
}

// Uploader 是文件传输服务的上传端
type Uploader interface {
	Upload(ctx context.Context, seed, id string, payload []byte) error
}

// Config 配置状态机
type Config struct {
	Open     Opener
	Uploader Uploader
	OnChange func(State)  // 每次状态变化后串行调用，不会收到比已交付快照更旧的快照；回调内不得同步调用修改状态的命令
	OnNotice func(Notice) // 用户可见提示
	NewID    func() string
	Logger   *zerolog.Logger
}

// LocalFile 是 AddFile 的输入
type LocalFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// Machine 持有进程内唯一的连接状态与当前传输
//
// 入站消息在传输的读协程上逐条处理，命令与消息处理之间由 mu 串行化。
// 每个传输都带有一个代际号，来自已被替换的传输的回调会被直接丢弃。
type Machine struct {
	cfg    Config
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	lifeMu sync.Mutex // 串行化 Reconnect/Close

	mu     sync.Mutex
	state  State
	conn   Conn
	gen    uint64
	seq    uint64 // 每次修改 state 递增
	closed bool

	notifyMu  sync.Mutex
	delivered uint64 // 最近交付给 OnChange 的 seq

	uploads sync.WaitGroup
}

// New 创建一个处于 Uninitialized 状态的状态机；调用 Start 后才会建立连接
func New(ctx context.Context, cfg Config) *Machine {
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Machine{
		cfg:    cfg,
		log:    l.With().Str("component", "session").Logger(),
		ctx:    ctx,
		cancel: cancel,
		state:  Uninitialized{},
	}
}

// Start 打开第一个传输
func (m *Machine) Start() error {
	if m.cfg.Open == nil {
		return errors.New("session: no opener configured")
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	m.Reconnect()
	return nil
}

// State 返回当前状态的快照
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Generation 返回当前传输的代际号
func (m *Machine) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// Seed 返回已连接会话的种子（用于构造下载地址）
func (m *Machine) Seed() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.state.(Connected); ok {
		return c.Seed, true
	}
	return "", false
}

// Connect 在 Created 状态下使用对端短语请求配对；状态只会在响应到达时改变
func (m *Machine) Connect(phrase string) error {
	return m.sendConnect(KindCreated, phrase)
}

// AddPeer 在 Connected 状态下把另一个对端加入现有会话
func (m *Machine) AddPeer(phrase string) error {
	return m.sendConnect(KindConnected, phrase)
}

func (m *Machine) sendConnect(want StateKind, phrase string) error {
	phrase = normalizePhrase(phrase)
	if phrase == "" {
		return ErrEmptyPhrase
	}
	m.mu.Lock()
	if err := m.requireLocked(want); err != nil {
		m.mu.Unlock()
		return err
	}
	conn := m.conn
	m.mu.Unlock()

	m.send(conn, models.RequestConnect, models.ConnectRequest{Phrase: phrase})
	return nil
}

// AddFile 为文件分配新 ID，登记本地内容并发送 add_file
// 返回的 ID 在中继回显 file_added 之前只是临时登记
func (m *Machine) AddFile(f LocalFile) (string, error) {
	mime := strings.TrimSpace(f.MimeType)
	if mime == "" {
		mime = DefaultMimeType
	}
	m.mu.Lock()
	if err := m.requireLocked(KindConnected); err != nil {
		m.mu.Unlock()
		return "", err
	}
	cur := m.state.(Connected)
	id := m.cfg.NewID()
	cur.Registry = cur.Registry.WithLocal(id, f.Data)
	m.state = cur
	seq := m.bumpLocked()
	conn := m.conn
	m.mu.Unlock()

	m.send(conn, models.RequestAddFile, models.AddFileRequest{
		ID:       id,
		Name:     f.Name,
		MimeType: mime,
		Size:     int64(len(f.Data)),
	})
	m.notifyChange(seq, cur)
	return id, nil
}

// RemoveFile 丢弃本地内容（如有）并发送 remove_file；对同一 ID 重复调用是安全的
func (m *Machine) RemoveFile(id string) error {
	m.mu.Lock()
	if err := m.requireLocked(KindConnected); err != nil {
		m.mu.Unlock()
		return err
	}
	cur := m.state.(Connected)
	_, hadLocal := cur.Registry.Local(id)
	cur.Registry = cur.Registry.WithoutLocal(id)
	m.state = cur
	seq := m.bumpLocked()
	conn := m.conn
	m.mu.Unlock()

	m.send(conn, models.RequestRemoveFile, models.RemoveFileRequest{ID: id})
	if hadLocal {
		m.notifyChange(seq, cur)
	}
	return nil
}

// Reconnect 关闭当前传输、清空全部状态并打开新的传输
// 尚未传输的本地文件会被丢弃
func (m *Machine) Reconnect() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	old := m.conn
	dropped := 0
	if c, ok := m.state.(Connected); ok {
		dropped = c.Registry.LocalCount()
	}
	m.gen++
	gen := m.gen
	m.conn = nil
	m.state = Uninitialized{}
	seq := m.bumpLocked()
	m.mu.Unlock()

	if dropped > 0 {
		m.log.Warn().Int("local_files", dropped).Msg("reconnect drops local files that were never transferred")
	}
	// 先关闭旧传输，再打开新传输
	if old != nil {
		old.Close()
	}
	m.notifyChange(seq, Uninitialized{})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.gen != gen {
		return
	}
	m.conn = m.cfg.Open(m.ctx, gen, m.handler(gen))
	m.log.Debug().Uint64("gen", gen).Msg("transport opened")
}

// Close 关闭当前传输并取消进行中的上传
func (m *Machine) Close() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	old := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.cancel()
	if old != nil {
		old.Close()
	}
}

// Wait 等待所有已触发的上传结束
func (m *Machine) Wait() { m.uploads.Wait() }

func (m *Machine) handler(gen uint64) transport.Handler {
	return transport.Handler{
		OnMessage: func(r protocol.Response) { m.handleMessage(gen, r) },
		OnClose:   func(err error) { m.handleClose(gen, err) },
	}
}

func (m *Machine) handleMessage(gen uint64, resp protocol.Response) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		m.log.Debug().Uint64("gen", gen).Str("kind", string(resp.Kind())).Msg("dropping response from superseded transport")
		return
	}
	next, eff := Reduce(m.state, resp)
	m.state = next
	seq := m.bumpLocked()
	m.mu.Unlock()

	if eff.Ignored != "" {
		m.log.Debug().Str("kind", string(resp.Kind())).Str("reason", eff.Ignored).Msg("response ignored")
		return
	}
	m.log.Debug().Str("kind", string(resp.Kind())).Str("state", string(next.Kind())).Msg("response applied")

	if eff.Notice == nil || eff.Notice.RolledBack != "" {
		m.notifyChange(seq, next)
	}
	if eff.Notice != nil {
		if eff.Notice.RolledBack != "" {
			m.log.Warn().Str("id", eff.Notice.RolledBack).Str("notice", string(eff.Notice.Kind)).Msg("local file rolled back")
		}
		m.notifyNotice(*eff.Notice)
	}
	if eff.Upload != nil {
		m.startUpload(*eff.Upload)
	}
}

func (m *Machine) handleClose(gen uint64, err error) {
	m.mu.Lock()
	current := !m.closed && gen == m.gen
	m.mu.Unlock()
	if !current {
		m.log.Debug().Uint64("gen", gen).Msg("superseded transport closed")
		return
	}
	m.log.Warn().Err(err).Uint64("gen", gen).Msg("connection to relay lost")
	msg := "Disconnected from relay. Use /reconnect to start over."
	if err != nil {
		msg = fmt.Sprintf("Disconnected from relay (%v). Use /reconnect to start over.", err)
	}
	m.notifyNotice(Notice{Kind: NoticeDisconnected, Message: msg})
}

func (m *Machine) startUpload(u Upload) {
	if m.cfg.Uploader == nil {
		m.log.Warn().Str("id", u.ID).Msg("file requested but no uploader configured")
		return
	}
	m.uploads.Add(1)
	go func() {
		defer m.uploads.Done()
		if err := m.cfg.Uploader.Upload(m.ctx, u.Seed, u.ID, u.Payload); err != nil {
			m.log.Warn().Err(err).Str("id", u.ID).Msg("upload failed")
			return
		}
		m.log.Info().Str("id", u.ID).Int("bytes", len(u.Payload)).Msg("upload finished")
	}()
}

func (m *Machine) send(conn Conn, kind models.RequestKind, body any) {
	if conn == nil {
		m.log.Debug().Str("kind", string(kind)).Msg("no transport, request dropped")
		return
	}
	conn.Send(kind, body)
}

func (m *Machine) requireLocked(want StateKind) error {
	if m.closed {
		return ErrClosed
	}
	if got := m.state.Kind(); got != want {
		return fmt.Errorf("%w: need %s, have %s", ErrInvalidState, want, got)
	}
	return nil
}

func (m *Machine) bumpLocked() uint64 {
	m.seq++
	return m.seq
}

// notifyChange 把快照交给 OnChange
// 快照在 mu 之外交付，并发的修改可能乱序到达这里：回调由 notifyMu 串行化，
// 比已交付快照更旧的直接丢弃，所以观察者看到的 seq 严格递增。
func (m *Machine) notifyChange(seq uint64, st State) {
	if m.cfg.OnChange == nil {
		return
	}
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if seq <= m.delivered {
		m.log.Debug().Uint64("seq", seq).Str("state", string(st.Kind())).Msg("dropping stale state snapshot")
		return
	}
	m.delivered = seq
	m.cfg.OnChange(st)
}

func (m *Machine) notifyNotice(n Notice) {
	if m.cfg.OnNotice != nil {
		m.cfg.OnNotice(n)
	}
}

// normalizePhrase 折叠短语中的多余空白
func normalizePhrase(p string) string {
	return strings.Join(strings.Fields(p), " ")
}
