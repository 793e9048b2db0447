package relay

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Metaphorme/fbox/internal/utils"
	"github.com/Metaphorme/fbox/pkg/crypto"
	"github.com/Metaphorme/fbox/pkg/models"
	"github.com/Metaphorme/fbox/pkg/protocol"
)

var (
	// ErrSessionNotFound 表示种子不对应任何活动会话
	ErrSessionNotFound = errors.New("relay: session not found")
	// ErrFileNotFound 表示会话中没有该文件，或其所有者已离开
	ErrFileNotFound = errors.New("relay: file not found")
	// ErrRequestPending 表示同一文件已有一个未完成的传输请求
	ErrRequestPending = errors.New("relay: file request already pending")
)

const (
	// DefaultMaxFiles 是每个会话允许的文件数上限
	DefaultMaxFiles = 10
	// DefaultPhraseWords 是配对短语的单词数
	DefaultPhraseWords = 6

	minWordLen = 3
	maxWordLen = 8
)

// session 是两个或多个已配对连接共享的文件目录
type session struct {
	seed    string
	members map[uint64]*Peer
	files   []models.FileInfo
	pending map[string]struct{} // 已发出 file_requested、等待上传的文件
}

func (s *session) file(id string) (models.FileInfo, bool) {
	i := slices.IndexFunc(s.files, func(f models.FileInfo) bool { return f.ID == id })
	if i < 0 {
		return models.FileInfo{}, false
	}
	return s.files[i], true
}

func (s *session) removeFile(id string) bool {
	n := len(s.files)
	s.files = slices.DeleteFunc(s.files, func(f models.FileInfo) bool { return f.ID == id })
	delete(s.pending, id)
	return len(s.files) != n
}

func (s *session) broadcast(r protocol.Response, except uint64) {
	for id, m := range s.members {
		if id != except {
			m.enqueue(r)
		}
	}
}

// Limiter 是 hub 用来记录与检查配对失败的接口
type Limiter interface {
	Blocked(ip string, now time.Time) bool
	RecordFail(ip string, now time.Time)
}

// Config 配置 Hub
type Config struct {
	Store       *PhraseStore
	Words       []string
	Password    string        // 派生会话种子的口令
	PhraseWords int           // 默认 6
	PhraseTTL   time.Duration // 0 表示短语随连接存在
	MaxFiles    int           // 默认 10
	Limiter     Limiter       // 可选
	Logger      *zerolog.Logger
	Now         func() time.Time
}

// Hub 持有所有连接与会话，所有状态变更都在 mu 下串行进行
type Hub struct {
	cfg    Config
	log    zerolog.Logger
	lo, hi int // 合法短语长度范围

	mu       sync.Mutex
	nextID   uint64
	peers    map[uint64]*Peer
	sessions map[string]*session
}

// NewHub 创建一个新的 Hub
func NewHub(cfg Config) *Hub {
	if cfg.PhraseWords <= 0 {
		cfg.PhraseWords = DefaultPhraseWords
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	lo, hi := utils.PhraseBounds(cfg.PhraseWords, minWordLen, maxWordLen)
	return &Hub{
		cfg:      cfg,
		log:      l.With().Str("component", "hub").Logger(),
		lo:       lo,
		hi:       hi,
		peers:    make(map[uint64]*Peer),
		sessions: make(map[string]*session),
	}
}

// NewPhrase 生成一个随机短语，不做登记
func (h *Hub) NewPhrase() string {
	return utils.RandPhrase(h.cfg.Words, h.cfg.PhraseWords)
}

// Register 为新连接分配 ID 与配对短语，并排队 created 响应
// ws 为 nil 时不会启动读写协程（用于测试）
func (h *Hub) Register(ip string, ws *websocket.Conn) (*Peer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	p := newPeer(h.nextID, ip, ws, h.log)
	phrase, err := h.cfg.Store.Allocate(h.NewPhrase, p.id, h.cfg.PhraseTTL, h.cfg.Now(), ip)
	if err != nil {
		return nil, err
	}
	p.phrase = phrase
	h.peers[p.id] = p
	p.enqueue(protocol.Created{Phrase: phrase})
	p.log.Debug().Str("ip", ip).Msg("registered")
	return p, nil
}

// Serve 在当前协程上运行连接的读循环，直到连接关闭
func (h *Hub) Serve(p *Peer) {
	go p.writePump()
	p.readPump(h)
}

// Handle 处理一条客户端请求
func (h *Hub) Handle(p *Peer, req protocol.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[p.id]; !ok {
		return
	}
	switch r := req.(type) {
	case protocol.Connect:
		h.connectLocked(p, r.Phrase)
	case protocol.AddFile:
		h.addFileLocked(p, r)
	case protocol.RemoveFile:
		h.removeFileLocked(p, r.ID)
	}
}

func (h *Hub) connectLocked(p *Peer, phrase string) {
	now := h.cfg.Now()
	fail := func(reason string) {
		p.log.Debug().Str("reason", reason).Msg("pairing failed")
		if h.cfg.Limiter != nil {
			h.cfg.Limiter.RecordFail(p.ip, now)
		}
		p.enqueue(protocol.PeerNotFound{})
	}

	if h.cfg.Limiter != nil && h.cfg.Limiter.Blocked(p.ip, now) {
		p.enqueue(protocol.PeerNotFound{})
		return
	}
	if len(phrase) < h.lo || len(phrase) > h.hi {
		fail("phrase length")
		return
	}
	if phrase == p.phrase {
		fail("own phrase")
		return
	}
	if p.sess == nil && p.phrase == "" {
		// 自己的短语补发失败，没有可派生种子的短语；不占用对端的短语
		p.log.Warn().Msg("pairing without an own phrase")
		p.enqueue(protocol.PeerNotFound{})
		return
	}
	st, row, err := h.cfg.Store.Claim(phrase, now)
	if err != nil {
		h.log.Error().Err(err).Msg("claim phrase")
		p.enqueue(protocol.PeerNotFound{})
		return
	}
	if st != StatusClaimed {
		fail(string(st))
		return
	}
	other, ok := h.peers[row.ConnID]
	if !ok || other == p || other.sess != nil {
		fail("peer gone")
		return
	}
	other.phrase = ""

	if s := p.sess; s != nil {
		// 已有会话：只把对端加入，并给它当前的文件列表
		s.members[other.id] = other
		other.sess = s
		other.enqueue(protocol.Connected{ConnectionID: other.id, Seed: s.seed, Files: slices.Clone(s.files)})
		h.log.Info().Uint64("conn", other.id).Int("members", len(s.members)).Msg("peer joined session")
		return
	}

	// 新会话：种子由发起方自己的短语派生
	if err := h.cfg.Store.Delete(p.phrase); err != nil {
		h.log.Warn().Err(err).Msg("delete own phrase")
	}
	seed := crypto.SessionSeed(p.phrase, h.cfg.Password)
	p.phrase = ""
	s := &session{
		seed:    seed,
		members: map[uint64]*Peer{p.id: p, other.id: other},
		pending: make(map[string]struct{}),
	}
	p.sess, other.sess = s, s
	h.sessions[seed] = s

	other.enqueue(protocol.Connected{ConnectionID: other.id, Seed: seed, Files: []models.FileInfo{}})
	p.enqueue(protocol.Connected{ConnectionID: p.id, Seed: seed, Files: []models.FileInfo{}})
	h.log.Info().Uint64("a", p.id).Uint64("b", other.id).Msg("session created")
}

func (h *Hub) addFileLocked(p *Peer, r protocol.AddFile) {
	s := p.sess
	if s == nil {
		p.enqueue(protocol.SessionNotFound{})
		return
	}
	if len(s.files)+1 >= h.cfg.MaxFiles {
		p.enqueue(protocol.FileCountLimitReached{})
		return
	}
	if _, ok := s.file(r.ID); ok {
		p.enqueue(protocol.FileAlreadyExists{})
		return
	}
	f := models.FileInfo{ID: r.ID, Name: r.Name, MimeType: r.MimeType, Size: r.Size, ConnectionID: p.id}
	s.files = append(s.files, f)
	s.broadcast(protocol.FileAdded{File: f}, 0)
}

func (h *Hub) removeFileLocked(p *Peer, id string) {
	s := p.sess
	if s == nil {
		p.enqueue(protocol.SessionNotFound{})
		return
	}
	if s.removeFile(id) {
		s.broadcast(protocol.FileRemoved{ID: id}, 0)
	}
}

// Unregister 移除连接：删除等待中的短语，撤回它拥有的文件，并在会话为空时丢弃会话
func (h *Hub) Unregister(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	defer p.close()

	if _, ok := h.peers[p.id]; !ok {
		return
	}
	delete(h.peers, p.id)
	if p.phrase != "" {
		if err := h.cfg.Store.Delete(p.phrase); err != nil {
			h.log.Warn().Err(err).Msg("delete phrase")
		}
		p.phrase = ""
	}

	s := p.sess
	if s == nil {
		p.log.Debug().Msg("unregistered")
		return
	}
	p.sess = nil
	delete(s.members, p.id)
	for _, f := range slices.Clone(s.files) {
		if f.ConnectionID == p.id {
			s.removeFile(f.ID)
			s.broadcast(protocol.FileRemoved{ID: f.ID}, p.id)
		}
	}
	if len(s.members) == 0 {
		delete(h.sessions, s.seed)
		h.log.Info().Msg("session dropped")
	}
	p.log.Debug().Int("members_left", len(s.members)).Msg("unregistered")
}

// RequestFile 由文件传输服务调用：向文件所有者发送 file_requested
func (h *Hub) RequestFile(seed, id string) (models.FileInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, err := h.sessionLocked(seed)
	if err != nil {
		return models.FileInfo{}, err
	}
	f, ok := s.file(id)
	if !ok {
		return models.FileInfo{}, ErrFileNotFound
	}
	owner, ok := s.members[f.ConnectionID]
	if !ok {
		return models.FileInfo{}, ErrFileNotFound
	}
	if _, busy := s.pending[id]; busy {
		return models.FileInfo{}, ErrRequestPending
	}
	s.pending[id] = struct{}{}
	owner.enqueue(protocol.FileRequested{ID: id})
	return f, nil
}

// CompleteRequest 在上传结束（或放弃）后清除等待中的请求
func (h *Hub) CompleteRequest(seed, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, err := h.sessionLocked(seed)
	if err != nil {
		return err
	}
	if _, ok := s.pending[id]; !ok {
		return ErrFileNotFound
	}
	delete(s.pending, id)
	return nil
}

func (h *Hub) sessionLocked(seed string) (*session, error) {
	raw, err := crypto.DecodeSeed(seed)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	s, ok := h.sessions[crypto.EncodeSeed(raw)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Sweep 清理过期短语；仍在线、尚未配对的连接会收到一个新的短语
func (h *Hub) Sweep() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.cfg.Now()
	expired, err := h.cfg.Store.TakeExpired(now)
	if err != nil {
		return 0, err
	}
	for _, row := range expired {
		p, ok := h.peers[row.ConnID]
		if !ok || p.sess != nil || p.phrase != row.Phrase {
			continue
		}
		phrase, err := h.cfg.Store.Allocate(h.NewPhrase, p.id, h.cfg.PhraseTTL, now, p.ip)
		if err != nil {
			h.log.Warn().Err(err).Uint64("conn", p.id).Msg("reissue phrase")
			p.phrase = ""
			continue
		}
		p.phrase = phrase
		p.enqueue(protocol.Created{Phrase: phrase})
	}
	return len(expired), nil
}

// RunGC 周期性调用 Sweep，直到 ctx 结束
func (h *Hub) RunGC(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := h.Sweep()
			if err != nil {
				h.log.Warn().Err(err).Msg("[gc] sweep failed")
				continue
			}
			if n > 0 {
				h.log.Info().Int("phrases", n).Msg("[gc] reissued expired phrases")
			}
		}
	}
}

// Stats 返回在线连接数与会话数
func (h *Hub) Stats() (peers, sessions int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers), len(h.sessions)
}

// PendingPhrases 返回短语表中等待配对的短语数
func (h *Hub) PendingPhrases() (int, error) {
	return h.cfg.Store.Count()
}

// CloseAll 断开所有连接
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.peers {
		p.close()
	}
}
