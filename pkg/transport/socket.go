package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Metaphorme/fbox/pkg/models"
	"github.com/Metaphorme/fbox/pkg/protocol"
)

const (
	defaultReadLimit = 1 << 20
	writeWait        = 10 * time.Second
)

// Handler 是套接字的回调集合
// 两个回调都在该套接字唯一的读协程上被调用
type Handler struct {
	OnMessage func(protocol.Response) // 每个成功解码的帧调用一次，按到达顺序
	OnClose   func(err error)         // 每个套接字最多调用一次；正常关闭时 err 为 nil
}

// Option 配置 Socket
type Option func(*Socket)

// WithDialer 使用自定义的 websocket.Dialer
func WithDialer(d *websocket.Dialer) Option { return func(s *Socket) { s.dialer = d } }

// WithLogger 设置日志器
func WithLogger(l zerolog.Logger) Option { return func(s *Socket) { s.log = l } }

// WithGeneration 为套接字打上代际标签（仅用于日志）
func WithGeneration(gen uint64) Option { return func(s *Socket) { s.gen = gen } }

// WithHeader 在握手请求中附带额外的 HTTP 头
func WithHeader(h http.Header) Option { return func(s *Socket) { s.header = h } }

// WithReadLimit 设置单帧最大字节数
func WithReadLimit(n int64) Option { return func(s *Socket) { s.readLimit = n } }

// Socket 持有到中继服务器的唯一一条 WebSocket 连接
type Socket struct {
	url       string
	handler   Handler
	dialer    *websocket.Dialer
	header    http.Header
	readLimit int64
	gen       uint64
	log       zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
	cancel  context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Open 异步建立连接并立即返回
// 连接失败不会作为返回值出现，而是通过 Handler.OnClose 送达
func Open(ctx context.Context, url string, h Handler, opts ...Option) *Socket {
	s := &Socket{
		url:       url,
		handler:   h,
		dialer:    websocket.DefaultDialer,
		readLimit: defaultReadLimit,
		log:       log.Logger,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("component", "transport").Uint64("gen", s.gen).Logger()

	dialCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(dialCtx)
	return s
}

// Generation 返回套接字的代际标签
func (s *Socket) Generation() uint64 { return s.gen }

// Done 在 OnClose 返回后关闭
func (s *Socket) Done() <-chan struct{} { return s.done }

func (s *Socket) run(ctx context.Context) {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		s.mu.Lock()
		closing := s.closing
		s.mu.Unlock()
		if closing {
			s.log.Debug().Str("url", s.url).Msg("dial cancelled by close")
		} else {
			s.log.Warn().Err(err).Str("url", s.url).Msg("dial failed")
		}
		s.finish(classify(err, closing))
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		s.finish(classify(nil, true))
		return
	}
	s.conn = conn
	s.mu.Unlock()
	s.log.Debug().Str("url", s.url).Msg("socket open")

	conn.SetReadLimit(s.readLimit)
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			s.finish(classify(err, s.isClosing()))
			return
		}
		if typ != websocket.TextMessage {
			s.log.Warn().Int("type", typ).Msg("dropping non-text frame")
			continue
		}
		msg, err := protocol.DecodeResponse(data)
		if err != nil {
			// 解码失败只丢弃该帧，绝不断开连接
			s.log.Warn().Err(err).Bytes("frame", truncate(data, 256)).Msg("dropping undecodable frame")
			continue
		}
		if s.handler.OnMessage != nil {
			s.handler.OnMessage(msg)
		}
	}
}

// Send 发送一条请求，发送即忘
// 套接字尚未建立或已关闭时静默丢弃
func (s *Socket) Send(kind models.RequestKind, body any) {
	s.mu.Lock()
	conn, closing := s.conn, s.closing
	s.mu.Unlock()
	if conn == nil || closing {
		s.log.Debug().Str("kind", string(kind)).Msg("socket not open, request dropped")
		return
	}
	data, err := protocol.EncodeRequest(kind, body)
	if err != nil {
		s.log.Error().Err(err).Str("kind", string(kind)).Msg("encode request")
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Warn().Err(err).Str("kind", string(kind)).Msg("write failed")
	}
}

// Close 关闭套接字，可重复调用
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn == nil {
		return // 拨号协程会负责收尾
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = conn.Close()
}

func (s *Socket) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Socket) finish(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		s.cancel()
		s.log.Debug().AnErr("reason", err).Msg("socket closed")
		if s.handler.OnClose != nil {
			s.handler.OnClose(err)
		}
		close(s.done)
	})
}

// classify 把正常关闭映射为 nil
// 本端主动关闭（包括拨号期间）一律视为正常关闭
func classify(err error, closedLocally bool) error {
	if closedLocally {
		return nil
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
