package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Metaphorme/fbox/pkg/protocol"
)

const (
	sendBuffer   = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxFrameSize = 64 << 10
)

// Peer 是中继上的一个客户端连接
type Peer struct {
	id     uint64
	ip     string
	phrase string // 当前等待配对的短语，受 Hub.mu 保护
	sess   *session

	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

func newPeer(id uint64, ip string, ws *websocket.Conn, l zerolog.Logger) *Peer {
	return &Peer{
		id:   id,
		ip:   ip,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		log:  l.With().Uint64("conn", id).Logger(),
	}
}

// ID 返回连接 ID
func (p *Peer) ID() uint64 { return p.id }

// Done 在连接关闭后关闭
func (p *Peer) Done() <-chan struct{} { return p.done }

// enqueue 编码并排队一条响应；缓冲区满时断开这个慢速连接
func (p *Peer) enqueue(r protocol.Response) {
	data, err := protocol.EncodeResponse(r)
	if err != nil {
		p.log.Error().Err(err).Str("kind", string(r.Kind())).Msg("encode response")
		return
	}
	select {
	case <-p.done:
	case p.send <- data:
	default:
		p.log.Warn().Msg("send buffer full, dropping connection")
		p.close()
	}
}

func (p *Peer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// writePump 把排队的响应写到 WebSocket，并定期发送 ping
func (p *Peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.ws.Close()
	}()
	for {
		select {
		case <-p.done:
			_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = p.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-p.send:
			_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				p.log.Debug().Err(err).Msg("write failed")
				p.close()
				return
			}
		case <-ticker.C:
			_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		}
	}
}

// readPump 读取请求并交给 hub 处理，返回时连接已注销
func (p *Peer) readPump(h *Hub) {
	defer h.Unregister(p)

	p.ws.SetReadLimit(maxFrameSize)
	_ = p.ws.SetReadDeadline(time.Now().Add(pongWait))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, data, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				p.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		req, err := protocol.DecodeRequest(data)
		if err != nil {
			p.log.Warn().Err(err).Msg("dropping undecodable request")
			continue
		}
		h.Handle(p, req)
	}
}
