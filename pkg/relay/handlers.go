package relay

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Metaphorme/fbox/pkg/models"
)

// HTTPHandlers 封装了 HTTP 处理器所需的依赖
type HTTPHandlers struct {
	Hub      *Hub
	Limiter  *IPLimiter
	Upgrader websocket.Upgrader
	Log      zerolog.Logger

	// TransferToken 非空时开放文件传输服务使用的内部接口
	TransferToken string
}

// NewHTTPHandlers 创建 HTTP 处理器实例；allowedOrigins 为空时接受任意来源
func NewHTTPHandlers(hub *Hub, limiter *IPLimiter, allowedOrigins []string, l zerolog.Logger) *HTTPHandlers {
	return &HTTPHandlers{
		Hub:     hub,
		Limiter: limiter,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowedOrigins) == 0 || origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
		Log: l,
	}
}

// Routes 返回中继的 HTTP 路由
func (h *HTTPHandlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(models.SessionsPath, h.HandleNewPhrase)
	mux.HandleFunc(models.SocketPath, h.WithRateLimit(h.HandleSocket))
	mux.HandleFunc("/healthz", h.HandleHealth)
	if h.TransferToken != "" {
		mux.HandleFunc("POST "+models.RequestsPath+"/{id}", h.withTransferToken(h.HandleRequestFile))
		mux.HandleFunc("DELETE "+models.RequestsPath+"/{id}", h.withTransferToken(h.HandleCompleteRequest))
	}
	return LogRequests(h.Log, mux)
}

// WithRateLimit 是一个中间件，用于在处理请求前进行频率检查
func (h *HTTPHandlers) WithRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ok, wait := h.Limiter.Allow(ClientIP(r), time.Now())
		if !ok {
			// 返回 429 并附带 Retry-After 头
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(wait.Seconds())))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	}
}

// HandleNewPhrase 处理 POST /v1/sessions - 返回一个随机短语
func (h *HTTPHandlers) HandleNewPhrase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	WriteJSON(w, http.StatusOK, models.PhraseResponse{Phrase: h.Hub.NewPhrase()})
}

// HandleSocket 处理 GET /v1/sessions/socket - 升级为 WebSocket 并服务该连接
func (h *HTTPHandlers) HandleSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写出了错误响应
		h.Log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	p, err := h.Hub.Register(ClientIP(r), ws)
	if err != nil {
		h.Log.Error().Err(err).Msg("register connection")
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "unavailable"))
		_ = ws.Close()
		return
	}
	h.Hub.Serve(p)
}

func (h *HTTPHandlers) withTransferToken(next http.HandlerFunc) http.HandlerFunc {
	want := []byte("Bearer " + h.TransferToken)
	return func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	}
}

// HandleRequestFile 处理 POST /internal/v1/requests/{id}
// 传输服务收到下载请求后调用，中继向文件所有者发送 file_requested 并返回文件元数据
func (h *HTTPHandlers) HandleRequestFile(w http.ResponseWriter, r *http.Request) {
	id, seed := r.PathValue("id"), strings.TrimSpace(r.Header.Get(models.SessionSeedHeader))
	f, err := h.Hub.RequestFile(seed, id)
	if err != nil {
		h.writeRequestError(w, id, err)
		return
	}
	h.Log.Debug().Str("id", id).Uint64("owner", f.ConnectionID).Msg("file requested")
	WriteJSON(w, http.StatusOK, f)
}

// HandleCompleteRequest 处理 DELETE /internal/v1/requests/{id}，在上传结束或放弃后调用
func (h *HTTPHandlers) HandleCompleteRequest(w http.ResponseWriter, r *http.Request) {
	id, seed := r.PathValue("id"), strings.TrimSpace(r.Header.Get(models.SessionSeedHeader))
	if err := h.Hub.CompleteRequest(seed, id); err != nil {
		h.writeRequestError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandlers) writeRequestError(w http.ResponseWriter, id string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrFileNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrRequestPending):
		code = http.StatusConflict
	}
	h.Log.Debug().Err(err).Str("id", id).Int("status", code).Msg("file request rejected")
	WriteJSON(w, code, map[string]string{"error": err.Error()})
}

// HandleHealth 返回在线连接与会话数
func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	peers, sessions := h.Hub.Stats()
	phrases, err := h.Hub.PendingPhrases()
	if err != nil {
		h.Log.Error().Err(err).Msg("count phrases")
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "phrase store unavailable"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"peers": peers, "sessions": sessions, "phrases": phrases})
}

// WriteJSON 将数据结构序列化为 JSON 并写入 HTTP 响应
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
