package relay

import (
	_ "embed"
	"net"
	"net/http"
	"strings"

	"github.com/Metaphorme/fbox/internal/utils"
)

//go:embed wordlist.txt
var wordlistContent []byte

// DefaultWords 返回内嵌的短语单词表
func DefaultWords() []string {
	return utils.EFFWords(wordlistContent)
}

// ClientIP 从 HTTP 请求中提取客户端的真实 IP 地址
// 优先使用 X-Forwarded-For 头，以支持反向代理部署
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SplitCSV 将逗号分隔的字符串切分为一个字符串数组，并去除空白
func SplitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
