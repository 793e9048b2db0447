package transfer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vbauerster/mpb/v8"
	"github.com/zeebo/xxh3"

	"github.com/Metaphorme/fbox/pkg/models"
)

// ErrStatus 表示文件传输服务返回了非 2xx 状态码
var ErrStatus = errors.New("transfer: unexpected http status")

// Client 是外部文件传输服务的 HTTP 客户端
type Client struct {
	BaseURL  string
	HTTP     *http.Client
	Progress io.Writer // 非 nil 时在其上绘制进度条
	Log      zerolog.Logger
}

// NewClient 创建一个新的传输客户端
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    http.DefaultClient,
		Log:     log.Logger.With().Str("component", "transfer").Logger(),
	}
}

// Result 描述一次完成的下载
type Result struct {
	Path   string
	Bytes  int64
	Digest string // xxh3-128，十六进制
}

// Digest 计算内容的 xxh3-128 摘要
func Digest(b []byte) string {
	sum := xxh3.Hash128(b).Bytes()
	return hex.EncodeToString(sum[:])
}

func (c *Client) fileURL(id string) string {
	return c.BaseURL + models.FilesPath + "/" + url.PathEscape(id)
}

// DownloadURL 返回对端下载文件所用的地址
func (c *Client) DownloadURL(id, seed string) string {
	q := url.Values{}
	q.Set(models.SessionSeedQuery, seed)
	return c.fileURL(id) + "?" + q.Encode()
}

// Upload 将本地内容上传给传输服务，种子作为访问凭据放在请求头中
// 只尝试一次：失败会返回给调用方记录，不会重试
func (c *Client) Upload(ctx context.Context, seed, id string, payload []byte) error {
	var body io.Reader = bytes.NewReader(payload)
	var p *mpb.Progress
	var bar *mpb.Bar
	if c.Progress != nil && len(payload) > 0 {
		p = NewProgress(c.Progress)
		bar = NewFileBar(p, "upload "+id, int64(len(payload)))
		body = bar.ProxyReader(body)
	}
	finish := func(ok bool) {
		if bar == nil {
			return
		}
		if ok {
			bar.SetTotal(-1, true)
		} else {
			bar.Abort(false)
		}
		p.Wait()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.fileURL(id), body)
	if err != nil {
		finish(false)
		return err
	}
	req.ContentLength = int64(len(payload))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(models.SessionSeedHeader, seed)

	resp, err := c.client().Do(req)
	if err != nil {
		finish(false)
		return fmt.Errorf("upload %s: %w", id, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		finish(false)
		return fmt.Errorf("upload %s: %w", id, err)
	}
	finish(true)
	c.Log.Info().Str("id", id).Int("bytes", len(payload)).Str("xxh3", Digest(payload)).Msg("uploaded")
	return nil
}

// Download 把文件下载到 dir 中，文件名取自 Content-Disposition，缺省为 id
func (c *Client) Download(ctx context.Context, id, seed, dir string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.DownloadURL(id, seed), nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("download %s: %w", id, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return Result{}, fmt.Errorf("download %s: %w", id, err)
	}

	name := attachmentName(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = id
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, err
	}
	dst := filepath.Join(dir, name)
	fw, err := os.Create(dst)
	if err != nil {
		return Result{}, err
	}

	var src io.Reader = resp.Body
	var p *mpb.Progress
	var bar *mpb.Bar
	if c.Progress != nil {
		p = NewProgress(c.Progress)
		bar = NewFileBar(p, name, max(resp.ContentLength, 0))
		src = bar.ProxyReader(src)
	}

	hasher := xxh3.New()
	n, err := io.Copy(io.MultiWriter(fw, hasher), src)
	if cerr := fw.Close(); err == nil {
		err = cerr
	}
	if bar != nil {
		if err != nil {
			bar.Abort(false)
		} else {
			bar.SetTotal(-1, true)
		}
		p.Wait()
	}
	if err != nil {
		_ = os.Remove(dst)
		return Result{}, fmt.Errorf("download %s: %w", id, err)
	}

	sum := hasher.Sum128().Bytes()
	res := Result{Path: dst, Bytes: n, Digest: hex.EncodeToString(sum[:])}
	c.Log.Info().Str("id", id).Int64("bytes", n).Str("xxh3", res.Digest).Str("path", dst).Msg("downloaded")
	return res, nil
}

// NewPhrase 向中继申请一个随机短语（POST /v1/sessions）
func (c *Client) NewPhrase(ctx context.Context) (string, error) {
	var resp models.PhraseResponse
	if err := c.postJSON(ctx, models.SessionsPath, nil, &resp); err != nil {
		return "", err
	}
	return resp.Phrase, nil
}

// postJSON 发送一个带指数退避重试的 HTTP POST 请求
func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	u := c.BaseURL + path
	const maxAttempts = 5
	backoff := 500 * time.Millisecond

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var buf io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return err
			}
			buf = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, buf)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.client().Do(req)
		if err != nil {
			if ctx.Err() != nil || attempt == maxAttempts {
				return err
			}
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = min(backoff*2, 10*time.Second)
			continue
		}

		if resp.StatusCode/100 == 2 {
			err := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			return err
		}
		statusErr := checkStatus(resp)
		retryAfter := resp.Header.Get("Retry-After")
		resp.Body.Close()
		if attempt == maxAttempts {
			return statusErr
		}
		wait := backoff
		if n, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && n >= 0 {
			wait = time.Duration(n) * time.Second
		} else {
			backoff = min(backoff*2, 10*time.Second)
		}
		c.Log.Debug().Err(statusErr).Int("attempt", attempt).Dur("wait", wait).Msg("retrying")
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("exhausted retries")
}

func (c *Client) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return fmt.Errorf("%w: %d %s", ErrStatus, resp.StatusCode, strings.TrimSpace(string(b)))
}

// attachmentName 从 Content-Disposition 中取出安全的文件名
func attachmentName(h string) string {
	if h == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(h)
	if err != nil {
		return ""
	}
	name := filepath.Base(filepath.Clean("/" + params["filename"]))
	if name == "/" || name == "." || name == ".." {
		return ""
	}
	return name
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
