package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// 环境变量
const (
	EnvSocketURL   = "FBOX_SOCKET_URL"
	EnvAPIURL      = "FBOX_API_URL"
	EnvDownloadDir = "FBOX_DOWNLOAD_DIR"
)

// Config 是客户端配置
type Config struct {
	SocketURL     string        // 中继的会话 WebSocket 地址
	APIURL        string        // 文件传输服务的 HTTP 基地址
	DownloadDir   string        // 下载文件保存目录
	DialTimeout   time.Duration // 建立 WebSocket 的超时
	UploadTimeout time.Duration // 单次上传的超时，0 表示不限
}

// Default 返回默认配置
func Default() Config {
	return Config{
		SocketURL:     "ws://127.0.0.1:8080/v1/sessions/socket",
		APIURL:        "http://127.0.0.1:8080",
		DownloadDir:   ".",
		DialTimeout:   10 * time.Second,
		UploadTimeout: 10 * time.Minute,
	}
}

type fileConfig struct {
	SocketURL     string `toml:"socket_url"`
	APIURL        string `toml:"api_url"`
	DownloadDir   string `toml:"download_dir"`
	DialTimeout   string `toml:"dial_timeout"`
	UploadTimeout string `toml:"upload_timeout"`
}

// DefaultPath 返回默认的配置文件路径（$XDG_CONFIG_HOME/fbox/config.toml）
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "fbox", "config.toml")
}

// Load 依次应用默认值、配置文件和环境变量
// path 为空时尝试默认路径，默认路径不存在不算错误
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := ApplyFile(&cfg, path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return Config{}, err
			}
		}
	}
	if err := ApplyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyFile 用 TOML 文件中出现的键覆盖 cfg
func ApplyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return fmt.Errorf("load config %s: unknown key %q", path, undec[0].String())
	}

	if meta.IsDefined("socket_url") {
		cfg.SocketURL = strings.TrimSpace(raw.SocketURL)
	}
	if meta.IsDefined("api_url") {
		cfg.APIURL = strings.TrimSpace(raw.APIURL)
	}
	if meta.IsDefined("download_dir") {
		cfg.DownloadDir = strings.TrimSpace(raw.DownloadDir)
	}
	if meta.IsDefined("dial_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DialTimeout))
		if err != nil {
			return fmt.Errorf("parse dial_timeout: %w", err)
		}
		cfg.DialTimeout = d
	}
	if meta.IsDefined("upload_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.UploadTimeout))
		if err != nil {
			return fmt.Errorf("parse upload_timeout: %w", err)
		}
		cfg.UploadTimeout = d
	}
	return nil
}

// ApplyEnv 用非空的环境变量覆盖 cfg
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvSocketURL)); v != "" {
		cfg.SocketURL = v
	}
	if v := strings.TrimSpace(getenv(EnvAPIURL)); v != "" {
		cfg.APIURL = v
	}
	if v := strings.TrimSpace(getenv(EnvDownloadDir)); v != "" {
		cfg.DownloadDir = v
	}
	return nil
}

// Validate 检查地址的协议与超时
func (c Config) Validate() error {
	if err := checkURL(c.SocketURL, "ws", "wss"); err != nil {
		return fmt.Errorf("socket url: %w", err)
	}
	if err := checkURL(c.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("api url: %w", err)
	}
	if c.DownloadDir == "" {
		return errors.New("download dir is empty")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive, got %s", c.DialTimeout)
	}
	if c.UploadTimeout < 0 {
		return fmt.Errorf("upload timeout must not be negative, got %s", c.UploadTimeout)
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %s url", raw, strings.Join(schemes, "/"))
}
