package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Metaphorme/fbox/internal/logging"
	"github.com/Metaphorme/fbox/pkg/client"
	"github.com/Metaphorme/fbox/pkg/config"
	"github.com/Metaphorme/fbox/pkg/models"
	"github.com/Metaphorme/fbox/pkg/session"
	"github.com/Metaphorme/fbox/pkg/transfer"
	"github.com/Metaphorme/fbox/pkg/transport"
	"github.com/Metaphorme/fbox/pkg/ui"
)

// options 是命令行参数
type options struct {
	configPath  string
	socketURL   string
	apiURL      string
	downloadDir string
	phrase      string
	newPhrase   bool
	verbose     bool
}

func parseFlags(fs *flag.FlagSet, args []string) (options, map[string]bool, error) {
	var o options
	fs.StringVar(&o.configPath, "config", "", "config file (default: $XDG_CONFIG_HOME/fbox/config.toml)")
	fs.StringVar(&o.socketURL, "socket", "", "relay session socket url, e.g. wss://relay/v1/sessions/socket")
	fs.StringVar(&o.apiURL, "api", "", "file transfer service base url")
	fs.StringVar(&o.downloadDir, "download-dir", "", "directory to save downloaded files")
	fs.StringVar(&o.phrase, "phrase", "", "pair with this phrase as soon as the relay is reachable")
	fs.BoolVar(&o.newPhrase, "new-phrase", false, "ask the relay for a random phrase, print it and exit")
	fs.BoolVar(&o.verbose, "verbose", false, "print verbose logs")
	if err := fs.Parse(args); err != nil {
		return o, nil, err
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return o, set, nil
}

// resolveConfig 按 默认值 < 配置文件 < 环境变量 < 命令行 的顺序合成配置
func resolveConfig(o options, set map[string]bool, getenv func(string) string) (config.Config, error) {
	cfg, err := config.Load(o.configPath, getenv)
	if err != nil {
		return config.Config{}, err
	}
	if set["socket"] {
		cfg.SocketURL = o.socketURL
	}
	if set["api"] {
		cfg.APIURL = o.apiURL
	}
	if set["download-dir"] {
		cfg.DownloadDir = o.downloadDir
	}
	return cfg, cfg.Validate()
}

// relayBaseURL 由会话套接字地址推出中继的 HTTP 根地址
func relayBaseURL(socketURL string) (string, error) {
	u, err := url.Parse(socketURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("socket url %q: want ws or wss", socketURL)
	}
	u.Path = strings.TrimSuffix(u.Path, models.SocketPath)
	u.RawQuery, u.Fragment = "", ""
	return strings.TrimRight(u.String(), "/"), nil
}

// printNewPhrase 向中继申请一个随机短语并打印
func printNewPhrase(ctx context.Context, cfg config.Config, w io.Writer) error {
	base, err := relayBaseURL(cfg.SocketURL)
	if err != nil {
		return err
	}
	c := transfer.NewClient(base)
	c.Log = logging.Component("transfer")
	phrase, err := c.NewPhrase(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, phrase)
	return err
}

// timedUploader 为每次上传加上超时
type timedUploader struct {
	up      session.Uploader
	timeout time.Duration
}

func (u timedUploader) Upload(ctx context.Context, seed, id string, payload []byte) error {
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}
	return u.up.Upload(ctx, seed, id, payload)
}

// app 把状态机、传输客户端和控制台连在一起
type app struct {
	ctx  context.Context
	cfg  config.Config
	con  *ui.Console
	m    *session.Machine
	xfer *transfer.Client
	log  zerolog.Logger

	mu         sync.Mutex
	last       session.State
	autoPhrase string
	quit       chan struct{}
	quitOnce   sync.Once
}

func newApp(ctx context.Context, cfg config.Config, con *ui.Console, open session.Opener, l zerolog.Logger) *app {
	a := &app{
		ctx:  ctx,
		cfg:  cfg,
		con:  con,
		log:  l,
		last: session.Uninitialized{},
		quit: make(chan struct{}),
	}
	a.xfer = transfer.NewClient(cfg.APIURL)
	a.xfer.Progress = con.Stdout()
	a.xfer.Log = logging.Component("transfer")

	a.m = session.New(ctx, session.Config{
		Open:     open,
		Uploader: timedUploader{up: a.xfer, timeout: cfg.UploadTimeout},
		OnChange: a.onChange,
		OnNotice: a.onNotice,
		Logger:   &l,
	})
	return a
}

func (a *app) onChange(st session.State) {
	a.mu.Lock()
	prev := a.last
	a.last = st
	auto := ""
	if st.Kind() == session.KindCreated && a.autoPhrase != "" {
		auto, a.autoPhrase = a.autoPhrase, ""
	}
	a.mu.Unlock()

	a.con.SetDefaultPrompt(ui.Prompt(st))
	if cardChanged(prev, st) {
		ui.PrintStateCard(a.con, st)
	}
	if cur, ok := st.(session.Connected); ok {
		var before []models.FileInfo
		if p, ok := prev.(session.Connected); ok && p.Seed == cur.Seed {
			before = p.Files()
		}
		added, removed := diffFiles(before, cur.Files())
		for _, f := range added {
			a.con.Logf("+ %s (%s)", f.Name, client.HumanFileSize(f.Size))
		}
		for _, f := range removed {
			a.con.Logf("- %s", f.Name)
		}
	}
	if auto != "" {
		go func() {
			if err := a.m.Connect(auto); err != nil {
				a.con.Logf("connect: %v", err)
			}
		}()
	}
}

func (a *app) onNotice(n session.Notice) {
	a.con.Logln(ui.FormatNotice(n))
}

// cardChanged 判断是否需要重新打印状态卡片
func cardChanged(prev, next session.State) bool {
	switch n := next.(type) {
	case session.Created:
		p, ok := prev.(session.Created)
		return !ok || p.Phrase != n.Phrase
	case session.Connected:
		p, ok := prev.(session.Connected)
		return !ok || p.Seed != n.Seed || p.ConnectionID != n.ConnectionID
	default:
		return prev.Kind() != next.Kind()
	}
}

// diffFiles 返回 next 相对 prev 新增与删除的文件，保持各自的顺序
func diffFiles(prev, next []models.FileInfo) (added, removed []models.FileInfo) {
	seen := make(map[string]bool, len(prev))
	for _, f := range prev {
		seen[f.ID] = true
	}
	keep := make(map[string]bool, len(next))
	for _, f := range next {
		keep[f.ID] = true
		if !seen[f.ID] {
			added = append(added, f)
		}
	}
	for _, f := range prev {
		if !keep[f.ID] {
			removed = append(removed, f)
		}
	}
	return added, removed
}

func (a *app) connected() (session.Connected, error) {
	c, ok := a.m.State().(session.Connected)
	if !ok {
		return session.Connected{}, errors.New("not connected yet")
	}
	return c, nil
}

func (a *app) close() { a.quitOnce.Do(func() { close(a.quit) }) }

// execute 执行一条命令；返回 false 表示退出
func (a *app) execute(cmd client.Command) bool {
	switch cmd.Kind {
	case client.CmdHelp:
		a.con.Println(client.HelpText())

	case client.CmdBye:
		a.close()
		return false

	case client.CmdConnect:
		var err error
		if a.m.State().Kind() == session.KindConnected {
			err = a.m.AddPeer(cmd.Arg())
		} else {
			err = a.m.Connect(cmd.Arg())
		}
		if err != nil {
			a.con.Logf("connect: %v", err)
		}

	case client.CmdAdd:
		for _, path := range cmd.Args {
			f, err := client.ReadLocalFile(path)
			if err != nil {
				a.con.Logf("add: %v", err)
				continue
			}
			if _, err := a.m.AddFile(f); err != nil {
				a.con.Logf("add %s: %v", f.Name, err)
				continue
			}
			a.con.Logf("publishing %s (%s, %s)", f.Name, client.HumanFileSize(int64(len(f.Data))), f.MimeType)
		}

	case client.CmdRemove:
		c, err := a.connected()
		if err == nil {
			var f models.FileInfo
			if f, err = client.ResolveFile(c.Files(), cmd.Arg()); err == nil {
				err = a.m.RemoveFile(f.ID)
			}
		}
		if err != nil {
			a.con.Logf("rm: %v", err)
		}

	case client.CmdList:
		c, err := a.connected()
		if err != nil {
			a.con.Logf("ls: %v", err)
			break
		}
		ui.PrintFiles(a.con, c)

	case client.CmdGet, client.CmdURL:
		c, err := a.connected()
		var f models.FileInfo
		if err == nil {
			f, err = client.ResolveFile(c.Files(), cmd.Arg())
		}
		if err != nil {
			a.con.Logf("%s: %v", strings.TrimPrefix(string(cmd.Kind), "/"), err)
			break
		}
		if cmd.Kind == client.CmdURL {
			a.con.Println(a.xfer.DownloadURL(f.ID, c.Seed))
			break
		}
		go a.download(f, c.Seed)

	case client.CmdReconnect:
		if c, err := a.connected(); err == nil && c.Registry.LocalCount() > 0 {
			q := fmt.Sprintf("%d local file(s) will be withdrawn, continue? [y/N] ", c.Registry.LocalCount())
			if !ui.AskYesNo(a.con, q, 30*time.Second, true) {
				a.con.Logln("aborted")
				break
			}
		}
		a.m.Reconnect()
	}
	return true
}

func (a *app) download(f models.FileInfo, seed string) {
	res, err := a.xfer.Download(a.ctx, f.ID, seed, a.cfg.DownloadDir)
	if err != nil {
		a.con.Logf("get %s: %v", f.Name, err)
		return
	}
	a.con.Logf("← saved %s (%s, xxh3 %s)", res.Path, client.HumanFileSize(res.Bytes), res.Digest)
}

// repl 读取并执行用户输入，直到 /bye、EOF 或 ctx 结束
// 读协程在当前命令执行完之前不会读下一行，AskYesNo 因此可以独占输入
func (a *app) repl() {
	lines := make(chan string)
	next := make(chan struct{})
	go func() {
		defer close(lines)
		for {
			line, err := a.con.Readline()
			if err != nil {
				if errors.Is(err, readline.ErrInterrupt) {
					continue
				}
				return
			}
			select {
			case lines <- line:
			case <-a.quit:
				return
			}
			select {
			case <-next:
			case <-a.quit:
				return
			}
		}
	}()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.quit:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !a.handleLine(line) {
				return
			}
			next <- struct{}{}
		}
	}
}

// handleLine 处理一行输入；返回 false 表示退出
func (a *app) handleLine(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	cmd, err := client.ParseCommand(line)
	if err != nil {
		if errors.Is(err, client.ErrNotCommand) {
			a.con.Println("type /help for commands")
		} else {
			a.con.Println(err.Error())
		}
		return true
	}
	return a.execute(cmd)
}

func socketOpener(cfg config.Config, l zerolog.Logger) session.Opener {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.DialTimeout,
	}
	return session.SocketOpener(cfg.SocketURL,
		transport.WithDialer(dialer),
		transport.WithLogger(l),
	)
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("fbox", flag.ContinueOnError)
	fs.SetOutput(stderr)
	o, set, err := parseFlags(fs, args)
	if err != nil {
		return 2
	}
	l := logging.InitWithWriter(stderr, "fbox", o.verbose)

	cfg, err := resolveConfig(o, set, os.Getenv)
	if err != nil {
		l.Error().Err(err).Msg("invalid configuration")
		return 2
	}
	if o.newPhrase {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := printNewPhrase(ctx, cfg, os.Stdout); err != nil {
			l.Error().Err(err).Msg("new phrase")
			return 1
		}
		return 0
	}

	con, err := ui.NewConsole("fbox(…)> ")
	if err != nil {
		l.Error().Err(err).Msg("console")
		return 1
	}
	// 日志改写到控制台，避免打断提示符
	l = logging.InitWithWriter(con.Stdout(), "fbox", o.verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(ctx, cfg, con, socketOpener(cfg, l), l)
	a.autoPhrase = strings.Join(strings.Fields(o.phrase), " ")

	l.Debug().Str("socket", cfg.SocketURL).Str("api", cfg.APIURL).Msg("starting")
	con.Println(client.HelpText())
	if err := a.m.Start(); err != nil {
		l.Error().Err(err).Msg("start")
		return 1
	}
	a.repl()
	a.close()

	a.m.Close()
	a.m.Wait()
	// readline 的 Close 可能阻塞到下一次按键
	go con.Close()
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}
