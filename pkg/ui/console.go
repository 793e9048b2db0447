package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/Metaphorme/fbox/pkg/client"
	"github.com/Metaphorme/fbox/pkg/crypto"
	"github.com/Metaphorme/fbox/pkg/session"
)

// ANSI 颜色代码 (遵循 NO_COLOR 环境变量)
var colorEnabled = os.Getenv("NO_COLOR") == ""

// C 是一个辅助函数，用于给字符串添加 ANSI 颜色代码
func C(s, code string) string {
	if !colorEnabled {
		return s
	}
	return code + s + "\x1b[0m"
}

const (
	CBold = "\x1b[1m"
	CDim  = "\x1b[2m"
	CCyan = "\x1b[36m"
	CYel  = "\x1b[33m"
	CRed  = "\x1b[31m"
)

// Console 是一个对 readline 库的封装，提供了线程安全的控制台 I/O 操作
type Console struct {
	rl            *readline.Instance
	mu            sync.Mutex
	defaultPrompt string
}

// NewConsole 创建一个新的控制台实例
func NewConsole(prompt string) (*Console, error) {
	rl, err := readline.New(prompt)
	if err != nil {
		return nil, err
	}
	return &Console{rl: rl, defaultPrompt: prompt}, nil
}

// NewConsoleWithReadline 使用已有的 readline 实例创建控制台（主要用于测试）
func NewConsoleWithReadline(rl *readline.Instance, prompt string) *Console {
	return &Console{rl: rl, defaultPrompt: prompt}
}

// Close 关闭控制台
func (c *Console) Close() { _ = c.rl.Close() }

// SetPrompt 设置命令提示符
func (c *Console) SetPrompt(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rl.SetPrompt(p)
	c.rl.Refresh()
}

// SetDefaultPrompt 修改默认提示符并立即生效
func (c *Console) SetDefaultPrompt(p string) {
	c.mu.Lock()
	c.defaultPrompt = p
	c.mu.Unlock()
	c.SetPrompt(p)
}

// ResetPrompt 重置命令提示符为默认值
func (c *Console) ResetPrompt() {
	c.mu.Lock()
	p := c.defaultPrompt
	c.mu.Unlock()
	c.SetPrompt(p)
}

// Println 在刷新 readline 提示的同时打印一行消息，避免覆盖用户输入
func (c *Console) Println(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.rl.Stdout().Write([]byte("\r" + msg + "\n"))
	c.rl.Refresh()
}

// Logln 打印带时间戳的日志消息
func (c *Console) Logln(msg string) { c.Println(C(ts(), CDim) + " " + msg) }

// Logf 打印格式化的带时间戳的日志消息
func (c *Console) Logf(format string, a ...any) {
	c.Println(C(ts(), CDim) + " " + fmt.Sprintf(format, a...))
}

// PromptQuestionAndRestore 设置一个问题提示符并返回一个恢复函数
func (c *Console) PromptQuestionAndRestore(q string) func() {
	c.SetPrompt(q)
	return func() { c.ResetPrompt() }
}

// Stdout 返回不会打断提示符的输出流，进度条绘制在这里
func (c *Console) Stdout() io.Writer { return c.rl.Stdout() }

// Readline 读取一行用户输入
func (c *Console) Readline() (string, error) {
	return c.rl.Readline()
}

// ts 返回当前时间的格式化字符串
func ts() string { return time.Now().Format("2006-01-02 15:04:05") }

// Prompt 返回与连接状态对应的提示符
func Prompt(st session.State) string {
	switch s := st.(type) {
	case session.Created:
		return "fbox(waiting)> "
	case session.Connected:
		return fmt.Sprintf("fbox(#%d)> ", s.ConnectionID)
	default:
		return "fbox(…)> "
	}
}

// PrintStateCard 打印连接状态卡片
// Created 时展示配对短语，Connected 时展示连接编号和会话指纹
func PrintStateCard(c *Console, st session.State) {
	switch s := st.(type) {
	case session.Created:
		c.Println(C("┌─ Waiting for peer ────────────────────────────────┐", CBold))
		c.Println("  phrase : " + C(s.Phrase, CYel+CBold))
		c.Println("  share the phrase, or type /connect <their phrase>")
		c.Println(C("└───────────────────────────────────────────────────┘", CBold))
	case session.Connected:
		c.Println(C("┌─ Connected ───────────────────────────────────────┐", CBold))
		c.Println(fmt.Sprintf("  conn        : #%d", s.ConnectionID))
		c.Println("  fingerprint : " + C(crypto.Fingerprint(s.Seed), CYel+CBold))
		c.Println("  compare the fingerprint with your peer")
		c.Println(C("└───────────────────────────────────────────────────┘", CBold))
	default:
		c.Logln("connecting to relay…")
	}
}

// PrintFiles 打印会话中的文件列表，本机发布的文件标记为 *
func PrintFiles(c *Console, st session.Connected) {
	files := st.Files()
	if len(files) == 0 {
		c.Println(C("  (no files)", CDim))
		return
	}
	for i, f := range files {
		mark := " "
		if _, ok := st.Registry.Local(f.ID); ok {
			mark = "*"
		}
		c.Println(fmt.Sprintf("%s %2d. %-32s %10s  %s  %s",
			mark, i+1, f.Name, client.HumanFileSize(f.Size), C(shortID(f.ID), CDim), C(f.MimeType, CDim)))
	}
}

// FormatNotice 把一条提示格式化为用户可读的文本
func FormatNotice(n session.Notice) string {
	var msg string
	switch n.Kind {
	case session.NoticePeerNotFound:
		msg = "no peer with that phrase"
	case session.NoticeSessionNotFound:
		msg = "the session no longer exists, try /reconnect"
	case session.NoticeFileCountLimitReached:
		msg = "the session is full"
	case session.NoticeFileAlreadyExists:
		msg = "that file is already published"
	case session.NoticeDisconnected:
		msg = "lost connection to the relay, use /reconnect"
	default:
		msg = string(n.Kind)
	}
	if n.Message != "" && n.Kind != session.NoticeDisconnected {
		msg += ": " + n.Message
	}
	if n.RolledBack != "" {
		msg += " (withdrew " + shortID(n.RolledBack) + ")"
	}
	return C(msg, CRed)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// AskYesNo 向用户提问并等待 y/N 回答，有超时
func AskYesNo(c *Console, question string, timeout time.Duration, defaultNo bool) bool {
	restore := c.PromptQuestionAndRestore(question)
	defer restore()

	ansCh := make(chan string, 1)
	go func() {
		line, err := c.Readline()
		if err != nil {
			ansCh <- ""
			return
		}
		ansCh <- strings.TrimSpace(line)
	}()
	select {
	case a := <-ansCh:
		al := strings.ToLower(a)
		return al == "y" || al == "yes"
	case <-time.After(timeout):
		c.Println("")
		return !defaultNo
	}
}
