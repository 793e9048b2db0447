package client

import (
	"errors"
	"fmt"
	"strings"
)

// CommandKind 是控制台命令的类型
type CommandKind string

const (
	CmdConnect   CommandKind = "/connect"
	CmdAdd       CommandKind = "/add"
	CmdRemove    CommandKind = "/rm"
	CmdList      CommandKind = "/ls"
	CmdGet       CommandKind = "/get"
	CmdURL       CommandKind = "/url"
	CmdReconnect CommandKind = "/reconnect"
	CmdHelp      CommandKind = "/help"
	CmdBye       CommandKind = "/bye"
)

var (
	ErrNotCommand     = errors.New("not a command")
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("usage")
)

// Command 是解析后的一条控制台命令
type Command struct {
	Kind CommandKind
	Args []string
}

// Arg 返回第一个参数
func (c Command) Arg() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

var usages = map[CommandKind]string{
	CmdConnect:   "/connect <phrase>",
	CmdAdd:       "/add <file> [file...]",
	CmdRemove:    "/rm <#|id>",
	CmdList:      "/ls",
	CmdGet:       "/get <#|id>",
	CmdURL:       "/url <#|id>",
	CmdReconnect: "/reconnect",
	CmdHelp:      "/help",
	CmdBye:       "/bye",
}

// HelpText 返回控制台帮助
func HelpText() string {
	return `commands:
  /connect <phrase>        pair with the peer that shows <phrase>
                           (once connected, adds another peer to the session)
  /add <file> [file...]    publish local files
  /rm <#|id>               withdraw a file
  /ls                      list files in the session
  /get <#|id>              download a file
  /url <#|id>              print the download url of a file
  /reconnect               start over with a fresh session
  /help                    show this help
  /bye                     quit`
}

// ParseCommand 解析一行以 '/' 开头的输入
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return Command{}, ErrNotCommand
	}
	fields := strings.Fields(line)
	kind := CommandKind(strings.ToLower(fields[0]))
	args := fields[1:]

	usage, ok := usages[kind]
	if !ok {
		return Command{}, fmt.Errorf("%w %s", ErrUnknownCommand, fields[0])
	}
	bad := func() (Command, error) { return Command{}, fmt.Errorf("%w: %s", ErrUsage, usage) }

	switch kind {
	case CmdConnect:
		if len(args) == 0 {
			return bad()
		}
		// 短语中的多个单词合并为一个参数
		args = []string{strings.Join(args, " ")}
	case CmdAdd:
		if len(args) == 0 {
			return bad()
		}
	case CmdRemove, CmdGet, CmdURL:
		if len(args) != 1 {
			return bad()
		}
	default:
		if len(args) != 0 {
			return bad()
		}
	}
	return Command{Kind: kind, Args: args}, nil
}
