package session

import "github.com/Metaphorme/fbox/pkg/models"

// StateKind 是连接状态的判别标签
type StateKind string

const (
	KindUninitialized StateKind = "uninitialized"
	KindCreated       StateKind = "created"
	KindConnected     StateKind = "connected"
)

// State 是连接状态的封闭联合类型，同一时刻只有一个变体有效
type State interface {
	Kind() StateKind
	isState()
}

// Uninitialized 套接字已构建，但还没有收到任何结果
type Uninitialized struct{}

// Created 会话已在中继上存在，等待配对
type Created struct {
	Phrase string // 供对端输入的配对短语
}

// Connected 已与对端配对
type Connected struct {
	ConnectionID uint64
	Seed         string // 访问文件传输服务的凭据
	Registry     Registry
}

func (Uninitialized) Kind() StateKind { return KindUninitialized }
func (Created) Kind() StateKind       { return KindCreated }
func (Connected) Kind() StateKind     { return KindConnected }

func (Uninitialized) isState() {}
func (Created) isState()       {}
func (Connected) isState()     {}

// Files 是 Registry.Files 的快捷方式
func (c Connected) Files() []models.FileInfo { return c.Registry.Files() }

// LocalFiles 是 Registry.LocalFiles 的快捷方式
func (c Connected) LocalFiles() map[string][]byte { return c.Registry.LocalFiles() }
