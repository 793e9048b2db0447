package session

import (
	"fmt"

	"github.com/Metaphorme/fbox/pkg/protocol"
)

// NoticeKind 是需要展示给用户的提示类型
type NoticeKind string

const (
	NoticePeerNotFound          NoticeKind = "peer_not_found"
	NoticeSessionNotFound       NoticeKind = "session_not_found"
	NoticeFileCountLimitReached NoticeKind = "file_count_limit_reached"
	NoticeFileAlreadyExists     NoticeKind = "file_already_exists"
	NoticeDisconnected          NoticeKind = "disconnected"
)

// Notice 是一条用户可见的提示，不会改变连接状态
type Notice struct {
	Kind       NoticeKind
	Message    string
	RolledBack string // 因被中继拒绝而撤销的本地文件 ID（如有）
}

// Upload 是一次需要交给文件传输服务的上传
type Upload struct {
	ID      string
	Seed    string
	Payload []byte
}

// Effect 是一次状态转移附带的副作用描述
type Effect struct {
	Upload  *Upload
	Notice  *Notice
	Ignored string // 非空表示该事件在当前状态下无效，值为原因
}

// Reduce 是连接状态机的纯函数实现：(state, event) -> (state, effect)
// 在当前状态下无效的事件原样返回状态，并在 Effect.Ignored 中给出原因
func Reduce(st State, resp protocol.Response) (State, Effect) {
	switch m := resp.(type) {
	case protocol.Created:
		return Created{Phrase: m.Phrase}, Effect{}

	case protocol.Connected:
		switch cur := st.(type) {
		case Created:
			return Connected{ConnectionID: m.ConnectionID, Seed: m.Seed, Registry: NewRegistry(m.Files)}, Effect{}
		case Connected:
			next := NewRegistry(m.Files)
			// 同一会话内重复配对时保留尚未传输的本地文件
			if cur.Seed == m.Seed {
				for id, payload := range cur.Registry.local {
					next = next.WithLocal(id, payload)
				}
				next.pending = cur.Registry.Pending()
			}
			return Connected{ConnectionID: m.ConnectionID, Seed: m.Seed, Registry: next}, Effect{}
		default:
			return st, ignored(st, resp)
		}

	case protocol.FileAdded:
		cur, ok := st.(Connected)
		if !ok {
			return st, ignored(st, resp)
		}
		if _, exists := cur.Registry.File(m.File.ID); exists {
			return st, Effect{Ignored: fmt.Sprintf("duplicate file %s", m.File.ID)}
		}
		cur.Registry = cur.Registry.WithFile(m.File)
		return cur, Effect{}

	case protocol.FileRemoved:
		cur, ok := st.(Connected)
		if !ok {
			return st, ignored(st, resp)
		}
		cur.Registry = cur.Registry.WithoutFile(m.ID).WithoutLocal(m.ID)
		return cur, Effect{}

	case protocol.FileRequested:
		cur, ok := st.(Connected)
		if !ok {
			return st, ignored(st, resp)
		}
		payload, ok := cur.Registry.Local(m.ID)
		if !ok {
			return st, Effect{Ignored: fmt.Sprintf("file %s is not held locally", m.ID)}
		}
		// 本地内容被传输请求消费
		cur.Registry = cur.Registry.WithoutLocal(m.ID)
		return cur, Effect{Upload: &Upload{ID: m.ID, Seed: cur.Seed, Payload: payload}}

	case protocol.PeerNotFound:
		return st, notice(NoticePeerNotFound, "Peer not found!", "")

	case protocol.SessionNotFound:
		return st, notice(NoticeSessionNotFound, "Session not found!", "")

	case protocol.FileCountLimitReached:
		return rollback(st, NoticeFileCountLimitReached, "File count limit reached!")

	case protocol.FileAlreadyExists:
		return rollback(st, NoticeFileAlreadyExists, "File already exists!")

	default:
		return st, Effect{Ignored: fmt.Sprintf("unhandled response %T", resp)}
	}
}

// rollback 撤销被中继拒绝的那个本地文件，并生成提示
func rollback(st State, kind NoticeKind, msg string) (State, Effect) {
	cur, ok := st.(Connected)
	if !ok {
		return st, notice(kind, msg, "")
	}
	if len(cur.Registry.Pending()) == 0 {
		return st, notice(kind, msg, "")
	}
	// 队首已被本端删除时只出队，不撤销任何仍持有的文件
	reg, id, _ := cur.Registry.RollbackOldestPending()
	cur.Registry = reg
	return cur, notice(kind, msg, id)
}

func notice(kind NoticeKind, msg, rolledBack string) Effect {
	return Effect{Notice: &Notice{Kind: kind, Message: msg, RolledBack: rolledBack}}
}

func ignored(st State, resp protocol.Response) Effect {
	return Effect{Ignored: fmt.Sprintf("%s not valid in state %s", resp.Kind(), st.Kind())}
}
