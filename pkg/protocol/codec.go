package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Metaphorme/fbox/pkg/models"
)

var (
	// ErrUnknownType 表示帧的 type 字段不属于已知的枚举
	ErrUnknownType = errors.New("protocol: unknown message type")
	// ErrMalformed 表示帧不是合法的 JSON 信封，或内容与类型不匹配
	ErrMalformed = errors.New("protocol: malformed message")
)

// envelope 是线上的统一信封：{"type": ..., "content": ...}
type envelope struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// ---------- 客户端 -> 中继 ----------

// Request 是请求的封闭联合类型
type Request interface {
	Kind() models.RequestKind
	isRequest()
}

// Connect 请求加入（或扩展）一个会话
type Connect struct{ Phrase string }

// AddFile 发布本地文件的元数据
type AddFile struct {
	ID       string
	Name     string
	MimeType string
	Size     int64
}

// RemoveFile 撤回一个文件
type RemoveFile struct{ ID string }

func (Connect) Kind() models.RequestKind    { return models.RequestConnect }
func (AddFile) Kind() models.RequestKind    { return models.RequestAddFile }
func (RemoveFile) Kind() models.RequestKind { return models.RequestRemoveFile }

func (Connect) isRequest()    {}
func (AddFile) isRequest()    {}
func (RemoveFile) isRequest() {}

// EncodeRequest 将请求类型与内容编码为一帧文本
func EncodeRequest(kind models.RequestKind, body any) ([]byte, error) {
	switch kind {
	case models.RequestConnect, models.RequestAddFile, models.RequestRemoveFile:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
	return encode(string(kind), body)
}

// EncodeRequestMessage 编码一个已经类型化的请求
func EncodeRequestMessage(r Request) ([]byte, error) {
	switch m := r.(type) {
	case Connect:
		return EncodeRequest(m.Kind(), models.ConnectRequest{Phrase: m.Phrase})
	case AddFile:
		return EncodeRequest(m.Kind(), models.AddFileRequest{ID: m.ID, Name: m.Name, MimeType: m.MimeType, Size: m.Size})
	case RemoveFile:
		return EncodeRequest(m.Kind(), models.RemoveFileRequest{ID: m.ID})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, r)
	}
}

// DecodeRequest 解码中继收到的一帧请求
func DecodeRequest(data []byte) (Request, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	switch models.RequestKind(env.Type) {
	case models.RequestConnect:
		var c models.ConnectRequest
		if err := decodeContent(env, &c); err != nil {
			return nil, err
		}
		return Connect{Phrase: c.Phrase}, nil
	case models.RequestAddFile:
		var c models.AddFileRequest
		if err := decodeContent(env, &c); err != nil {
			return nil, err
		}
		if c.ID == "" || c.Size < 0 {
			return nil, fmt.Errorf("%w: add_file needs id and non-negative size", ErrMalformed)
		}
		return AddFile{ID: c.ID, Name: c.Name, MimeType: c.MimeType, Size: c.Size}, nil
	case models.RequestRemoveFile:
		var c models.RemoveFileRequest
		if err := decodeContent(env, &c); err != nil {
			return nil, err
		}
		return RemoveFile{ID: c.ID}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// ---------- 中继 -> 客户端 ----------

// Response 是响应的封闭联合类型，每个 models.ResponseKind 对应一个结构体
type Response interface {
	Kind() models.ResponseKind
	isResponse()
}

// Created 会话已在中继上创建，等待配对
type Created struct{ Phrase string }

// Connected 已与对端配对
type Connected struct {
	ConnectionID uint64
	Seed         string
	Files        []models.FileInfo
}

// FileAdded 会话中新增了一个文件
type FileAdded struct{ File models.FileInfo }

// FileRemoved 会话中删除了一个文件
type FileRemoved struct{ ID string }

// FileRequested 对端请求下载本端持有的文件
type FileRequested struct{ ID string }

// PeerNotFound 配对短语无效
type PeerNotFound struct{}

// SessionNotFound 当前连接不属于任何会话
type SessionNotFound struct{}

// FileCountLimitReached 会话中的文件数量已达上限
type FileCountLimitReached struct{}

// FileAlreadyExists 会话中已存在相同 ID 的文件
type FileAlreadyExists struct{}

func (Created) Kind() models.ResponseKind               { return models.ResponseCreated }
func (Connected) Kind() models.ResponseKind             { return models.ResponseConnected }
func (FileAdded) Kind() models.ResponseKind             { return models.ResponseFileAdded }
func (FileRemoved) Kind() models.ResponseKind           { return models.ResponseFileRemoved }
func (FileRequested) Kind() models.ResponseKind         { return models.ResponseFileRequested }
func (PeerNotFound) Kind() models.ResponseKind          { return models.ResponsePeerNotFound }
func (SessionNotFound) Kind() models.ResponseKind       { return models.ResponseSessionNotFound }
func (FileCountLimitReached) Kind() models.ResponseKind { return models.ResponseFileCountLimitReached }
func (FileAlreadyExists) Kind() models.ResponseKind     { return models.ResponseFileAlreadyExists }

func (Created) isResponse()               {}
func (Connected) isResponse()             {}
func (FileAdded) isResponse()             {}
func (FileRemoved) isResponse()           {}
func (FileRequested) isResponse()         {}
func (PeerNotFound) isResponse()          {}
func (SessionNotFound) isResponse()       {}
func (FileCountLimitReached) isResponse() {}
func (FileAlreadyExists) isResponse()     {}

// DecodeResponse 将一帧文本解码为响应
// 未知的 type 返回 ErrUnknownType，调用方应记录日志并丢弃该帧
func DecodeResponse(data []byte) (Response, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	switch models.ResponseKind(env.Type) {
	case models.ResponseCreated:
		var c models.CreatedResponse
		if err := decodeContent(env, &c); err != nil {
			return nil, err
		}
		return Created{Phrase: c.Phrase}, nil
	case models.ResponseConnected:
		var c models.ConnectedResponse
		if err := decodeContent(env, &c); err != nil {
			return nil, err
		}
		for _, f := range c.Files {
			if err := validateFile(f); err != nil {
				return nil, err
			}
		}
		if c.Files == nil {
			c.Files = []models.FileInfo{}
		}
		return Connected{ConnectionID: c.ConnectionID, Seed: c.Seed, Files: c.Files}, nil
	case models.ResponseFileAdded:
		var f models.FileInfo
		if err := decodeContent(env, &f); err != nil {
			return nil, err
		}
		if err := validateFile(f); err != nil {
			return nil, err
		}
		return FileAdded{File: f}, nil
	case models.ResponseFileRemoved:
		var c models.FileIDResponse
		if err := decodeContent(env, &c); err != nil {
			return nil, err
		}
		return FileRemoved{ID: c.ID}, nil
	case models.ResponseFileRequested:
		var c models.FileIDResponse
		if err := decodeContent(env, &c); err != nil {
			return nil, err
		}
		return FileRequested{ID: c.ID}, nil
	case models.ResponsePeerNotFound:
		return PeerNotFound{}, nil
	case models.ResponseSessionNotFound:
		return SessionNotFound{}, nil
	case models.ResponseFileCountLimitReached:
		return FileCountLimitReached{}, nil
	case models.ResponseFileAlreadyExists:
		return FileAlreadyExists{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// EncodeResponse 编码一条响应（中继侧使用）
func EncodeResponse(r Response) ([]byte, error) {
	kind := string(r.Kind())
	switch m := r.(type) {
	case Created:
		return encode(kind, models.CreatedResponse{Phrase: m.Phrase})
	case Connected:
		files := m.Files
		if files == nil {
			files = []models.FileInfo{}
		}
		return encode(kind, models.ConnectedResponse{ConnectionID: m.ConnectionID, Seed: m.Seed, Files: files})
	case FileAdded:
		return encode(kind, m.File)
	case FileRemoved:
		return encode(kind, models.FileIDResponse{ID: m.ID})
	case FileRequested:
		return encode(kind, models.FileIDResponse{ID: m.ID})
	case PeerNotFound, SessionNotFound, FileCountLimitReached, FileAlreadyExists:
		return encode(kind, nil)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, r)
	}
}

func encode(kind string, body any) ([]byte, error) {
	env := envelope{Type: kind}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", kind, err)
		}
		env.Content = raw
	} else {
		env.Content = json.RawMessage("null")
	}
	return json.Marshal(env)
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

func decodeContent(env envelope, out any) error {
	raw := bytes.TrimSpace(env.Content)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fmt.Errorf("%w: %s without content", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return nil
}

func validateFile(f models.FileInfo) error {
	if f.ID == "" {
		return fmt.Errorf("%w: file without id", ErrMalformed)
	}
	if f.Size < 0 {
		return fmt.Errorf("%w: file %s has negative size", ErrMalformed, f.ID)
	}
	return nil
}
