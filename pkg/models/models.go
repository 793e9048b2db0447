package models

// FileInfo 是会话中一个文件的元数据记录，发布后不可修改，只能整体删除
type FileInfo struct {
	ID           string `json:"id"`            // 文件 ID（客户端生成的 UUID）
	Name         string `json:"name"`          // 文件名
	MimeType     string `json:"mime_type"`     // MIME 类型
	Size         int64  `json:"size"`          // 文件大小（字节，非负）
	ConnectionID uint64 `json:"connection_id"` // 文件所属连接
}

// RequestKind 定义了客户端发往中继服务器的请求类型
type RequestKind string

const (
	// RequestConnect 使用对端的配对短语建立（或扩展）会话
	RequestConnect RequestKind = "connect"
	// RequestAddFile 发布一个本地文件的元数据
	RequestAddFile RequestKind = "add_file"
	// RequestRemoveFile 撤回一个文件
	RequestRemoveFile RequestKind = "remove_file"
)

// ResponseKind 定义了中继服务器推送给客户端的响应类型
type ResponseKind string

const (
	ResponseCreated               ResponseKind = "created"
	ResponseConnected             ResponseKind = "connected"
	ResponseFileAdded             ResponseKind = "file_added"
	ResponseFileRemoved           ResponseKind = "file_removed"
	ResponseFileRequested         ResponseKind = "file_requested"
	ResponsePeerNotFound          ResponseKind = "peer_not_found"
	ResponseSessionNotFound       ResponseKind = "session_not_found"
	ResponseFileCountLimitReached ResponseKind = "file_count_limit_reached"
	ResponseFileAlreadyExists     ResponseKind = "file_already_exists"
)

// ResponseKinds 返回全部已知的响应类型（顺序固定）
func ResponseKinds() []ResponseKind {
	return []ResponseKind{
		ResponseCreated,
		ResponseConnected,
		ResponseFileAdded,
		ResponseFileRemoved,
		ResponseFileRequested,
		ResponsePeerNotFound,
		ResponseSessionNotFound,
		ResponseFileCountLimitReached,
		ResponseFileAlreadyExists,
	}
}

// ConnectRequest 是 connect 请求的内容
type ConnectRequest struct {
	Phrase string `json:"phrase"`
}

// AddFileRequest 是 add_file 请求的内容（不包含文件字节）
type AddFileRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// RemoveFileRequest 是 remove_file 请求的内容
type RemoveFileRequest struct {
	ID string `json:"id"`
}

// CreatedResponse 是 created 响应的内容
type CreatedResponse struct {
	Phrase string `json:"phrase"`
}

// ConnectedResponse 是 connected 响应的内容
type ConnectedResponse struct {
	ConnectionID uint64     `json:"connection_id"`
	Seed         string     `json:"seed"`
	Files        []FileInfo `json:"files"`
}

// FileIDResponse 是 file_removed / file_requested 响应的内容
type FileIDResponse struct {
	ID string `json:"id"`
}

// PhraseResponse 是 POST /v1/sessions 接口的响应体
type PhraseResponse struct {
	Phrase string `json:"phrase"`
}

// HTTP 旁路（文件传输服务）相关常量
const (
	SessionSeedHeader = "X-Session-Seed"
	SessionSeedQuery  = "session_seed"
	FilesPath         = "/v1/sessions/files"
	SocketPath        = "/v1/sessions/socket"
	SessionsPath      = "/v1/sessions"
	// RequestsPath 是中继供文件传输服务调用的内部接口，需要 Bearer 令牌
	RequestsPath = "/internal/v1/requests"
)
