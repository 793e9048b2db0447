package session

import (
	"slices"

	"github.com/Metaphorme/fbox/pkg/models"
)

// Registry 是一个已连接会话的文件登记表
//
// files 是从中继复制来的有序文件列表（按到达顺序），local 是本端添加、
// 尚未被传输消费的文件内容，pending 是已发送 add_file 但尚未被中继回显的 ID（FIFO）。
// pending 中的 ID 只会因回显（WithFile）或拒绝（RollbackOldestPending）出队，
// 本地内容先被删除时它作为占位留在队列里，保证队首始终对应中继下一个要处理的 add_file。
// Registry 是写时复制的值类型：所有修改方法都返回新值，旧快照保持不变。
type Registry struct {
	files   []models.FileInfo
	local   map[string][]byte
	pending []string
}

// NewRegistry 用中继下发的初始文件列表创建登记表
func NewRegistry(files []models.FileInfo) Registry {
	return Registry{files: slices.Clone(files)}
}

// Files 返回文件列表的副本
func (r Registry) Files() []models.FileInfo {
	if r.files == nil {
		return []models.FileInfo{}
	}
	return slices.Clone(r.files)
}

// File 按 ID 查找文件
func (r Registry) File(id string) (models.FileInfo, bool) {
	if i := r.indexOf(id); i >= 0 {
		return r.files[i], true
	}
	return models.FileInfo{}, false
}

// Local 返回本地文件内容
func (r Registry) Local(id string) ([]byte, bool) {
	b, ok := r.local[id]
	return b, ok
}

// LocalFiles 返回本地文件映射的浅拷贝（内容字节不可修改）
func (r Registry) LocalFiles() map[string][]byte {
	out := make(map[string][]byte, len(r.local))
	for id, b := range r.local {
		out[id] = b
	}
	return out
}

// LocalCount 返回本地文件数量
func (r Registry) LocalCount() int { return len(r.local) }

// Pending 返回尚未被中继确认的本地 ID（按发送顺序）
func (r Registry) Pending() []string { return slices.Clone(r.pending) }

// WithFile 追加一条记录；已存在相同 ID 时原样返回
func (r Registry) WithFile(f models.FileInfo) Registry {
	if r.indexOf(f.ID) >= 0 {
		return r
	}
	out := r.clone()
	out.files = append(out.files, f)
	out.pending = without(out.pending, f.ID)
	return out
}

// WithoutFile 删除一条记录；不存在时是空操作
func (r Registry) WithoutFile(id string) Registry {
	i := r.indexOf(id)
	if i < 0 {
		return r
	}
	out := r.clone()
	out.files = slices.Delete(out.files, i, i+1)
	return out
}

// WithLocal 登记一个本地文件内容，并把它加入待确认队列
func (r Registry) WithLocal(id string, payload []byte) Registry {
	out := r.clone()
	out.local[id] = payload
	out.pending = append(out.pending, id)
	return out
}

// WithoutLocal 删除一个本地文件内容；不存在时是空操作
// 待确认队列不受影响
func (r Registry) WithoutLocal(id string) Registry {
	if _, ok := r.local[id]; !ok {
		return r
	}
	out := r.clone()
	delete(out.local, id)
	return out
}

// RollbackOldestPending 弹出待确认队首，并撤销它的本地内容
// 中继严格按顺序处理 add_file，所以被拒绝的一定是队首。
// 队首的内容已被删除时只出队，返回的 ID 为空、ok 为 false。
func (r Registry) RollbackOldestPending() (out Registry, id string, ok bool) {
	if len(r.pending) == 0 {
		return r, "", false
	}
	head := r.pending[0]
	_, held := r.local[head]
	out = r.clone()
	out.pending = out.pending[1:]
	if !held {
		return out, "", false
	}
	delete(out.local, head)
	return out, head, true
}

func (r Registry) indexOf(id string) int {
	return slices.IndexFunc(r.files, func(f models.FileInfo) bool { return f.ID == id })
}

func (r Registry) clone() Registry {
	out := Registry{
		files:   slices.Clone(r.files),
		local:   make(map[string][]byte, len(r.local)+1),
		pending: slices.Clone(r.pending),
	}
	for id, b := range r.local {
		out.local[id] = b
	}
	return out
}

func without(ids []string, id string) []string {
	return slices.DeleteFunc(ids, func(s string) bool { return s == id })
}
