package client

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/Metaphorme/fbox/pkg/models"
	"github.com/Metaphorme/fbox/pkg/session"
)

// MaxFileSize 是单个文件允许发布的最大字节数
const MaxFileSize = 1 << 30

// ReadLocalFile 读取本地文件并推断 MIME 类型
func ReadLocalFile(path string) (session.LocalFile, error) {
	st, err := os.Stat(path)
	if err != nil {
		return session.LocalFile{}, err
	}
	if st.IsDir() {
		return session.LocalFile{}, fmt.Errorf("%s is a directory", path)
	}
	if st.Size() > MaxFileSize {
		return session.LocalFile{}, fmt.Errorf("%s is too large (%s > %s)", path, HumanFileSize(st.Size()), HumanFileSize(MaxFileSize))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return session.LocalFile{}, err
	}
	name := filepath.Base(path)
	return session.LocalFile{Name: name, MimeType: DetectMimeType(name, data), Data: data}, nil
}

// DetectMimeType 优先按扩展名推断，其次嗅探内容
func DetectMimeType(name string, data []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	if len(data) == 0 {
		return session.DefaultMimeType
	}
	return http.DetectContentType(data)
}

// HumanFileSize 把字节数格式化为 IEC 单位
func HumanFileSize(n int64) string {
	if n < 0 {
		return "?"
	}
	return humanize.IBytes(uint64(n))
}

// ResolveFile 按 1 开始的序号、完整 ID 或唯一的 ID 前缀查找文件
func ResolveFile(files []models.FileInfo, ref string) (models.FileInfo, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return models.FileInfo{}, fmt.Errorf("empty file reference")
	}
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(files) {
			return models.FileInfo{}, fmt.Errorf("no file #%d", n)
		}
		return files[n-1], nil
	}
	var hit []models.FileInfo
	for _, f := range files {
		if f.ID == ref {
			return f, nil
		}
		if strings.HasPrefix(f.ID, ref) {
			hit = append(hit, f)
		}
	}
	switch len(hit) {
	case 0:
		return models.FileInfo{}, fmt.Errorf("no file matches %q", ref)
	case 1:
		return hit[0], nil
	default:
		return models.FileInfo{}, fmt.Errorf("%q is ambiguous (%d files)", ref, len(hit))
	}
}
