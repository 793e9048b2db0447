package transfer

import (
	"fmt"
	"io"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// NewProgress 创建一个输出到 w 的进度容器
func NewProgress(w io.Writer) *mpb.Progress {
	return mpb.New(
		mpb.WithWidth(64),
		mpb.WithRefreshRate(120*time.Millisecond),
		mpb.WithOutput(w),
	)
}

// NewFileBar 创建文件进度条；total 未知时传 0
func NewFileBar(p *mpb.Progress, name string, total int64) *mpb.Bar {
	return p.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(fmt.Sprintf("%-30s", truncateName(name, 30)), decor.WC{W: 32}),
		),
		mpb.AppendDecorators(
			decor.CountersKibiByte("% .2f / % .2f"),
			decor.Percentage(decor.WCSyncSpace),
			decor.EwmaSpeed(decor.SizeB1024(0), "% .2f", 60, decor.WCSyncSpace),
		),
	)
}

func truncateName(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max+3:]
}
