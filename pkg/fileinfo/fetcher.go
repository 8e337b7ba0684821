// pkg/fileinfo/fetcher.go
package fileinfo

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
)

// Info 包含了远程文件的元信息
type Info struct {
	Size          int64
	ContentType   string
	AcceptsRanges bool
}

// SizeMB 返回以 MB 为单位的文件大小，保留两位小数
func (i Info) SizeMB() float64 {
	mb := float64(i.Size) / (1024 * 1024)
	return float64(int64(mb*100+0.5)) / 100
}

// Get 发送 HEAD 请求以获取远程文件的信息
// client 为 nil 时使用 http.DefaultClient
func Get(ctx context.Context, client *http.Client, url string) (*Info, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build HEAD request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "无法获取文件信息")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Newf("无法获取文件信息: HTTP %d", resp.StatusCode)
	}

	contentLength := resp.Header.Get("Content-Length")
	if contentLength == "" {
		return nil, errors.New("无法获取文件大小 (Content-Length is missing)")
	}
	size, err := strconv.ParseInt(contentLength, 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "无效的文件大小")
	}

	return &Info{
		Size:          size,
		ContentType:   resp.Header.Get("Content-Type"),
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
	}, nil
}
