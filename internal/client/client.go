// internal/client/client.go
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/Slade66/media-tracker/pkg/job"
)

// RequestIDHeader 为每个请求携带一个关联 ID
const RequestIDHeader = "X-Request-ID"

// Options 是协议客户端的配置
type Options struct {
	// Timeout 限制单个请求的耗时，默认 30s
	Timeout time.Duration

	// HTTPClient 用于替换共享的单例客户端
	HTTPClient *http.Client

	Log logr.Logger
}

// SubmitResult 是一次成功提交的结果
type SubmitResult struct {
	JobID   string
	Message string
}

// StatusUpdate 是解码后的 download_status 响应
type StatusUpdate struct {
	Status      job.Status
	Message     string
	DownloadURL string
	FileSizeMB  mo.Option[float64]
	MediaType   job.MediaType
}

type submitResponse struct {
	Success   bool   `json:"success"`
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

type statusResponse struct {
	Status      string   `json:"status"`
	Message     string   `json:"message"`
	DownloadURL *string  `json:"download_url"`
	FileSizeMB  *float64 `json:"file_size_mb"`
	Type        string   `json:"type"`
}

type deleteRequest struct {
	Filename string `json:"filename"`
}

type deleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Client 实现与媒体服务器之间的任务协议
// 客户端内部从不重试，重试策略由调用方决定
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	log     logr.Logger
}

// New 为 baseURL 上的服务器创建客户端
func New(baseURL string, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = sharedHTTPClient()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		timeout: timeout,
		log:     log,
	}
}

// Submit 将 payload 发送到 /api/{endpoint}，返回服务器分配的任务 ID
func (c *Client) Submit(ctx context.Context, endpoint string, payload any) (SubmitResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return SubmitResult{}, &SubmissionError{Message: "invalid payload: " + err.Error()}
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/"+url.PathEscape(endpoint), body)
	if err != nil {
		return SubmitResult{}, &SubmissionError{Message: err.Error()}
	}
	defer resp.Body.Close()

	var decoded submitResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&decoded)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := decoded.Message
		if decodeErr != nil || msg == "" {
			msg = "Server error"
		}
		return SubmitResult{}, &SubmissionError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg),
		}
	}
	if decodeErr != nil {
		return SubmitResult{}, &SubmissionError{StatusCode: resp.StatusCode, Message: "invalid server response: " + decodeErr.Error()}
	}
	if !decoded.Success {
		msg := decoded.Message
		if msg == "" {
			msg = "Server rejected request"
		}
		return SubmitResult{}, &SubmissionError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decoded.RequestID == "" {
		return SubmitResult{}, &SubmissionError{StatusCode: resp.StatusCode, Message: "server returned no request id"}
	}

	return SubmitResult{JobID: decoded.RequestID, Message: decoded.Message}, nil
}

// Poll 获取任务的当前状态
// 404 返回 ErrPollNotFound，其它失败都返回 *PollTransientError
func (c *Client) Poll(ctx context.Context, jobID string) (StatusUpdate, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/download_status/"+url.PathEscape(jobID), nil)
	if err != nil {
		return StatusUpdate{}, &PollTransientError{JobID: jobID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return StatusUpdate{}, ErrPollNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return StatusUpdate{}, &PollTransientError{JobID: jobID, Err: errors.Newf("HTTP %d", resp.StatusCode)}
	}

	var decoded statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return StatusUpdate{}, &PollTransientError{JobID: jobID, Err: errors.Wrap(err, "decode status")}
	}
	status, err := job.ParseStatus(decoded.Status)
	if err != nil {
		return StatusUpdate{}, &PollTransientError{JobID: jobID, Err: err}
	}

	update := StatusUpdate{
		Status:     status,
		Message:    decoded.Message,
		MediaType:  job.MediaType(decoded.Type),
		FileSizeMB: mo.PointerToOption(decoded.FileSizeMB),
	}
	if decoded.DownloadURL != nil {
		update.DownloadURL = *decoded.DownloadURL
	}
	return update, nil
}

// DeleteArtifact 请求服务器删除已完成的文件
func (c *Client) DeleteArtifact(ctx context.Context, filename string) error {
	body, err := json.Marshal(deleteRequest{Filename: filename})
	if err != nil {
		return &CleanupError{Filename: filename, Err: err}
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/delete_file", body)
	if err != nil {
		return &CleanupError{Filename: filename, Err: err}
	}
	defer resp.Body.Close()

	var decoded deleteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return &CleanupError{Filename: filename, Err: errors.Wrapf(err, "HTTP %d", resp.StatusCode)}
	}
	if !decoded.Success {
		msg := decoded.Message
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return &CleanupError{Filename: filename, Err: errors.New(msg)}
	}
	return nil
}

// Health 检查服务器是否响应 GET /health
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("health check: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)

	c.log.V(1).Info("request", "method", method, "path", path, "requestID", requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose 在响应体关闭时释放请求的 ctx
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
