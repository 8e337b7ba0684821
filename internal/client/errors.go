package client

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrPollNotFound 表示服务器已不认识该任务，结果是确定的，不会重试
var ErrPollNotFound = errors.New("download status: request not found")

// SubmissionError 表示提交被拒绝或失败
type SubmissionError struct {
	StatusCode int
	Message    string
}

func (e *SubmissionError) Error() string {
	return e.Message
}

// PollTransientError 表示除 not found 以外的轮询失败（网络、HTTP 状态码或解码错误）
type PollTransientError struct {
	JobID string
	Err   error
}

func (e *PollTransientError) Error() string {
	return e.Err.Error()
}

func (e *PollTransientError) Unwrap() error {
	return e.Err
}

// CleanupError 表示删除服务器文件失败，调用方只记录日志
type CleanupError struct {
	Filename string
	Err      error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("delete %s: %v", e.Filename, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}

// IsTransient 判断 err 是否为可重试的轮询失败
func IsTransient(err error) bool {
	var te *PollTransientError
	return errors.As(err, &te)
}
