package store

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrNotFound 表示 Backend 中还没有写入过记录
var ErrNotFound = errors.New("store: record not found")

// Backend 保存包含整张任务表的单条记录
// 对调用方来说 Write 必须整体替换这条记录
type Backend interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// MemoryBackend 将记录保存在进程内存中
type MemoryBackend struct {
	mu   sync.Mutex
	data []byte

	// 设置 ReadErr 或 WriteErr 后，对应操作直接返回该错误
	ReadErr  error
	WriteErr error

	writes int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Read(_ context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ReadErr != nil {
		return nil, b.ReadErr
	}
	if b.data == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b.data...), nil
}

func (b *MemoryBackend) Write(_ context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.WriteErr != nil {
		return b.WriteErr
	}
	b.data = append([]byte(nil), data...)
	b.writes++
	return nil
}

// Writes 返回成功写入的次数
func (b *MemoryBackend) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

// SetWriteErr 替换注入的写入错误
func (b *MemoryBackend) SetWriteErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.WriteErr = err
}

// PersistenceError 表示任务表加载或保存失败
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "persistence " + e.Op + " failed: " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
