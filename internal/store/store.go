// internal/store/store.go
package store

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/samber/lo"

	"github.com/Slade66/media-tracker/pkg/job"
)

// Store 封装了任务表的持久化，每次修改都会把整张表写入 Backend
//
// Load 从不失败：记录不存在或无法读取时返回空表
// 写入是尽力而为的：失败只记录日志，内存中的数据仍然有效，之后 Degraded 一直返回 true
type Store struct {
	backend      Backend
	log          logr.Logger
	writeTimeout time.Duration

	mu       sync.Mutex
	jobs     map[string]job.DownloadJob
	degraded atomic.Bool
}

// DefaultWriteTimeout 是单次写入 Backend 的超时时间
const DefaultWriteTimeout = 10 * time.Second

func New(backend Backend, log logr.Logger) *Store {
	return &Store{
		backend:      backend,
		log:          log,
		writeTimeout: DefaultWriteTimeout,
		jobs:         make(map[string]job.DownloadJob),
	}
}

// WithWriteTimeout 设置单次写入的超时时间，超时按写入失败处理
// 调用方在保存时持有自己的锁，卡住的 Backend 不能阻塞调用方超过这个时间
func (s *Store) WithWriteTimeout(d time.Duration) *Store {
	s.writeTimeout = d
	return s
}

// Load 读取持久化的任务表
// 重启后不存在任何定时器，所以每个任务的 Polling 标志都会被清除
func (s *Store) Load(ctx context.Context) map[string]job.DownloadJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded, err := s.read(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.log.V(1).Info("no persisted jobs, starting empty")
		} else {
			s.log.Error(&PersistenceError{Op: "load", Err: err}, "failed to load persisted jobs, starting empty")
		}
		loaded = make(map[string]job.DownloadJob)
	}

	for id, j := range loaded {
		if j.ID == "" {
			j.ID = id
		}
		j.Polling = false
		loaded[id] = j
	}

	s.jobs = loaded
	s.log.Info("loaded persisted jobs", "count", len(loaded))
	return cloneMap(loaded)
}

func (s *Store) read(ctx context.Context) (map[string]job.DownloadJob, error) {
	data, err := s.backend.Read(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make(map[string]job.DownloadJob)
	if len(data) == 0 {
		return jobs, nil
	}
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, errors.Wrap(err, "decode persisted jobs")
	}
	return jobs, nil
}

// Save 用 jobs 替换持久化的任务表
func (s *Store) Save(ctx context.Context, jobs map[string]job.DownloadJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = cloneMap(jobs)
	s.flush(ctx)
}

// Upsert 插入或替换一个任务并持久化
func (s *Store) Upsert(ctx context.Context, j job.DownloadJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j.Clone()
	s.flush(ctx)
}

// Remove 删除一个任务并持久化，未知的 ID 不会触发写入
func (s *Store) Remove(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return
	}
	delete(s.jobs, id)
	s.flush(ctx)
}

// Jobs 返回最近一次保存的任务表的副本
func (s *Store) Jobs() map[string]job.DownloadJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMap(s.jobs)
}

// Degraded 返回是否有过写入失败
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// flush 调用时必须持有 s.mu
func (s *Store) flush(ctx context.Context) {
	data, err := json.Marshal(s.jobs)
	if err == nil {
		writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
		err = s.backend.Write(writeCtx, data)
		cancel()
	}
	if err != nil {
		err = &PersistenceError{Op: "save", Err: err}
		if !s.degraded.Swap(true) {
			s.log.Error(err, "failed to persist jobs, continuing in memory", "count", len(s.jobs))
		} else {
			s.log.V(1).Info("persist still failing", "error", err.Error())
		}
		return
	}
	s.log.V(2).Info("persisted jobs", "count", len(s.jobs))
}

func cloneMap(in map[string]job.DownloadJob) map[string]job.DownloadJob {
	return lo.MapValues(in, func(j job.DownloadJob, _ string) job.DownloadJob {
		return j.Clone()
	})
}
