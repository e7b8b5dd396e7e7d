package submission

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	xerrors "OpenMCP-Escrow/internal/errors"
)

// MemoryStore 以内存方式保存交易状态，用于开发环境与测试。
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Submission
	now  func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Submission), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, sub *Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "submission 不能为空")
	}
	if sub.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	if _, ok := m.subs[sub.ID]; ok {
		return ErrSubmissionConflict
	}
	now := m.now().UnixMilli()
	if sub.CreatedAt == 0 {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	m.subs[sub.ID] = cloneSubmission(sub)
	return nil
}

// Get 返回交易。
func (m *MemoryStore) Get(_ context.Context, id string) (*Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	return cloneSubmission(sub), nil
}

// Claim 将交易状态更新为执行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	switch sub.Status {
	case StatusSucceeded, StatusRejected:
		return cloneSubmission(sub), ErrSubmissionCompleted
	case StatusRunning:
		return cloneSubmission(sub), ErrSubmissionConflict
	}
	if sub.Attempts >= sub.MaxRetries {
		return cloneSubmission(sub), ErrSubmissionExhausted
	}
	sub.Status = StatusRunning
	sub.Attempts++
	sub.LastError = ""
	sub.ErrorCode = ""
	sub.UpdatedAt = m.now().UnixMilli()
	return cloneSubmission(sub), nil
}

// MarkSucceeded 记录执行结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrSubmissionNotFound
	}
	sub.Status = StatusSucceeded
	sub.Result = cloneRaw(result)
	sub.LastError = ""
	sub.ErrorCode = ""
	sub.UpdatedAt = m.now().UnixMilli()
	return nil
}

// MarkFailed 标记交易失败，terminal 为 true 时不再重试。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrSubmissionNotFound
	}
	sub.Status = StatusFailed
	if terminal {
		sub.Status = StatusRejected
	}
	sub.LastError = lastError
	sub.ErrorCode = string(code)
	sub.UpdatedAt = m.now().UnixMilli()
	return nil
}

// List 返回符合条件的交易。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Submission, 0, len(m.subs))
	for _, sub := range m.subs {
		if !opts.matches(sub) {
			continue
		}
		results = append(results, cloneSubmission(sub))
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		if a.UpdatedAt == b.UpdatedAt {
			if a.CreatedAt == b.CreatedAt {
				return a.ID > b.ID
			}
			return a.CreatedAt > b.CreatedAt
		}
		return a.UpdatedAt > b.UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Submission{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的交易数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	for _, sub := range m.subs {
		if opts.matches(sub) {
			stats.add(sub)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
