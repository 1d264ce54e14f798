package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Exchange 는 relay 가 처리한 요청/응답 교환 한 건의 기록입니다.
// 바디 내용은 저장하지 않고 크기만 남깁니다.
type Exchange struct {
	ID            uuid.UUID     `json:"id"`
	Method        string        `json:"method"`
	TargetHost    string        `json:"target_host"`
	Status        int           `json:"status"`
	RequestBytes  int           `json:"request_bytes"`
	ResponseBytes int           `json:"response_bytes"`
	Duration      time.Duration `json:"duration_ns"`
	Error         string        `json:"error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Journal 은 Exchange 기록 저장소입니다.
type Journal interface {
	Record(ctx context.Context, e Exchange) error
	// Recent 는 최근 기록을 최신순으로 최대 limit 개 반환합니다.
	Recent(ctx context.Context, limit int) ([]Exchange, error)
	Close() error
}

// DefaultMemoryCapacity 는 MemoryJournal 의 기본 보관 개수입니다.
const DefaultMemoryCapacity = 1024

// MemoryJournal 은 최근 기록만 고정 크기 링 버퍼에 보관하는 Journal 입니다.
// DB 가 설정되지 않은 경우 사용합니다.
type MemoryJournal struct {
	mu    sync.Mutex
	buf   []Exchange
	next  int
	count int
}

// NewMemoryJournal 은 capacity 개까지 보관하는 MemoryJournal 을 생성합니다.
func NewMemoryJournal(capacity int) *MemoryJournal {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryJournal{buf: make([]Exchange, capacity)}
}

func (m *MemoryJournal) Record(_ context.Context, e Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf[m.next] = e
	m.next = (m.next + 1) % len(m.buf)
	if m.count < len(m.buf) {
		m.count++
	}
	return nil
}

func (m *MemoryJournal) Recent(_ context.Context, limit int) ([]Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > m.count {
		limit = m.count
	}
	out := make([]Exchange, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (m.next - i + len(m.buf)) % len(m.buf)
		out = append(out, m.buf[idx])
	}
	return out, nil
}

func (m *MemoryJournal) Close() error { return nil }
