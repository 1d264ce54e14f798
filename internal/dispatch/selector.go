// Package dispatch 는 여러 업스트림 중 하나를 골라 요청을 전달하는 reverse proxy 입니다.
package dispatch

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultGroupCacheSize 는 그룹→업스트림 고정 정보를 보관하는 기본 개수입니다.
const DefaultGroupCacheSize = 4096

// ErrNoUpstreams 는 업스트림이 하나도 설정되지 않은 경우입니다.
var ErrNoUpstreams = errors.New("dispatch: no upstreams configured")

// Selector 는 그룹마다 업스트림 하나를 무작위로 골라 고정합니다. (ko)
// Selector picks one upstream at random per logical request group and keeps
// returning it for that group until the group falls out of the LRU. The
// empty group is never pinned. (en)
type Selector struct {
	upstreams []*url.URL

	mu     sync.Mutex
	groups *lru.Cache[string, *url.URL]
	intn   func(n int) int
}

// NewSelector 는 업스트림 URL 목록으로 Selector 를 생성합니다.
func NewSelector(upstreams []string, cacheSize int) (*Selector, error) {
	if len(upstreams) == 0 {
		return nil, ErrNoUpstreams
	}
	parsed := make([]*url.URL, 0, len(upstreams))
	for _, raw := range upstreams {
		raw = strings.TrimSpace(raw)
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("dispatch: parse upstream %q: %w", raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return nil, fmt.Errorf("dispatch: upstream %q must be an absolute http(s) url", raw)
		}
		parsed = append(parsed, u)
	}
	if cacheSize <= 0 {
		cacheSize = DefaultGroupCacheSize
	}
	groups, err := lru.New[string, *url.URL](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("dispatch: group cache: %w", err)
	}
	return &Selector{upstreams: parsed, groups: groups, intn: rand.IntN}, nil
}

// Pick 은 group 에 대한 업스트림을 반환합니다.
func (s *Selector) Pick(group string) *url.URL {
	if group == "" {
		return s.random()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.groups.Get(group); ok {
		return u
	}
	u := s.random()
	s.groups.Add(group, u)
	return u
}

func (s *Selector) random() *url.URL {
	return s.upstreams[s.intn(len(s.upstreams))]
}

// Upstreams 는 설정된 업스트림 목록입니다.
func (s *Selector) Upstreams() []string {
	out := make([]string, len(s.upstreams))
	for i, u := range s.upstreams {
		out[i] = u.String()
	}
	return out
}

// PinnedGroups 는 현재 업스트림이 고정된 그룹 수입니다.
func (s *Selector) PinnedGroups() int {
	return s.groups.Len()
}
