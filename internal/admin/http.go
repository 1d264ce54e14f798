package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/dalbodeule/hop-veil/internal/logging"
	"github.com/dalbodeule/hop-veil/internal/store"
)

const (
	defaultExchangeLimit = 50
	maxExchangeLimit     = 1000
)

// UpstreamSource 는 dispatcher 의 업스트림 상태를 제공합니다. (*dispatch.Selector 가 구현)
type UpstreamSource interface {
	Upstreams() []string
	PinnedGroups() int
}

// Handler 는 /api/v1/admin 관리 plane HTTP 엔드포인트를 제공합니다.
type Handler struct {
	Logger      logging.Logger
	AdminAPIKey string
	Journal     store.Journal
	Upstreams   UpstreamSource // nil 이면 dispatcher 가 비활성화된 상태
}

// NewHandler 는 새로운 Handler 를 생성합니다.
func NewHandler(logger logging.Logger, adminAPIKey string, journal store.Journal, upstreams UpstreamSource) *Handler {
	if logger == nil {
		logger = logging.NewStdJSONLogger("admin")
	}
	return &Handler{
		Logger:      logger.With(logging.Fields{"component": "admin_api"}),
		AdminAPIKey: strings.TrimSpace(adminAPIKey),
		Journal:     journal,
		Upstreams:   upstreams,
	}
}

// RegisterRoutes 는 전달받은 mux 에 관리 API 라우트를 등록합니다.
//   - GET /api/v1/admin/exchanges?limit=N
//   - GET /api/v1/admin/upstreams
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/api/v1/admin/exchanges", h.authMiddleware(http.HandlerFunc(h.handleExchanges)))
	mux.Handle("/api/v1/admin/upstreams", h.authMiddleware(http.HandlerFunc(h.handleUpstreams)))
}

// authMiddleware 는 Authorization: Bearer {ADMIN_API_KEY} 헤더를 검증합니다.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.authenticate(r) {
			h.Logger.Warn("unauthorized admin request", logging.Fields{
				"path":   r.URL.Path,
				"remote": r.RemoteAddr,
			})
			h.writeJSON(w, http.StatusUnauthorized, map[string]any{
				"success": false,
				"error":   "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) authenticate(r *http.Request) bool {
	if h.AdminAPIKey == "" {
		// Admin API 키가 설정되지 않았다면 모든 요청을 거부
		return false
	}
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.AdminAPIKey)) == 1
}

type exchangesResponse struct {
	Success   bool             `json:"success"`
	Exchanges []store.Exchange `json:"exchanges"`
	Error     string           `json:"error,omitempty"`
}

func (h *Handler) handleExchanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeMethodNotAllowed(w, r)
		return
	}

	limit := defaultExchangeLimit
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeJSON(w, http.StatusBadRequest, exchangesResponse{
				Success: false,
				Error:   "limit must be a positive integer",
			})
			return
		}
		limit = min(n, maxExchangeLimit)
	}

	rows, err := h.Journal.Recent(r.Context(), limit)
	if err != nil {
		h.Logger.Error("failed to list exchanges", logging.Fields{
			"limit": limit,
			"error": err.Error(),
		})
		h.writeJSON(w, http.StatusInternalServerError, exchangesResponse{
			Success: false,
			Error:   "internal error",
		})
		return
	}
	if rows == nil {
		rows = []store.Exchange{}
	}

	h.writeJSON(w, http.StatusOK, exchangesResponse{
		Success:   true,
		Exchanges: rows,
	})
}

type upstreamsResponse struct {
	Success      bool     `json:"success"`
	Enabled      bool     `json:"enabled"`
	Upstreams    []string `json:"upstreams"`
	PinnedGroups int      `json:"pinned_groups"`
}

func (h *Handler) handleUpstreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeMethodNotAllowed(w, r)
		return
	}
	if h.Upstreams == nil {
		h.writeJSON(w, http.StatusOK, upstreamsResponse{Success: true, Upstreams: []string{}})
		return
	}
	h.writeJSON(w, http.StatusOK, upstreamsResponse{
		Success:      true,
		Enabled:      true,
		Upstreams:    h.Upstreams.Upstreams(),
		PinnedGroups: h.Upstreams.PinnedGroups(),
	})
}

func (h *Handler) writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"success": false,
		"error":   "method not allowed",
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Error("failed to write json response", logging.Fields{"error": err.Error()})
	}
}
