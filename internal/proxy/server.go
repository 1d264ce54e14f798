package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dalbodeule/hop-veil/internal/cipher"
	"github.com/dalbodeule/hop-veil/internal/errorpages"
	"github.com/dalbodeule/hop-veil/internal/logging"
	"github.com/dalbodeule/hop-veil/internal/observability"
	"github.com/dalbodeule/hop-veil/internal/protocol"
	"github.com/dalbodeule/hop-veil/internal/store"
)

// approvalResponse 는 relay 가 암호문 앞에 보내는 승인 응답입니다.
var approvalResponse = "HTTP/1.1 200 OK\r\n" + protocol.ApprovalHeader + ": 1\r\nContent-Length: 0\r\n\r\n"

const defaultMaxEnvelopeBytes = 64 << 20

// hopHeaders 는 relay 가 업스트림으로 전달하지 않는 hop-by-hop 헤더입니다.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
}

// RelayConfig 는 RelayServer 구성입니다.
type RelayConfig struct {
	Cipher          cipher.Config
	Codec           protocol.EnvelopeCodec
	Journal         store.Journal
	UpstreamTimeout time.Duration
	HTTPClient      *http.Client
	Logger          logging.Logger
}

// RelayServer 는 client 가 보낸 암호화 엔벨로프를 풀어 실제 업스트림 요청을 수행하고,
// 승인 응답 + 암호화된 응답 엔벨로프를 돌려주는 http.Handler 입니다. (ko)
// RelayServer is the remote half of the tunnel. Each POST carries one
// encrypted request envelope; the handler performs the upstream request,
// hijacks the connection, writes the approval response followed by the
// encrypted response envelope, and closes. (en)
type RelayServer struct {
	HTTPClient *http.Client
	Logger     logging.Logger

	codec   protocol.EnvelopeCodec
	cipher  cipher.Cipher
	journal store.Journal
	maxBody int64
}

// NewRelayServer 는 RelayServer 를 생성합니다. Journal 이 nil 이면 메모리 journal 을 사용합니다.
func NewRelayServer(cfg RelayConfig) (*RelayServer, error) {
	c, err := cipher.New(cfg.Cipher)
	if err != nil {
		return nil, fmt.Errorf("new relay server: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewStdJSONLogger("relay")
	}
	codec := cfg.Codec
	if codec == nil {
		codec = protocol.DefaultCodec
	}
	journal := cfg.Journal
	if journal == nil {
		journal = store.NewMemoryJournal(store.DefaultMemoryCapacity)
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.UpstreamTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = newUpstreamClient(timeout)
	}
	return &RelayServer{
		HTTPClient: client,
		Logger:     logger.With(logging.Fields{"component": "relay"}),
		codec:      codec,
		cipher:     c,
		journal:    journal,
		maxBody:    defaultMaxEnvelopeBytes,
	}, nil
}

// Journal 은 교환 기록 저장소를 반환합니다. (admin API 용)
func (s *RelayServer) Journal() store.Journal { return s.journal }

func newUpstreamClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		// 리다이렉트는 client 가 직접 따라가도록 그대로 돌려줍니다.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (s *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ex := store.Exchange{ID: uuid.New(), CreatedAt: start.UTC()}
	log := s.Logger.With(logging.Fields{
		"exchange_id": ex.ID.String(),
		"remote":      r.RemoteAddr,
	})

	// 실패 응답을 보낸 뒤에는 항상 연결을 닫아 client 가 EOF 로 청크 경계를 알 수 있게 합니다.
	fail := func(status int, kind string, err error) {
		ex.Status = status
		ex.Error = err.Error()
		ex.Duration = time.Since(start)
		observability.ProxyErrorsTotal.WithLabelValues(kind).Inc()
		log.Warn("relay exchange failed", logging.Fields{
			"status": status,
			"kind":   kind,
			"error":  err.Error(),
		})
		w.Header().Set("Connection", "close")
		errorpages.Render(w, r, status)
		s.record(r.Context(), ex, log)
	}

	if r.Method != http.MethodPost {
		fail(http.StatusMethodNotAllowed, "relay_bad_method", fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	if r.ContentLength > s.maxBody {
		fail(http.StatusRequestEntityTooLarge, "relay_envelope_too_large", fmt.Errorf("envelope of %d bytes exceeds %d", r.ContentLength, s.maxBody))
		return
	}
	// 잘린 암호문도 compat 모드에서는 복호화되므로, 한 바이트 더 읽어 초과 여부를 확인합니다.
	ciphertext, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody+1))
	if err != nil {
		fail(http.StatusBadRequest, "relay_read_body", fmt.Errorf("read envelope: %w", err))
		return
	}
	if int64(len(ciphertext)) > s.maxBody {
		fail(http.StatusRequestEntityTooLarge, "relay_envelope_too_large", fmt.Errorf("envelope exceeds %d bytes", s.maxBody))
		return
	}
	ex.RequestBytes = len(ciphertext)

	plaintext, err := s.cipher.Decrypt(ciphertext)
	if err != nil {
		observability.CipherErrorsTotal.WithLabelValues("decrypt").Inc()
		fail(http.StatusBadRequest, "relay_decrypt_failed", err)
		return
	}
	env, err := s.codec.DecodeRequest(plaintext)
	if err != nil {
		fail(http.StatusBadRequest, "relay_decode_failed", err)
		return
	}
	ex.Method = env.Method
	ex.TargetHost = hostOf(env.URL)
	log = log.With(logging.Fields{"method": env.Method, "url": env.URL})

	resp, err := s.forward(r.Context(), env)
	if err != nil {
		status := http.StatusBadGateway
		if isTimeout(err) {
			status = errorpages.StatusGatewayTimeout
		}
		fail(status, "relay_upstream_failed", err)
		return
	}
	ex.Status = resp.Status
	ex.ResponseBytes = len(resp.Body)

	envelope, err := s.codec.EncodeResponse(resp)
	if err != nil {
		fail(http.StatusBadGateway, "relay_encode_failed", err)
		return
	}
	sealed, err := s.cipher.Encrypt(envelope, false)
	if err != nil {
		observability.CipherErrorsTotal.WithLabelValues("encrypt").Inc()
		fail(http.StatusInternalServerError, "relay_encrypt_failed", err)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		fail(http.StatusInternalServerError, "relay_hijack_unsupported", errors.New("response writer does not support hijacking"))
		return
	}
	conn, bufrw, err := hj.Hijack()
	if err != nil {
		fail(http.StatusInternalServerError, "relay_hijack_failed", err)
		return
	}
	defer conn.Close()

	_, _ = bufrw.WriteString(approvalResponse)
	_, _ = bufrw.Write(sealed)
	if err := bufrw.Flush(); err != nil {
		ex.Error = fmt.Sprintf("write response: %v", err)
		log.Warn("failed to write relay response", logging.Fields{"error": err.Error()})
	}

	ex.Duration = time.Since(start)
	observability.RelayExchangesTotal.WithLabelValues(env.Method, strconv.Itoa(resp.Status)).Inc()
	observability.RelayExchangeDurationSeconds.WithLabelValues(env.Method).Observe(ex.Duration.Seconds())
	log.Info("relay exchange completed", logging.Fields{
		"status":     resp.Status,
		"elapsed_ms": ex.Duration.Milliseconds(),
		"resp_bytes": len(resp.Body),
	})
	s.record(r.Context(), ex, log)
}

func (s *RelayServer) record(ctx context.Context, ex store.Exchange, log logging.Logger) {
	if err := s.journal.Record(context.WithoutCancel(ctx), ex); err != nil {
		log.Warn("failed to record exchange", logging.Fields{"error": err.Error()})
	}
}

// forward 는 복호화된 엔벨로프로 업스트림 HTTP 요청을 수행하고 protocol.Response 를 채웁니다.
func (s *RelayServer) forward(ctx context.Context, env *protocol.Envelope) (*protocol.Response, error) {
	var body io.Reader
	if len(env.Body) > 0 {
		body = bytes.NewReader(env.Body)
	}
	req, err := http.NewRequestWithContext(ctx, env.Method, env.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	req.ContentLength = int64(len(env.Body))

	// 헤더 복사 (hop-by-hop 제외, Host 는 req.Host 로)
	for _, f := range env.Header.Fields() {
		key := http.CanonicalHeaderKey(f.Name)
		switch {
		case key == "Host":
			req.Host = f.Value
		case hopHeaders[key]:
		default:
			req.Header.Add(f.Name, f.Value)
		}
	}

	res, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform http request: %w", err)
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read http response body: %w", err)
	}

	// http.Header 는 순서가 없으므로 이름순으로 정렬해 결정적으로 만듭니다.
	keys := make([]string, 0, len(res.Header))
	for k := range res.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var h protocol.Header
	for _, k := range keys {
		for _, v := range res.Header[k] {
			h.Add(k, v)
		}
	}

	return &protocol.Response{
		Status: res.StatusCode,
		URL:    env.URL,
		Header: h,
		Body:   respBody,
	}, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// NewHTTPServer 는 relay 용 HTTP/1.1 서버를 생성합니다.
// 응답을 hijack 해야 하므로 HTTP/2 는 설정하지 않습니다.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
