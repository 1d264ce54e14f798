package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dalbodeule/hop-veil/internal/cipher"
	"github.com/dalbodeule/hop-veil/internal/logging"
	"github.com/dalbodeule/hop-veil/internal/observability"
	"github.com/dalbodeule/hop-veil/internal/protocol"
)

// RelayTarget 은 암호화된 엔벨로프를 받을 relay 서버의 주소입니다.
type RelayTarget struct {
	Host    string
	Port    int
	BaseURL string // 예: "/", "/tunnel?v=1"
}

// Addr 은 host:port 형식의 relay 주소입니다.
func (t RelayTarget) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// Bypass 는 가로채지 않고 그대로 통과시키는 메서드인지 반환합니다.
func Bypass(method string) bool {
	return method == http.MethodConnect || method == http.MethodTrace
}

// Rewriter 는 클라이언트 요청을 relay 로 가는 POST 요청으로 바꿉니다. (ko)
// Rewriter turns an intercepted client request into a POST to the relay whose
// body is the encrypted envelope. It holds no per-request state; the cipher is
// shared with the Unwrapper of the same connection. (en)
type Rewriter struct {
	relay  RelayTarget
	path   string
	query  string
	frag   string
	codec  protocol.EnvelopeCodec
	cipher cipher.Cipher
	logger logging.Logger
}

// NewRewriter 는 relay BaseURL 을 미리 파싱해 Rewriter 를 생성합니다.
func NewRewriter(relay RelayTarget, codec protocol.EnvelopeCodec, c cipher.Cipher, logger logging.Logger) (*Rewriter, error) {
	if relay.Host == "" || relay.Port < 1 || relay.Port > 65535 {
		return nil, fmt.Errorf("invalid relay target %q", relay.Addr())
	}
	if c == nil {
		return nil, fmt.Errorf("rewriter requires a cipher")
	}
	if codec == nil {
		codec = protocol.DefaultCodec
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	base := relay.BaseURL
	if base == "" {
		base = "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse relay base url %q: %w", base, err)
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return &Rewriter{
		relay:  relay,
		path:   path,
		query:  u.RawQuery,
		frag:   u.EscapedFragment(),
		codec:  codec,
		cipher: c,
		logger: logger.With(logging.Fields{"component": "rewriter"}),
	}, nil
}

// Rewrite 는 req 를 제자리에서 relay 요청으로 변환합니다.
// CONNECT/TRACE 는 손대지 않고 그대로 반환합니다.
// 인코딩/암호화 실패 시 에러를 반환하며, 이 경우 요청을 전달하면 안 됩니다.
func (r *Rewriter) Rewrite(req *protocol.Request) (*protocol.Request, error) {
	if Bypass(req.Method) {
		observability.RewritesTotal.WithLabelValues("bypass").Inc()
		r.logger.Debug("request bypasses interception", logging.Fields{
			"method": req.Method,
			"host":   req.Host,
			"port":   req.Port,
		})
		return req, nil
	}

	method, target := req.Method, req.TargetURL()

	envelope, err := r.codec.EncodeRequest(req)
	if err != nil {
		observability.RewritesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("rewrite %s %s: %w", method, target, err)
	}

	ciphertext, err := r.cipher.Encrypt(envelope, false)
	if err != nil {
		observability.RewritesTotal.WithLabelValues("error").Inc()
		observability.CipherErrorsTotal.WithLabelValues("encrypt").Inc()
		return nil, fmt.Errorf("rewrite %s %s: %w", method, target, err)
	}

	req.Body = ciphertext
	if !req.Chunked {
		req.Header.Set("Content-Length", strconv.Itoa(len(ciphertext)))
	}
	req.Host = r.relay.Host
	req.Port = r.relay.Port
	req.Method = http.MethodPost
	req.Path = r.path
	req.Query = r.query
	req.Fragment = r.frag

	observability.RewritesTotal.WithLabelValues("rewritten").Inc()
	r.logger.Debug("request rewritten for relay", logging.Fields{
		"method":           method,
		"url":              target,
		"envelope_bytes":   len(envelope),
		"ciphertext_bytes": len(ciphertext),
	})
	return req, nil
}
