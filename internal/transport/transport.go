// Package transport 는 client 와 relay 사이의 링크(TCP, TLS, DTLS)를 제공합니다.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/dalbodeule/hop-veil/internal/logging"
)

// Kind 는 relay 링크 종류입니다.
type Kind string

const (
	// KindTCP 는 평문 TCP 또는 TLSConfig 가 있으면 TLS over TCP 입니다. 기존 relay 와 wire 호환됩니다.
	KindTCP Kind = "tcp"
	// KindDTLS 는 pion/dtls 기반 DTLS over UDP 입니다. 연결 직후 링크 핸드셰이크를 수행합니다.
	// DTLS 는 애플리케이션 데이터의 재전송을 보장하지 않으므로 손실이 없는 경로에서만 사용해야 합니다.
	KindDTLS Kind = "dtls"
)

const (
	defaultDialTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// ErrHandshake 는 TLS/DTLS 또는 링크 핸드셰이크 실패입니다.
var ErrHandshake = errors.New("relay link handshake failed")

// ParseKind 는 설정 문자열을 Kind 로 변환합니다. 빈 문자열은 tcp 입니다.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindTCP, nil
	case KindTCP, KindDTLS:
		return k, nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}

// Dialer 는 relay 로의 새 연결을 엽니다. 교환 하나마다 연결 하나를 사용합니다.
type Dialer interface {
	DialContext(ctx context.Context) (net.Conn, error)
}

// DialConfig 는 Dialer 구성입니다.
type DialConfig struct {
	Kind      Kind
	Addr      string      // relay host:port
	TLSConfig *tls.Config // tcp: nil 이면 평문, dtls: 필수
	Timeout   time.Duration

	// DTLS 링크 핸드셰이크에서 relay 로 보내는 값입니다.
	ClientID    string
	Fingerprint string

	Logger logging.Logger
}

// NewDialer 는 Kind 에 맞는 Dialer 를 생성합니다.
func NewDialer(cfg DialConfig) (Dialer, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("transport: relay address is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDialTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	switch cfg.Kind {
	case KindTCP, "":
		return &tcpDialer{cfg: cfg}, nil
	case KindDTLS:
		if cfg.TLSConfig == nil {
			return nil, fmt.Errorf("transport: dtls requires a tls config")
		}
		return &dtlsDialer{cfg: cfg, pion: toPionConfig(cfg.TLSConfig)}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Kind)
	}
}

// ListenConfig 는 relay 측 리스너 구성입니다.
type ListenConfig struct {
	Kind      Kind
	Addr      string
	TLSConfig *tls.Config // tcp: nil 이면 평문, dtls: 필수

	// DTLS 링크 핸드셰이크 검증기. nil 이면 AllowAllValidator 입니다.
	Validator        LinkValidator
	HandshakeTimeout time.Duration

	Logger logging.Logger
}

// Listen 은 Kind 에 맞는 net.Listener 를 엽니다.
// 반환된 리스너는 http.Server.Serve 에 그대로 넘길 수 있습니다.
func Listen(cfg ListenConfig) (net.Listener, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Validator == nil {
		cfg.Validator = AllowAllValidator{Logger: cfg.Logger}
	}
	switch cfg.Kind {
	case KindTCP, "":
		ln, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("listen tcp %s: %w", cfg.Addr, err)
		}
		if cfg.TLSConfig != nil {
			ln = tls.NewListener(ln, cfg.TLSConfig)
		}
		return ln, nil
	case KindDTLS:
		return listenDTLS(cfg)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Kind)
	}
}

type tcpDialer struct {
	cfg DialConfig
}

func (d *tcpDialer) DialContext(ctx context.Context) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.cfg.Timeout, KeepAlive: 30 * time.Second}
	if d.cfg.TLSConfig == nil {
		conn, err := nd.DialContext(ctx, "tcp", d.cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("dial relay %s: %w", d.cfg.Addr, err)
		}
		return conn, nil
	}

	td := &tls.Dialer{NetDialer: nd, Config: d.cfg.TLSConfig}
	conn, err := td.DialContext(ctx, "tcp", d.cfg.Addr)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return nil, fmt.Errorf("dial relay %s: %w", d.cfg.Addr, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return conn, nil
}
