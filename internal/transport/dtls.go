package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v3"

	"github.com/dalbodeule/hop-veil/internal/logging"
	"github.com/dalbodeule/hop-veil/internal/observability"
)

// readBufferSize 는 pion/dtls 가 복호화한 레코드를 한 번에 받을 수 있도록 사용하는 버퍼 크기입니다.
const readBufferSize = 64 * 1024

// maxWriteSize 는 DTLS 레코드 하나에 담을 애플리케이션 데이터 상한입니다.
// pion 의 기본 MTU(1200)보다 작게 잡습니다.
const maxWriteSize = 1024

func toPionConfig(c *tls.Config) *dtls.Config {
	return &dtls.Config{
		Certificates:         c.Certificates,
		InsecureSkipVerify:   c.InsecureSkipVerify,
		ServerName:           c.ServerName,
		RootCAs:              c.RootCAs,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	}
}

// bufferedConn 은 DTLS 연결 위에서 스트림처럼 읽고 쓸 수 있게 합니다.
// 읽기는 64KiB 버퍼를 거치고, 쓰기는 레코드 크기 단위로 나눕니다.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func newBufferedConn(c net.Conn) *bufferedConn {
	return &bufferedConn{Conn: c, r: bufio.NewReaderSize(c, readBufferSize)}
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > maxWriteSize {
			n = maxWriteSize
		}
		m, err := c.Conn.Write(p[:n])
		written += m
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}

type dtlsDialer struct {
	cfg  DialConfig
	pion *dtls.Config
}

func (d *dtlsDialer) DialContext(ctx context.Context) (net.Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", d.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve relay %s: %w", d.cfg.Addr, err)
	}
	conn, err := dtls.Dial("udp", raddr, d.pion)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", d.cfg.Addr, err)
	}

	hctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	if err := conn.HandshakeContext(hctx); err != nil {
		_ = conn.Close()
		observability.DTLSHandshakesTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("%w: dtls: %v", ErrHandshake, err)
	}
	observability.DTLSHandshakesTotal.WithLabelValues("success").Inc()

	bc := newBufferedConn(conn)
	if _, err := PerformClientHandshake(hctx, bc, d.cfg.Logger, d.cfg.ClientID, d.cfg.Fingerprint); err != nil {
		_ = bc.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return bc, nil
}

// handshakeListener 는 DTLS + 링크 핸드셰이크가 끝난 연결만 Accept 로 돌려줍니다.
// 핸드셰이크는 연결마다 별도 goroutine 에서 수행하므로 느린 클라이언트가 Accept 를 막지 않습니다.
type handshakeListener struct {
	inner   net.Listener
	cfg     ListenConfig
	logger  logging.Logger
	conns   chan net.Conn
	done    chan struct{}
	once    sync.Once
	errOnce sync.Once
	err     error
}

func listenDTLS(cfg ListenConfig) (net.Listener, error) {
	if cfg.TLSConfig == nil {
		return nil, fmt.Errorf("transport: dtls requires a tls config")
	}
	laddr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Addr, err)
	}
	inner, err := dtls.Listen("udp", laddr, toPionConfig(cfg.TLSConfig))
	if err != nil {
		return nil, fmt.Errorf("listen dtls %s: %w", cfg.Addr, err)
	}

	l := &handshakeListener{
		inner:  inner,
		cfg:    cfg,
		logger: cfg.Logger.With(logging.Fields{"component": "dtls_listener"}),
		conns:  make(chan net.Conn),
		done:   make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *handshakeListener) acceptLoop() {
	for {
		c, err := l.inner.Accept()
		if err != nil {
			select {
			case <-l.done:
			default:
				l.errOnce.Do(func() { l.err = err })
				l.logger.Error("dtls accept failed", logging.Fields{"error": err.Error()})
				_ = l.Close()
			}
			return
		}
		go l.handshake(c)
	}
}

func (l *handshakeListener) handshake(c net.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.HandshakeTimeout)
	defer cancel()

	if hc, ok := c.(interface{ HandshakeContext(context.Context) error }); ok {
		if err := hc.HandshakeContext(ctx); err != nil {
			observability.DTLSHandshakesTotal.WithLabelValues("failure").Inc()
			l.logger.Warn("dtls handshake failed", logging.Fields{
				"remote": c.RemoteAddr().String(),
				"error":  err.Error(),
			})
			_ = c.Close()
			return
		}
	}
	observability.DTLSHandshakesTotal.WithLabelValues("success").Inc()

	bc := newBufferedConn(c)
	_ = bc.SetDeadline(time.Now().Add(l.cfg.HandshakeTimeout))
	res, err := PerformServerHandshake(ctx, bc, l.cfg.Validator, l.logger)
	if err != nil {
		l.logger.Warn("link handshake failed", logging.Fields{
			"remote": c.RemoteAddr().String(),
			"error":  err.Error(),
		})
		_ = bc.Close()
		return
	}
	_ = bc.SetDeadline(time.Time{})

	l.logger.Debug("relay link established", logging.Fields{
		"remote":    c.RemoteAddr().String(),
		"client_id": res.ClientID,
	})

	select {
	case l.conns <- bc:
	case <-l.done:
		_ = bc.Close()
	}
}

func (l *handshakeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		if l.err != nil {
			return nil, l.err
		}
		return nil, net.ErrClosed
	}
}

func (l *handshakeListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.inner.Close()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (l *handshakeListener) Addr() net.Addr {
	return l.inner.Addr()
}
