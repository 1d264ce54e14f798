package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dalbodeule/hop-veil/internal/errorpages"
	"github.com/dalbodeule/hop-veil/internal/logging"
	"github.com/dalbodeule/hop-veil/internal/observability"
	"github.com/dalbodeule/hop-veil/internal/protocol"
	"github.com/dalbodeule/hop-veil/internal/transport"
)

const connectEstablished = "HTTP/1.1 200 Connection established\r\n\r\n"

// ClientConfig 는 ClientProxy 구성입니다.
type ClientConfig struct {
	// Plugin 은 클라이언트 연결마다 새 Plugin 을 만들 때 쓰입니다.
	Plugin PluginConfig
	// Relay 는 relay 로 가는 링크를 엽니다.
	Relay transport.Dialer
	// DirectDialTimeout 은 CONNECT/TRACE 에서 원 서버로 직접 연결할 때의 타임아웃입니다.
	DirectDialTimeout time.Duration
	Logger            logging.Logger
}

// ClientProxy 는 로컬에서 HTTP 프록시 요청을 받아 relay 로 터널링하는 intercepting proxy 입니다. (ko)
// ClientProxy accepts plain HTTP proxy connections, hands each request to a
// per-connection Plugin, sends the rewritten request over a fresh relay link
// and feeds the relay's byte stream back through the Plugin. CONNECT and
// TRACE go straight to the origin. (en)
type ClientProxy struct {
	Logger logging.Logger

	plugin PluginConfig
	relay  transport.Dialer
	direct *net.Dialer

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewClientProxy 는 설정을 검증하고 ClientProxy 를 생성합니다.
func NewClientProxy(cfg ClientConfig) (*ClientProxy, error) {
	if cfg.Relay == nil {
		return nil, fmt.Errorf("client proxy requires a relay dialer")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewStdJSONLogger("client_proxy")
	}
	if cfg.Plugin.Logger == nil {
		cfg.Plugin.Logger = logger
	}
	// 설정 오류는 첫 연결이 아니라 시작 시점에 드러나도록 한 번 만들어 봅니다.
	if _, err := NewPlugin(cfg.Plugin); err != nil {
		return nil, err
	}
	timeout := cfg.DirectDialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ClientProxy{
		Logger: logger.With(logging.Fields{"component": "client_proxy"}),
		plugin: cfg.Plugin,
		relay:  cfg.Relay,
		direct: &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second},
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

// Serve 는 ln 에서 연결을 받아 처리합니다. ctx 가 취소되면 listener 와 모든 연결을 닫고,
// 처리 중인 goroutine 이 모두 끝난 뒤 nil 을 반환합니다.
func (p *ClientProxy) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		p.closeAll()
	})
	defer stop()

	p.Logger.Info("client proxy listening", logging.Fields{"addr": ln.Addr().String()})
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				p.wg.Wait()
				p.Logger.Info("client proxy stopped", logging.Fields{"reason": ctx.Err().Error()})
				return nil
			}
			p.wg.Wait()
			return fmt.Errorf("accept: %w", err)
		}
		if !p.track(conn) {
			_ = conn.Close()
			continue
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.untrack(conn)
			p.handleConn(ctx, conn)
		}()
	}
}

func (p *ClientProxy) track(c net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns == nil {
		return false
	}
	p.conns[c] = struct{}{}
	return true
}

func (p *ClientProxy) untrack(c net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, c)
}

func (p *ClientProxy) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.conns {
		_ = c.Close()
	}
	p.conns = nil
}

func (p *ClientProxy) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := p.Logger.With(logging.Fields{"client": conn.RemoteAddr().String()})

	plugin, err := NewPlugin(p.plugin)
	if err != nil {
		log.Error("failed to create plugin", logging.Fields{"error": err.Error()})
		return
	}

	br := bufio.NewReader(conn)
	for {
		req, err := protocol.ReadRequest(br)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, protocol.ErrMalformedRequest) {
				observability.ProxyErrorsTotal.WithLabelValues("malformed_request").Inc()
				_ = errorpages.WriteRaw(conn, http.StatusBadRequest)
			}
			log.Debug("read client request failed", logging.Fields{"error": err.Error()})
			return
		}

		if req.Method == http.MethodConnect {
			p.tunnel(ctx, conn, br, plugin, req, log)
			return
		}

		keepAlive, err := p.exchange(ctx, conn, plugin, req, log)
		if err != nil {
			log.Warn("proxy exchange failed", logging.Fields{"error": err.Error()})
			return
		}
		if !keepAlive {
			return
		}
	}
}

// exchange 는 요청 하나를 relay(또는 TRACE 의 경우 원 서버)로 보내고 응답을 클라이언트에 씁니다.
// 반환값 keepAlive 는 응답 경계가 명확해 같은 클라이언트 연결을 계속 쓸 수 있는지 여부입니다.
func (p *ClientProxy) exchange(ctx context.Context, conn net.Conn, plugin *Plugin, req *protocol.Request, log logging.Logger) (bool, error) {
	bypass := Bypass(req.Method)
	method, target := req.Method, req.TargetURL()
	log = log.With(logging.Fields{"method": method, "url": target})

	out, err := plugin.BeforeUpstreamConnection(req)
	if err != nil {
		observability.ProxyErrorsTotal.WithLabelValues("rewrite_failed").Inc()
		return false, err
	}

	var upstream net.Conn
	if bypass {
		// 통과 응답은 EOF 로만 끝을 알 수 있으므로 원 서버가 연결을 닫도록 요청합니다.
		out.Header.Set("Connection", "close")
		upstream, err = p.direct.DialContext(ctx, "tcp", net.JoinHostPort(out.Host, strconv.Itoa(out.Port)))
	} else {
		upstream, err = p.relay.DialContext(ctx)
	}
	if err != nil {
		status := http.StatusBadGateway
		kind := "relay_dial_failed"
		if errors.Is(err, transport.ErrHandshake) {
			status = errorpages.StatusTLSHandshakeFailed
			kind = "relay_handshake_failed"
		}
		observability.ProxyErrorsTotal.WithLabelValues(kind).Inc()
		_ = errorpages.WriteRaw(conn, status)
		return false, err
	}
	defer upstream.Close()
	stop := context.AfterFunc(ctx, func() { _ = upstream.Close() })
	defer stop()
	defer plugin.OnUpstreamConnectionClose()

	if err := protocol.WriteRequest(upstream, out); err != nil {
		observability.ProxyErrorsTotal.WithLabelValues("relay_write_failed").Inc()
		_ = errorpages.WriteRaw(conn, http.StatusBadGateway)
		return false, fmt.Errorf("write upstream request: %w", err)
	}

	var decrypted, passthrough bool
	cr := newChunkReader(upstream)
	for {
		state := plugin.State()
		chunk, err := cr.Next(state)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			observability.ProxyErrorsTotal.WithLabelValues("relay_read_failed").Inc()
			return false, fmt.Errorf("read upstream: %w", err)
		}
		data, err := plugin.HandleUpstreamChunk(chunk)
		if err != nil {
			observability.ProxyErrorsTotal.WithLabelValues("unwrap_failed").Inc()
			return false, err
		}
		if state == StateDecryptPending {
			decrypted = true
		} else if len(data) > 0 {
			passthrough = true
		}
		if len(data) > 0 {
			if _, err := conn.Write(data); err != nil {
				return false, fmt.Errorf("write client: %w", err)
			}
		}
	}

	log.Debug("proxy exchange completed", logging.Fields{
		"decrypted":   decrypted,
		"passthrough": passthrough,
		"bypass":      bypass,
	})
	// 복호화된 응답은 Content-Length 로 경계가 정해지므로 연결을 재사용할 수 있습니다.
	return decrypted && !passthrough, nil
}

// tunnel 은 CONNECT 요청을 원 서버로 직접 연결해 양방향으로 바이트를 복사합니다.
func (p *ClientProxy) tunnel(ctx context.Context, conn net.Conn, br *bufio.Reader, plugin *Plugin, req *protocol.Request, log logging.Logger) {
	out, err := plugin.BeforeUpstreamConnection(req)
	if err != nil {
		observability.ProxyErrorsTotal.WithLabelValues("rewrite_failed").Inc()
		return
	}
	addr := net.JoinHostPort(out.Host, strconv.Itoa(out.Port))
	log = log.With(logging.Fields{"method": http.MethodConnect, "target": addr})

	upstream, err := p.direct.DialContext(ctx, "tcp", addr)
	if err != nil {
		observability.ProxyErrorsTotal.WithLabelValues("connect_dial_failed").Inc()
		log.Warn("connect dial failed", logging.Fields{"error": err.Error()})
		_ = errorpages.WriteRaw(conn, http.StatusBadGateway)
		return
	}
	defer upstream.Close()
	stop := context.AfterFunc(ctx, func() { _ = upstream.Close() })
	defer stop()

	if _, err := io.WriteString(conn, connectEstablished); err != nil {
		return
	}

	errc := make(chan error, 2)
	go func() {
		// br 에 이미 버퍼링된 바이트도 함께 보냅니다.
		_, err := io.Copy(upstream, br)
		closeWrite(upstream)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(conn, upstream)
		closeWrite(conn)
		errc <- err
	}()
	<-errc
	// 한쪽이 끝나면 양쪽 모두 닫아 나머지 복사도 끝나게 합니다.
	_ = upstream.Close()
	_ = conn.Close()
	<-errc
	log.Debug("connect tunnel closed", nil)
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
