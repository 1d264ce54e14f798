package proxy

import (
	"fmt"

	"github.com/dalbodeule/hop-veil/internal/cipher"
	"github.com/dalbodeule/hop-veil/internal/logging"
	"github.com/dalbodeule/hop-veil/internal/protocol"
)

// PluginConfig 는 클라이언트 연결마다 Plugin 을 만들 때 주입되는 설정입니다.
type PluginConfig struct {
	Relay  RelayTarget
	Cipher cipher.Config
	Codec  protocol.EnvelopeCodec
	Logger logging.Logger
}

// Plugin 은 intercepting proxy 의 연결 단위 lifecycle hook 묶음입니다. (ko)
// Plugin bundles the per-connection hooks of the intercepting proxy. The
// Rewriter and Unwrapper share one Cipher instance created for this
// connection only. (en)
type Plugin struct {
	rewriter  *Rewriter
	unwrapper *Unwrapper
}

// NewPlugin 은 새 Cipher 인스턴스로 Plugin 을 생성합니다.
func NewPlugin(cfg PluginConfig) (*Plugin, error) {
	c, err := cipher.New(cfg.Cipher)
	if err != nil {
		return nil, fmt.Errorf("new plugin: %w", err)
	}
	rw, err := NewRewriter(cfg.Relay, cfg.Codec, c, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("new plugin: %w", err)
	}
	uw, err := NewUnwrapper(cfg.Codec, c, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("new plugin: %w", err)
	}
	return &Plugin{
		rewriter:  rw,
		unwrapper: uw,
	}, nil
}

// BeforeUpstreamConnection 은 업스트림 연결 전에 요청을 relay 용으로 바꿉니다.
func (p *Plugin) BeforeUpstreamConnection(req *protocol.Request) (*protocol.Request, error) {
	return p.rewriter.Rewrite(req)
}

// HandleUpstreamChunk 는 업스트림(relay)에서 받은 청크를 클라이언트용 바이트로 바꿉니다.
func (p *Plugin) HandleUpstreamChunk(chunk []byte) ([]byte, error) {
	return p.unwrapper.HandleChunk(chunk)
}

// OnUpstreamConnectionClose 는 업스트림 연결 종료 시 상태를 초기화합니다.
func (p *Plugin) OnUpstreamConnectionClose() {
	p.unwrapper.Reset()
}

// State 는 Unwrapper 의 현재 상태입니다.
func (p *Plugin) State() State {
	return p.unwrapper.State()
}
