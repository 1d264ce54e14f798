package proxy

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalbodeule/hop-veil/internal/logging"
	"github.com/dalbodeule/hop-veil/internal/protocol"
)

var testRelay = RelayTarget{Host: "relay.internal", Port: 9443, BaseURL: "/"}

type failingCipher struct{ err error }

func (f failingCipher) Encrypt([]byte, bool) ([]byte, error) { return nil, f.err }
func (f failingCipher) Decrypt([]byte) ([]byte, error)       { return nil, f.err }

func exampleRequest() *protocol.Request {
	return &protocol.Request{
		Method: "GET",
		Host:   "example.com",
		Port:   80,
		Path:   "/foo",
		Query:  "x=1",
		Header: protocol.NewHeader(protocol.HeaderField{Name: "Accept", Value: "text/html"}),
	}
}

func TestRewriteLiteralExample(t *testing.T) {
	c := newTestCipher(t, testCipherConfig())
	rw, err := NewRewriter(testRelay, nil, c, logging.NewNop())
	require.NoError(t, err)

	out, err := rw.Rewrite(exampleRequest())
	require.NoError(t, err)

	assert.Equal(t, "POST", out.Method)
	assert.Equal(t, "relay.internal", out.Host)
	assert.Equal(t, 9443, out.Port)
	assert.Equal(t, "/", out.Path)
	assert.Empty(t, out.Query)

	// 원래 헤더는 모두 엔벨로프 안으로 들어가고 Content-Length 만 남습니다.
	require.Equal(t, 1, out.Header.Len())
	assert.Equal(t, strconv.Itoa(len(out.Body)), out.Header.Get("Content-Length"))
	assert.False(t, out.Header.Has("Accept"))

	plain, err := c.Decrypt(out.Body)
	require.NoError(t, err)
	assert.Equal(t, "GET http://example.com/foo?x=1<h>Accept:text/html", string(plain))
}

func TestRewriteBaseURL(t *testing.T) {
	relay := RelayTarget{Host: "relay.internal", Port: 80, BaseURL: "/tunnel?v=1#frag"}
	rw, err := NewRewriter(relay, nil, newTestCipher(t, testCipherConfig()), nil)
	require.NoError(t, err)

	out, err := rw.Rewrite(exampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "/tunnel", out.Path)
	assert.Equal(t, "v=1", out.Query)
	assert.Equal(t, "frag", out.Fragment)
}

func TestRewriteChunkedKeepsFraming(t *testing.T) {
	rw, err := NewRewriter(testRelay, nil, newTestCipher(t, testCipherConfig()), nil)
	require.NoError(t, err)

	req := exampleRequest()
	req.Method = "POST"
	req.Body = []byte("payload")
	req.Chunked = true

	out, err := rw.Rewrite(req)
	require.NoError(t, err)
	assert.True(t, out.Chunked)
	assert.False(t, out.Header.Has("Content-Length"))
	assert.NotEmpty(t, out.Body)
}

func TestRewriteBypass(t *testing.T) {
	rw, err := NewRewriter(testRelay, nil, failingCipher{err: errors.New("must not be called")}, nil)
	require.NoError(t, err)

	for _, method := range []string{"CONNECT", "TRACE"} {
		req := exampleRequest()
		req.Method = method
		req.Port = 443

		out, err := rw.Rewrite(req)
		require.NoError(t, err, method)
		assert.Same(t, req, out)
		assert.Equal(t, method, out.Method)
		assert.Equal(t, "example.com", out.Host)
		assert.Equal(t, 443, out.Port)
		assert.Equal(t, "text/html", out.Header.Get("Accept"))
		assert.Nil(t, out.Body)
	}
}

func TestRewriteCipherFailure(t *testing.T) {
	boom := errors.New("boom")
	rw, err := NewRewriter(testRelay, nil, failingCipher{err: boom}, nil)
	require.NoError(t, err)

	out, err := rw.Rewrite(exampleRequest())
	assert.Nil(t, out)
	assert.ErrorIs(t, err, boom)
}

func TestRewriteEncodingFailure(t *testing.T) {
	rw, err := NewRewriter(testRelay, nil, newTestCipher(t, testCipherConfig()), nil)
	require.NoError(t, err)

	req := exampleRequest()
	req.Host = ""
	_, err = rw.Rewrite(req)
	assert.ErrorIs(t, err, protocol.ErrEncoding)
}

func TestNewRewriterValidation(t *testing.T) {
	c := newTestCipher(t, testCipherConfig())

	_, err := NewRewriter(RelayTarget{Port: 80}, nil, c, nil)
	assert.Error(t, err)
	_, err = NewRewriter(RelayTarget{Host: "relay", Port: 70000}, nil, c, nil)
	assert.Error(t, err)
	_, err = NewRewriter(testRelay, nil, nil, nil)
	assert.Error(t, err)
}

func TestPluginLifecycle(t *testing.T) {
	p, err := NewPlugin(PluginConfig{Relay: testRelay, Cipher: testCipherConfig()})
	require.NoError(t, err)

	_, err = p.BeforeUpstreamConnection(exampleRequest())
	require.NoError(t, err)

	out, err := p.HandleUpstreamChunk([]byte(approvalChunk))
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, StateDecryptPending, p.State())

	p.OnUpstreamConnectionClose()
	assert.Equal(t, StateAwaitingApproval, p.State())
}
