package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalbodeule/hop-veil/internal/acme"
	"github.com/dalbodeule/hop-veil/internal/logging"
)

// recordingConn 은 Write 호출마다 별도의 메시지로 기록합니다. (DTLS 레코드처럼)
type recordingConn struct {
	net.Conn
	writes [][]byte
}

func (r *recordingConn) Write(p []byte) (int, error) {
	r.writes = append(r.writes, append([]byte(nil), p...))
	return len(p), nil
}

func TestBufferedConnSplitsWrites(t *testing.T) {
	rec := &recordingConn{}
	bc := &bufferedConn{Conn: rec}

	payload := make([]byte, 2*maxWriteSize+10)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := bc.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	require.Len(t, rec.writes, 3)
	assert.Len(t, rec.writes[0], maxWriteSize)
	assert.Len(t, rec.writes[2], 10)

	var joined []byte
	for _, w := range rec.writes {
		joined = append(joined, w...)
	}
	assert.Equal(t, payload, joined)
}

func runHandshake(t *testing.T, validator LinkValidator, fingerprint string) (error, error) {
	t.Helper()
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := PerformServerHandshake(ctx, srv, validator, logging.NewNop())
		done <- err
	}()
	_, clientErr := PerformClientHandshake(ctx, cli, logging.NewNop(), "client-1", fingerprint)
	return <-done, clientErr
}

func TestLinkHandshakeFingerprint(t *testing.T) {
	serverErr, clientErr := runHandshake(t, FingerprintValidator{Fingerprint: "abcd1234abcd1234"}, "abcd1234abcd1234")
	assert.NoError(t, serverErr)
	assert.NoError(t, clientErr)

	serverErr, clientErr = runHandshake(t, FingerprintValidator{Fingerprint: "abcd1234abcd1234"}, "ffff0000ffff0000")
	assert.ErrorIs(t, serverErr, ErrFingerprintMismatch)
	assert.Error(t, clientErr)
}

func TestAllowAllValidator(t *testing.T) {
	serverErr, clientErr := runHandshake(t, AllowAllValidator{Logger: logging.NewNop()}, "anything")
	assert.NoError(t, serverErr)
	assert.NoError(t, clientErr)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindTCP, k)

	k, err = ParseKind("DTLS")
	require.NoError(t, err)
	assert.Equal(t, KindDTLS, k)

	_, err = ParseKind("quic")
	assert.Error(t, err)
}

func echoOnce(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(c, buf); err != nil {
			return
		}
		_, _ = c.Write(buf)
	}()
}

func TestTCPRoundTrip(t *testing.T) {
	ln, err := Listen(ListenConfig{Kind: KindTCP, Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer ln.Close()
	echoOnce(t, ln)

	d, err := NewDialer(DialConfig{Kind: KindTCP, Addr: ln.Addr().String(), Timeout: 2 * time.Second})
	require.NoError(t, err)
	conn, err := d.DialContext(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	got := make([]byte, 5)
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestTLSRoundTrip(t *testing.T) {
	srvCfg, err := acme.NewSelfSignedLocalhostConfig()
	require.NoError(t, err)

	ln, err := Listen(ListenConfig{Kind: KindTCP, Addr: "127.0.0.1:0", TLSConfig: srvCfg})
	require.NoError(t, err)
	defer ln.Close()
	echoOnce(t, ln)

	d, err := NewDialer(DialConfig{Kind: KindTCP, Addr: ln.Addr().String(), TLSConfig: acme.NewInsecureClientConfig()})
	require.NoError(t, err)
	conn, err := d.DialContext(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	got := make([]byte, 5)
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestDialerValidation(t *testing.T) {
	_, err := NewDialer(DialConfig{Kind: KindTCP})
	assert.Error(t, err)

	_, err = NewDialer(DialConfig{Kind: KindDTLS, Addr: "127.0.0.1:1"})
	assert.Error(t, err, "dtls without tls config")

	_, err = Listen(ListenConfig{Kind: KindDTLS, Addr: "127.0.0.1:0"})
	assert.Error(t, err)
}
