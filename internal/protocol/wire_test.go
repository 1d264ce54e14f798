package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFrom(t *testing.T, raw string) *Request {
	t.Helper()
	req, err := ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	return req
}

func TestReadRequestAbsoluteForm(t *testing.T) {
	req := readFrom(t, "GET http://example.com/foo?x=1 HTTP/1.1\r\nAccept: text/html\r\n\r\n")

	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "example.com", req.Host)
	assert.Equal(t, 80, req.Port)
	assert.Equal(t, "/foo", req.Path)
	assert.Equal(t, "x=1", req.Query)
	assert.Equal(t, []HeaderField{{Name: "Accept", Value: "text/html"}}, req.Header.Fields())
	assert.Empty(t, req.Body)

	out, err := EncodeRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "GET http://example.com/foo?x=1<h>Accept:text/html", string(out))
}

func TestReadRequestKeepsHeaderOrder(t *testing.T) {
	raw := "POST http://api.example.com:8443/v1 HTTP/1.1\r\n" +
		"X-Zeta: z\r\n" +
		"Host: api.example.com:8443\r\n" +
		"x-alpha: a\r\n" +
		"Content-Length: 4\r\n" +
		"\r\n" +
		"ping"
	req := readFrom(t, raw)

	assert.Equal(t, 8443, req.Port)
	names := []string{}
	for _, f := range req.Header.Fields() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"X-Zeta", "Host", "x-alpha", "Content-Length"}, names)
	assert.Equal(t, []byte("ping"), req.Body)
	assert.False(t, req.Chunked)
}

func TestReadRequestOriginFormUsesHostHeader(t *testing.T) {
	req := readFrom(t, "GET /index.html HTTP/1.1\r\nHost: intranet:8080\r\n\r\n")
	assert.Equal(t, "intranet", req.Host)
	assert.Equal(t, 8080, req.Port)
	assert.Equal(t, "/index.html", req.Path)
	assert.Equal(t, "http://intranet/index.html", req.TargetURL())
}

func TestReadRequestConnect(t *testing.T) {
	req := readFrom(t, "CONNECT secure.example.com:443 HTTP/1.1\r\nHost: secure.example.com:443\r\n\r\n")
	assert.Equal(t, http.MethodConnect, req.Method)
	assert.Equal(t, "secure.example.com", req.Host)
	assert.Equal(t, 443, req.Port)
}

func TestReadRequestChunkedBody(t *testing.T) {
	raw := "POST http://example.com/up HTTP/1.1\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"5\r\nhello\r\n" +
		"6\r\n world\r\n" +
		"0\r\n" +
		"\r\n" +
		"GET http://example.com/next HTTP/1.1\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw))

	req, err := ReadRequest(br)
	require.NoError(t, err)
	assert.True(t, req.Chunked)
	assert.Equal(t, []byte("hello world"), req.Body)

	next, err := ReadRequest(br)
	require.NoError(t, err)
	assert.Equal(t, "/next", next.Path)

	_, err = ReadRequest(br)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadRequestMalformed(t *testing.T) {
	for _, raw := range []string{
		"GARBAGE\r\n\r\n",
		"GET /nohost HTTP/1.1\r\n\r\n",
		"GET http://h/ HTTP/1.1\r\nbad header line\r\n\r\n",
		"POST http://h/ HTTP/1.1\r\nContent-Length: -1\r\n\r\n",
	} {
		_, err := ReadRequest(bufio.NewReader(strings.NewReader(raw)))
		assert.ErrorIs(t, err, ErrMalformedRequest, raw)
	}

	_, err := ReadRequest(bufio.NewReader(strings.NewReader("POST http://h/ HTTP/1.1\r\nContent-Length: 10\r\n\r\nshort")))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func TestReadRequestRejectsOversizedChunkedBody(t *testing.T) {
	const size = maxBodySize + 10
	raw := io.MultiReader(
		strings.NewReader("POST http://h/upload HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n"),
		strings.NewReader(fmt.Sprintf("%x\r\n", size)),
		io.LimitReader(zeroReader{}, size),
		strings.NewReader("\r\n0\r\n\r\n"),
	)

	req, err := ReadRequest(bufio.NewReader(raw))
	assert.Nil(t, req)
	assert.ErrorIs(t, err, ErrMalformedRequest)
}

func TestWriteRequestAddsHostOnlyWhenMissing(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, &Request{
		Method: "POST",
		Host:   "relay.example.com",
		Port:   8443,
		Path:   "/tunnel",
		Body:   []byte("cipher"),
	}))
	assert.Equal(t, "POST /tunnel HTTP/1.1\r\nHost: relay.example.com:8443\r\nContent-Length: 6\r\n\r\ncipher", buf.String())

	buf.Reset()
	require.NoError(t, WriteRequest(&buf, &Request{
		Method: "GET",
		Host:   "ignored",
		Port:   80,
		Path:   "/",
		Header: NewHeader(HeaderField{Name: "host", Value: "kept.example"}),
	}))
	assert.Equal(t, "GET / HTTP/1.1\r\nhost: kept.example\r\n\r\n", buf.String())
}

func TestWriteRequestChunkedIsReadable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, &Request{
		Method:  "POST",
		Host:    "relay",
		Port:    80,
		Path:    "/",
		Body:    []byte("abcdef"),
		Chunked: true,
	}))

	hreq, err := http.ReadRequest(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, []string{"chunked"}, hreq.TransferEncoding)
	body, err := io.ReadAll(hreq.Body)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(body))
}

func TestWriteResponse(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, &Response{
		Status: 200,
		Header: NewHeader(
			HeaderField{Name: "X-Test", Value: "1"},
			HeaderField{Name: "Content-Length", Value: "5"},
		),
		Body: []byte("hello"),
	}))
	assert.Equal(t, "HTTP/1.1 200 OK\r\nX-Test: 1\r\nContent-Length: 5\r\n\r\nhello", buf.String())
}
