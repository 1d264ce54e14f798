package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exampleRequest() *Request {
	return &Request{
		Method: "GET",
		Host:   "example.com",
		Port:   80,
		Path:   "/foo",
		Query:  "x=1",
		Header: NewHeader(HeaderField{Name: "Accept", Value: "text/html"}),
	}
}

func TestEncodeRequestLiteralExample(t *testing.T) {
	req := exampleRequest()

	out, err := EncodeRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "GET http://example.com/foo?x=1<h>Accept:text/html", string(out))
	assert.Equal(t, 0, req.Header.Len(), "original headers must be stripped")
}

// splitEnvelope 는 인코딩 결과를 마커 기준으로 다시 나눕니다.
func splitEnvelope(t *testing.T, data []byte) ([]HeaderField, []byte) {
	t.Helper()
	head, body, _ := bytes.Cut(data, []byte(BodyMarker))
	segs := strings.Split(string(head), HeaderMarker)
	var fields []HeaderField
	for _, s := range segs[1:] {
		name, value, ok := strings.Cut(s, ":")
		require.True(t, ok, "segment %q", s)
		fields = append(fields, HeaderField{Name: name, Value: value})
	}
	return fields, body
}

func TestEncodeRequestResplitPreservesHeadersAndBody(t *testing.T) {
	cases := []struct {
		name   string
		fields []HeaderField
		body   []byte
	}{
		{"no headers", nil, []byte("payload")},
		{"ordered", []HeaderField{
			{Name: "X-B", Value: "2"},
			{Name: "x-a", Value: "1"},
			{Name: "Cookie", Value: "a=b; c=d"},
		}, nil},
		{"colon in value", []HeaderField{{Name: "Referer", Value: "http://r.example:8443/p"}}, []byte{0, 1, 2, 0xff}},
		{"empty value", []HeaderField{{Name: "X-Empty", Value: ""}}, []byte("a=b&c=d")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := &Request{
				Method: "POST",
				Host:   "svc.internal",
				Port:   9000,
				Path:   "/api",
				Header: NewHeader(tc.fields...),
				Body:   tc.body,
			}
			out, err := EncodeRequest(req)
			require.NoError(t, err)

			fields, body := splitEnvelope(t, out)
			assert.Equal(t, tc.fields, fields)
			if len(tc.body) == 0 {
				assert.Empty(t, body)
			} else {
				assert.Equal(t, tc.body, body)
			}
		})
	}
}

func TestTargetURLPortOmission(t *testing.T) {
	for _, port := range []int{80, 8080} {
		u := TargetURL("example.com", port, "/", "", "")
		assert.Equal(t, "http://example.com/", u)
		assert.NotContains(t, u, fmt.Sprintf(":%d", port))
	}
	for _, port := range []int{1, 443, 8000, 8443, 65535} {
		u := TargetURL("example.com", port, "/", "", "")
		assert.Contains(t, u, fmt.Sprintf("example.com:%d/", port))
	}
	assert.Equal(t, "http://h:81/p?q=1#frag", TargetURL("h", 81, "/p", "q=1", "frag"))
}

func TestEncodeRequestRejectsInvalidInput(t *testing.T) {
	cases := map[string]*Request{
		"empty method": {Host: "h", Port: 80, Path: "/"},
		"empty host":   {Method: "GET", Port: 80, Path: "/"},
		"port zero":    {Method: "GET", Host: "h", Port: 0, Path: "/"},
		"port too big": {Method: "GET", Host: "h", Port: 70000, Path: "/"},
		"empty header": {Method: "GET", Host: "h", Port: 80, Path: "/", Header: NewHeader(HeaderField{Name: "", Value: "v"})},
		"colon header": {Method: "GET", Host: "h", Port: 80, Path: "/", Header: NewHeader(HeaderField{Name: "a:b", Value: "v"})},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			before := req.Header.Len()
			_, err := EncodeRequest(req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrEncoding))
			var encErr *EncodingError
			assert.True(t, errors.As(err, &encErr))
			assert.Equal(t, before, req.Header.Len(), "headers are kept when encoding fails")
		})
	}
}

func TestDecodeRequestInvertsEncode(t *testing.T) {
	req := &Request{
		Method: "PUT",
		Host:   "api.example.com",
		Port:   8443,
		Path:   "/v1/items",
		Query:  "id=7",
		Header: NewHeader(
			HeaderField{Name: "Content-Type", Value: "application/json"},
			HeaderField{Name: "X-Trace", Value: "abc"},
		),
		Body: []byte(`{"a":1}`),
	}
	want := req.Header.Clone()

	out, err := MarkerCodec{}.EncodeRequest(req)
	require.NoError(t, err)

	env, err := MarkerCodec{}.DecodeRequest(out)
	require.NoError(t, err)
	assert.Equal(t, "PUT", env.Method)
	assert.Equal(t, "http://api.example.com:8443/v1/items?id=7", env.URL)
	assert.Equal(t, want.Fields(), env.Header.Fields())
	assert.Equal(t, []byte(`{"a":1}`), env.Body)
}

func TestDecodeRequestFraming(t *testing.T) {
	_, err := MarkerCodec{}.DecodeRequest([]byte("GET"))
	assert.ErrorIs(t, err, ErrFraming)

	_, err = MarkerCodec{}.DecodeRequest([]byte("GET <h>A:b"))
	assert.ErrorIs(t, err, ErrFraming)

	env, err := MarkerCodec{}.DecodeRequest([]byte("GET http://h/ <h>A:b"))
	require.NoError(t, err)
	assert.Equal(t, "http://h/", env.URL)
	assert.Equal(t, "b", env.Header.Get("a"))
}

func responseEnvelope(status uint16, rest string) []byte {
	b := make([]byte, 2, 2+len(rest))
	binary.BigEndian.PutUint16(b, status)
	return append(b, rest...)
}

func TestDecodeResponseRecomputesContentLength(t *testing.T) {
	data := responseEnvelope(200, " http://example.com/ <h>Content-Length:999<h>X-Test:1<b>hello")

	resp, err := DecodeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "http://example.com/", resp.URL)
	assert.Equal(t, "5", resp.Header.Get("Content-Length"))
	assert.Equal(t, "1", resp.Header.Get("X-Test"))
	assert.Equal(t, []byte("hello"), resp.Body)
}

func TestDecodeResponseAddsContentLengthAndDropsTransferEncoding(t *testing.T) {
	data := responseEnvelope(404, " http://example.com/missing <h>Transfer-Encoding:chunked<h>Server:upstream")

	resp, err := DecodeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.Status)
	assert.False(t, resp.Header.Has("Transfer-Encoding"))
	assert.Equal(t, "0", resp.Header.Get("Content-Length"))
	assert.Empty(t, resp.Body)
	assert.Equal(t, "Server", resp.Header.Fields()[0].Name)
}

func TestDecodeResponseFramingErrors(t *testing.T) {
	cases := map[string][]byte{
		"too short":        {0x00},
		"no url end":       responseEnvelope(200, " http://example.com/"),
		"segment no colon": responseEnvelope(200, " http://example.com/ <h>broken<b>x"),
		"empty name":       responseEnvelope(200, " http://example.com/ <h>:v"),
		"stray marker":     responseEnvelope(200, " http://example.com/ <h>"),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeResponse(data)
			require.Error(t, err)
			var fe *FramingError
			assert.True(t, errors.As(err, &fe))
			assert.ErrorIs(t, err, ErrFraming)
		})
	}
}

func TestEncodeResponseRoundTrip(t *testing.T) {
	resp := &Response{
		Status: 201,
		URL:    "http://example.com/new",
		Header: NewHeader(HeaderField{Name: "Location", Value: "/new/1"}),
		Body:   []byte("created"),
	}
	out, err := MarkerCodec{}.EncodeResponse(resp)
	require.NoError(t, err)

	got, err := MarkerCodec{}.DecodeResponse(out)
	require.NoError(t, err)
	assert.Equal(t, 201, got.Status)
	assert.Equal(t, "http://example.com/new", got.URL)
	assert.Equal(t, "/new/1", got.Header.Get("Location"))
	assert.Equal(t, "7", got.Header.Get("Content-Length"))
	assert.Equal(t, []byte("created"), got.Body)
}

func TestEncodeResponseRejectsSpaceInURL(t *testing.T) {
	_, err := MarkerCodec{}.EncodeResponse(&Response{Status: 200, URL: "http://a b/"})
	assert.ErrorIs(t, err, ErrEncoding)
}

func TestProtowireCodecCarriesMarkersInBody(t *testing.T) {
	codec := ProtowireCodec{}
	req := &Request{
		Method: "POST",
		Host:   "example.com",
		Port:   8080,
		Path:   "/upload",
		Header: NewHeader(HeaderField{Name: "X-Odd", Value: "<h>inside"}),
		Body:   []byte("body with <b> and <h> markers"),
	}
	out, err := codec.EncodeRequest(req)
	require.NoError(t, err)
	assert.Equal(t, 0, req.Header.Len())

	env, err := codec.DecodeRequest(out)
	require.NoError(t, err)
	assert.Equal(t, "POST", env.Method)
	assert.Equal(t, "http://example.com/upload", env.URL)
	assert.Equal(t, "<h>inside", env.Header.Get("X-Odd"))
	assert.Equal(t, []byte("body with <b> and <h> markers"), env.Body)

	respBytes, err := codec.EncodeResponse(&Response{
		Status: 200,
		URL:    env.URL,
		Header: NewHeader(
			HeaderField{Name: "Content-Length", Value: "1"},
			HeaderField{Name: "Transfer-Encoding", Value: "chunked"},
		),
		Body: []byte("<b>ok"),
	})
	require.NoError(t, err)
	resp, err := codec.DecodeResponse(respBytes)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "5", resp.Header.Get("Content-Length"))
	assert.False(t, resp.Header.Has("Transfer-Encoding"))
	assert.Equal(t, []byte("<b>ok"), resp.Body)
}

func TestProtowireCodecRejectsTruncatedInput(t *testing.T) {
	codec := ProtowireCodec{}
	out, err := codec.EncodeResponse(&Response{Status: 200, URL: "http://example.com/", Body: []byte("hello")})
	require.NoError(t, err)

	_, err = codec.DecodeResponse(out[:len(out)-2])
	assert.ErrorIs(t, err, ErrFraming)
}

func TestNewCodec(t *testing.T) {
	c, err := NewCodec("")
	require.NoError(t, err)
	assert.IsType(t, MarkerCodec{}, c)

	c, err = NewCodec("Protowire")
	require.NoError(t, err)
	assert.IsType(t, ProtowireCodec{}, c)

	_, err = NewCodec("json")
	assert.Error(t, err)
}
