package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// EnvelopeCodec 는 요청/응답 엔벨로프의 직렬화/역직렬화를 추상화합니다.
// 마커 기반 포맷, protobuf wire 기반 포맷 등으로 교체할 때 이 인터페이스만 유지하면 됩니다.
type EnvelopeCodec interface {
	// EncodeRequest 는 요청을 엔벨로프로 직렬화하고, 성공 시 req.Header 를 비웁니다.
	EncodeRequest(req *Request) ([]byte, error)
	DecodeRequest(data []byte) (*Envelope, error)
	EncodeResponse(resp *Response) ([]byte, error)
	// DecodeResponse 는 Content-Length 를 바디 길이로 재계산하고 Transfer-Encoding 을 제거합니다.
	DecodeResponse(data []byte) (*Response, error)
}

// DefaultCodec 은 기존 relay 와 wire 호환되는 마커 기반 codec 입니다.
var DefaultCodec EnvelopeCodec = MarkerCodec{}

// NewCodec 은 설정 문자열로 codec 을 선택합니다.
func NewCodec(name string) (EnvelopeCodec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "marker":
		return MarkerCodec{}, nil
	case "protowire":
		return ProtowireCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown envelope codec %q", name)
	}
}

// EncodeRequest 는 DefaultCodec 으로 요청을 인코딩합니다.
func EncodeRequest(req *Request) ([]byte, error) { return DefaultCodec.EncodeRequest(req) }

// DecodeResponse 는 DefaultCodec 으로 응답 엔벨로프를 디코딩합니다.
func DecodeResponse(data []byte) (*Response, error) { return DefaultCodec.DecodeResponse(data) }

func validateRequest(req *Request) error {
	if req == nil {
		return &EncodingError{Field: "request", Reason: "nil"}
	}
	if req.Method == "" || strings.ContainsAny(req.Method, " \t\r\n") {
		return &EncodingError{Field: "method", Reason: fmt.Sprintf("%q", req.Method)}
	}
	if req.Host == "" || strings.ContainsAny(req.Host, " /\t\r\n") {
		return &EncodingError{Field: "host", Reason: fmt.Sprintf("%q", req.Host)}
	}
	if req.Port < 1 || req.Port > 65535 {
		return &EncodingError{Field: "port", Reason: fmt.Sprintf("%d out of range", req.Port)}
	}
	return validateHeader(req.Header)
}

func validateHeader(h Header) error {
	for _, f := range h.fields {
		if f.Name == "" || strings.Contains(f.Name, ":") {
			return &EncodingError{Field: "header", Reason: fmt.Sprintf("name %q", f.Name)}
		}
	}
	return nil
}

// MarkerCodec 은 <h>/<b> 구분자 기반의 원본 엔벨로프 포맷입니다.
//
//	request : METHOD SP URL (<h>name:value)* [<b>body]
//	response: uint16be(status) SP URL SP (<h>name:value)* [<b>body]
//
// 구분자를 이스케이프하지 않으므로 헤더나 바디에 "<h>" / "<b>" 가 포함되면 안전하게 표현할 수 없습니다.
type MarkerCodec struct{}

func (MarkerCodec) EncodeRequest(req *Request) ([]byte, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(req.Method)
	buf.WriteByte(' ')
	buf.WriteString(req.TargetURL())
	writeMarkerHeader(&buf, req.Header)
	if len(req.Body) > 0 {
		buf.WriteString(BodyMarker)
		buf.Write(req.Body)
	}

	// 바깥(relay 로 가는) 요청에 원본 헤더가 남지 않도록 모두 제거합니다.
	req.Header.Reset()
	return buf.Bytes(), nil
}

func (MarkerCodec) DecodeRequest(data []byte) (*Envelope, error) {
	sp := bytes.IndexByte(data, ' ')
	if sp <= 0 {
		return nil, &FramingError{Reason: "missing method", Offset: 0}
	}
	method := string(data[:sp])
	rest := data[sp+1:]

	end := len(rest)
	if i := bytes.Index(rest, []byte(HeaderMarker)); i >= 0 {
		end = i
	}
	if i := bytes.Index(rest, []byte(BodyMarker)); i >= 0 && i < end {
		end = i
	}
	url := strings.TrimRight(string(rest[:end]), " ")
	if url == "" {
		return nil, &FramingError{Reason: "missing url", Offset: sp + 1}
	}

	header, body, err := parseMarkerSections(rest[end:], sp+1+end)
	if err != nil {
		return nil, err
	}
	return &Envelope{Method: method, URL: url, Header: header, Body: body}, nil
}

func (MarkerCodec) EncodeResponse(resp *Response) ([]byte, error) {
	if resp.Status < 0 || resp.Status > 0xFFFF {
		return nil, &EncodingError{Field: "status", Reason: fmt.Sprintf("%d out of range", resp.Status)}
	}
	if strings.Contains(resp.URL, " ") {
		return nil, &EncodingError{Field: "url", Reason: "contains space"}
	}
	if err := validateHeader(resp.Header); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	var status [2]byte
	binary.BigEndian.PutUint16(status[:], uint16(resp.Status))
	buf.Write(status[:])
	buf.WriteByte(' ')
	buf.WriteString(resp.URL)
	buf.WriteByte(' ')
	writeMarkerHeader(&buf, resp.Header)
	if len(resp.Body) > 0 {
		buf.WriteString(BodyMarker)
		buf.Write(resp.Body)
	}
	return buf.Bytes(), nil
}

func (MarkerCodec) DecodeResponse(data []byte) (*Response, error) {
	if len(data) < 2 {
		return nil, &FramingError{Reason: "envelope shorter than status field", Offset: 0}
	}
	status := int(binary.BigEndian.Uint16(data[:2]))

	off := 2
	rest := data[2:]
	if len(rest) > 0 && rest[0] == ' ' {
		rest = rest[1:]
		off++
	}
	sp := bytes.IndexByte(rest, ' ')
	if sp < 0 {
		return nil, &FramingError{Reason: "missing url terminator", Offset: off}
	}
	url := string(rest[:sp])

	header, body, err := parseMarkerSections(rest[sp+1:], off+sp+1)
	if err != nil {
		return nil, err
	}
	resp := &Response{Status: status, URL: url, Header: header, Body: body}
	normalizeResponse(resp)
	return resp, nil
}

func writeMarkerHeader(buf *bytes.Buffer, h Header) {
	for _, f := range h.fields {
		buf.WriteString(HeaderMarker)
		buf.WriteString(f.Name)
		buf.WriteByte(':')
		buf.WriteString(f.Value)
	}
}

// parseMarkerSections 는 "[prefix](<h>name:value)*[<b>body]" 를 해석합니다.
// 첫 <h> 앞의 prefix 는 버립니다. base 는 오류 메시지용 오프셋 기준입니다.
func parseMarkerSections(data []byte, base int) (Header, []byte, error) {
	headerPart, body, found := bytes.Cut(data, []byte(BodyMarker))
	if !found {
		body = nil
	}

	var h Header
	segs := bytes.Split(headerPart, []byte(HeaderMarker))
	off := base + len(segs[0])
	for _, seg := range segs[1:] {
		off += len(HeaderMarker)
		name, value, ok := bytes.Cut(seg, []byte{':'})
		if !ok {
			return Header{}, nil, &FramingError{Reason: "header segment without ':'", Offset: off}
		}
		if len(name) == 0 {
			return Header{}, nil, &FramingError{Reason: "empty header name", Offset: off}
		}
		h.Add(string(name), string(value))
		off += len(seg)
	}
	return h, append([]byte(nil), body...), nil
}

// protowire 필드 번호. 요청/응답이 같은 번호 공간을 공유합니다.
const (
	pwFieldMethod protowire.Number = 1
	pwFieldURL    protowire.Number = 2
	pwFieldHeader protowire.Number = 3
	pwFieldBody   protowire.Number = 4
	pwFieldStatus protowire.Number = 5

	pwHeaderName  protowire.Number = 1
	pwHeaderValue protowire.Number = 2
)

// ProtowireCodec 은 protobuf wire 포맷으로 각 필드를 길이 접두어와 함께 기록하는 codec 입니다.
// 바디나 헤더에 "<h>", "<b>" 가 있어도 안전하지만, 기존 relay 와는 wire 호환되지 않습니다.
type ProtowireCodec struct{}

func (ProtowireCodec) EncodeRequest(req *Request) ([]byte, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	var b []byte
	b = protowire.AppendTag(b, pwFieldMethod, protowire.BytesType)
	b = protowire.AppendString(b, req.Method)
	b = protowire.AppendTag(b, pwFieldURL, protowire.BytesType)
	b = protowire.AppendString(b, req.TargetURL())
	b = appendProtowireHeader(b, req.Header)
	if len(req.Body) > 0 {
		b = protowire.AppendTag(b, pwFieldBody, protowire.BytesType)
		b = protowire.AppendBytes(b, req.Body)
	}
	req.Header.Reset()
	return b, nil
}

func (ProtowireCodec) DecodeRequest(data []byte) (*Envelope, error) {
	m, err := consumeProtowire(data)
	if err != nil {
		return nil, err
	}
	if m.method == "" || m.url == "" {
		return nil, &FramingError{Reason: "missing method or url", Offset: -1}
	}
	return &Envelope{Method: m.method, URL: m.url, Header: m.header, Body: m.body}, nil
}

func (ProtowireCodec) EncodeResponse(resp *Response) ([]byte, error) {
	if resp.Status < 0 || resp.Status > 0xFFFF {
		return nil, &EncodingError{Field: "status", Reason: fmt.Sprintf("%d out of range", resp.Status)}
	}
	var b []byte
	b = protowire.AppendTag(b, pwFieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(resp.Status))
	b = protowire.AppendTag(b, pwFieldURL, protowire.BytesType)
	b = protowire.AppendString(b, resp.URL)
	b = appendProtowireHeader(b, resp.Header)
	if len(resp.Body) > 0 {
		b = protowire.AppendTag(b, pwFieldBody, protowire.BytesType)
		b = protowire.AppendBytes(b, resp.Body)
	}
	return b, nil
}

func (ProtowireCodec) DecodeResponse(data []byte) (*Response, error) {
	m, err := consumeProtowire(data)
	if err != nil {
		return nil, err
	}
	if m.status > 0xFFFF {
		return nil, &FramingError{Reason: fmt.Sprintf("status %d out of range", m.status), Offset: -1}
	}
	resp := &Response{Status: int(m.status), URL: m.url, Header: m.header, Body: m.body}
	normalizeResponse(resp)
	return resp, nil
}

func appendProtowireHeader(b []byte, h Header) []byte {
	for _, f := range h.fields {
		var inner []byte
		inner = protowire.AppendTag(inner, pwHeaderName, protowire.BytesType)
		inner = protowire.AppendString(inner, f.Name)
		inner = protowire.AppendTag(inner, pwHeaderValue, protowire.BytesType)
		inner = protowire.AppendString(inner, f.Value)
		b = protowire.AppendTag(b, pwFieldHeader, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b
}

type protowireMessage struct {
	method string
	url    string
	status uint64
	header Header
	body   []byte
}

func consumeProtowire(data []byte) (*protowireMessage, error) {
	m := &protowireMessage{}
	total := len(data)
	for len(data) > 0 {
		off := total - len(data)
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, &FramingError{Reason: protowire.ParseError(n).Error(), Offset: off}
		}
		data = data[n:]

		switch {
		case num == pwFieldStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, &FramingError{Reason: protowire.ParseError(n).Error(), Offset: off}
			}
			m.status = v
			data = data[n:]
		case typ == protowire.BytesType && num >= pwFieldMethod && num <= pwFieldBody:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, &FramingError{Reason: protowire.ParseError(n).Error(), Offset: off}
			}
			data = data[n:]
			switch num {
			case pwFieldMethod:
				m.method = string(v)
			case pwFieldURL:
				m.url = string(v)
			case pwFieldHeader:
				name, value, err := consumeProtowireHeader(v)
				if err != nil {
					return nil, &FramingError{Reason: err.Error(), Offset: off}
				}
				m.header.Add(name, value)
			case pwFieldBody:
				m.body = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, &FramingError{Reason: protowire.ParseError(n).Error(), Offset: off}
			}
			data = data[n:]
		}
	}
	return m, nil
}

func consumeProtowireHeader(b []byte) (name, value string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", "", protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case pwHeaderName:
			name = string(v)
		case pwHeaderValue:
			value = string(v)
		}
	}
	if name == "" {
		return "", "", fmt.Errorf("empty header name")
	}
	return name, value, nil
}
