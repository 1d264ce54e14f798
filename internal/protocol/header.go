package protocol

import "strings"

// HeaderField 는 순서가 보존되는 단일 (name, value) 헤더 항목입니다.
type HeaderField struct {
	Name  string
	Value string
}

// Header 는 삽입 순서를 보존하는 HTTP 헤더 목록입니다. (ko)
// Header is an insertion-ordered list of HTTP header fields. Name lookups are
// case-insensitive; the original spelling of each name is kept. (en)
//
// net/http 의 http.Header 는 map 이라 순서가 사라지므로, 엔벨로프 인코딩에는 이 타입을 사용합니다.
type Header struct {
	fields []HeaderField
}

// NewHeader 는 주어진 필드들로 Header 를 생성합니다.
func NewHeader(fields ...HeaderField) Header {
	h := Header{}
	for _, f := range fields {
		h.Add(f.Name, f.Value)
	}
	return h
}

// Add 는 기존 값을 유지한 채 항목을 끝에 추가합니다.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
}

// Set 은 같은 이름의 첫 항목 값을 교체하고 나머지 중복 항목은 제거합니다.
// 항목이 없으면 끝에 추가합니다.
func (h *Header) Set(name, value string) {
	replaced := false
	out := h.fields[:0]
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			if replaced {
				continue
			}
			f.Value = value
			replaced = true
		}
		out = append(out, f)
	}
	h.fields = out
	if !replaced {
		h.Add(name, value)
	}
}

// Get 은 같은 이름의 첫 항목 값을 반환합니다.
func (h Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has 는 같은 이름의 항목이 하나라도 있는지 반환합니다.
func (h Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Del 은 같은 이름의 모든 항목을 제거합니다.
func (h *Header) Del(name string) {
	out := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	h.fields = out
}

// Len 은 항목 수를 반환합니다.
func (h Header) Len() int { return len(h.fields) }

// Fields 는 항목들의 복사본을 삽입 순서대로 반환합니다.
func (h Header) Fields() []HeaderField {
	return append([]HeaderField(nil), h.fields...)
}

// Reset 은 모든 항목을 제거합니다.
func (h *Header) Reset() { h.fields = nil }

// Clone 은 독립적인 복사본을 반환합니다.
func (h Header) Clone() Header {
	return Header{fields: h.Fields()}
}
