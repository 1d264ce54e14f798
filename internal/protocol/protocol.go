package protocol

import (
	"net/http"
	"strconv"
)

const (
	// HeaderMarker 는 엔벨로프 안에서 각 헤더 항목 앞에 붙는 구분자입니다.
	HeaderMarker = "<h>"
	// BodyMarker 는 헤더 영역과 바디 영역을 나누는 구분자입니다.
	BodyMarker = "<b>"

	// ApprovalHeader 는 relay 가 "다음 청크가 암호화된 실제 응답"임을 알리는 응답 헤더입니다.
	// 값은 무시되고 존재 여부만 검사합니다.
	ApprovalHeader = "zander-approved"
	// ApprovalStatus 는 승인 응답의 상태 코드입니다.
	ApprovalStatus = http.StatusOK
)

// Request 는 클라이언트로부터 가로챈 HTTP 요청을 표현합니다.
// Query/Fragment 는 '?', '#' 접두어 없이 저장합니다.
type Request struct {
	Method   string
	Host     string
	Port     int
	Path     string
	Query    string
	Fragment string
	Header   Header
	Body     []byte
	Chunked  bool // 원본 요청이 Transfer-Encoding: chunked 였는지 여부
}

// TargetURL 은 요청의 절대 URL 을 엔벨로프 규칙으로 재구성합니다.
func (r *Request) TargetURL() string {
	return TargetURL(r.Host, r.Port, r.Path, r.Query, r.Fragment)
}

// Envelope 는 relay 측에서 복호화/디코딩한 요청 엔벨로프입니다.
type Envelope struct {
	Method string
	URL    string
	Header Header
	Body   []byte
}

// Response 는 relay 가 돌려준 업스트림 HTTP 응답입니다.
type Response struct {
	Status int
	URL    string
	Header Header
	Body   []byte
}

// TargetURL 은 스킴을 항상 http:// 로 고정하고, 포트가 80 또는 8080 일 때만 포트를 생략합니다.
// 원래 요청의 스킴과 무관한 이 정규화는 기존 relay 와의 호환을 위한 것입니다.
func TargetURL(host string, port int, path, query, fragment string) string {
	u := "http://" + host
	if port != 80 && port != 8080 {
		u += ":" + strconv.Itoa(port)
	}
	u += path
	if query != "" {
		u += "?" + query
	}
	if fragment != "" {
		u += "#" + fragment
	}
	return u
}

// normalizeResponse 는 디코딩된 바디 길이로 Content-Length 를 덮어쓰고
// Transfer-Encoding 을 제거합니다. relay 프로토콜은 chunked 를 표현하지 못합니다.
func normalizeResponse(resp *Response) {
	resp.Header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	resp.Header.Del("Transfer-Encoding")
}
