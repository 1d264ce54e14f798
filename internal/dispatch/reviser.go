package dispatch

import "net/http"

// Reviser 는 업스트림으로 보내기 전 요청과 클라이언트로 돌려주기 전 응답을 고칩니다.
// 에러를 반환하면 요청은 전달되지 않거나(요청) 502 로 바뀝니다(응답).
type Reviser interface {
	ReviseRequest(r *http.Request) error
	ReviseResponse(resp *http.Response) error
}

// HeaderReviser 는 요청/응답 헤더를 설정하거나 제거하는 Reviser 입니다.
type HeaderReviser struct {
	SetRequest     map[string]string
	RemoveRequest  []string
	SetResponse    map[string]string
	RemoveResponse []string
}

func (h HeaderReviser) ReviseRequest(r *http.Request) error {
	for _, k := range h.RemoveRequest {
		r.Header.Del(k)
	}
	for k, v := range h.SetRequest {
		r.Header.Set(k, v)
	}
	return nil
}

func (h HeaderReviser) ReviseResponse(resp *http.Response) error {
	for _, k := range h.RemoveResponse {
		resp.Header.Del(k)
	}
	for k, v := range h.SetResponse {
		resp.Header.Set(k, v)
	}
	return nil
}
