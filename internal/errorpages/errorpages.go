package errorpages

import (
	"bufio"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// StatusTLSHandshakeFailed is an HTTP-style status code representing
// a TLS/DTLS handshake failure with the relay (similar to Cloudflare 525).
// relay 와의 TLS/DTLS 핸드셰이크 실패를 나타내는 HTTP 스타일 상태 코드입니다. (예: 525)
const StatusTLSHandshakeFailed = 525

// StatusGatewayTimeout is an HTTP-style status code representing
// a timeout between the relay and the upstream server (similar to 504).
const StatusGatewayTimeout = http.StatusGatewayTimeout

// AssetsPrefix 는 에러 페이지 에셋이 서빙되는 URL 경로 접두어입니다.
const AssetsPrefix = "/__hopveil/assets/"

//go:embed templates/*.html
var embeddedTemplatesFS embed.FS

// AssetsFS embeds static assets (CSS) for error pages.
// 에러 페이지용 정적 에셋을 바이너리에 포함하는 embed FS 입니다.
//
//go:embed assets/*
var AssetsFS embed.FS

// Render writes an error page HTML for the given HTTP status code to the response writer.
// If no matching template is found, it falls back to a minimal plain text response.
//
// 주어진 HTTP 상태 코드에 대한 에러 페이지 HTML을 응답에 씁니다.
// 해당 템플릿이 없으면 최소한의 텍스트 응답으로 폴백합니다.
func Render(w http.ResponseWriter, r *http.Request, status int) {
	body, contentType := page(status)

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteRaw 는 http.ResponseWriter 가 없는 raw 연결(프록시 클라이언트 소켓 등)에
// 완전한 HTTP/1.1 에러 응답을 씁니다. 응답 후 연결을 닫는다는 전제로 Connection: close 를 붙입니다.
func WriteRaw(w io.Writer, status int) error {
	body, contentType := page(status)

	bw := bufio.NewWriter(w)
	text := http.StatusText(status)
	if status == StatusTLSHandshakeFailed {
		text = "SSL Handshake Failed"
	}
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", status, text)
	fmt.Fprintf(bw, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(bw, "Content-Length: %d\r\n", len(body))
	bw.WriteString("Connection: close\r\n\r\n")
	bw.Write(body)
	return bw.Flush()
}

// AssetsHandler 는 AssetsPrefix 아래에서 내장 에셋을 서빙합니다.
func AssetsHandler() http.Handler {
	sub, err := fs.Sub(AssetsFS, "assets")
	if err != nil {
		// embed 경로가 고정이므로 발생하지 않습니다.
		panic(err)
	}
	return http.StripPrefix(AssetsPrefix, http.FileServer(http.FS(sub)))
}

func page(status int) ([]byte, string) {
	if html, ok := Load(status); ok {
		return html, "text/html; charset=utf-8"
	}
	// Fallback to a minimal plain text response if no template is available.
	return []byte(fmt.Sprintf("%d %s", status, http.StatusText(status))), "text/plain; charset=utf-8"
}

// Load attempts to load an error page for the given HTTP status code.
//
// Priority:
//  1. $HOP_ERROR_PAGES_DIR/<status>.html (or ./errors/<status>.html if env is empty)
//  2. embedded template: templates/<status>.html
//
// 주어진 HTTP 상태 코드에 대한 에러 페이지를 로드합니다.
func Load(status int) ([]byte, bool) {
	name := fmt.Sprintf("%d.html", status)

	// 1. 외부 디렉터리 우선 (HOP_ERROR_PAGES_DIR, 기본값 "./errors").
	dir := strings.TrimSpace(os.Getenv("HOP_ERROR_PAGES_DIR"))
	if dir == "" {
		dir = "./errors"
	}
	if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
		return data, true
	}

	// 2. 내장 기본 템플릿. embed FS 는 항상 '/' 구분자를 사용합니다.
	if data, err := embeddedTemplatesFS.ReadFile("templates/" + name); err == nil {
		return data, true
	}

	return nil, false
}
