package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
)

// ErrMalformedRequest 는 클라이언트가 보낸 HTTP/1.1 요청을 해석할 수 없는 경우입니다.
var ErrMalformedRequest = errors.New("malformed http request")

const maxBodySize = 64 << 20

// ReadRequest 는 프록시 클라이언트가 보낸 HTTP/1.1 요청 하나를 읽습니다. (ko)
// ReadRequest reads one HTTP/1.1 request from a proxy client, keeping the
// header order and spelling as received. Both absolute-form
// ("GET http://host/ HTTP/1.1") and origin-form with a Host header are
// accepted; CONNECT uses authority-form. A chunked body is de-chunked and
// Request.Chunked is set. (en)
//
// 연결이 요청 시작 전에 닫히면 io.EOF 를 그대로 반환합니다.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, fmt.Errorf("request line %q: %w", line, ErrMalformedRequest)
	}
	req := &Request{Method: parts[0]}
	target := parts[1]

	for {
		l, err := readLine(br)
		if err != nil {
			return nil, fmt.Errorf("read header: %w", unexpectedEOF(err))
		}
		if l == "" {
			break
		}
		name, value, ok := strings.Cut(l, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("header line %q: %w", l, ErrMalformedRequest)
		}
		req.Header.Add(name, strings.TrimSpace(value))
	}

	if err := parseTarget(req, target); err != nil {
		return nil, err
	}

	switch {
	case strings.Contains(strings.ToLower(req.Header.Get("Transfer-Encoding")), "chunked"):
		body, err := io.ReadAll(io.LimitReader(httputil.NewChunkedReader(br), maxBodySize+1))
		if err != nil {
			return nil, fmt.Errorf("read chunked body: %w", unexpectedEOF(err))
		}
		if len(body) > maxBodySize {
			return nil, fmt.Errorf("chunked body exceeds %d bytes: %w", maxBodySize, ErrMalformedRequest)
		}
		// trailer 는 버립니다.
		for {
			l, err := readLine(br)
			if err != nil {
				return nil, fmt.Errorf("read trailer: %w", unexpectedEOF(err))
			}
			if l == "" {
				break
			}
		}
		req.Body = body
		req.Chunked = true
	case req.Header.Has("Content-Length"):
		n, err := strconv.ParseInt(strings.TrimSpace(req.Header.Get("Content-Length")), 10, 64)
		if err != nil || n < 0 || n > maxBodySize {
			return nil, fmt.Errorf("content-length %q: %w", req.Header.Get("Content-Length"), ErrMalformedRequest)
		}
		if n > 0 {
			req.Body = make([]byte, n)
			if _, err := io.ReadFull(br, req.Body); err != nil {
				return nil, fmt.Errorf("read body: %w", unexpectedEOF(err))
			}
		}
	}
	return req, nil
}

func parseTarget(req *Request, target string) error {
	if req.Method == http.MethodConnect {
		host, port, err := net.SplitHostPort(target)
		if err != nil {
			return fmt.Errorf("connect target %q: %w", target, ErrMalformedRequest)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("connect port %q: %w", port, ErrMalformedRequest)
		}
		req.Host, req.Port = host, p
		return nil
	}

	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("request target %q: %w", target, ErrMalformedRequest)
	}
	if u.Host == "" {
		u.Host = req.Header.Get("Host")
	}
	if u.Host == "" {
		return fmt.Errorf("request target %q without host: %w", target, ErrMalformedRequest)
	}

	req.Host = u.Hostname()
	switch {
	case u.Port() != "":
		p, err := strconv.Atoi(u.Port())
		if err != nil {
			return fmt.Errorf("request port %q: %w", u.Port(), ErrMalformedRequest)
		}
		req.Port = p
	case u.Scheme == "https":
		req.Port = 443
	default:
		req.Port = 80
	}

	req.Path = u.EscapedPath()
	if req.Path == "" {
		req.Path = "/"
	}
	req.Query = u.RawQuery
	req.Fragment = u.EscapedFragment()
	return nil
}

// WriteRequest 는 Request 를 origin-form HTTP/1.1 요청으로 기록합니다.
// Host 헤더가 없을 때만 Host 줄을 추가하고, Chunked 이면 바디를 chunked 로 다시 감쌉니다.
func WriteRequest(w io.Writer, req *Request) error {
	bw := bufio.NewWriter(w)

	target := req.Path
	if req.Method == http.MethodConnect {
		target = net.JoinHostPort(req.Host, strconv.Itoa(req.Port))
	} else {
		if target == "" {
			target = "/"
		}
		if req.Query != "" {
			target += "?" + req.Query
		}
	}
	fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", req.Method, target)

	if !req.Header.Has("Host") {
		host := req.Host
		if req.Port != 80 {
			host = net.JoinHostPort(req.Host, strconv.Itoa(req.Port))
		}
		fmt.Fprintf(bw, "Host: %s\r\n", host)
	}
	writeHeaderLines(bw, req.Header)
	if req.Chunked && !req.Header.Has("Transfer-Encoding") {
		bw.WriteString("Transfer-Encoding: chunked\r\n")
	}
	if !req.Chunked && len(req.Body) > 0 && !req.Header.Has("Content-Length") {
		fmt.Fprintf(bw, "Content-Length: %d\r\n", len(req.Body))
	}
	bw.WriteString("\r\n")

	if req.Chunked {
		cw := httputil.NewChunkedWriter(bw)
		if len(req.Body) > 0 {
			if _, err := cw.Write(req.Body); err != nil {
				return err
			}
		}
		if err := cw.Close(); err != nil {
			return err
		}
		bw.WriteString("\r\n")
	} else if len(req.Body) > 0 {
		bw.Write(req.Body)
	}
	return bw.Flush()
}

// WriteResponse 는 Response 를 status line, 순서가 보존된 헤더, 바디 순으로 기록합니다.
func WriteResponse(w io.Writer, resp *Response) error {
	bw := bufio.NewWriter(w)
	text := http.StatusText(resp.Status)
	if text == "" {
		text = "status " + strconv.Itoa(resp.Status)
	}
	fmt.Fprintf(bw, "HTTP/1.1 %03d %s\r\n", resp.Status, text)
	writeHeaderLines(bw, resp.Header)
	bw.WriteString("\r\n")
	bw.Write(resp.Body)
	return bw.Flush()
}

func writeHeaderLines(bw *bufio.Writer, h Header) {
	for _, f := range h.fields {
		bw.WriteString(f.Name)
		bw.WriteString(": ")
		bw.WriteString(f.Value)
		bw.WriteString("\r\n")
	}
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
