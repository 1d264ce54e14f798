package proxy

import (
	"bufio"
	"bytes"
	"io"
)

const (
	chunkBufferSize = 64 * 1024
	maxApprovalHead = 8 * 1024
)

var (
	headTerminator = []byte("\r\n\r\n")
	httpPrefix     = []byte("HTTP/")
	approvalLine   = []byte("\nzander-approved:")
)

// chunkReader 는 relay 연결의 바이트 스트림을 Unwrapper 가 기대하는 청크 단위로 나눕니다.
//
// TCP 는 승인 응답 헤드와 뒤따르는 암호문을 한 번의 read 로 합쳐 줄 수 있으므로,
// AwaitingApproval 상태에서는 승인 헤드를 따로 떼어 냅니다. DecryptPending 상태에서는
// relay 가 암호문을 보낸 뒤 연결을 닫으므로 EOF 까지 읽은 전체가 하나의 청크입니다.
type chunkReader struct {
	br *bufio.Reader
}

func newChunkReader(r io.Reader) *chunkReader {
	return &chunkReader{br: bufio.NewReaderSize(r, chunkBufferSize)}
}

// Next 는 현재 Unwrapper 상태에 맞는 다음 청크를 반환합니다. 더 읽을 것이 없으면 io.EOF.
func (c *chunkReader) Next(state State) ([]byte, error) {
	if state == StateDecryptPending {
		data, err := io.ReadAll(c.br)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return data, nil
	}

	if _, err := c.br.Peek(1); err != nil {
		return nil, err
	}
	for {
		p, _ := c.br.Peek(c.br.Buffered())
		if end := bytes.Index(p, headTerminator); end >= 0 {
			if isApprovalHead(p[:end]) {
				return c.take(end + len(headTerminator))
			}
			break
		}
		// HTTP 응답 헤드가 아직 덜 도착한 경우에만 더 기다립니다.
		if !(bytes.HasPrefix(p, httpPrefix) || bytes.HasPrefix(httpPrefix, p)) || len(p) >= maxApprovalHead {
			break
		}
		if _, err := c.br.Peek(len(p) + 1); err != nil {
			break
		}
	}
	return c.take(c.br.Buffered())
}

func (c *chunkReader) take(n int) ([]byte, error) {
	chunk := make([]byte, n)
	if _, err := io.ReadFull(c.br, chunk); err != nil {
		return nil, err
	}
	return chunk, nil
}

func isApprovalHead(head []byte) bool {
	return bytes.HasPrefix(head, httpPrefix) && bytes.Contains(bytes.ToLower(head), approvalLine)
}
