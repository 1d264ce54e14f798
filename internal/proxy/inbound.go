package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"sync"

	"github.com/dalbodeule/hop-veil/internal/cipher"
	"github.com/dalbodeule/hop-veil/internal/logging"
	"github.com/dalbodeule/hop-veil/internal/observability"
	"github.com/dalbodeule/hop-veil/internal/protocol"
)

// State 는 relay 연결 하나에 대한 Unwrapper 의 상태입니다.
type State int

const (
	// StateAwaitingApproval: 승인 응답을 기다리는 초기 상태. 그 외 청크는 그대로 통과합니다.
	StateAwaitingApproval State = iota
	// StateDecryptPending: 다음 청크가 암호화된 실제 응답입니다.
	StateDecryptPending
)

func (s State) String() string {
	switch s {
	case StateAwaitingApproval:
		return "awaiting_approval"
	case StateDecryptPending:
		return "decrypt_pending"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Unwrapper 는 relay 에서 돌아오는 청크를 검사해 실제 업스트림 응답을 복원합니다. (ko)
// Unwrapper inspects chunks coming back from the relay. An approval response
// (status 200 carrying the zander-approved header) is swallowed and arms the
// next chunk for decryption; everything else passes through unchanged.
// State is per connection and guarded by a mutex. (en)
type Unwrapper struct {
	mu     sync.Mutex
	state  State
	codec  protocol.EnvelopeCodec
	cipher cipher.Cipher
	logger logging.Logger
}

// NewUnwrapper 는 AwaitingApproval 상태의 Unwrapper 를 생성합니다.
func NewUnwrapper(codec protocol.EnvelopeCodec, c cipher.Cipher, logger logging.Logger) (*Unwrapper, error) {
	if c == nil {
		return nil, fmt.Errorf("unwrapper requires a cipher")
	}
	if codec == nil {
		codec = protocol.DefaultCodec
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Unwrapper{
		state:  StateAwaitingApproval,
		codec:  codec,
		cipher: c,
		logger: logger.With(logging.Fields{"component": "unwrapper"}),
	}, nil
}

// State 는 현재 상태를 반환합니다.
func (u *Unwrapper) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Reset 은 연결 종료 시 초기 상태로 되돌립니다.
func (u *Unwrapper) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state = StateAwaitingApproval
}

// HandleChunk 는 청크 하나를 처리하고 클라이언트로 내보낼 바이트를 반환합니다.
//
//   - AwaitingApproval + 승인 청크: 빈 슬라이스를 반환하고 DecryptPending 으로 전이
//   - AwaitingApproval + 그 외: 입력을 그대로 반환
//   - DecryptPending: AwaitingApproval 로 되돌린 뒤 decrypt → decode → HTTP 응답 직렬화
//
// DecryptPending 에서 실패하면 부분 출력 없이 에러만 반환합니다.
func (u *Unwrapper) HandleChunk(chunk []byte) ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state == StateDecryptPending {
		u.state = StateAwaitingApproval
		out, err := u.unwrap(chunk)
		if err != nil {
			observability.ChunksTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		observability.ChunksTotal.WithLabelValues("decrypted").Inc()
		return out, nil
	}

	if isApproval(chunk) {
		u.state = StateDecryptPending
		observability.ChunksTotal.WithLabelValues("approval").Inc()
		u.logger.Debug("approval received, next chunk will be decrypted", nil)
		return []byte{}, nil
	}

	observability.ChunksTotal.WithLabelValues("passthrough").Inc()
	return chunk, nil
}

func (u *Unwrapper) unwrap(chunk []byte) ([]byte, error) {
	plaintext, err := u.cipher.Decrypt(chunk)
	if err != nil {
		observability.CipherErrorsTotal.WithLabelValues("decrypt").Inc()
		return nil, fmt.Errorf("unwrap relay response: %w", err)
	}
	resp, err := u.codec.DecodeResponse(plaintext)
	if err != nil {
		return nil, fmt.Errorf("unwrap relay response: %w", err)
	}

	var buf bytes.Buffer
	if err := protocol.WriteResponse(&buf, resp); err != nil {
		return nil, fmt.Errorf("unwrap relay response: %w", err)
	}
	u.logger.Debug("relay response decrypted", logging.Fields{
		"status":     resp.Status,
		"url":        resp.URL,
		"body_bytes": len(resp.Body),
	})
	return buf.Bytes(), nil
}

// isApproval 은 chunk 가 status 200 이고 승인 헤더를 가진 HTTP 응답인지 검사합니다.
// 헤더 값은 보지 않고 존재 여부만 확인합니다.
func isApproval(chunk []byte) bool {
	if !bytes.HasPrefix(chunk, []byte("HTTP/")) {
		return false
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(chunk)), nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != protocol.ApprovalStatus {
		return false
	}
	_, ok := resp.Header[http.CanonicalHeaderKey(protocol.ApprovalHeader)]
	return ok
}
