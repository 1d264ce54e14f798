package transport

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dalbodeule/hop-veil/internal/logging"
)

// ErrFingerprintMismatch 는 client 와 relay 의 키 지문이 다른 경우입니다.
var ErrFingerprintMismatch = errors.New("key fingerprint mismatch")

// LinkValidator 는 (client_id, key_fingerprint) 조합이 유효한지 검증하는 인터페이스입니다.
type LinkValidator interface {
	ValidateLink(ctx context.Context, clientID, fingerprint string) error
}

// FingerprintValidator 는 relay 자신의 키 지문과 같은지 확인합니다.
type FingerprintValidator struct {
	Fingerprint string
}

func (v FingerprintValidator) ValidateLink(_ context.Context, _ string, fingerprint string) error {
	if subtle.ConstantTimeCompare([]byte(v.Fingerprint), []byte(fingerprint)) != 1 {
		return ErrFingerprintMismatch
	}
	return nil
}

// AllowAllValidator 는 개발용으로 모든 링크를 허용합니다.
type AllowAllValidator struct {
	Logger logging.Logger
}

func (a AllowAllValidator) ValidateLink(_ context.Context, clientID, fingerprint string) error {
	if a.Logger != nil {
		a.Logger.Debug("allow-all link validator used (ALWAYS ALLOW)", logging.Fields{
			"client_id":   clientID,
			"fingerprint": logging.MaskSecret(fingerprint),
		})
	}
	return nil
}

// ServerHandshakeResult 는 relay 측에서 링크 핸드셰이크가 완료된 후의 정보를 담습니다.
type ServerHandshakeResult struct {
	ClientID string
}

// ClientHandshakeResult 는 client 측에서 링크 핸드셰이크가 완료된 후의 정보를 담습니다.
type ClientHandshakeResult struct {
	Message string
}

// linkHello 는 client 가 DTLS 연결 직후 relay 로 보내는 메시지입니다.
type linkHello struct {
	ClientID    string `json:"client_id"`
	Fingerprint string `json:"key_fingerprint"`
}

// linkReply 는 relay 가 핸드셰이크 결과를 돌려줄 때 사용하는 메시지입니다.
type linkReply struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// PerformServerHandshake 는 relay 측에서 DTLS 세션이 생성된 직후 호출되어
// client 가 보낸 (client_id, key_fingerprint) 를 검증합니다.
// 실패 시 client 로 실패 응답을 보낸 뒤 에러를 반환합니다.
func PerformServerHandshake(ctx context.Context, conn io.ReadWriter, validator LinkValidator, logger logging.Logger) (*ServerHandshakeResult, error) {
	log := logger.With(logging.Fields{"phase": "link_handshake", "side": "server"})

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var hello linkHello
	if err := json.NewDecoder(conn).Decode(&hello); err != nil {
		return nil, fmt.Errorf("read link hello: %w", err)
	}
	hello.ClientID = strings.TrimSpace(hello.ClientID)
	hello.Fingerprint = strings.TrimSpace(hello.Fingerprint)

	if hello.Fingerprint == "" {
		_ = json.NewEncoder(conn).Encode(&linkReply{OK: false, Message: "key_fingerprint is required"})
		return nil, fmt.Errorf("invalid link hello: empty fingerprint")
	}

	if err := validator.ValidateLink(ctx, hello.ClientID, hello.Fingerprint); err != nil {
		log.Warn("link validation failed", logging.Fields{
			"client_id": hello.ClientID,
			"error":     err.Error(),
		})
		_ = json.NewEncoder(conn).Encode(&linkReply{OK: false, Message: "link rejected"})
		return nil, fmt.Errorf("link validation failed: %w", err)
	}

	if err := json.NewEncoder(conn).Encode(&linkReply{OK: true, Message: "link ok"}); err != nil {
		return nil, fmt.Errorf("write link reply: %w", err)
	}

	log.Debug("link handshake success", logging.Fields{"client_id": hello.ClientID})
	return &ServerHandshakeResult{ClientID: hello.ClientID}, nil
}

// PerformClientHandshake 는 client 측에서 DTLS 세션이 생성된 직후 호출되어
// relay 로 (client_id, key_fingerprint) 를 전송하고 결과를 확인합니다.
func PerformClientHandshake(ctx context.Context, conn io.ReadWriter, logger logging.Logger, clientID, fingerprint string) (*ClientHandshakeResult, error) {
	log := logger.With(logging.Fields{"phase": "link_handshake", "side": "client"})

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(fingerprint) == "" {
		return nil, fmt.Errorf("key fingerprint is required")
	}

	hello := linkHello{ClientID: strings.TrimSpace(clientID), Fingerprint: strings.TrimSpace(fingerprint)}
	if err := json.NewEncoder(conn).Encode(&hello); err != nil {
		return nil, fmt.Errorf("write link hello: %w", err)
	}

	var reply linkReply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return nil, fmt.Errorf("read link reply: %w", err)
	}
	if !reply.OK {
		log.Error("link handshake rejected", logging.Fields{"message": reply.Message})
		return nil, fmt.Errorf("link rejected: %s", reply.Message)
	}

	log.Debug("link handshake success", logging.Fields{"client_id": hello.ClientID})
	return &ClientHandshakeResult{Message: reply.Message}, nil
}
