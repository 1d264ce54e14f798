// Package cipher 는 엔벨로프 암복호화를 담당합니다.
//
// compat 모드는 기존 relay 와 wire 호환되는 AES-CTR(고정 zero IV) 입니다.
// 같은 평문은 항상 같은 암호문이 되므로 약한 모드이며, 새 배포에는 aes-gcm 또는
// xchacha20poly1305 모드를 사용해야 합니다.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Mode 는 암호화 방식을 나타냅니다.
type Mode string

const (
	ModeCompat            Mode = "compat"
	ModeAESGCM            Mode = "aes-gcm"
	// ModeXChaCha20Poly1305 는 24바이트 nonce 를 쓰는 XChaCha20-Poly1305 입니다.
	ModeXChaCha20Poly1305 Mode = "xchacha20poly1305"
)

// DefaultRounds 는 AES-256 에 해당하는 라운드 수입니다.
const DefaultRounds = 14

// Deterministic 은 같은 평문이 항상 같은 암호문이 되는 모드인지 반환합니다.
func (m Mode) Deterministic() bool { return m == ModeCompat }

// ParseMode 는 설정 문자열을 Mode 로 변환합니다. 빈 문자열은 compat 입니다.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeCompat, nil
	case ModeCompat, ModeAESGCM, ModeXChaCha20Poly1305:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
	}
}

var (
	// ErrDecrypt 는 암호문 형식이 잘못되었거나 인증에 실패한 경우입니다.
	ErrDecrypt = errors.New("decrypt failed")
	// ErrInvalidKey 는 키 길이와 라운드 수가 맞지 않는 경우입니다.
	ErrInvalidKey = errors.New("invalid cipher key")
	// ErrUnsupportedMode 는 알 수 없는 Mode 입니다.
	ErrUnsupportedMode = errors.New("unsupported cipher mode")
	// ErrPadding 은 PKCS#7 패딩이 올바르지 않은 경우입니다.
	ErrPadding = errors.New("invalid padding")
)

// CipherError 는 Cipher 의 모든 실패를 감쌉니다. errors.Is 로 ErrDecrypt 등을 구분합니다.
type CipherError struct {
	Op   string // "init", "encrypt", "decrypt"
	Mode Mode
	Err  error
}

func (e *CipherError) Error() string {
	return fmt.Sprintf("cipher %s (%s): %v", e.Op, e.Mode, e.Err)
}

func (e *CipherError) Unwrap() error { return e.Err }

// Cipher 는 엔벨로프 바이트의 대칭키 암복호화 인터페이스입니다.
type Cipher interface {
	// Encrypt 는 pad 가 true 이면 평문에 PKCS#7 패딩을 적용한 뒤 암호화합니다.
	Encrypt(plaintext []byte, pad bool) ([]byte, error)
	// Decrypt 는 패딩을 제거하지 않습니다. 필요하면 Unpad 를 호출하세요.
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Config 는 Cipher 생성 파라미터입니다. 생성 후에는 바뀌지 않습니다.
type Config struct {
	Mode   Mode
	Key    []byte
	Rounds int // 10, 12, 14 (AES-128/192/256). 0 이면 DefaultRounds.
}

// New 는 Config 에 맞는 Cipher 를 생성합니다. (ko)
// New builds a Cipher for cfg. compat mode requires a key whose length
// matches Rounds; secure modes derive a 32-byte AEAD key from Key with
// HKDF-SHA256 and accept any key of at least 16 bytes. (en)
func New(cfg Config) (Cipher, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeCompat
	}
	rounds := cfg.Rounds
	if rounds == 0 {
		rounds = DefaultRounds
	}
	keyLen, ok := keyLenForRounds(rounds)
	if !ok {
		return nil, &CipherError{Op: "init", Mode: mode, Err: fmt.Errorf("%w: rounds %d", ErrInvalidKey, rounds)}
	}

	switch mode {
	case ModeCompat:
		if len(cfg.Key) != keyLen {
			return nil, &CipherError{Op: "init", Mode: mode, Err: fmt.Errorf("%w: %d rounds need %d-byte key, got %d", ErrInvalidKey, rounds, keyLen, len(cfg.Key))}
		}
		block, err := aes.NewCipher(cfg.Key)
		if err != nil {
			return nil, &CipherError{Op: "init", Mode: mode, Err: err}
		}
		return &compatCipher{block: block}, nil

	case ModeAESGCM, ModeXChaCha20Poly1305:
		if len(cfg.Key) < 16 {
			return nil, &CipherError{Op: "init", Mode: mode, Err: fmt.Errorf("%w: need at least 16 bytes, got %d", ErrInvalidKey, len(cfg.Key))}
		}
		key, err := deriveKey(cfg.Key, mode)
		if err != nil {
			return nil, &CipherError{Op: "init", Mode: mode, Err: err}
		}
		var aead stdcipher.AEAD
		if mode == ModeAESGCM {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, &CipherError{Op: "init", Mode: mode, Err: err}
			}
			aead, err = stdcipher.NewGCM(block)
			if err != nil {
				return nil, &CipherError{Op: "init", Mode: mode, Err: err}
			}
		} else {
			aead, err = chacha20poly1305.NewX(key)
			if err != nil {
				return nil, &CipherError{Op: "init", Mode: mode, Err: err}
			}
		}
		return &aeadCipher{mode: mode, aead: aead}, nil

	default:
		return nil, &CipherError{Op: "init", Mode: mode, Err: ErrUnsupportedMode}
	}
}

// DecodeKey 는 16진수 문자열 키를 바이트로 변환합니다.
func DecodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	return key, nil
}

// ParseConfig 는 설정 문자열(모드, hex 키, 라운드)로 Config 를 만들고 검증합니다.
func ParseConfig(mode, keyHex string, rounds int) (Config, error) {
	m, err := ParseMode(mode)
	if err != nil {
		return Config{}, err
	}
	key, err := DecodeKey(keyHex)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{Mode: m, Key: key, Rounds: rounds}
	if _, err := New(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func keyLenForRounds(rounds int) (int, bool) {
	switch rounds {
	case 10:
		return 16, true
	case 12:
		return 24, true
	case 14:
		return 32, true
	}
	return 0, false
}

func deriveKey(secret []byte, mode Mode) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte("hop-veil envelope "+string(mode)))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// compatCipher 는 매 호출마다 zero IV 로 새 CTR 스트림을 시작합니다.
type compatCipher struct {
	block stdcipher.Block
}

var zeroIV [aes.BlockSize]byte

func (c *compatCipher) Encrypt(plaintext []byte, pad bool) ([]byte, error) {
	if pad {
		plaintext = Pad(plaintext, aes.BlockSize)
	}
	out := make([]byte, len(plaintext))
	stdcipher.NewCTR(c.block, zeroIV[:]).XORKeyStream(out, plaintext)
	return out, nil
}

func (c *compatCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	stdcipher.NewCTR(c.block, zeroIV[:]).XORKeyStream(out, ciphertext)
	return out, nil
}

// aeadCipher 는 nonce || seal(plaintext) 형식을 사용합니다.
// nonce 는 AES-GCM 이 12바이트, XChaCha20-Poly1305 가 24바이트입니다.
type aeadCipher struct {
	mode Mode
	aead stdcipher.AEAD
}

func (c *aeadCipher) Encrypt(plaintext []byte, pad bool) ([]byte, error) {
	if pad {
		plaintext = Pad(plaintext, aes.BlockSize)
	}
	ns := c.aead.NonceSize()
	out := make([]byte, ns, ns+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, &CipherError{Op: "encrypt", Mode: c.mode, Err: fmt.Errorf("nonce: %w", err)}
	}
	return c.aead.Seal(out, out[:ns], plaintext, nil), nil
}

func (c *aeadCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns+c.aead.Overhead() {
		return nil, &CipherError{Op: "decrypt", Mode: c.mode, Err: fmt.Errorf("%w: ciphertext too short (%d bytes)", ErrDecrypt, len(ciphertext))}
	}
	out, err := c.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return nil, &CipherError{Op: "decrypt", Mode: c.mode, Err: fmt.Errorf("%w: %v", ErrDecrypt, err)}
	}
	return out, nil
}

// Pad 는 PKCS#7 패딩을 적용한 새 슬라이스를 반환합니다.
func Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	for i := 0; i < n; i++ {
		out = append(out, byte(n))
	}
	return out
}

// Unpad 는 PKCS#7 패딩을 제거합니다.
func Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize {
		return nil, ErrPadding
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, ErrPadding
		}
	}
	return b[:len(b)-n], nil
}

// Fingerprint 은 키를 노출하지 않고 양 끝이 같은 키를 쓰는지 비교하기 위한 짧은 지문입니다.
func Fingerprint(key []byte) string {
	h := sha256.New()
	h.Write([]byte("hop-veil key fingerprint\x00"))
	h.Write(key)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
