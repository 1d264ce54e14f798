package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrEncoding 은 원본 요청 데이터로 엔벨로프를 만들 수 없는 경우를 나타냅니다.
	ErrEncoding = errors.New("envelope encoding error")

	// ErrFraming 은 엔벨로프 디코딩 시 마커/구분자를 해석할 수 없는 경우를 나타냅니다.
	ErrFraming = errors.New("envelope framing error")
)

// EncodingError 는 요청 하나의 엔벨로프 생성을 중단시키는 오류입니다.
// 같은 연결의 다른 요청에는 영향을 주지 않습니다.
type EncodingError struct {
	Field  string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode envelope: invalid %s: %s", e.Field, e.Reason)
}

func (e *EncodingError) Is(target error) bool { return target == ErrEncoding }

// FramingError 는 복호화된 엔벨로프가 기대한 구조를 갖지 않는 경우입니다.
// Offset 은 문제가 된 위치(바이트 오프셋, 알 수 없으면 -1)입니다.
type FramingError struct {
	Reason string
	Offset int
}

func (e *FramingError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("decode envelope: %s (offset %d)", e.Reason, e.Offset)
	}
	return "decode envelope: " + e.Reason
}

func (e *FramingError) Is(target error) bool { return target == ErrFraming }
