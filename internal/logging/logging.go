package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level 은 로그의 심각도 레벨을 나타냅니다.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Fields 는 구조적 로그의 key/value 필드를 표현합니다.
// Loki/Promtail 에서 라벨/필드로 활용할 수 있습니다.
type Fields map[string]any

// Logger 는 Loki/Grafana 스택에 적합한 구조적 로그 인터페이스입니다.
//
// - 모든 구현체는 단일 라인 JSON 을 stdout 으로 출력하는 것을 목표로 합니다.
// - Promtail 은 stdout 을 수집해 Loki 로 전송하고, Grafana 에서 쿼리/대시보딩 할 수 있습니다.
type Logger interface {
	// Debug 는 디버그 레벨 로그를 기록합니다.
	Debug(msg string, fields Fields)

	// Info 는 정보 레벨 로그를 기록합니다.
	Info(msg string, fields Fields)

	// Warn 는 경고 레벨 로그를 기록합니다.
	Warn(msg string, fields Fields)

	// Error 는 에러 레벨 로그를 기록합니다.
	Error(msg string, fields Fields)

	// With 는 추가 필드를 항상 포함하는 child logger 를 생성합니다.
	With(fields Fields) Logger
}

// Options 는 zap 기반 Logger 생성 옵션입니다.
type Options struct {
	Level string // "debug", "info", "warn", "error" (기본 info)
	File  string // 비어있지 않으면 lumberjack 으로 로테이션되는 파일에도 기록
}

// zapLogger 는 zap.Logger 를 감싼 Logger 구현체입니다.
type zapLogger struct {
	l *zap.Logger
}

func (z *zapLogger) Debug(msg string, fields Fields) { z.l.Debug(msg, toZapFields(fields)...) }
func (z *zapLogger) Info(msg string, fields Fields)  { z.l.Info(msg, toZapFields(fields)...) }
func (z *zapLogger) Warn(msg string, fields Fields)  { z.l.Warn(msg, toZapFields(fields)...) }
func (z *zapLogger) Error(msg string, fields Fields) { z.l.Error(msg, toZapFields(fields)...) }

func (z *zapLogger) With(fields Fields) Logger {
	return &zapLogger{l: z.l.With(toZapFields(fields)...)}
}

func toZapFields(fields Fields) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

// parseLevel 은 문자열 레벨을 zapcore.Level 로 변환합니다. 알 수 없는 값은 info 로 취급합니다.
func parseLevel(s string) zapcore.Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.MessageKey = "msg"
	cfg.LevelKey = "level"
	cfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	return cfg
}

// New 는 component 필드를 기본으로 포함하는 JSON Logger 를 생성합니다.
// opts.File 이 지정되면 stdout 과 로테이션 파일 양쪽에 기록합니다.
func New(component string, opts Options) Logger {
	writers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if f := strings.TrimSpace(opts.File); f != "" {
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   f,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}))
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.NewMultiWriteSyncer(writers...),
		zap.NewAtomicLevelAt(parseLevel(opts.Level)),
	)
	return FromZap(zap.New(core).With(zap.String("component", component)))
}

// NewStdJSONLogger 는 stdout 으로 단일 라인 JSON 로그를 출력하는 기본 Logger 를 생성합니다.
// Promtail 이 stdout 을 Loki 로 수집하는 전형적인 구성에 적합합니다.
func NewStdJSONLogger(component string) Logger {
	return New(component, Options{Level: string(InfoLevel)})
}

// FromZap 은 이미 구성된 *zap.Logger 를 Logger 인터페이스로 감쌉니다.
// 테스트에서 zaptest/observer 와 함께 사용합니다.
func FromZap(l *zap.Logger) Logger {
	return &zapLogger{l: l}
}

// NewNop 은 아무것도 기록하지 않는 Logger 입니다.
func NewNop() Logger {
	return &zapLogger{l: zap.NewNop()}
}

// MaskSecret 은 API Key, 암호 키 등을 로그에 노출할 때 앞뒤 4자만 남깁니다.
func MaskSecret(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
