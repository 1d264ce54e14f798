package config

import (
	"errors"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ErrConfigurationMissing 은 필수 설정이 비어 있는 경우입니다. 시작 시점에 치명적 오류로 처리합니다.
var ErrConfigurationMissing = errors.New("required configuration missing")

// MissingError 는 비어 있는 필수 환경변수 이름 목록을 담습니다.
type MissingError struct {
	Keys []string
}

func (e *MissingError) Error() string {
	return "missing required configuration: " + strings.Join(e.Keys, ", ")
}

func (e *MissingError) Is(target error) bool { return target == ErrConfigurationMissing }

// LoggingConfig 는 공통 로그 설정을 담습니다.
type LoggingConfig struct {
	Level string // 예: "debug", "info", "warn", "error"
	File  string // 비어있지 않으면 로테이션 파일에도 기록
}

// ClientConfig 는 클라이언트(intercepting proxy) 프로세스 설정을 담습니다.
type ClientConfig struct {
	Listen         string // 로컬 프록시 리슨 주소 (예: 127.0.0.1:8118)
	RelayHost      string // relay 호스트
	RelayPort      int    // relay 포트
	RelayBaseURL   string // relay 요청 경로 (예: "/")
	RelayTransport string // tcp | dtls
	RelayTLS       bool   // tcp transport 에서 TLS 사용 여부
	ClientID       string // DTLS 링크 핸드셰이크용 식별자
	Key            string // hex 인코딩된 공유 키
	CipherMode     string // compat | aes-gcm | xchacha20poly1305
	CipherRounds   int    // compat 모드 AES 라운드 (10/12/14)
	Codec          string // marker | protowire
	Debug          bool   // true 이면 relay 인증서 검증 스킵

	Logging LoggingConfig
}

// ServerConfig 는 relay 서버 프로세스 설정을 담습니다.
type ServerConfig struct {
	Listen          string // relay 리슨 주소
	Transport       string // tcp | dtls
	Key             string
	CipherMode      string
	CipherRounds    int
	Codec           string
	UpstreamTimeout time.Duration

	HTTPListen    string // ACME HTTP-01 챌린지용 (도메인이 설정된 경우)
	MetricsListen string
	AdminListen   string
	AdminAPIKey   string

	DispatchListen      string
	DispatchUpstreams   []string
	DispatchGroupHeader string
	DispatchGroupCache  int

	ACMEDomain string
	ACMEEmail  string
	ACMECADir  string

	DBDSN string
	Debug bool

	Logging LoggingConfig
}

// Validate 는 relay 연결에 필요한 필수 값이 모두 있는지 검사합니다.
func (c *ClientConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.RelayHost) == "" {
		missing = append(missing, "HOP_CLIENT_RELAY_HOST")
	}
	if c.RelayPort <= 0 {
		missing = append(missing, "HOP_CLIENT_RELAY_PORT")
	}
	if strings.TrimSpace(c.Key) == "" {
		missing = append(missing, "HOP_CLIENT_KEY")
	}
	if len(missing) > 0 {
		return &MissingError{Keys: missing}
	}
	return nil
}

// Validate 는 relay 서버의 필수 값을 검사합니다.
func (c *ServerConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Listen) == "" {
		missing = append(missing, "HOP_SERVER_LISTEN")
	}
	if strings.TrimSpace(c.Key) == "" {
		missing = append(missing, "HOP_SERVER_KEY")
	}
	if c.ACMEDomain != "" && strings.TrimSpace(c.ACMEEmail) == "" {
		missing = append(missing, "HOP_SERVER_ACME_EMAIL")
	}
	if len(missing) > 0 {
		return &MissingError{Keys: missing}
	}
	return nil
}

var (
	dotenvOnce sync.Once
	dotenvErr  error
)

// loadDotEnvOnce 는 현재 작업 디렉터리의 .env 파일을 한 번만 읽어서 환경변수에 주입합니다.
// 이미 OS 환경변수에 설정된 값이 우선합니다. .env 가 없으면 조용히 무시합니다.
func loadDotEnvOnce() error {
	dotenvOnce.Do(func() {
		dotenvErr = LoadDotEnv(".env")
	})
	return dotenvErr
}

// LoadDotEnv 는 주어진 파일들을 godotenv 로 읽습니다. 존재하지 않는 파일은 무시합니다.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// binding 은 viper 키, CLI 플래그 이름, 기본값의 묶음입니다.
// viper 키의 '.' 은 '_' 로 바뀌어 HOP_ 접두어 환경변수와 매칭됩니다. (client.relay_host → HOP_CLIENT_RELAY_HOST)
type binding struct {
	key   string
	flag  string
	def   any
	usage string
}

var loggingBindings = []binding{
	{"log.level", "log-level", "info", "log level (debug, info, warn, error)"},
	{"log.file", "log-file", "", "also write logs to this rotating file"},
}

var clientBindings = []binding{
	{"client.listen", "listen", "127.0.0.1:8118", "local proxy listen address"},
	{"client.relay_host", "relay-host", "", "relay server host"},
	{"client.relay_port", "relay-port", 0, "relay server port"},
	{"client.relay_base_url", "relay-base-url", "/", "path (and query) of relay requests"},
	{"client.relay_transport", "relay-transport", "tcp", "relay link transport (tcp, dtls)"},
	{"client.relay_tls", "relay-tls", false, "use TLS for the tcp relay link"},
	{"client.id", "client-id", "", "client identifier sent in the dtls link handshake"},
	{"client.key", "key", "", "shared envelope key (hex)"},
	{"client.cipher_mode", "cipher-mode", "compat", "envelope cipher (compat, aes-gcm, xchacha20poly1305)"},
	{"client.cipher_rounds", "cipher-rounds", 14, "AES rounds for compat mode (10, 12, 14)"},
	{"client.codec", "codec", "marker", "envelope codec (marker, protowire)"},
	{"client.debug", "debug", false, "debug mode (skip relay certificate verification)"},
}

var serverBindings = []binding{
	{"server.listen", "listen", ":8443", "relay listen address"},
	{"server.transport", "transport", "tcp", "relay link transport (tcp, dtls)"},
	{"server.key", "key", "", "shared envelope key (hex)"},
	{"server.cipher_mode", "cipher-mode", "compat", "envelope cipher (compat, aes-gcm, xchacha20poly1305)"},
	{"server.cipher_rounds", "cipher-rounds", 14, "AES rounds for compat mode (10, 12, 14)"},
	{"server.codec", "codec", "marker", "envelope codec (marker, protowire)"},
	{"server.upstream_timeout", "upstream-timeout", "30s", "timeout for upstream requests"},
	{"server.http_listen", "http-listen", ":80", "ACME HTTP-01 challenge listen address"},
	{"server.metrics_listen", "metrics-listen", "", "prometheus metrics listen address (empty disables)"},
	{"server.admin_listen", "admin-listen", "", "admin API listen address (empty disables)"},
	{"server.admin_api_key", "admin-api-key", "", "bearer token for the admin API"},
	{"server.dispatch_listen", "dispatch-listen", "", "dispatcher listen address (empty disables)"},
	{"server.dispatch_upstreams", "dispatch-upstreams", "", "comma separated dispatcher upstream urls"},
	{"server.dispatch_group_header", "dispatch-group-header", "X-Hop-Group", "request header carrying the dispatch group"},
	{"server.dispatch_group_cache", "dispatch-group-cache", 4096, "number of pinned dispatch groups to keep"},
	{"server.acme_domain", "acme-domain", "", "obtain a certificate for this domain via ACME"},
	{"server.acme_email", "acme-email", "", "ACME account email"},
	{"server.acme_ca_dir", "acme-ca-dir", "", "ACME directory url (default: Let's Encrypt)"},
	{"db.dsn", "db-dsn", "", "PostgreSQL DSN for the exchange journal (empty: in-memory)"},
	{"server.debug", "debug", false, "debug mode (self-signed certificate)"},
}

// RegisterClientFlags 는 클라이언트 명령에 설정 플래그를 등록합니다.
func RegisterClientFlags(cmd *cobra.Command) {
	registerFlags(cmd, loggingBindings)
	registerFlags(cmd, clientBindings)
}

// RegisterServerFlags 는 서버 명령에 설정 플래그를 등록합니다.
func RegisterServerFlags(cmd *cobra.Command) {
	registerFlags(cmd, loggingBindings)
	registerFlags(cmd, serverBindings)
}

func registerFlags(cmd *cobra.Command, bindings []binding) {
	fs := cmd.Flags()
	for _, b := range bindings {
		switch def := b.def.(type) {
		case bool:
			fs.Bool(b.flag, def, b.usage)
		case int:
			fs.Int(b.flag, def, b.usage)
		default:
			fs.String(b.flag, def.(string), b.usage)
		}
	}
}

// newViper 는 "플래그 > 환경변수(.env 포함) > 기본값" 우선순위의 viper 인스턴스를 만듭니다.
func newViper(cmd *cobra.Command, groups ...[]binding) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("HOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, bindings := range groups {
		for _, b := range bindings {
			v.SetDefault(b.key, b.def)
			if cmd == nil {
				continue
			}
			if f := cmd.Flags().Lookup(b.flag); f != nil {
				if err := v.BindPFlag(b.key, f); err != nil {
					return nil, err
				}
			}
		}
	}
	return v, nil
}

func loadLogging(v *viper.Viper) LoggingConfig {
	return LoggingConfig{
		Level: v.GetString("log.level"),
		File:  v.GetString("log.file"),
	}
}

// LoadClientConfig 는 .env 를 한 번 읽어 환경변수를 보완한 뒤 cmd 의 플래그와 합쳐 클라이언트 설정을 구성합니다.
// cmd 가 nil 이면 환경변수와 기본값만 사용합니다.
func LoadClientConfig(cmd *cobra.Command) (*ClientConfig, error) {
	if err := loadDotEnvOnce(); err != nil {
		return nil, err
	}
	v, err := newViper(cmd, loggingBindings, clientBindings)
	if err != nil {
		return nil, err
	}

	return &ClientConfig{
		Listen:         v.GetString("client.listen"),
		RelayHost:      strings.TrimSpace(v.GetString("client.relay_host")),
		RelayPort:      v.GetInt("client.relay_port"),
		RelayBaseURL:   v.GetString("client.relay_base_url"),
		RelayTransport: v.GetString("client.relay_transport"),
		RelayTLS:       v.GetBool("client.relay_tls"),
		ClientID:       v.GetString("client.id"),
		Key:            strings.TrimSpace(v.GetString("client.key")),
		CipherMode:     v.GetString("client.cipher_mode"),
		CipherRounds:   v.GetInt("client.cipher_rounds"),
		Codec:          v.GetString("client.codec"),
		Debug:          v.GetBool("client.debug"),
		Logging:        loadLogging(v),
	}, nil
}

// LoadServerConfig 는 .env 를 한 번 읽어 환경변수를 보완한 뒤 cmd 의 플래그와 합쳐 서버 설정을 구성합니다.
func LoadServerConfig(cmd *cobra.Command) (*ServerConfig, error) {
	if err := loadDotEnvOnce(); err != nil {
		return nil, err
	}
	v, err := newViper(cmd, loggingBindings, serverBindings)
	if err != nil {
		return nil, err
	}

	return &ServerConfig{
		Listen:              v.GetString("server.listen"),
		Transport:           v.GetString("server.transport"),
		Key:                 strings.TrimSpace(v.GetString("server.key")),
		CipherMode:          v.GetString("server.cipher_mode"),
		CipherRounds:        v.GetInt("server.cipher_rounds"),
		Codec:               v.GetString("server.codec"),
		UpstreamTimeout:     v.GetDuration("server.upstream_timeout"),
		HTTPListen:          v.GetString("server.http_listen"),
		MetricsListen:       v.GetString("server.metrics_listen"),
		AdminListen:         v.GetString("server.admin_listen"),
		AdminAPIKey:         v.GetString("server.admin_api_key"),
		DispatchListen:      v.GetString("server.dispatch_listen"),
		DispatchUpstreams:   parseCSV(v.GetString("server.dispatch_upstreams")),
		DispatchGroupHeader: v.GetString("server.dispatch_group_header"),
		DispatchGroupCache:  v.GetInt("server.dispatch_group_cache"),
		ACMEDomain:          strings.TrimSpace(v.GetString("server.acme_domain")),
		ACMEEmail:           strings.TrimSpace(v.GetString("server.acme_email")),
		ACMECADir:           v.GetString("server.acme_ca_dir"),
		DBDSN:               strings.TrimSpace(v.GetString("db.dsn")),
		Debug:               v.GetBool("server.debug"),
		Logging:             loadLogging(v),
	}, nil
}

// parseCSV 는 "a, b,,c" 를 ["a","b","c"] 로 나눕니다.
// viper 의 문자열 슬라이스 변환은 공백 기준이라 직접 나눕니다.
func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
