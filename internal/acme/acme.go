package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/dalbodeule/hop-veil/internal/logging"
)

// Manager 는 relay TLS/DTLS 리스너에 주입할 인증서를 제공합니다.
type Manager interface {
	// TLSConfig 는 relay 리스너에 주입할 tls.Config 를 반환합니다.
	TLSConfig() *tls.Config
}

// NewSelfSignedManager 는 debug 모드용 self-signed localhost 인증서 Manager 입니다.
func NewSelfSignedManager() (Manager, error) {
	cfg, err := NewSelfSignedLocalhostConfig()
	if err != nil {
		return nil, fmt.Errorf("self-signed certificate: %w", err)
	}
	return staticManager{cfg: cfg}, nil
}

type staticManager struct {
	cfg *tls.Config
}

func (s staticManager) TLSConfig() *tls.Config { return s.cfg }

// LetsEncryptProduction 은 기본 ACME 디렉터리입니다.
const LetsEncryptProduction = "https://acme-v02.api.letsencrypt.org/directory"

// LegoConfig 는 lego 기반 ACME Manager 설정입니다.
type LegoConfig struct {
	Domain     string
	Email      string
	CADirURL   string // 비어 있으면 LetsEncryptProduction
	HTTPClient *http.Client
	Logger     logging.Logger
}

// legoUser 는 lego 가 요구하는 registration.User 구현입니다.
type legoUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *legoUser) GetEmail() string                        { return u.email }
func (u *legoUser) GetRegistration() *registration.Resource { return u.registration }
func (u *legoUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// LegoManager 는 HTTP-01 챌린지로 인증서를 한 번 발급받아 보관합니다.
// 갱신은 하지 않습니다. 프로세스를 재시작하면 다시 발급받습니다.
type LegoManager struct {
	cfg        LegoConfig
	client     *lego.Client
	challenges *challengeStore
	logger     logging.Logger

	mu   sync.RWMutex
	cert *tls.Certificate
}

// NewLegoManager 는 ACME 계정을 등록하고 HTTP-01 provider 를 설정합니다.
// 챌린지 응답은 ChallengeHandler 로 서빙해야 합니다.
func NewLegoManager(ctx context.Context, cfg LegoConfig) (*LegoManager, error) {
	if strings.TrimSpace(cfg.Domain) == "" {
		return nil, fmt.Errorf("acme: domain is required")
	}
	if cfg.CADirURL == "" {
		cfg.CADirURL = LetsEncryptProduction
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("acme: generate account key: %w", err)
	}
	user := &legoUser{email: cfg.Email, key: key}

	lc := lego.NewConfig(user)
	lc.CADirURL = cfg.CADirURL
	lc.Certificate.KeyType = certcrypto.EC256
	if cfg.HTTPClient != nil {
		lc.HTTPClient = cfg.HTTPClient
	}

	client, err := lego.NewClient(lc)
	if err != nil {
		return nil, fmt.Errorf("acme: new client: %w", err)
	}

	store := newChallengeStore()
	if err := client.Challenge.SetHTTP01Provider(store); err != nil {
		return nil, fmt.Errorf("acme: set http-01 provider: %w", err)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("acme: register account: %w", err)
	}
	user.registration = reg

	return &LegoManager{
		cfg:        cfg,
		client:     client,
		challenges: store,
		logger:     cfg.Logger.With(logging.Fields{"component": "acme"}),
	}, nil
}

// Obtain 은 도메인 인증서를 발급받습니다. ChallengeHandler 가 80 포트에서 서빙 중이어야 합니다.
func (m *LegoManager) Obtain(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := m.client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{m.cfg.Domain},
		Bundle:  true,
	})
	if err != nil {
		return fmt.Errorf("acme: obtain certificate for %s: %w", m.cfg.Domain, err)
	}
	cert, err := tls.X509KeyPair(res.Certificate, res.PrivateKey)
	if err != nil {
		return fmt.Errorf("acme: parse certificate: %w", err)
	}

	m.mu.Lock()
	m.cert = &cert
	m.mu.Unlock()

	m.logger.Info("acme certificate obtained", logging.Fields{
		"domain":   m.cfg.Domain,
		"cert_url": res.CertURL,
	})
	return nil
}

// TLSConfig 는 발급받은 인증서를 GetCertificate 로 제공하는 tls.Config 입니다.
func (m *LegoManager) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			m.mu.RLock()
			defer m.mu.RUnlock()
			if m.cert == nil {
				return nil, fmt.Errorf("acme: certificate for %s not obtained yet", m.cfg.Domain)
			}
			return m.cert, nil
		},
	}
}

// ChallengeHandler 는 HTTP-01 챌린지 요청을 처리하고 나머지는 fallback 으로 넘깁니다.
func (m *LegoManager) ChallengeHandler(fallback http.Handler) http.Handler {
	return m.challenges.handler(fallback)
}

// challengeStore 는 lego 의 challenge.Provider 를 메모리 맵으로 구현합니다.
type challengeStore struct {
	mu     sync.RWMutex
	tokens map[string]string // token -> keyAuth
}

func newChallengeStore() *challengeStore {
	return &challengeStore{tokens: make(map[string]string)}
}

func (s *challengeStore) Present(_, token, keyAuth string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = keyAuth
	return nil
}

func (s *challengeStore) CleanUp(_, token, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
	return nil
}

func (s *challengeStore) handler(fallback http.Handler) http.Handler {
	prefix := http01.ChallengePath("")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, prefix) {
			if fallback == nil {
				http.NotFound(w, r)
				return
			}
			fallback.ServeHTTP(w, r)
			return
		}

		token := strings.TrimPrefix(r.URL.Path, prefix)
		s.mu.RLock()
		keyAuth, ok := s.tokens[token]
		s.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(keyAuth))
	})
}
