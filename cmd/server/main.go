package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dalbodeule/hop-veil/internal/acme"
	"github.com/dalbodeule/hop-veil/internal/admin"
	"github.com/dalbodeule/hop-veil/internal/cipher"
	"github.com/dalbodeule/hop-veil/internal/config"
	"github.com/dalbodeule/hop-veil/internal/dispatch"
	"github.com/dalbodeule/hop-veil/internal/errorpages"
	"github.com/dalbodeule/hop-veil/internal/logging"
	"github.com/dalbodeule/hop-veil/internal/observability"
	"github.com/dalbodeule/hop-veil/internal/protocol"
	"github.com/dalbodeule/hop-veil/internal/proxy"
	"github.com/dalbodeule/hop-veil/internal/store"
	"github.com/dalbodeule/hop-veil/internal/transport"
)

func main() {
	cmd := &cobra.Command{
		Use:           "hop-veil-server",
		Short:         "Relay server that unwraps encrypted envelopes and performs the upstream requests",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run:           run,
	}
	config.RegisterServerFlags(cmd)

	if err := cmd.Execute(); err != nil {
		logging.NewStdJSONLogger("server").Error("server command failed", logging.Fields{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}

func fatal(logger logging.Logger, msg string, err error) {
	logger.Error(msg, logging.Fields{"error": err.Error()})
	os.Exit(1)
}

// listener 는 함께 기동/종료되는 HTTP 서버 하나입니다.
type listener struct {
	name string
	srv  *http.Server
	ln   net.Listener // nil 이면 srv.Addr 로 ListenAndServe
}

func run(cmd *cobra.Command, _ []string) {
	bootLogger := logging.NewStdJSONLogger("server")

	// 1. 서버 설정 로드 (플래그 > 환경변수 > .env > 기본값)
	cfg, err := config.LoadServerConfig(cmd)
	if err != nil {
		fatal(bootLogger, "failed to load server config", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal(bootLogger, "invalid server config", err)
	}

	logger := logging.New("server", logging.Options{Level: cfg.Logging.Level, File: cfg.Logging.File})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cipherCfg, err := cipher.ParseConfig(cfg.CipherMode, cfg.Key, cfg.CipherRounds)
	if err != nil {
		fatal(logger, "invalid cipher config", err)
	}
	fingerprint := cipher.Fingerprint(cipherCfg.Key)
	if cipherCfg.Mode.Deterministic() {
		logger.Warn("compat cipher mode is deterministic and unauthenticated", logging.Fields{
			"note": "use aes-gcm or xchacha20poly1305 when both ends support it",
		})
	}
	codec, err := protocol.NewCodec(cfg.Codec)
	if err != nil {
		fatal(logger, "invalid codec", err)
	}
	kind, err := transport.ParseKind(cfg.Transport)
	if err != nil {
		fatal(logger, "invalid relay transport", err)
	}

	observability.MustRegister()

	// 2. 교환 기록 저장소. DSN 이 없으면 메모리에만 보관합니다.
	journal, err := openJournal(ctx, logger, cfg)
	if err != nil {
		fatal(logger, "failed to open exchange journal", err)
	}
	defer journal.Close()

	var listeners []listener

	// 3. 인증서: debug 는 self-signed, 도메인이 있으면 ACME(HTTP-01), 그 외에는 평문 TCP.
	var tlsCfg *tls.Config
	switch {
	case cfg.Debug:
		m, err := acme.NewSelfSignedManager()
		if err != nil {
			fatal(logger, "failed to create self-signed localhost cert", err)
		}
		tlsCfg = m.TLSConfig()
		logger.Warn("using self-signed localhost certificate for the relay (debug mode)", logging.Fields{
			"note": "do not use this in production",
		})
	case cfg.ACMEDomain != "":
		lm, err := acme.NewLegoManager(ctx, acme.LegoConfig{
			Domain:   cfg.ACMEDomain,
			Email:    cfg.ACMEEmail,
			CADirURL: cfg.ACMECADir,
			Logger:   logger,
		})
		if err != nil {
			fatal(logger, "failed to create acme manager", err)
		}
		challenge := &http.Server{
			Addr:              cfg.HTTPListen,
			Handler:           lm.ChallengeHandler(http.NotFoundHandler()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		listeners = append(listeners, listener{name: "acme_http", srv: challenge})
		go serve(logger, listener{name: "acme_http", srv: challenge}, nil)
		if err := lm.Obtain(ctx); err != nil {
			fatal(logger, "failed to obtain acme certificate", err)
		}
		tlsCfg = lm.TLSConfig()
	}
	if kind == transport.KindDTLS && tlsCfg == nil {
		fatal(logger, "invalid relay transport", errors.New("dtls transport requires HOP_SERVER_DEBUG or HOP_SERVER_ACME_DOMAIN"))
	}

	// 4. relay 리스너 + 핸들러
	relayLn, err := transport.Listen(transport.ListenConfig{
		Kind:      kind,
		Addr:      cfg.Listen,
		TLSConfig: tlsCfg,
		Validator: transport.FingerprintValidator{Fingerprint: fingerprint},
		Logger:    logger,
	})
	if err != nil {
		fatal(logger, "failed to listen for relay", err)
	}
	relay, err := proxy.NewRelayServer(proxy.RelayConfig{
		Cipher:          cipherCfg,
		Codec:           codec,
		Journal:         journal,
		UpstreamTimeout: cfg.UpstreamTimeout,
		Logger:          logger,
	})
	if err != nil {
		fatal(logger, "failed to create relay server", err)
	}
	listeners = append(listeners, listener{name: "relay", srv: proxy.NewHTTPServer(cfg.Listen, relay), ln: relayLn})

	// 5. 선택 구성요소: dispatcher, admin API, metrics
	var upstreams admin.UpstreamSource
	if cfg.DispatchListen != "" {
		d, err := dispatch.New(dispatch.Config{
			Upstreams:      cfg.DispatchUpstreams,
			GroupHeader:    cfg.DispatchGroupHeader,
			GroupCacheSize: cfg.DispatchGroupCache,
			Revisers: []dispatch.Reviser{dispatch.HeaderReviser{
				SetResponse: map[string]string{"Via": "1.1 hop-veil"},
			}},
			Logger: logger,
		})
		if err != nil {
			fatal(logger, "failed to create dispatcher", err)
		}
		upstreams = d.Selector()
		mux := http.NewServeMux()
		mux.Handle(errorpages.AssetsPrefix, errorpages.AssetsHandler())
		mux.Handle("/", d)
		listeners = append(listeners, listener{name: "dispatch", srv: dispatch.NewHTTPServer(cfg.DispatchListen, mux, logger)})
	}
	if cfg.AdminListen != "" {
		if cfg.AdminAPIKey == "" {
			logger.Warn("admin API key is empty; all admin requests will be rejected", nil)
		}
		mux := http.NewServeMux()
		admin.NewHandler(logger, cfg.AdminAPIKey, journal, upstreams).RegisterRoutes(mux)
		listeners = append(listeners, listener{name: "admin", srv: dispatch.NewHTTPServer(cfg.AdminListen, mux, logger)})
	}
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		listeners = append(listeners, listener{name: "metrics", srv: dispatch.NewHTTPServer(cfg.MetricsListen, mux, logger)})
	}

	logger.Info("hop-veil server starting", logging.Fields{
		"stack":            "prometheus-loki-grafana",
		"listen":           cfg.Listen,
		"transport":        string(kind),
		"tls":              tlsCfg != nil,
		"cipher_mode":      string(cipherCfg.Mode),
		"key_fingerprint":  fingerprint,
		"codec":            cfg.Codec,
		"upstream_timeout": cfg.UpstreamTimeout.String(),
		"dispatch_listen":  cfg.DispatchListen,
		"admin_listen":     cfg.AdminListen,
		"admin_api_key":    logging.MaskSecret(cfg.AdminAPIKey),
		"metrics_listen":   cfg.MetricsListen,
		"debug":            cfg.Debug,
	})

	errCh := make(chan error, len(listeners))
	for _, l := range listeners {
		if l.name == "acme_http" {
			continue // 이미 기동됨
		}
		go serve(logger, l, errCh)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	case err := <-errCh:
		logger.Error("listener failed, shutting down", logging.Fields{"error": err.Error()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, l := range listeners {
		if err := l.srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("listener shutdown failed", logging.Fields{"listener": l.name, "error": err.Error()})
		}
	}
	logger.Info("hop-veil server stopped", nil)
}

func serve(logger logging.Logger, l listener, errCh chan<- error) {
	logger.Info("listener started", logging.Fields{"listener": l.name, "addr": l.srv.Addr})
	var err error
	if l.ln != nil {
		err = l.srv.Serve(l.ln)
	} else {
		err = l.srv.ListenAndServe()
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}
	if errCh != nil {
		errCh <- fmt.Errorf("%s listener: %w", l.name, err)
		return
	}
	logger.Error("listener failed", logging.Fields{"listener": l.name, "error": err.Error()})
}

func openJournal(ctx context.Context, logger logging.Logger, cfg *config.ServerConfig) (store.Journal, error) {
	if cfg.DBDSN == "" {
		logger.Info("no database configured; keeping exchange journal in memory", logging.Fields{
			"capacity": store.DefaultMemoryCapacity,
		})
		return store.NewMemoryJournal(store.DefaultMemoryCapacity), nil
	}
	// 풀 설정은 HOP_DB_* 환경변수에서 읽고, DSN 은 플래그 값이 우선합니다.
	dbCfg, err := store.ConfigFromEnv()
	if err != nil {
		dbCfg = store.DefaultConfig()
	}
	dbCfg.DSN = cfg.DBDSN

	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return store.OpenPostgres(openCtx, logger, dbCfg)
}
