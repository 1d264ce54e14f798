package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dalbodeule/hop-veil/internal/acme"
	"github.com/dalbodeule/hop-veil/internal/cipher"
	"github.com/dalbodeule/hop-veil/internal/config"
	"github.com/dalbodeule/hop-veil/internal/logging"
	"github.com/dalbodeule/hop-veil/internal/protocol"
	"github.com/dalbodeule/hop-veil/internal/proxy"
	"github.com/dalbodeule/hop-veil/internal/transport"
)

func main() {
	cmd := &cobra.Command{
		Use:           "hop-veil-client",
		Short:         "Local intercepting proxy that tunnels HTTP requests through a hop-veil relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run:           run,
	}
	config.RegisterClientFlags(cmd)

	if err := cmd.Execute(); err != nil {
		logging.NewStdJSONLogger("client").Error("client command failed", logging.Fields{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}

func fatal(logger logging.Logger, msg string, err error) {
	logger.Error(msg, logging.Fields{"error": err.Error()})
	os.Exit(1)
}

func run(cmd *cobra.Command, _ []string) {
	bootLogger := logging.NewStdJSONLogger("client")

	// 1. 설정 로드 (플래그 > 환경변수 > .env > 기본값)
	cfg, err := config.LoadClientConfig(cmd)
	if err != nil {
		fatal(bootLogger, "failed to load client config", err)
	}
	// 2. 필수 설정 검사. relay 정보가 없으면 시작하지 않습니다.
	if err := cfg.Validate(); err != nil {
		fatal(bootLogger, "invalid client config", err)
	}

	logger := logging.New("client", logging.Options{Level: cfg.Logging.Level, File: cfg.Logging.File})

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

	kind, err := transport.ParseKind(cfg.RelayTransport)
	if err != nil {
		fatal(logger, "invalid relay transport", err)
	}

	// 3. relay 링크 TLS 설정. debug 모드에서는 self-signed relay 인증서를 허용합니다.
	var tlsCfg *tls.Config
	if kind == transport.KindDTLS || cfg.RelayTLS {
		if cfg.Debug {
			tlsCfg = acme.NewInsecureClientConfig()
			logger.Warn("relay certificate verification disabled (debug mode)", logging.Fields{
				"note": "do not use this in production",
			})
		} else {
			tlsCfg = &tls.Config{ServerName: cfg.RelayHost, MinVersion: tls.VersionTLS12}
		}
	}

	relayAddr := net.JoinHostPort(cfg.RelayHost, strconv.Itoa(cfg.RelayPort))
	dialer, err := transport.NewDialer(transport.DialConfig{
		Kind:        kind,
		Addr:        relayAddr,
		TLSConfig:   tlsCfg,
		ClientID:    cfg.ClientID,
		Fingerprint: fingerprint,
		Logger:      logger,
	})
	if err != nil {
		fatal(logger, "failed to create relay dialer", err)
	}

	p, err := proxy.NewClientProxy(proxy.ClientConfig{
		Plugin: proxy.PluginConfig{
			Relay: proxy.RelayTarget{
				Host:    cfg.RelayHost,
				Port:    cfg.RelayPort,
				BaseURL: cfg.RelayBaseURL,
			},
			Cipher: cipherCfg,
			Codec:  codec,
			Logger: logger,
		},
		Relay:  dialer,
		Logger: logger,
	})
	if err != nil {
		fatal(logger, "failed to create client proxy", err)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		fatal(logger, "failed to listen", err)
	}

	logger.Info("hop-veil client starting", logging.Fields{
		"listen":          cfg.Listen,
		"relay_addr":      relayAddr,
		"relay_transport": string(kind),
		"relay_tls":       tlsCfg != nil,
		"cipher_mode":     string(cipherCfg.Mode),
		"key_fingerprint": fingerprint,
		"codec":           cfg.Codec,
		"debug":           cfg.Debug,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.Serve(ctx, ln); err != nil && !errors.Is(err, context.Canceled) {
		fatal(logger, "client proxy stopped with error", err)
	}
	logger.Info("hop-veil client stopped", nil)
}
