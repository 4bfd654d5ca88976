package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	signerapi "github.com/aegis-sign/psbt-signer/internal/api"
	"github.com/aegis-sign/psbt-signer/internal/config"
	"github.com/aegis-sign/psbt-signer/internal/infra/kms"
	"github.com/aegis-sign/psbt-signer/internal/infra/listener"
	"github.com/aegis-sign/psbt-signer/internal/wallet/signer"
)

const shutdownTimeout = 5 * time.Second

func serveCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("starting psbt-signer", "config", cfg)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity, err := openIdentity(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = identity.Close()
		logger.Info("signing identity closed")
	}()
	warnPolicy(logger, cfg.Policy)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := signerapi.NewMetrics(reg)
	var gatherer prometheus.Gatherer
	if cfg.HTTP.Metrics {
		gatherer = reg
	}

	backend, err := signerapi.NewIdentityBackend(identity, cfg.Policy, signerapi.WithBackendMetrics(metrics))
	if err != nil {
		return err
	}
	limiter := signerapi.NewLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst, metrics)
	opts := []signerapi.HandlerOption{signerapi.WithLogger(logger), signerapi.WithMetrics(metrics)}

	e := signerapi.NewEcho(signerapi.NewHTTPHandler(backend, opts...), signerapi.HTTPServerConfig{
		AllowedOrigins: cfg.HTTP.CORSAllowedOrigins,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		Limiter:        limiter,
		Gatherer:       gatherer,
		Logger:         logger,
	})
	httpLn, err := listener.Listen(cfg.HTTPAddr())
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}

	errCh := make(chan error, 2)
	running := 1
	go func() {
		logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		errCh <- signerapi.ServeHTTP(ctx, httpLn, e, shutdownTimeout)
	}()

	if cfg.GRPC.Listen != "" {
		grpcLn, err := listener.Listen(cfg.GRPC.Listen)
		if err != nil {
			stop()
			<-errCh
			return fmt.Errorf("listen grpc: %w", err)
		}
		grpcSrv, hs := signerapi.NewGRPCServerWithHealth(signerapi.NewGRPCServer(backend, opts...), limiter)
		running++
		go func() {
			logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			errCh <- grpcSrv.Serve(grpcLn)
		}()
		go func() {
			<-ctx.Done()
			hs.Shutdown()
			grpcSrv.GracefulStop()
		}()
	}

	var errs []error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil {
			logger.Error("server stopped unexpectedly", "error", err)
			errs = append(errs, err)
			stop()
		}
		if i == 0 {
			logger.Info("shutting down servers")
			stop()
		}
	}
	return errors.Join(errs...)
}

// loadConfig 合并默认值、配置文件与命令行/环境变量覆盖。
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.DefaultConfig()
	path := c.String("config")
	if path == "" {
		path = c.Args().First()
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("network") {
		cfg.Network = c.String("network")
	}
	if c.IsSet("xprv") {
		cfg.XPrv = config.Secret(c.String("xprv"))
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// openIdentity 取得密钥文本（必要时经 KMS 解封）并构造签名身份。
func openIdentity(ctx context.Context, cfg config.Config, logger *slog.Logger) (*signer.Identity, error) {
	secret := cfg.XPrv.Reveal()
	if cfg.KMS.Enabled() {
		provider, err := kms.NewAWSProvider(ctx, cfg.KMS.Region)
		if err != nil {
			return nil, err
		}
		client, err := kms.NewClient(provider, kms.Config{MaxAttempts: cfg.KMS.MaxAttempts, Logger: logger})
		if err != nil {
			return nil, err
		}
		secret, err = client.UnsealSecret(ctx, cfg.KMS.KeyID, cfg.KMS.Ciphertext)
		if err != nil {
			return nil, err
		}
		logger.Info("signing key unsealed via kms", "key_id", cfg.KMS.KeyID)
	}
	identity, err := signer.New(secret, cfg.ChainNetwork().Params(),
		signer.WithLookahead(cfg.Lookahead),
		signer.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("load signing identity: %w", err)
	}
	desc, err := identity.PublicDescriptor()
	if err != nil {
		_ = identity.Close()
		return nil, err
	}
	attrs := []any{"identity", identity, "descriptor", desc}
	if addr, err := identity.Address(0); err == nil {
		attrs = append(attrs, "first_address", addr.EncodeAddress())
	}
	logger.Info("signing identity ready", attrs...)
	return identity, nil
}

func warnPolicy(logger *slog.Logger, policy signer.Policy) {
	if policy.TrustWitnessUTXO {
		logger.Warn("trust_witness_utxo is enabled: segwit v0 input amounts are not checked against the previous transaction")
	}
	if policy.AllowAllSighashes {
		logger.Warn("allow_all_sighashes is enabled: inputs may be signed with non-ALL sighash types")
	}
}
