package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"hatago-plugin-host/internal/api"
	"hatago-plugin-host/internal/auth"
	"hatago-plugin-host/internal/config"
	"hatago-plugin-host/internal/events"
	"hatago-plugin-host/internal/observability/metrics"
	"hatago-plugin-host/internal/storage/mysql"
	"hatago-plugin-host/internal/storage/redis"
	"hatago-plugin-host/pkg/logger"
	"hatago-plugin-host/pkg/plugin"
	"hatago-plugin-host/pkg/signing"
)

// main 是插件宿主守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("hatagod 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}

	logs, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logs.Close()
	base := logs.L()

	registry := signing.NewKeyRegistry()
	if err := loadStaticKeys(registry, cfg.TrustedKeys.Static); err != nil {
		return err
	}
	if cfg.TrustedKeys.Driver == "mysql" {
		store, err := mysql.NewKeyStore(ctx, mysql.Config(cfg.TrustedKeys.MySQL))
		if err != nil {
			return err
		}
		defer store.Close()
		n, err := store.Hydrate(ctx, registry)
		if err != nil {
			return err
		}
		base.Info("已从 MySQL 载入受信任公钥", slog.Int("count", n))
	}

	// 事件发布。
	publisher, recent, err := newPublisher(ctx, cfg.Events)
	if err != nil {
		return err
	}
	dispatcher := events.NewDispatcher(publisher, cfg.Events.Buffer, logs.Named("events"))
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		_ = dispatcher.Run(context.Background())
	}()
	defer func() {
		dispatcher.Close()
		<-dispatchDone
		_ = publisher.Close()
	}()

	m := metrics.New(prometheus.NewRegistry())
	verifier := signing.NewVerifier(cfg.Verification, registry,
		signing.WithLogger(logs.Audit()),
		signing.WithResultObserver(func(result signing.VerificationResult) {
			m.ObserveVerification(result)
			dispatcher.ObserveVerification(result)
		}),
	)

	kv, closeKV, err := newKVStore(ctx, cfg.KV)
	if err != nil {
		return err
	}
	defer closeKV()

	rt, err := plugin.ParseRuntime(cfg.Host.Runtime)
	if err != nil {
		return err
	}
	var hostOpts []plugin.HostOption
	if cfg.Host.Version != "" {
		hostOpts = append(hostOpts, plugin.WithHostVersion(cfg.Host.Version))
	}
	state, err := plugin.NewHostState(rt, hostOpts...)
	if err != nil {
		return err
	}

	driver := plugin.NewDriver(state,
		plugin.WithLoader(plugin.GoPluginLoader{Runtime: rt, TempDir: cfg.Host.TempDir}),
		plugin.WithVerifier(verifier),
		plugin.WithProvisioner(plugin.NewProvisioner(plugin.Backends{
			Logger:     logs.Named("plugin"),
			Audit:      logs.Audit(),
			HTTPClient: &http.Client{Timeout: cfg.Fetch.Timeout},
			KV:         kv,
		})),
		plugin.WithLogger(logs.Named("host")),
		plugin.WithObserver(m),
		plugin.WithObserver(dispatcher),
	)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := driver.Stop(stopCtx); err != nil {
			base.Warn("停止插件时出现错误", slog.String("error", err.Error()))
		}
	}()

	for _, pc := range cfg.Plugins {
		if err := loadConfiguredPlugin(ctx, driver, pc); err != nil {
			// 单个插件失败不影响宿主继续运行。
			base.Error("插件加载失败", slog.String("manifest", pc.Manifest), slog.String("error", err.Error()))
		}
	}

	authSvc, err := auth.NewService(cfg.Server.Auth, logs.Audit())
	if err != nil {
		return err
	}
	opts := []api.Option{
		api.WithAuth(authSvc),
		api.WithMetrics(m),
		api.WithLogger(logs.Named("api")),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	}
	if recent != nil {
		opts = append(opts, api.WithEvents(recent))
	}
	server := api.NewServer(cfg.Server.Address, driver, verifier, opts...)
	return server.Start(ctx)
}

func loadStaticKeys(registry *signing.KeyRegistry, files []config.KeyFile) error {
	for _, kf := range files {
		raw, err := os.ReadFile(kf.Path)
		if err != nil {
			return fmt.Errorf("读取公钥 %s 失败: %w", kf.Path, err)
		}
		pub, err := signing.ParsePublicKeyPEM(raw)
		if err != nil {
			return fmt.Errorf("解析公钥 %s 失败: %w", kf.Path, err)
		}
		keyID := kf.KeyID
		if keyID == "" {
			if keyID, err = signing.GenerateKeyID(pub); err != nil {
				return err
			}
		}
		alg, err := signing.AlgorithmForKey(pub)
		if err != nil {
			return err
		}
		meta := signing.KeyMetadata{Algorithm: alg, Issuer: kf.Issuer, Subject: kf.Subject}
		if err := registry.AddKey(keyID, pub, kf.IsTrusted(), meta); err != nil {
			return err
		}
	}
	return nil
}

func newPublisher(ctx context.Context, cfg config.EventsConfig) (events.Publisher, *events.MemoryPublisher, error) {
	switch cfg.Driver {
	case "memory":
		mem := events.NewMemoryPublisher(cfg.Buffer)
		return mem, mem, nil
	case "redis":
		pub, err := events.NewRedisPublisher(ctx, events.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Channel,
		})
		return pub, nil, err
	case "rabbitmq":
		pub, err := events.NewRabbitMQPublisher(events.RabbitMQConfig(cfg.RabbitMQ))
		return pub, nil, err
	default:
		return events.NopPublisher{}, nil, nil
	}
}

func newKVStore(ctx context.Context, cfg config.KVConfig) (plugin.KVStore, func(), error) {
	if cfg.Driver != "redis" {
		return plugin.NewMemoryKV(), func() {}, nil
	}
	store, err := redis.NewKVStore(ctx, redis.Config(cfg.Redis))
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

func loadConfiguredPlugin(ctx context.Context, driver *plugin.Driver, pc config.PluginConfig) error {
	m, err := plugin.LoadManifest(pc.Manifest)
	if err != nil {
		return err
	}
	req := plugin.LoadRequest{Manifest: m}
	if pc.Artifact != "" {
		if req.Artifact, err = os.ReadFile(pc.Artifact); err != nil {
			return fmt.Errorf("读取插件产物失败: %w", err)
		}
	}
	if pc.Signature != "" {
		sig, err := signing.LoadSignature(pc.Signature)
		if err != nil {
			return err
		}
		req.Signature = &sig
	}
	return driver.Load(ctx, req)
}
