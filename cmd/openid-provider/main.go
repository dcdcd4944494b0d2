package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/providentiaww/openauth/cmd/openid-provider/server"
	"github.com/providentiaww/openauth/internal/audit"
	"github.com/providentiaww/openauth/internal/config"
	"github.com/providentiaww/openauth/internal/logger"
	"github.com/providentiaww/openauth/internal/store"
	"github.com/providentiaww/openauth/pkg/messaging/bindings"
	"github.com/providentiaww/openauth/pkg/openid"
	"github.com/providentiaww/openauth/pkg/openid/extensions/ax"
	"github.com/providentiaww/openauth/pkg/openid/provider"
)

const ServiceVersion = "v1.0.0"

func init() {
	logger.SetService("openid-provider")
	config.LoadEnv(context.Background(), "../../.env")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings, err := config.LoadSettings()
	if err != nil {
		logger.Fatal(err)
	}
	dir, err := config.LoadFile(settings.DirectoryPath)
	if err != nil {
		logger.Fatal(err)
	}
	endpoint, err := settings.Endpoint("/openid/provider")
	if err != nil {
		logger.Fatal(err)
	}
	base, err := settings.Endpoint("/")
	if err != nil {
		logger.Fatal(err)
	}

	var (
		associations openid.AssociationStore
		nonces       bindings.NonceStore
	)
	if settings.RedisURL != "" {
		client, err := store.OpenRedis(ctx, settings.RedisURL)
		if err != nil {
			logger.Fatal(err)
		}
		defer client.Close()
		associations = store.NewRedisAssociationStore(client, settings.MinimumUsefulLife)
		nonces = store.NewRedisNonceStore(client, settings.MaxMessageAge)
		logger.Info("associations and nonces are kept in Redis")
	} else {
		logger.Info("REDIS_URL not set, associations and nonces are kept in memory")
	}

	recorder := audit.Recorder(audit.LogReporter{})
	if settings.AMQPURL != "" {
		amqpReporter, err := audit.DialAMQP(settings.AMQPURL, settings.AMQPExchange, "openid-provider")
		if err != nil {
			logger.Fatal(err)
		}
		defer amqpReporter.Close()
		recorder = audit.Multi{audit.LogReporter{}, amqpReporter}
	}

	registry := openid.NewExtensionRegistry()
	ax.Register(registry)
	op, err := provider.New(provider.Options{
		Endpoint:     endpoint,
		Associations: associations,
		Nonces:       nonces,
		Extensions:   registry,
		Signing: openid.SigningSettings{
			PrivateAssociationLifetime: settings.PrivateAssociationLifetime,
			MinimumUsefulLife:          settings.MinimumUsefulLife,
		},
		MaxMessageAge:        settings.MaxMessageAge,
		AssociationLifetime:  settings.AssociationLifetime,
		MaxIndirectURLLength: settings.MaxIndirectURLLength,
		Client:               &http.Client{Timeout: settings.DirectRequestTimeout},
		Reporter:             recorder,
	})
	if err != nil {
		logger.Fatal(err)
	}

	mux := http.NewServeMux()
	server.New(op, dir, base, recorder).Routes(mux)

	srv := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("openid-provider %s listening on %s", ServiceVersion, settings.ListenAddr)
	logger.Info("   - Endpoint:  %s", endpoint)
	logger.Info("   - Identity:  %suser/{name}", base)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal(err)
	}
}
