package main

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/providentiaww/openauth/cmd/oauth-provider/auth"
	"github.com/providentiaww/openauth/cmd/oauth-provider/handlers"
	oauthserver "github.com/providentiaww/openauth/cmd/oauth-provider/oauth"
	"github.com/providentiaww/openauth/internal/audit"
	users "github.com/providentiaww/openauth/internal/auth"
	"github.com/providentiaww/openauth/internal/config"
	"github.com/providentiaww/openauth/internal/logger"
	"github.com/providentiaww/openauth/internal/store"
	"github.com/providentiaww/openauth/pkg/messaging/bindings"
	"github.com/providentiaww/openauth/pkg/oauth"
)

const (
	ServiceVersion = "v1.0.0"

	requestTokenMaxAge = 24 * time.Hour
	purgeInterval      = time.Hour
)

func init() {
	logger.SetService("oauth-provider")
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
	desc, err := describe(settings)
	if err != nil {
		logger.Fatal(err)
	}

	dsn := settings.DatabaseURL
	if dsn == "" && settings.DatabaseDriver == "sqlite" {
		dsn = "file:oauth.db?_pragma=busy_timeout(5000)"
	}
	db, err := store.OpenSQL(ctx, settings.DatabaseDriver, dsn)
	if err != nil {
		logger.Fatal(err)
	}
	defer db.Close()
	tokens, err := store.NewSQLTokenManager(ctx, db, settings.DatabaseDriver)
	if err != nil {
		logger.Fatal(err)
	}
	if err := seedConsumers(ctx, tokens, dir); err != nil {
		logger.Fatal(err)
	}
	go oauthserver.PurgeLoop(ctx, tokens.PurgeRequestTokens, purgeInterval, requestTokenMaxAge)

	var nonces bindings.NonceStore
	if settings.RedisURL != "" {
		client, err := store.OpenRedis(ctx, settings.RedisURL)
		if err != nil {
			logger.Fatal(err)
		}
		defer client.Close()
		nonces = store.NewRedisNonceStore(client, settings.MaxMessageAge)
	}

	recorder := audit.Recorder(audit.LogReporter{})
	if settings.AMQPURL != "" {
		amqpReporter, err := audit.DialAMQP(settings.AMQPURL, settings.AMQPExchange, "oauth-provider")
		if err != nil {
			logger.Fatal(err)
		}
		defer amqpReporter.Close()
		recorder = audit.Multi{audit.LogReporter{}, amqpReporter}
	}

	sp, err := oauth.NewServiceProvider(oauth.ServiceProviderOptions{
		Description:   desc,
		Tokens:        tokens,
		Nonces:        nonces,
		MaxMessageAge: settings.MaxMessageAge,
		Reporter:      recorder,
	})
	if err != nil {
		logger.Fatal(err)
	}

	formKey := make([]byte, 32)
	if _, err := rand.Read(formKey); err != nil {
		logger.Fatal(err)
	}

	mux := http.NewServeMux()
	oauthserver.NewServer(sp, users.NewUsers(dir, "OAuth service provider"), recorder, formKey).Routes(mux)
	mux.Handle("/api/whoami", auth.RequireSignature(sp).Handler(handlers.NewWhoAmIHandler(dir)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

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

	logger.Info("oauth-provider %s listening on %s", ServiceVersion, settings.ListenAddr)
	logger.Info("   - Request token:  %s", desc.RequestTokenEndpoint)
	logger.Info("   - Authorize:      %s", desc.UserAuthorizationEndpoint)
	logger.Info("   - Access token:   %s", desc.AccessTokenEndpoint)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal(err)
	}
}

func describe(settings config.Settings) (oauth.ServiceProviderDescription, error) {
	var desc oauth.ServiceProviderDescription
	var err error
	if desc.RequestTokenEndpoint, err = settings.Endpoint("/oauth/request_token"); err != nil {
		return desc, err
	}
	if desc.UserAuthorizationEndpoint, err = settings.Endpoint("/oauth/authorize"); err != nil {
		return desc, err
	}
	if desc.AccessTokenEndpoint, err = settings.Endpoint("/oauth/access_token"); err != nil {
		return desc, err
	}
	return desc, desc.Validate()
}

// seedConsumers registers the directory's consumers, checking public keys
// before they are stored.
func seedConsumers(ctx context.Context, tokens *store.SQLTokenManager, dir *config.Directory) error {
	for _, c := range dir.Consumers {
		if c.PublicKeyPEM != "" {
			pub, err := oauth.ParsePublicKey(c.PublicKeyPEM)
			if err != nil {
				return logger.LogError("consumer %s: %w", c.Key, err)
			}
			kid, err := oauth.KeyID(pub)
			if err != nil {
				return err
			}
			logger.Info("consumer %s signs with RSA key %s", c.Key, kid)
		}
		if err := tokens.AddConsumer(ctx, c.Key, c.Secret, c.PublicKeyPEM); err != nil {
			return logger.LogError("registering consumer %s: %w", c.Key, err)
		}
	}
	logger.Info("registered %d consumers", len(dir.Consumers))
	return nil
}
