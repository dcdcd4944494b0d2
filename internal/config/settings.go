package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Settings are the environment-driven knobs shared by both binaries.
type Settings struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	// PublicURL is the externally visible base URL endpoints are built from.
	PublicURL string `env:"PUBLIC_URL" envDefault:"http://localhost:8080"`
	// DirectoryPath is the YAML file of users and consumers.
	DirectoryPath string `env:"OPENAUTH_DIRECTORY" envDefault:"directory.yaml"`

	MaxMessageAge              time.Duration `env:"OPENAUTH_MAX_MESSAGE_AGE" envDefault:"5m"`
	DirectRequestTimeout       time.Duration `env:"OPENAUTH_DIRECT_REQUEST_TIMEOUT" envDefault:"10s"`
	MaxIndirectURLLength       int           `env:"OPENAUTH_MAX_INDIRECT_URL_LENGTH" envDefault:"2048"`
	AssociationLifetime        time.Duration `env:"OPENID_ASSOCIATION_LIFETIME" envDefault:"336h"`
	PrivateAssociationLifetime time.Duration `env:"OPENID_PRIVATE_ASSOCIATION_LIFETIME" envDefault:"10m"`
	MinimumUsefulLife          time.Duration `env:"OPENID_MINIMUM_USEFUL_LIFE" envDefault:"5m"`

	RedisURL       string `env:"REDIS_URL"`
	DatabaseURL    string `env:"OAUTH_DATABASE_URL"`
	DatabaseDriver string `env:"OAUTH_DATABASE_DRIVER" envDefault:"sqlite"`
	AMQPURL        string `env:"AMQP_URL"`
	AMQPExchange   string `env:"AMQP_EXCHANGE" envDefault:"openauth.audit"`
}

// LoadSettings parses Settings from the environment and checks them.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return s, fmt.Errorf("parse env: %w", err)
	}
	return s, s.Validate()
}

func (s Settings) Validate() error {
	u, err := url.Parse(s.PublicURL)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("PUBLIC_URL must be an absolute URL, got %q", s.PublicURL)
	}
	if s.MaxMessageAge <= 0 {
		return fmt.Errorf("OPENAUTH_MAX_MESSAGE_AGE must be positive")
	}
	if s.MinimumUsefulLife >= s.AssociationLifetime {
		return fmt.Errorf("OPENID_MINIMUM_USEFUL_LIFE must be shorter than OPENID_ASSOCIATION_LIFETIME")
	}
	switch s.DatabaseDriver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("OAUTH_DATABASE_DRIVER must be sqlite, postgres or mysql, got %q", s.DatabaseDriver)
	}
	return nil
}

// Endpoint appends path to PublicURL. The result always has an absolute
// path, so its Path can be used as a ServeMux pattern.
func (s Settings) Endpoint(path string) (*url.URL, error) {
	base, err := url.Parse(s.PublicURL)
	if err != nil {
		return nil, err
	}
	u := base.JoinPath(path)
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
		if u.RawPath != "" {
			u.RawPath = "/" + u.RawPath
		}
	}
	return u, nil
}
