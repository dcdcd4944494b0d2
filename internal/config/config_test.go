package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

func unsetenv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	unsetenv(t, "PUBLIC_URL", "OPENAUTH_MAX_MESSAGE_AGE", "OAUTH_DATABASE_DRIVER", "OPENID_ASSOCIATION_LIFETIME", "OPENID_MINIMUM_USEFUL_LIFE")
	s, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.MaxMessageAge != 5*time.Minute || s.AssociationLifetime != 14*24*time.Hour || s.DatabaseDriver != "sqlite" {
		t.Fatalf("defaults = %+v", s)
	}
	u, err := s.Endpoint("/openid/provider")
	if err != nil || u.String() != "http://localhost:8080/openid/provider" || u.Path != "/openid/provider" {
		t.Fatalf("Endpoint = %v (path %q), %v", u, u.Path, err)
	}
}

func TestEndpointPath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		base, path, want string
	}{
		{"http://localhost:8080", "/openid/provider", "/openid/provider"},
		{"http://localhost:8080", "oauth/authorize", "/oauth/authorize"},
		{"http://localhost:8080/", "/oauth/authorize", "/oauth/authorize"},
		{"https://auth.example/sso", "/openid/provider", "/sso/openid/provider"},
		{"https://auth.example", "/", "/"},
	}
	for _, tt := range tests {
		u, err := Settings{PublicURL: tt.base}.Endpoint(tt.path)
		if err != nil {
			t.Fatalf("Endpoint(%q, %q): %v", tt.base, tt.path, err)
		}
		if u.Path != tt.want {
			t.Fatalf("Endpoint(%q, %q).Path = %q, want %q", tt.base, tt.path, u.Path, tt.want)
		}
	}
}

func TestLoadSettingsRejectsBadValues(t *testing.T) {
	unsetenv(t, "PUBLIC_URL", "OPENAUTH_MAX_MESSAGE_AGE", "OPENID_ASSOCIATION_LIFETIME", "OPENID_MINIMUM_USEFUL_LIFE")
	t.Setenv("OAUTH_DATABASE_DRIVER", "oracle")
	if _, err := LoadSettings(); err == nil || !strings.Contains(err.Error(), "OAUTH_DATABASE_DRIVER") {
		t.Fatalf("driver = %v", err)
	}
	t.Setenv("OAUTH_DATABASE_DRIVER", "postgres")
	t.Setenv("OPENAUTH_MAX_MESSAGE_AGE", "soon")
	if _, err := LoadSettings(); err == nil {
		t.Fatalf("unparseable duration accepted")
	}
	t.Setenv("OPENAUTH_MAX_MESSAGE_AGE", "1m")
	t.Setenv("PUBLIC_URL", "/relative")
	if _, err := LoadSettings(); err == nil {
		t.Fatalf("relative PUBLIC_URL accepted")
	}
}

type fakeSecrets struct {
	out *secretsmanager.GetSecretValueOutput
	err error
	in  *secretsmanager.GetSecretValueInput
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.in = in
	return f.out, f.err
}

func TestLoadSecret(t *testing.T) {
	t.Setenv("OPENAUTH_TEST_KEPT", "mine")
	unsetenv(t, "OPENAUTH_TEST_SET", "OPENAUTH_TEST_PORT", "AWS_SECRETS_MANAGER_VERSION_STAGE", "AWS_SECRETS_MANAGER_OVERWRITE")
	fake := &fakeSecrets{out: &secretsmanager.GetSecretValueOutput{
		SecretString: aws.String(`{"OPENAUTH_TEST_KEPT":"theirs","OPENAUTH_TEST_SET":"yes","OPENAUTH_TEST_PORT":5432}`),
	}}

	n, err := loadSecret(context.Background(), fake, "openauth/prod")
	if err != nil {
		t.Fatalf("loadSecret: %v", err)
	}
	if n != 2 || os.Getenv("OPENAUTH_TEST_KEPT") != "mine" || os.Getenv("OPENAUTH_TEST_SET") != "yes" || os.Getenv("OPENAUTH_TEST_PORT") != "5432" {
		t.Fatalf("applied %d: kept=%q set=%q port=%q", n, os.Getenv("OPENAUTH_TEST_KEPT"), os.Getenv("OPENAUTH_TEST_SET"), os.Getenv("OPENAUTH_TEST_PORT"))
	}
	if aws.ToString(fake.in.VersionStage) != "AWSCURRENT" || aws.ToString(fake.in.SecretId) != "openauth/prod" {
		t.Fatalf("input = %+v", fake.in)
	}

	t.Setenv("AWS_SECRETS_MANAGER_OVERWRITE", "TRUE")
	if _, err := loadSecret(context.Background(), fake, "openauth/prod"); err != nil || os.Getenv("OPENAUTH_TEST_KEPT") != "theirs" {
		t.Fatalf("overwrite: %v, kept=%q", err, os.Getenv("OPENAUTH_TEST_KEPT"))
	}

	if _, err := loadSecret(context.Background(), &fakeSecrets{out: &secretsmanager.GetSecretValueOutput{SecretString: aws.String("not json")}}, "x"); err == nil {
		t.Fatalf("non-JSON secret accepted")
	}
	if _, err := loadSecret(context.Background(), &fakeSecrets{out: &secretsmanager.GetSecretValueOutput{}}, "x"); err == nil {
		t.Fatalf("empty secret accepted")
	}
	denied := errors.New("access denied")
	if _, err := loadSecret(context.Background(), &fakeSecrets{err: denied}, "x"); !errors.Is(err, denied) {
		t.Fatalf("fetch error = %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "directory.yaml")
	data := `users:
  - username: andrew
    password_hash: "$2a$10$abcdefghijklmnopqrstuv"
    email: andrew@example.com
    full_name: Andrew Arnott
consumers:
  - key: ck
    secret: cks
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	d, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if u, ok := d.User("andrew"); !ok || u.Email != "andrew@example.com" {
		t.Fatalf("User = %+v, %v", u, ok)
	}
	if len(d.Consumers) != 1 || d.Consumers[0].Secret != "cks" {
		t.Fatalf("consumers = %+v", d.Consumers)
	}

	bad := map[string]string{
		"dup.yaml":    "users:\n  - {username: a, password_hash: x}\n  - {username: a, password_hash: y}\n",
		"nohash.yaml": "users:\n  - {username: a}\n",
		"nokey.yaml":  "consumers:\n  - {secret: s}\n",
		"nocred.yaml": "consumers:\n  - {key: k}\n",
		"syntax.yaml": "users: [",
	}
	for name, body := range bad {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadFile(p); err == nil {
			t.Fatalf("%s accepted", name)
		}
	}
	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}
}
