package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// User is an account at the provider.
type User struct {
	Username string `yaml:"username"`
	// PasswordHash is a bcrypt hash.
	PasswordHash string `yaml:"password_hash"`
	Email        string `yaml:"email"`
	FullName     string `yaml:"full_name"`
}

// Consumer is a registered OAuth consumer.
type Consumer struct {
	Key    string `yaml:"key"`
	Secret string `yaml:"secret"`
	// PublicKeyPEM enables RSA-SHA1 for the consumer.
	PublicKeyPEM string `yaml:"public_key_pem"`
}

// Directory is the YAML file of users and consumers.
type Directory struct {
	Users     []User     `yaml:"users"`
	Consumers []Consumer `yaml:"consumers"`
}

// LoadFile reads and checks a directory file.
func LoadFile(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var d Directory
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &d, nil
}

func (d *Directory) validate() error {
	seen := make(map[string]bool)
	for i, u := range d.Users {
		if u.Username == "" {
			return fmt.Errorf("users[%d]: username is required", i)
		}
		if u.PasswordHash == "" {
			return fmt.Errorf("user %s: password_hash is required", u.Username)
		}
		if seen[u.Username] {
			return fmt.Errorf("user %s listed twice", u.Username)
		}
		seen[u.Username] = true
	}
	keys := make(map[string]bool)
	for i, c := range d.Consumers {
		if c.Key == "" {
			return fmt.Errorf("consumers[%d]: key is required", i)
		}
		if c.Secret == "" && c.PublicKeyPEM == "" {
			return fmt.Errorf("consumer %s: secret or public_key_pem is required", c.Key)
		}
		if keys[c.Key] {
			return fmt.Errorf("consumer %s listed twice", c.Key)
		}
		keys[c.Key] = true
	}
	return nil
}

// User finds a user by name.
func (d *Directory) User(name string) (User, bool) {
	for _, u := range d.Users {
		if u.Username == name {
			return u, true
		}
	}
	return User{}, false
}
