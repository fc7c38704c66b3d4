// Package credential supplies the secret placed in the start frame, either
// straight from the environment or as a short-lived key minted by an HTTP
// endpoint and cached until shortly before it expires.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"clio/config"
)

// ErrCredential means no usable secret could be obtained. It is never worth
// retrying the connection over it.
var ErrCredential = errors.New("credential unavailable")

type Params struct {
	LanguageHints []string
}

type Credential struct {
	Secret string
	// Expiry is zero for keys that do not expire.
	Expiry time.Time
	// Endpoint overrides the configured socket URL when set.
	Endpoint string
	// Config carries server-resolved session settings; zero fields keep the
	// configured values.
	Config Resolved
}

type Resolved struct {
	Model         string
	LanguageHints []string
}

type Provider interface {
	Get(ctx context.Context, p Params) (Credential, error)
}

// Static hands out a fixed key.
type Static struct {
	Secret   string
	Endpoint string
}

func (s Static) Get(context.Context, Params) (Credential, error) {
	if s.Secret == "" {
		return Credential{}, fmt.Errorf("%w: no API key set", ErrCredential)
	}
	return Credential{Secret: s.Secret, Endpoint: s.Endpoint}, nil
}

// Invalidate makes p forget a key the server rejected, so the next Get
// fetches a new one. Providers that hold no key are left alone.
func Invalidate(p Provider) bool {
	inv, ok := p.(interface{ Invalidate() })
	if ok {
		inv.Invalidate()
	}
	return ok
}

// New picks the provider for cfg once at startup: a cached temporary key
// when an endpoint is configured, otherwise the key in cfg.APIKeyEnv.
func New(cfg config.ServiceConfig) (Provider, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if cfg.TempKeyURL == "" {
		if key == "" {
			return nil, fmt.Errorf("%w: set %s", ErrCredential, cfg.APIKeyEnv)
		}
		return Static{Secret: key}, nil
	}
	if key == "" {
		return nil, fmt.Errorf("%w: set %s to mint temporary keys", ErrCredential, cfg.APIKeyEnv)
	}
	return NewCache(NewTempKey(cfg.TempKeyURL, key)), nil
}
