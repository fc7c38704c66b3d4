package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"clio/netmon"
)

const (
	usageType       = "transcribe_websocket"
	defaultKeyTTL   = time.Hour
	tempKeyTimeout  = 10 * time.Second
	maxResponseBody = 64 << 10
)

// TempKey mints short-lived keys from the recognizer's key endpoint using a
// long-lived account key.
type TempKey struct {
	URL    string
	TTL    time.Duration
	apiKey string
	client *http.Client
}

func NewTempKey(url, apiKey string) *TempKey {
	return &TempKey{
		URL:    url,
		TTL:    defaultKeyTTL,
		apiKey: apiKey,
		client: &http.Client{
			Timeout: tempKeyTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        2,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
}

type tempKeyRequest struct {
	UsageType        string `json:"usage_type"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

type tempKeyResponse struct {
	APIKey    string `json:"api_key"`
	ExpiresAt string `json:"expires_at"`
	Endpoint  string `json:"websocket_url,omitempty"`
	Model     string `json:"model,omitempty"`
}

func (t *TempKey) Get(ctx context.Context, _ Params) (Credential, error) {
	body, err := json.Marshal(tempKeyRequest{UsageType: usageType, ExpiresInSeconds: int(t.TTL.Seconds())})
	if err != nil {
		return Credential{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrCredential, err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrCredential, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Credential{}, fmt.Errorf("%w: reading response: %v", ErrCredential, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Credential{}, fmt.Errorf("%w: %w: status %d", ErrCredential, netmon.ErrAuth, resp.StatusCode)
	case resp.StatusCode/100 != 2:
		return Credential{}, fmt.Errorf("%w: status %d: %s", ErrCredential, resp.StatusCode, bytes.TrimSpace(data))
	}

	var out tempKeyResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Credential{}, fmt.Errorf("%w: decoding response: %v", ErrCredential, err)
	}
	if out.APIKey == "" {
		return Credential{}, fmt.Errorf("%w: empty key in response", ErrCredential)
	}

	expiry := started.Add(t.TTL)
	if out.ExpiresAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, out.ExpiresAt); err == nil {
			expiry = ts
		}
	}
	return Credential{
		Secret:   out.APIKey,
		Expiry:   expiry,
		Endpoint: out.Endpoint,
		Config:   Resolved{Model: out.Model},
	}, nil
}
