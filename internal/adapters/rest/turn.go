// Package rest talks to the chat server's HTTP API.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/subspace/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrUnauthorized = errors.New("unauthorized")

// Client is a minimal authenticated client for the credential endpoint.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(httpBase(baseURL), "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

type turnResponse struct {
	URIs       []string `json:"uris"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTL        int64    `json:"ttl,omitempty"`
}

// FetchTURN implements core.CredentialSource against GET /api/turn.
func (c *Client) FetchTURN(ctx context.Context) (domain.TURNCredentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/turn", nil)
	if err != nil {
		return domain.TURNCredentials{}, fmt.Errorf("build turn request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return domain.TURNCredentials{}, fmt.Errorf("turn request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return domain.TURNCredentials{}, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.TURNCredentials{}, fmt.Errorf("turn request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr turnResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return domain.TURNCredentials{}, fmt.Errorf("decode turn response: %w", err)
	}
	log.Debug().Str("module", "rest").Int("uris", len(tr.URIs)).Msg("fetched turn credentials")
	return domain.TURNCredentials{
		URIs:       tr.URIs,
		Username:   tr.Username,
		Credential: tr.Credential,
		TTL:        time.Duration(tr.TTL) * time.Second,
	}, nil
}

// httpBase maps ws(s) URLs onto http(s) so one server URL serves both.
func httpBase(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return u.String()
}

// WebSocketURL maps an http(s) base URL onto the ws(s) URL of path.
func WebSocketURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}
