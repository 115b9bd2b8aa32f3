// Package iceconf resolves the ICE server list for new peer connections.
package iceconf

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/dkeye/subspace/internal/core"
	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const defaultStunPort = 3478

// Config is the resolved ICE configuration.
type Config struct {
	Servers []webrtc.ICEServer
	// HasRelay is true when at least one TURN URI was issued.
	HasRelay bool
	Policy   webrtc.ICETransportPolicy
}

func (c Config) WebRTC() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers:         c.Servers,
		ICETransportPolicy: c.Policy,
	}
}

// URLs flattens every server URL, for logging and tests.
func (c Config) URLs() []string {
	var out []string
	for _, s := range c.Servers {
		out = append(out, s.URLs...)
	}
	return out
}

type Resolver struct {
	Source    core.CredentialSource
	ServerURL string
	StunPort  int
	Timeout   time.Duration
	// ForceRelay sets ICETransportPolicyRelay when TURN is available.
	ForceRelay bool
}

// Resolve never fails: any credential problem degrades to a STUN-only
// configuration derived from the server host.
func (r *Resolver) Resolve(ctx context.Context) Config {
	logger := log.With().Str("module", "ice").Logger()
	if r.Source == nil {
		return r.fallback()
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	creds, err := r.Source.FetchTURN(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("turn credentials unavailable, using stun fallback")
		return r.fallback()
	}

	valid := make([]string, 0, len(creds.URIs))
	hasRelay := false
	for _, raw := range creds.URIs {
		u, err := stun.ParseURI(raw)
		if err != nil {
			logger.Warn().Err(err).Str("uri", raw).Msg("skipping invalid ice uri")
			continue
		}
		if u.Scheme == stun.SchemeTypeTURN || u.Scheme == stun.SchemeTypeTURNS {
			hasRelay = true
		}
		valid = append(valid, raw)
	}
	if len(valid) == 0 {
		logger.Warn().Int("issued", len(creds.URIs)).Msg("no usable ice uris, using stun fallback")
		return r.fallback()
	}

	cfg := Config{
		Servers: []webrtc.ICEServer{{
			URLs:           valid,
			Username:       creds.Username,
			Credential:     creds.Credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		}},
		HasRelay: hasRelay,
	}
	if r.ForceRelay && hasRelay {
		cfg.Policy = webrtc.ICETransportPolicyRelay
	}
	logger.Info().Strs("uris", valid).Bool("relay", hasRelay).Msg("resolved ice configuration")
	return cfg
}

func (r *Resolver) fallback() Config {
	return Fallback(r.ServerURL, r.StunPort)
}

// Fallback builds a STUN-only configuration pointing at the chat server's
// host. An unparsable server URL yields an empty server list.
func Fallback(serverURL string, port int) Config {
	if port <= 0 {
		port = defaultStunPort
	}
	host := hostOf(serverURL)
	if host == "" {
		return Config{}
	}
	uri := "stun:" + net.JoinHostPort(host, strconv.Itoa(port))
	return Config{Servers: []webrtc.ICEServer{{URLs: []string{uri}}}}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		// "10.0.0.5:8080" is not a valid URL but is a valid host:port.
		if h, _, err := net.SplitHostPort(raw); err == nil {
			return h
		}
		return ""
	}
	if h := u.Hostname(); h != "" {
		return h
	}
	// Bare "host" or "host:port" without a scheme.
	if h, _, err := net.SplitHostPort(raw); err == nil {
		return h
	}
	return u.Path
}
