// Package turnserver embeds a pion TURN server that accepts the
// time-windowed credentials issued by the relay's credential endpoint.
package turnserver

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/dkeye/subspace/internal/domain"
	"github.com/dkeye/subspace/internal/logging"
	"github.com/pion/turn/v4"
	"github.com/rs/zerolog/log"
)

var ErrNoSecret = errors.New("turn shared secret empty")

type Config struct {
	// ListenHost defaults to all interfaces.
	ListenHost   string
	Port         int
	Realm        string
	PublicIP     string
	SharedSecret string
}

type Server struct {
	srv  *turn.Server
	conn net.PacketConn
	cfg  Config
}

func Start(cfg Config) (*Server, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrNoSecret
	}
	relayIP := net.ParseIP(cfg.PublicIP)
	if relayIP == nil {
		return nil, fmt.Errorf("turn public ip %q invalid", cfg.PublicIP)
	}
	host := cfg.ListenHost
	if host == "" {
		host = "0.0.0.0"
	}

	conn, err := net.ListenPacket("udp4", net.JoinHostPort(host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("turn listen: %w", err)
	}
	factory := logging.PionFactory{}
	srv, err := turn.NewServer(turn.ServerConfig{
		Realm:         cfg.Realm,
		AuthHandler:   turn.NewLongTermAuthHandler(cfg.SharedSecret, factory.NewLogger("turn-auth")),
		LoggerFactory: factory,
		PacketConnConfigs: []turn.PacketConnConfig{{
			PacketConn: conn,
			RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
				RelayAddress: relayIP,
				Address:      host,
			},
		}},
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("turn server: %w", err)
	}

	log.Info().Str("module", "turn").Str("addr", conn.LocalAddr().String()).Str("realm", cfg.Realm).Msg("TURN server listening")
	return &Server{srv: srv, conn: conn, cfg: cfg}, nil
}

// Port is the bound UDP port, useful when Config.Port was 0.
func (s *Server) Port() int { return s.conn.LocalAddr().(*net.UDPAddr).Port }

// URI is the turn: URI clients should use.
func (s *Server) URI() string {
	return fmt.Sprintf("turn:%s?transport=udp", net.JoinHostPort(s.cfg.PublicIP, strconv.Itoa(s.Port())))
}

func (s *Server) Allocations() int { return s.srv.AllocationCount() }

func (s *Server) Close() error {
	err := s.srv.Close()
	log.Info().Str("module", "turn").Msg("TURN server stopped")
	return err
}

// IssueCredentials mints credentials valid for ttl against a server
// configured with secret.
func IssueCredentials(secret string, ttl time.Duration, uris []string) (domain.TURNCredentials, error) {
	if secret == "" {
		return domain.TURNCredentials{}, ErrNoSecret
	}
	user, pass, err := turn.GenerateLongTermCredentials(secret, ttl)
	if err != nil {
		return domain.TURNCredentials{}, fmt.Errorf("generate turn credentials: %w", err)
	}
	return domain.TURNCredentials{URIs: uris, Username: user, Credential: pass, TTL: ttl}, nil
}
