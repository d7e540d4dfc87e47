package smtp

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/smtp-sink-lite/internal/policy"
)

// drainTimeout is the maximum time to wait for in-flight sessions during
// graceful shutdown.
const drainTimeout = 30 * time.Second

// ServerConfig holds the configuration for one policy listener.
type ServerConfig struct {
	// Entry is the policy this listener enforces; its port is the bind port.
	Entry policy.Entry

	// Hostname is the server hostname used in greetings and EHLO responses.
	Hostname string

	// Publisher receives accepted messages for fan-out.
	Publisher Publisher

	// Login and Password are the fixed test credentials. Either matching is
	// enough to authenticate.
	Login    string
	Password string

	// MaxMessageSize caps the DATA body in bytes; zero means the default.
	MaxMessageSize int64

	// TLSConfig is required when the entry's TLS style is starttls or
	// implicit_tls, and ignored otherwise.
	TLSConfig *tls.Config
}

// Server is one mail-receiving listener bound to one policy entry. It is
// created and started at process init and runs until shutdown.
type Server struct {
	config ServerConfig
	auth   *Authenticator

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// NewServer creates a listener for the given policy entry.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.Entry.Auth, cfg.Login, cfg.Password),
	}
}

// Serve runs the accept loop on an existing listener. Tests use it to bind
// ephemeral ports.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	entry := s.config.Entry
	if entry.TLS == policy.TLSImplicit {
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}

	slog.Info("SMTP listener started",
		"policy", entry.Descriptor(),
		"addr", ln.Addr().String(),
	)

	// Close the listener on shutdown to unblock Accept.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.waitForSessions()
				return nil
			default:
				slog.Error("accept error", "policy", entry.Descriptor(), "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			var starttlsConfig *tls.Config
			if entry.TLS == policy.TLSStartTLS {
				starttlsConfig = s.config.TLSConfig
			}
			session := NewSession(
				conn,
				entry,
				s.auth,
				s.config.Publisher,
				s.config.Hostname,
				starttlsConfig,
				entry.TLS == policy.TLSImplicit,
			)
			session.maxSize = s.config.MaxMessageSize
			session.Handle(ctx)
		}()
	}
}

// waitForSessions waits for in-flight sessions to complete, bounded by
// drainTimeout.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		slog.Warn("drain timeout reached, abandoning sessions",
			"policy", s.config.Entry.Descriptor(),
		)
	}
}
