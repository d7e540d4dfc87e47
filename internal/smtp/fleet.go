package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/shineum/smtp-sink-lite/internal/policy"
)

// FleetConfig holds the shared configuration for all policy listeners.
type FleetConfig struct {
	// Entries is the policy matrix to serve, one listener per entry.
	Entries []policy.Entry

	// Hostname, Publisher, Login and Password are shared by every listener.
	Hostname  string
	Publisher Publisher
	Login     string
	Password  string

	// MaxMessageSize caps the DATA body on every listener; zero means the
	// default.
	MaxMessageSize int64

	// TLSConfig may be nil, in which case every TLS-requiring entry is
	// skipped rather than failing startup. The skipped entries are simply
	// absent from the discovery table.
	TLSConfig *tls.Config
}

// Fleet supervises one Server per policy entry and publishes the resulting
// discovery table. Listeners run from StartFleet until the context given to
// it is cancelled; none is ever restarted mid-life.
type Fleet struct {
	servers   []*Server
	discovery map[string]int
	wg        sync.WaitGroup
}

// StartFleet binds and starts one listener per entry. Ports are bound
// synchronously so a conflict surfaces as an error here, not later in a
// goroutine. Entries needing TLS are skipped when cfg.TLSConfig is nil.
func StartFleet(ctx context.Context, cfg FleetConfig) (*Fleet, error) {
	f := &Fleet{
		discovery: make(map[string]int),
	}

	seen := make(map[int]string)
	skippedTLS := false

	for _, entry := range cfg.Entries {
		desc := entry.Descriptor()

		if entry.TLS.NeedsCert() && cfg.TLSConfig == nil {
			skippedTLS = true
			continue
		}
		if entry.Port != 0 {
			if prev, ok := seen[entry.Port]; ok {
				return nil, fmt.Errorf("port %d assigned to both %s and %s", entry.Port, prev, desc)
			}
			seen[entry.Port] = desc
		}

		srv := NewServer(ServerConfig{
			Entry:          entry,
			Hostname:       cfg.Hostname,
			Publisher:      cfg.Publisher,
			Login:          cfg.Login,
			Password:       cfg.Password,
			MaxMessageSize: cfg.MaxMessageSize,
			TLSConfig:      cfg.TLSConfig,
		})

		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", entry.Port))
		if err != nil {
			return nil, fmt.Errorf("bind %s: %w", desc, err)
		}

		// Entries with port 0 get an ephemeral port; record what was bound.
		port := ln.Addr().(*net.TCPAddr).Port
		f.discovery[desc] = port
		f.servers = append(f.servers, srv)

		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			if err := srv.Serve(ctx, ln); err != nil {
				slog.Error("listener stopped with error", "policy", desc, "error", err)
			}
		}()
	}

	if skippedTLS {
		slog.Warn("no TLS certificate material, TLS listeners not started")
	}

	slog.Info("listener fleet started", "listeners", len(f.servers))
	return f, nil
}

// Discovery returns a copy of the descriptor-to-port table for the listeners
// that actually started.
func (f *Fleet) Discovery() map[string]int {
	out := make(map[string]int, len(f.discovery))
	for desc, port := range f.discovery {
		out[desc] = port
	}
	return out
}

// Wait blocks until every listener has stopped, which happens after the
// StartFleet context is cancelled and sessions drain.
func (f *Fleet) Wait() {
	f.wg.Wait()
}
