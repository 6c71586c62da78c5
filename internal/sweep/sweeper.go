// Package sweep reclaims sandboxes whose heartbeat lease has expired.
// The engine recreates a sandbox lazily on the next stream, so stopping
// an idle one only costs a cold start.
package sweep

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/agentstart/agentstart"
)

// Sweeper periodically scans threads for sandboxes with a dead lease
// and stops them.
type Sweeper struct {
	mem         agentstart.MemoryAdapter
	leases      *agentstart.LeaseManager
	provisioner agentstart.Provisioner
	interval    time.Duration
	logger      *slog.Logger

	stopped map[string]bool
}

// New creates a Sweeper. interval defaults to 60s.
func New(mem agentstart.MemoryAdapter, leases *agentstart.LeaseManager, provisioner agentstart.Provisioner, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		mem:         mem,
		leases:      leases,
		provisioner: provisioner,
		interval:    interval,
		logger:      logger,
		stopped:     make(map[string]bool),
	}
}

// Run starts the sweep loop. Blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sandbox sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sandbox sweeper stopped")
			return
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				s.logger.Warn("sweep failed", "error", err)
			}
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) error {
	rows, err := s.mem.FindMany(ctx, agentstart.ModelThread, nil, nil, 0, 0)
	if err != nil {
		return err
	}

	for _, row := range rows {
		id := sandboxID(row)
		if id == "" || s.stopped[id] {
			continue
		}
		alive, err := s.leases.Alive(ctx, id)
		if err != nil {
			return err
		}
		if alive {
			// Still in use; a later tick picks it up once the lease lapses.
			delete(s.stopped, id)
			continue
		}
		s.reclaim(ctx, id)
	}
	return nil
}

func (s *Sweeper) reclaim(ctx context.Context, id string) {
	sb, err := s.provisioner.Connect(ctx, id)
	if err != nil {
		// Never created or already gone. Remember it so we do not retry
		// every tick.
		s.stopped[id] = true
		return
	}
	if err := sb.Stop(ctx); err != nil {
		s.logger.Warn("sandbox stop failed", "sandbox", id, "error", err)
		return
	}
	s.stopped[id] = true
	s.logger.Info("stopped idle sandbox", "sandbox", id)
}

func sandboxID(row map[string]any) string {
	raw, ok := row["lastContext"]
	if !ok || raw == nil {
		return ""
	}
	var data []byte
	switch v := raw.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return ""
	}
	var lc struct {
		SandboxID string `json:"sandboxId"`
	}
	if err := json.Unmarshal(data, &lc); err != nil {
		return ""
	}
	return lc.SandboxID
}
