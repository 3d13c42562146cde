package connectivity

import (
	"context"
	"time"

	"github.com/suPer8Hu/rental-chat/internal/logger"
	"go.uber.org/zap"
)

// Pinger is the platform reachability signal, e.g. a health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Prober struct {
	pinger   Pinger
	monitor  *Monitor
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger
}

func NewProber(p Pinger, m *Monitor, interval, timeout time.Duration, log *zap.Logger) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &Prober{
		pinger:   p,
		monitor:  m,
		interval: interval,
		timeout:  timeout,
		log:      logger.OrNop(log).Named("prober"),
	}
}

// Probe runs a single check and feeds the result to the monitor.
func (p *Prober) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(pctx)
	if err != nil && ctx.Err() != nil {
		// shutting down, not a reachability result
		return p.monitor.Online()
	}
	if err != nil {
		p.log.Debug("ping failed", zap.Error(err))
	}
	p.monitor.SetOnline(err == nil)
	return err == nil
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Probe(ctx)
		}
	}
}
