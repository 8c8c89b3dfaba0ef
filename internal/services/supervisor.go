package services

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"custody/agent/internal/clients"
	"custody/agent/internal/config"
	"custody/agent/internal/stores"
)

type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// errMonitoredSetChanged ends a session so the next one rebuilds the token
// transfer subscription from the current address set.
var errMonitoredSetChanged = errors.New("monitored address set changed")

// ConnectionSupervisor owns every connection-scoped resource: the streaming
// client, the listener's subscriptions, the registry-refresh timer, and the
// confirmation-monitor timer. A connection error cancels them all through
// one context, the client is closed, and after a fixed backoff the full
// startup sequence runs again: refresh addresses, dial, re-arm timers,
// re-subscribe. At most one connection and one set of timers is ever live.
type ConnectionSupervisor struct {
	cfg      *config.Config
	registry *AddressRegistry
	deposits stores.DepositStore
	recorder *DepositRecorder
	chain    Confirmer
	settler  Settler
	alerts   clients.AlertChannel
	log      *zap.Logger

	state atomic.Value // ConnState
}

func NewConnectionSupervisor(cfg *config.Config, registry *AddressRegistry, deposits stores.DepositStore, recorder *DepositRecorder, chain Confirmer, settler Settler, alerts clients.AlertChannel, log *zap.Logger) *ConnectionSupervisor {
	s := &ConnectionSupervisor{
		cfg:      cfg,
		registry: registry,
		deposits: deposits,
		recorder: recorder,
		chain:    chain,
		settler:  settler,
		alerts:   alerts,
		log:      log,
	}
	s.state.Store(StateDisconnected)
	return s
}

func (s *ConnectionSupervisor) State() ConnState {
	return s.state.Load().(ConnState)
}

// Run keeps a live connection until ctx is cancelled. Startup failures,
// including missing configuration, are alerted and retried on the same
// backoff; they never kill the process.
func (s *ConnectionSupervisor) Run(ctx context.Context) error {
	for {
		s.state.Store(StateConnecting)
		err := s.runSession(ctx)
		if ctx.Err() != nil {
			s.state.Store(StateDisconnected)
			return ctx.Err()
		}

		s.state.Store(StateDisconnected)
		if errors.Is(err, errMonitoredSetChanged) {
			// not a failure: reconnect immediately with fresh subscriptions
			s.log.Info("monitored address set changed, re-establishing subscriptions")
			continue
		}

		s.log.Error("chain session ended", zap.Error(err))
		s.alerts.Notify("chain connection lost", err, map[string]string{
			"backoff": s.cfg.ReconnectBackoff.String(),
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ReconnectBackoff):
		}
	}
}

// runSession performs one full startup sequence and blocks until the
// session dies. All session resources hang off sessCtx; the deferred
// cancel is the single teardown path.
func (s *ConnectionSupervisor) runSession(ctx context.Context) error {
	if s.cfg.ChainWSURL == "" {
		return errors.New("CHAIN_WS_URL is not configured")
	}

	// load addresses before the listener starts so the first block scan
	// has a non-empty set
	if err := s.registry.Refresh(ctx); err != nil {
		return err
	}

	client, err := ethclient.DialContext(ctx, s.cfg.ChainWSURL)
	if err != nil {
		return err
	}
	defer client.Close()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	listener := NewChainListener(client, s.registry, s.recorder, s.cfg.Tokens, s.cfg.NativeAsset, s.cfg.NativeDecimals, s.log)
	monitor := NewConfirmationMonitor(s.deposits, s.chain, s.settler, s.alerts, s.cfg.ConfirmationDepth, s.cfg.MonitorInterval, s.cfg.ConfirmationTimeout, s.log)

	errs := make(chan error, 3)

	go func() {
		errs <- listener.Run(sessCtx)
	}()
	go func() {
		errs <- monitor.Run(sessCtx)
	}()
	go func() {
		errs <- s.refreshLoop(sessCtx)
	}()

	s.state.Store(StateConnected)
	s.log.Info("chain connection established", zap.String("endpoint", s.cfg.ChainWSURL))

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refreshLoop keeps the registry current. The listener's token log filter
// is built from the snapshot at subscribe time, so a refresh that changes
// the monitored set ends the session; the supervisor reconnects and the new
// subscription covers the new addresses.
func (s *ConnectionSupervisor) refreshLoop(ctx context.Context) error {
	gen := s.registry.Generation()
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.registry.Refresh(ctx); err != nil {
				// transient store errors retry on the next tick
				s.log.Warn("address refresh failed", zap.Error(err))
				continue
			}
			if s.registry.Generation() != gen {
				return errMonitoredSetChanged
			}
		}
	}
}
