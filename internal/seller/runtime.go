package seller

import (
	"context"
	"os"
	"strings"
	"time"

	"claw/internal/acp"
	"claw/internal/config"
	"claw/internal/observability"
	apperrors "claw/internal/shared/errors"
	"claw/internal/shared/logging"
)

const defaultDrainTimeout = 10 * time.Second

// MarketplaceAPI is everything the runtime needs from the ACP HTTP API:
// the three lifecycle calls plus identity resolution. *acp.Client
// satisfies it.
type MarketplaceAPI interface {
	SellerAPI
	MyAgentInfo(ctx context.Context) (acp.AgentInfo, error)
}

// eventChannel is the slice of *acp.Socket the runtime manages.
type eventChannel interface {
	Disconnect()
	Connected() bool
	Reconnects() uint64
}

// RuntimeOptions configure a Runtime.
type RuntimeOptions struct {
	Config   config.Config
	Registry *Registry
	Logger   logging.Logger
	Metrics  *observability.Metrics

	// API overrides the marketplace client (tests). Defaults to an
	// acp.Client against Config.APIURL.
	API MarketplaceAPI

	// DrainTimeout bounds how long shutdown waits for in-flight job tasks
	// (default 10s). Jobs still running after that are abandoned; the
	// marketplace will redeliver their events on the next start.
	DrainTimeout time.Duration

	// DisableDedup restores acting on every redelivered event.
	DisableDedup bool

	// connect overrides socket construction (tests).
	connect func(acp.SocketOptions) (eventChannel, error)
}

// Runtime wires the event channel, dispatcher, and registry together and
// owns startup validation and orderly shutdown.
type Runtime struct {
	cfg        config.Config
	registry   *Registry
	logger     logging.Logger
	metrics    *observability.Metrics
	api        MarketplaceAPI
	dispatcher *Dispatcher

	agent   acp.AgentInfo
	channel eventChannel
	status  *StatusServer

	drainTimeout time.Duration
	connect      func(acp.SocketOptions) (eventChannel, error)
	pidManaged   bool
}

// NewRuntime validates options and returns an unstarted Runtime.
func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	if opts.Registry == nil {
		return nil, apperrors.NewStartupError("an offering registry is required", nil)
	}

	logger := logging.OrNop(opts.Logger)

	api := opts.API
	if api == nil {
		cfg := opts.Config
		api = acp.NewClient(cfg.APIURL, func() string {
			// Consult the env on every call so key rotation and container
			// startup order don't matter.
			if v := strings.TrimSpace(os.Getenv(config.EnvAPIKey)); v != "" {
				return v
			}
			return cfg.APIKey
		}, acp.WithClientLogger(logger))
	}

	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = defaultDrainTimeout
	}

	connect := opts.connect
	if connect == nil {
		connect = func(o acp.SocketOptions) (eventChannel, error) {
			return acp.Connect(o)
		}
	}

	r := &Runtime{
		cfg:          opts.Config,
		registry:     opts.Registry,
		logger:       logger,
		metrics:      opts.Metrics,
		api:          api,
		drainTimeout: drain,
		connect:      connect,
	}

	dispatcher, err := NewDispatcher(DispatcherOptions{
		API:          api,
		Offerings:    opts.Registry,
		Logger:       logger,
		Metrics:      opts.Metrics,
		DisableDedup: opts.DisableDedup,
	})
	if err != nil {
		return nil, apperrors.NewStartupError("dispatcher", err)
	}
	r.dispatcher = dispatcher

	return r, nil
}

// Start validates preconditions, resolves identity, and connects the event
// channel. It returns once the channel's receive loop is running; connection
// maintenance continues in the background.
func (r *Runtime) Start(ctx context.Context) error {
	if r.cfg.InContainer {
		r.logger.Info("container mode, skipping PID management")
	} else if r.cfg.Root != "" {
		if err := config.CheckExistingProcess(r.cfg.Root); err != nil {
			return apperrors.NewStartupError("another seller instance is running", err)
		}
		if err := config.WritePID(r.cfg.Root, os.Getpid()); err != nil {
			r.logger.Warn("could not record PID: %v", err)
		} else {
			r.pidManaged = true
		}
	}

	// The credential gate comes before any connection attempt.
	if strings.TrimSpace(r.cfg.APIKey) == "" && strings.TrimSpace(os.Getenv(config.EnvAPIKey)) == "" {
		return apperrors.NewStartupError(
			config.EnvAPIKey+" is not set (run `claw-seller setup` locally, or set it in the service variables)", nil)
	}

	info, err := r.api.MyAgentInfo(ctx)
	if err != nil {
		// AGENT_NAME names the offering directory for diagnostics, but a
		// wallet address only comes from the identity lookup; without one
		// no socket connection is attempted.
		if r.cfg.AgentName != "" {
			r.logger.Warn("could not fetch agent info, AGENT_NAME=%q would be the offering directory", r.cfg.AgentName)
		}
		return apperrors.NewStartupError("cannot resolve agent identity", err)
	}
	r.agent = info

	agentDir := config.SanitizeAgentName(info.Name)
	r.registry.SetAgentDir(agentDir)
	r.logger.Info("agent: %s (dir: %s)", info.Name, agentDir)

	offerings := r.registry.List()
	if len(offerings) == 0 {
		r.logger.Warn("no offerings registered; every job will be rejected")
	} else {
		r.logger.Info("available offerings: %s", strings.Join(offerings, ", "))
	}

	connects := uint64(0)
	channel, err := r.connect(acp.SocketOptions{
		URL:           r.cfg.SocketURL,
		WalletAddress: info.WalletAddress,
		Logger:        r.logger,
		Callbacks: acp.Callbacks{
			OnNewTask:  r.dispatcher.HandleNewTask,
			OnEvaluate: r.dispatcher.HandleEvaluate,
		},
		OnStateChange: func(connected bool) {
			r.metrics.SocketState(connected)
			if connected {
				connects++
				if connects > 1 {
					r.metrics.SocketReconnected()
				}
			}
		},
	})
	if err != nil {
		return apperrors.NewStartupError("event channel", err)
	}
	r.channel = channel

	if r.cfg.StatusAddr != "" {
		r.status = NewStatusServer(r.cfg.StatusAddr, r, r.metrics, r.logger)
		r.status.Start()
	}

	r.logger.Info("seller runtime is running, waiting for jobs")
	return nil
}

// Run starts the runtime and blocks until ctx is cancelled, then shuts down.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		r.cleanupPID()
		return err
	}
	<-ctx.Done()
	r.Shutdown()
	return nil
}

// Shutdown disconnects the event channel, waits briefly for in-flight job
// tasks, and releases local state.
func (r *Runtime) Shutdown() {
	if r.status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		r.status.Shutdown(ctx)
		cancel()
	}
	if r.channel != nil {
		r.channel.Disconnect()
	}
	if r.dispatcher != nil {
		if !r.dispatcher.Drain(r.drainTimeout) {
			r.logger.Warn("shutdown: some job tasks still in flight after %v, abandoning them", r.drainTimeout)
		}
	}
	r.cleanupPID()
	r.logger.Info("seller runtime stopped")
}

func (r *Runtime) cleanupPID() {
	if !r.pidManaged {
		return
	}
	if err := config.RemovePID(r.cfg.Root); err != nil {
		r.logger.Warn("could not remove PID record: %v", err)
	}
	r.pidManaged = false
}

// Agent returns the resolved identity (zero before Start succeeds).
func (r *Runtime) Agent() acp.AgentInfo {
	return r.agent
}

// Connected reports the event channel state.
func (r *Runtime) Connected() bool {
	return r.channel != nil && r.channel.Connected()
}

// Reconnects returns the channel's reconnect count.
func (r *Runtime) Reconnects() uint64 {
	if r.channel == nil {
		return 0
	}
	return r.channel.Reconnects()
}

// Offerings lists the registered offering names.
func (r *Runtime) Offerings() []string {
	return r.registry.List()
}
