// Package seller implements the seller runtime: the job-phase dispatcher,
// the offering registry, and the supervisor that wires them to the ACP
// event stream.
package seller

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"claw/internal/acp"
	apperrors "claw/internal/shared/errors"
	"claw/internal/shared/logging"
)

// OfferingConfig is the static per-offering metadata read from the agent's
// offering directory.
type OfferingConfig struct {
	Name          string  `json:"name,omitempty"`
	Description   string  `json:"description,omitempty"`
	Price         float64 `json:"price,omitempty"`
	RequiredFunds bool    `json:"requiredFunds"`
	SLAMinutes    int     `json:"slaMinutes,omitempty"`
}

// FundsRequest describes additional on-chain funds an offering needs before
// it can execute.
type FundsRequest struct {
	Content      string
	Amount       float64
	TokenAddress string
	Recipient    string
}

// PayableDetail converts the funds request into the wire form attached to a
// payment request.
func (f *FundsRequest) PayableDetail() *acp.PayableDetail {
	if f == nil {
		return nil
	}
	return &acp.PayableDetail{
		Amount:       f.Amount,
		TokenAddress: f.TokenAddress,
		Recipient:    f.Recipient,
	}
}

// ExecuteJobResult is what an offering produces for delivery.
type ExecuteJobResult struct {
	Deliverable   any
	PayableDetail *acp.PayableDetail
}

// ValidationResult is the normalized outcome of a requirement validation.
// Handlers that only know pass/fail use Valid/Invalid; handlers with a
// specific complaint use InvalidReason.
type ValidationResult struct {
	valid  bool
	reason string
}

// Valid reports a requirement as acceptable.
func Valid() ValidationResult {
	return ValidationResult{valid: true}
}

// Invalid reports a requirement as unacceptable with no specific reason.
func Invalid() ValidationResult {
	return ValidationResult{}
}

// InvalidReason reports a requirement as unacceptable for the given reason.
func InvalidReason(reason string) ValidationResult {
	return ValidationResult{reason: reason}
}

// OK reports whether the requirement passed validation.
func (v ValidationResult) OK() bool {
	return v.valid
}

// Reason returns the handler's complaint, or fallback when none was given.
func (v ValidationResult) Reason(fallback string) string {
	if v.reason != "" {
		return v.reason
	}
	return fallback
}

// Handlers is the plugin contract an offering author supplies. ExecuteJob is
// required; every other hook is optional and nil means "not implemented".
type Handlers struct {
	// ValidateRequirements decides whether the buyer's requirement payload
	// is acceptable before the job is accepted.
	ValidateRequirements func(ctx context.Context, req acp.Requirement) (ValidationResult, error)

	// RequestAdditionalFunds describes extra funds the offering needs. Only
	// consulted when the offering config declares requiredFunds.
	RequestAdditionalFunds func(ctx context.Context, req acp.Requirement) (*FundsRequest, error)

	// RequestPayment produces the payment-request text shown to the buyer.
	RequestPayment func(ctx context.Context, req acp.Requirement) (string, error)

	// ExecuteJob performs the offering's actual work.
	ExecuteJob func(ctx context.Context, req acp.Requirement) (ExecuteJobResult, error)
}

// Offering is a resolved (config, handlers) pair. Immutable once loaded.
type Offering struct {
	Name     string
	Config   OfferingConfig
	Handlers Handlers
}

// Registry resolves offering names against the handlers registered for this
// agent and the per-offering config directory. Loaded offerings are cached
// for the process lifetime; reconfiguration requires a restart.
type Registry struct {
	root     string // offerings root, e.g. ~/.claw/offerings
	agentDir string // sanitized agent name
	logger   logging.Logger

	mu        sync.RWMutex
	factories map[string]Handlers
	cache     map[string]*Offering

	group singleflight.Group
}

// NewRegistry returns an empty registry for the agent's offering directory.
func NewRegistry(root, agentDir string, logger logging.Logger) *Registry {
	return &Registry{
		root:      root,
		agentDir:  agentDir,
		logger:    logging.OrNop(logger),
		factories: make(map[string]Handlers),
		cache:     make(map[string]*Offering),
	}
}

// SetAgentDir names the agent directory once identity is resolved. It must
// be called before the first Load; loaded offerings are never re-read.
func (r *Registry) SetAgentDir(agentDir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agentDir = agentDir
}

// Register installs the handler set for a named offering. It must be called
// before the runtime starts; registering a name twice or omitting ExecuteJob
// is a programming error.
func (r *Registry) Register(name string, handlers Handlers) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("offering name is required")
	}
	if handlers.ExecuteJob == nil {
		return fmt.Errorf("offering %q: ExecuteJob handler is required", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("offering already registered: %s", name)
	}
	r.factories[name] = handlers
	return nil
}

// List returns the registered offering names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load resolves name to its (config, handlers) pair, caching the result.
// Concurrent first loads of the same offering are collapsed; the load has no
// side effects so a redundant load is harmless either way.
func (r *Registry) Load(name string) (*Offering, error) {
	r.mu.RLock()
	if offering, ok := r.cache[name]; ok {
		r.mu.RUnlock()
		return offering, nil
	}
	r.mu.RUnlock()

	result, err, _ := r.group.Do(name, func() (any, error) {
		return r.load(name)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Offering), nil
}

func (r *Registry) load(name string) (*Offering, error) {
	r.mu.RLock()
	if offering, ok := r.cache[name]; ok {
		r.mu.RUnlock()
		return offering, nil
	}
	handlers, registered := r.factories[name]
	r.mu.RUnlock()

	if !registered {
		return nil, apperrors.NewResolutionError(name, fmt.Errorf("offering is not installed for this agent"))
	}

	config, err := r.readConfig(name)
	if err != nil {
		return nil, err
	}

	offering := &Offering{Name: name, Config: config, Handlers: handlers}

	r.mu.Lock()
	r.cache[name] = offering
	r.mu.Unlock()

	r.logger.Debug("loaded offering %q (requiredFunds=%v)", name, config.RequiredFunds)
	return offering, nil
}

// readConfig reads <root>/<agentDir>/<name>/offering.json. A missing file is
// fine (zero config); a malformed one is a resolution failure.
func (r *Registry) readConfig(name string) (OfferingConfig, error) {
	r.mu.RLock()
	root, agentDir := r.root, r.agentDir
	r.mu.RUnlock()

	var config OfferingConfig
	if root == "" || agentDir == "" {
		return config, nil
	}

	path := filepath.Join(root, agentDir, name, "offering.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return config, apperrors.NewResolutionError(name, fmt.Errorf("read %s: %w", path, err))
	}
	if err := json.Unmarshal(raw, &config); err != nil {
		return config, apperrors.NewResolutionError(name, fmt.Errorf("parse %s: %w", path, err))
	}
	return config, nil
}
