// Package registry tracks the agents available for dispatch: registrations,
// heartbeats, presence, and capability-based discovery.
package registry

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/pkg/a2a"
)

// AgentStatus tracks an agent's availability.
type AgentStatus string

const (
	StatusOnline  AgentStatus = "online"
	StatusBusy    AgentStatus = "busy"
	StatusError   AgentStatus = "error"
	StatusOffline AgentStatus = "offline"
)

// Registration is one agent's entry in the registry.
type Registration struct {
	AgentID       string         `json:"agentId"`
	AgentKind     string         `json:"agentKind"`
	Address       a2a.Address    `json:"address"`
	Capabilities  []string       `json:"capabilities"`
	Status        AgentStatus    `json:"status"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	RegisteredAt  time.Time      `json:"registeredAt"`
	LastHeartbeat time.Time      `json:"lastHeartbeat"`
}

// clone returns a copy so callers never share registry-owned state.
func (r *Registration) clone() *Registration {
	cp := *r
	cp.Capabilities = append([]string(nil), r.Capabilities...)
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// hasCapability reports whether the registration advertises a capability.
func (r *Registration) hasCapability(cap string) bool {
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Criteria filters registrations in Discover. All set fields must match.
type Criteria struct {
	Kind         string
	Capabilities []string // every listed capability must be present
	Statuses     []AgentStatus
	MinHeartbeat time.Time // LastHeartbeat must be at or after this instant
	Metadata     map[string]any
}

func (c Criteria) matches(r *Registration) bool {
	if c.Kind != "" && r.AgentKind != c.Kind {
		return false
	}
	for _, cap := range c.Capabilities {
		if !r.hasCapability(cap) {
			return false
		}
	}
	if len(c.Statuses) > 0 {
		ok := false
		for _, s := range c.Statuses {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !c.MinHeartbeat.IsZero() && r.LastHeartbeat.Before(c.MinHeartbeat) {
		return false
	}
	for k, v := range c.Metadata {
		if r.Metadata == nil || r.Metadata[k] != v {
			return false
		}
	}
	return true
}

// Config tunes the registry's heartbeat sweep.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
	}
}

// Registry is the in-process agent directory.
type Registry struct {
	cfg    Config
	logger *logger.Logger

	mu     sync.RWMutex
	agents map[string]*Registration

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	now  func() time.Time
	rand *rand.Rand
}

// New creates a registry.
func New(cfg Config, log *logger.Logger) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultConfig().HeartbeatTimeout
	}
	return &Registry{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "registry")),
		agents: make(map[string]*Registration),
		now:    time.Now,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register adds an agent. Registering an existing agent id is a conflict.
func (r *Registry) Register(agentID, kind string, capabilities []string, metadata map[string]any) (*Registration, error) {
	if agentID == "" {
		return nil, errs.E(errs.KindValidation, "registry.register", "agent id is required")
	}
	if kind == "" {
		return nil, errs.E(errs.KindValidation, "registry.register", "agent kind is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; exists {
		return nil, errs.E(errs.KindConflict, "registry.register", "agent %s is already registered", agentID)
	}

	now := r.now()
	reg := &Registration{
		AgentID:       agentID,
		AgentKind:     kind,
		Address:       a2a.Address{AgentID: agentID, AgentKind: kind},
		Capabilities:  append([]string(nil), capabilities...),
		Status:        StatusOnline,
		Metadata:      metadata,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	r.agents[agentID] = reg

	r.logger.Info("Agent registered",
		zap.String("agent_id", agentID),
		zap.String("agent_kind", kind),
		zap.Strings("capabilities", capabilities))
	return reg.clone(), nil
}

// Unregister removes an agent.
func (r *Registry) Unregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; !exists {
		return errs.E(errs.KindNotFound, "registry.unregister", "agent %s is not registered", agentID)
	}
	delete(r.agents, agentID)
	r.logger.Info("Agent unregistered", zap.String("agent_id", agentID))
	return nil
}

// Heartbeat records liveness for an agent and restores it to online if the
// sweep had marked it offline.
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, exists := r.agents[agentID]
	if !exists {
		return errs.E(errs.KindNotFound, "registry.heartbeat", "agent %s is not registered", agentID)
	}
	reg.LastHeartbeat = r.now()
	if reg.Status == StatusOffline {
		reg.Status = StatusOnline
	}
	return nil
}

// SetStatus updates an agent's advertised status.
func (r *Registry) SetStatus(agentID string, status AgentStatus) error {
	switch status {
	case StatusOnline, StatusBusy, StatusError, StatusOffline:
	default:
		return errs.E(errs.KindValidation, "registry.setStatus", "unknown status %q", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg, exists := r.agents[agentID]
	if !exists {
		return errs.E(errs.KindNotFound, "registry.setStatus", "agent %s is not registered", agentID)
	}
	reg.Status = status
	return nil
}

// Get returns one registration.
func (r *Registry) Get(agentID string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, exists := r.agents[agentID]
	if !exists {
		return nil, errs.E(errs.KindNotFound, "registry.get", "agent %s is not registered", agentID)
	}
	return reg.clone(), nil
}

// List returns every registration.
func (r *Registry) List() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Registration, 0, len(r.agents))
	for _, reg := range r.agents {
		out = append(out, reg.clone())
	}
	return out
}

// Discover returns the registrations matching every set criterion.
func (r *Registry) Discover(criteria Criteria) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Registration
	for _, reg := range r.agents {
		if criteria.matches(reg) {
			out = append(out, reg.clone())
		}
	}
	return out
}

// SelectOne picks one matching agent, preferring online entries and choosing
// uniformly within the preferred pool.
func (r *Registry) SelectOne(criteria Criteria) (*Registration, error) {
	candidates := r.Discover(criteria)
	if len(candidates) == 0 {
		return nil, errs.E(errs.KindNotFound, "registry.selectOne", "no agent matches the criteria")
	}

	var online []*Registration
	for _, reg := range candidates {
		if reg.Status == StatusOnline {
			online = append(online, reg)
		}
	}
	pool := online
	if len(pool) == 0 {
		pool = candidates
	}

	r.mu.Lock()
	idx := r.rand.Intn(len(pool))
	r.mu.Unlock()
	return pool[idx], nil
}

// Present reports live presence: online and heartbeating within the timeout.
func (r *Registry) Present(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, exists := r.agents[agentID]
	if !exists {
		return false
	}
	return reg.Status == StatusOnline && r.now().Sub(reg.LastHeartbeat) < r.cfg.HeartbeatTimeout
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Start launches the background heartbeat sweep.
func (r *Registry) Start() error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.running {
		return errs.E(errs.KindPrecondition, "registry.start", "registry sweep is already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})

	r.wg.Add(1)
	go r.sweepLoop()

	r.logger.Info("Registry sweep started",
		zap.Duration("interval", r.cfg.HeartbeatInterval),
		zap.Duration("timeout", r.cfg.HeartbeatTimeout))
	return nil
}

// Stop halts the heartbeat sweep.
func (r *Registry) Stop() {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.runMu.Unlock()

	r.wg.Wait()
	r.logger.Info("Registry sweep stopped")
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep marks agents whose heartbeat lapsed as offline. Exposed for tests
// and the doctor command.
func (r *Registry) Sweep() int {
	now := r.now()
	marked := 0

	r.mu.Lock()
	for _, reg := range r.agents {
		if reg.Status == StatusOffline {
			continue
		}
		if now.Sub(reg.LastHeartbeat) > r.cfg.HeartbeatTimeout {
			reg.Status = StatusOffline
			marked++
			r.logger.Warn("Agent heartbeat lapsed",
				zap.String("agent_id", reg.AgentID),
				zap.Time("last_heartbeat", reg.LastHeartbeat))
		}
	}
	r.mu.Unlock()

	return marked
}
