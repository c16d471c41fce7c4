package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/halden/quarterdeck/internal/config"
	"github.com/halden/quarterdeck/internal/observability"
)

// statusCacheTTL bounds repeated liveness probes under bursty polling
const statusCacheTTL = 5 * time.Second

type managed struct {
	adapter *adapter // nil for URL-backed providers
	remote  bool
	url     string

	caps        []Capability
	status      Status
	lastProbe   time.Time
	probeStatus Status
}

// Supervisor manages tool-server providers by name: processes spawned
// from configuration or remote URL endpoints, shared across sessions.
// Conflicting operations on the same provider are serialized per key.
type Supervisor struct {
	mu      sync.Mutex
	configs map[string]config.ProviderConfig
	live    map[string]*managed
	keyMu   map[string]*sync.Mutex

	httpClient *http.Client
}

// NewSupervisor creates a provider supervisor from the configured
// provider map
func NewSupervisor(configs map[string]config.ProviderConfig) *Supervisor {
	s := &Supervisor{
		configs:    make(map[string]config.ProviderConfig),
		live:       make(map[string]*managed),
		keyMu:      make(map[string]*sync.Mutex),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	for name, cfg := range configs {
		s.configs[name] = cfg
	}
	return s
}

// UpdateConfigs swaps the provider definitions wholesale, used by the
// config hot-reload path. Running providers keep running; a removed
// definition only takes effect on the next stop.
func (s *Supervisor) UpdateConfigs(configs map[string]config.ProviderConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.configs = make(map[string]config.ProviderConfig, len(configs))
	for name, cfg := range configs {
		s.configs[name] = cfg
	}
	log.Info().Int("providers", len(configs)).Msg("Provider definitions reloaded")
}

// AddConfig registers one provider definition at runtime
func (s *Supervisor) AddConfig(name string, cfg config.ProviderConfig) error {
	if err := config.ValidateProvider(name, cfg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[name] = cfg
	return nil
}

// RemoveConfig stops and deregisters one provider
func (s *Supervisor) RemoveConfig(ctx context.Context, name string) {
	s.Stop(ctx, name)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, name)
}

func (s *Supervisor) keyLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.keyMu[name]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.keyMu[name] = lock
	return lock
}

// Start brings the named provider up. Process providers are spawned
// and handshaken; URL providers are probed and registered as remote.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	lock := s.keyLock(name)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	cfg, ok := s.configs[name]
	if _, running := s.live[name]; running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown provider: %s", name)
	}

	if cfg.URL != "" {
		if err := s.probeURL(ctx, cfg.URL); err != nil {
			return fmt.Errorf("provider %s unreachable: %w", name, err)
		}
		s.register(name, &managed{remote: true, url: cfg.URL, status: StatusRunning})
		log.Info().Str("provider", name).Str("url", cfg.URL).Msg("Remote provider registered")
		return nil
	}

	a := newAdapter(name, cfg.Command, cfg.Args, cfg.Env)
	a.onExit = func() { s.reap(name, a) }
	if err := a.start(ctx); err != nil {
		return err
	}

	s.register(name, &managed{adapter: a, status: StatusRunning})
	// The process may have died between the handshake and registration.
	if !a.alive() {
		s.reap(name, a)
		return fmt.Errorf("provider %s exited during startup", name)
	}
	log.Info().Str("provider", name).Int("pid", a.pid()).Msg("Provider started")
	return nil
}

// reap deregisters a provider whose process exited on its own. A stale
// adapter (already replaced by a restart) is left alone.
func (s *Supervisor) reap(name string, a *adapter) {
	s.mu.Lock()
	m, ok := s.live[name]
	if !ok || m.adapter != a {
		s.mu.Unlock()
		return
	}
	delete(s.live, name)
	count := len(s.live)
	s.mu.Unlock()

	observability.SetRunningProviders(count)
	log.Warn().Str("provider", name).Msg("Provider process exited unexpectedly")
}

func (s *Supervisor) register(name string, m *managed) {
	s.mu.Lock()
	s.live[name] = m
	count := len(s.live)
	s.mu.Unlock()
	observability.SetRunningProviders(count)
}

// Stop takes the named provider down and awaits process exit;
// stopping an absent provider is a no-op
func (s *Supervisor) Stop(ctx context.Context, name string) {
	lock := s.keyLock(name)
	lock.Lock()
	defer lock.Unlock()

	s.stopLocked(name)
}

func (s *Supervisor) stopLocked(name string) {
	s.mu.Lock()
	m, ok := s.live[name]
	if ok {
		delete(s.live, name)
	}
	count := len(s.live)
	s.mu.Unlock()
	if !ok {
		return
	}
	observability.SetRunningProviders(count)

	if m.adapter != nil {
		m.adapter.stop()
	}
	log.Info().Str("provider", name).Msg("Provider stopped")
}

// Restart stops then starts the named provider
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	lock := s.keyLock(name)
	lock.Lock()
	s.stopLocked(name)
	lock.Unlock()

	return s.Start(ctx, name)
}

// StartAll starts every configured, enabled provider; per-provider
// failures are logged and skipped
func (s *Supervisor) StartAll(ctx context.Context) {
	for _, name := range s.configuredNames() {
		s.mu.Lock()
		cfg := s.configs[name]
		s.mu.Unlock()
		if !cfg.Enabled {
			continue
		}
		if err := s.Start(ctx, name); err != nil {
			log.Error().Err(err).Str("provider", name).Msg("Failed to start provider")
		}
	}
}

// StopAll stops every live provider, awaiting each exit
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.live))
	for name := range s.live {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.Stop(ctx, name)
	}
}

func (s *Supervisor) configuredNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListAll merges configured-but-stopped providers with live ones.
// Live status derives from a process probe cached briefly per
// provider, so bursty polling does not hammer the registry.
func (s *Supervisor) ListAll(ctx context.Context) []Info {
	infos := make([]Info, 0)
	for _, name := range s.configuredNames() {
		s.mu.Lock()
		cfg := s.configs[name]
		m, running := s.live[name]
		s.mu.Unlock()

		info := Info{Name: name, Status: StatusStopped, URL: cfg.URL}
		if running {
			info.Status = s.cachedStatus(name, m)
			info.Capabilities = m.caps
			if m.adapter != nil {
				info.PID = m.adapter.pid()
			}
		}
		infos = append(infos, info)
	}

	// Live providers whose definition was removed still show up until
	// they are stopped.
	s.mu.Lock()
	for name, m := range s.live {
		if _, configured := s.configs[name]; configured {
			continue
		}
		infos = append(infos, Info{
			Name:         name,
			Status:       m.status,
			Capabilities: m.caps,
		})
	}
	s.mu.Unlock()

	return infos
}

func (s *Supervisor) cachedStatus(name string, m *managed) Status {
	s.mu.Lock()
	if time.Since(m.lastProbe) < statusCacheTTL && m.probeStatus != "" {
		status := m.probeStatus
		s.mu.Unlock()
		return status
	}
	s.mu.Unlock()

	status := StatusRunning
	if m.adapter != nil && !m.adapter.alive() {
		status = StatusError
	}

	s.mu.Lock()
	m.lastProbe = time.Now()
	m.probeStatus = status
	s.mu.Unlock()
	return status
}

// Capabilities returns the named provider's tool list, starting the
// provider on first request. A successful refresh replaces the cached
// set wholesale.
func (s *Supervisor) Capabilities(ctx context.Context, name string) ([]Capability, error) {
	s.mu.Lock()
	m, running := s.live[name]
	s.mu.Unlock()

	if !running {
		if err := s.Start(ctx, name); err != nil {
			return nil, err
		}
		s.mu.Lock()
		m = s.live[name]
		s.mu.Unlock()
		if m == nil {
			return nil, fmt.Errorf("provider %s is not running", name)
		}
	}

	if m.remote {
		return nil, fmt.Errorf("provider %s is remote; capability discovery requires a process provider", name)
	}

	caps, err := m.adapter.listTools(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	m.caps = caps
	s.mu.Unlock()
	return caps, nil
}

// Invoke calls one tool on a running provider
func (s *Supervisor) Invoke(ctx context.Context, name, tool string, args map[string]interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	m, running := s.live[name]
	s.mu.Unlock()
	if !running {
		return nil, fmt.Errorf("provider %s is not running", name)
	}
	if m.remote {
		return nil, fmt.Errorf("provider %s is remote; tool invocation requires a process provider", name)
	}

	return m.adapter.callTool(ctx, tool, args)
}

// TestConnection probes the named provider: an HTTP round trip for URL
// providers, a start-verify-stop cycle for process providers not
// already running. It never leaves a test-only process behind.
func (s *Supervisor) TestConnection(ctx context.Context, name string) ProbeResult {
	s.mu.Lock()
	cfg, configured := s.configs[name]
	_, wasRunning := s.live[name]
	s.mu.Unlock()

	result := ProbeResult{Name: name}
	if !configured {
		result.Error = "unknown provider"
		observability.RecordProviderProbe("unknown")
		return result
	}

	start := time.Now()
	var err error
	switch {
	case cfg.URL != "":
		err = s.probeURL(ctx, cfg.URL)
	case wasRunning:
		_, err = s.Capabilities(ctx, name)
	default:
		if err = s.Start(ctx, name); err == nil {
			_, err = s.Capabilities(ctx, name)
			s.Stop(ctx, name)
		}
	}
	result.Latency = time.Since(start)

	if err != nil {
		result.Error = err.Error()
		observability.RecordProviderProbe("failure")
		return result
	}
	result.OK = true
	observability.RecordProviderProbe("success")
	return result
}

func (s *Supervisor) probeURL(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}
