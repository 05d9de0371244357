// Package provider defines the GPU cloud provider capability set, a
// name-keyed registry of provider instances plus the active-provider
// selection, and a PodMonitor that polls one pod at a fixed cadence until it
// reaches a terminal or ready state. Grounded on base_provider.py's
// BaseGPUProvider/NormalizedPod/ProviderInfo shape and pod_monitor.py's
// PodMonitor, re-expressed as a narrow Go interface plus concrete structs
// instead of an abstract base class.
package provider

import (
	"context"
	"encoding/gob"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nimbusnb/nimbus/cache"
	"github.com/nimbusnb/nimbus/internal/config"
)

// availabilityTTL bounds how long a get_gpu_availability listing is served
// from cache before a fresh provider call is made.
const availabilityTTL = 30 * time.Second

func init() {
	// Both are stored inside cache.TTLStorage's ttlEntry.Value (an `any`),
	// so gob needs their concrete types registered to decode them back.
	gob.Register([]GPUOffer{})
	gob.Register(StatusUpdate{})
}

// Pod is the normalized view of a provider-managed GPU host instance, the
// fields every provider implementation must be able to populate regardless
// of its native API shape.
type Pod struct {
	ID            string
	Name          string
	Status        string
	GPUName       string
	GPUCount      int
	PriceHr       float64
	SSHConnection string // e.g. "ssh root@1.2.3.4 -p 22022"; empty if unavailable
	IP            string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// GPUOffer is one entry of get_gpu_availability's result: a GPU type a
// provider can currently provision, with pricing.
type GPUOffer struct {
	GPUType  string
	GPUName  string
	GPUCount int
	PriceHr  float64
	CloudID  string
	Region   string
}

// PodSpec requests a new pod; fields a provider doesn't use are ignored.
type PodSpec struct {
	Name     string
	GPUType  string
	GPUCount int
	DiskGB   int
	Image    string
	MaxPrice float64
}

// PodPage is one page of get_pods's result.
type PodPage struct {
	Pods   []Pod
	Total  int
	Offset int
	Limit  int
}

// Info is the capability-set metadata every provider reports about itself.
type Info struct {
	Name          string
	DisplayName   string
	APIKeyEnvName string
	SupportsSSH   bool
	DashboardURL  string
	IsConfigured  bool
}

// GPUProvider is the narrow capability set the core depends on; the core
// never imports a provider's REST/GraphQL client directly.
type GPUProvider interface {
	Info() Info
	GetGPUAvailability(ctx context.Context, gpuType string) ([]GPUOffer, error)
	CreatePod(ctx context.Context, spec PodSpec) (Pod, error)
	GetPod(ctx context.Context, podID string) (Pod, error)
	GetPods(ctx context.Context, status string, limit, offset int) (PodPage, error)
	DeletePod(ctx context.Context, podID string) error
	StopPod(ctx context.Context, podID string) error
	ResumePod(ctx context.Context, podID string) error
}

// Constructor builds a provider bound to the given API key (may be empty,
// in which case Info().IsConfigured is false).
type Constructor func(apiKey string) GPUProvider

// Registry is the process-global name -> constructor table plus the
// currently active provider's name, persisted through a config.Store so
// restarts remember the last selection.
type Registry struct {
	mu           sync.Mutex
	constructors map[string]Constructor
	instances    map[string]GPUProvider
	cfg          *config.Store
	availability *cache.TTLStorage
}

// NewRegistry returns an empty registry backed by cfg for API keys and
// active-provider persistence.
func NewRegistry(cfg *config.Store) *Registry {
	return &Registry{
		constructors: map[string]Constructor{},
		instances:    map[string]GPUProvider{},
		cfg:          cfg,
		availability: cache.NewTTL(cache.MustNewInTmp(), availabilityTTL),
	}
}

// GetGPUAvailability returns the named provider's current GPU offer listing,
// served from a short-lived cache so a notebook reconnect or a tight polling
// client doesn't refire the provider's listing call on every request.
func (r *Registry) GetGPUAvailability(ctx context.Context, name, gpuType string) ([]GPUOffer, error) {
	key := name + ":" + gpuType
	if v, ok := r.availability.Get(key); ok {
		if offers, ok := v.([]GPUOffer); ok {
			return offers, nil
		}
	}
	p, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	offers, err := p.GetGPUAvailability(ctx, gpuType)
	if err != nil {
		return nil, err
	}
	if err := r.availability.Set(key, offers); err != nil {
		klog.V(2).Infof("provider: failed to cache availability for %s: %v", key, err)
	}
	return offers, nil
}

// Register adds a provider constructor under name. Called once per provider
// package at startup (runpod.Register(reg), lambdalabs.Register(reg), ...).
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = ctor
}

// Get returns the (possibly cached) provider instance for name, constructing
// it with the configured API key on first use.
func (r *Registry) Get(name string) (GPUProvider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.instances[name]; ok {
		return p, nil
	}
	ctor, ok := r.constructors[name]
	if !ok {
		return nil, errors.Errorf("unknown provider %q", name)
	}
	data, err := r.cfg.Load()
	if err != nil {
		return nil, err
	}
	p := ctor(data.APIKeys[name])
	r.instances[name] = p
	return p, nil
}

// List returns Info for every registered provider, with IsConfigured set from
// the stored API keys. The active provider is not marked.
func (r *Registry) List() ([]Info, error) {
	r.mu.Lock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	r.mu.Unlock()

	data, err := r.cfg.Load()
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(names))
	for _, name := range names {
		p, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		info := p.Info()
		info.IsConfigured = data.APIKeys[name] != ""
		info.Name = name
		infos = append(infos, info)
	}
	return infos, nil
}

// Active returns the currently active provider, or an error if none has
// been selected yet.
func (r *Registry) Active() (GPUProvider, error) {
	data, err := r.cfg.Load()
	if err != nil {
		return nil, err
	}
	if data.ActiveProvider == "" {
		return nil, errors.New("no active provider configured")
	}
	return r.Get(data.ActiveProvider)
}

// SetActive persists name as the active provider, invalidating any cached
// instance for it so a freshly set API key takes effect.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	if _, ok := r.constructors[name]; !ok {
		r.mu.Unlock()
		return errors.Errorf("unknown provider %q", name)
	}
	delete(r.instances, name)
	r.mu.Unlock()
	return r.cfg.SetActiveProvider(name)
}

// SetAPIKey persists an API key for name and invalidates any cached
// instance so the next Get picks it up.
func (r *Registry) SetAPIKey(name, key string) error {
	r.mu.Lock()
	delete(r.instances, name)
	r.mu.Unlock()
	return r.cfg.SetAPIKey(name, key)
}

// NormalizeStatus maps a provider's raw status string onto the small,
// provider-agnostic vocabulary the monitor and clients reason about.
func NormalizeStatus(raw string) string {
	switch strings.ToLower(raw) {
	case "running", "active", "ready":
		return "ACTIVE"
	case "starting", "loading", "booting":
		return "STARTING"
	case "pending":
		return "PENDING"
	case "stopped":
		return "STOPPED"
	case "stopping":
		return "STOPPING"
	case "terminating":
		return "TERMINATING"
	case "exited", "terminated":
		return "TERMINATED"
	case "error":
		return "ERROR"
	default:
		return strings.ToUpper(raw)
	}
}

// PollInterval is the monitor's fixed polling cadence.
const PollInterval = 5 * time.Second

// StatusUpdate is what a monitor tick reports to its sink.
type StatusUpdate struct {
	PodID  string
	Status string
	Pod    Pod
}

// PodMonitor polls one provider's pods at PollInterval until each reaches a
// terminal state or becomes ACTIVE with an SSH endpoint, grounded on
// pod_monitor.py's PodMonitor: one goroutine per pod id, duplicate start a
// no-op, explicit stop, and a status-normalizing broadcast on every tick.
type PodMonitor struct {
	provider GPUProvider
	sink     func(StatusUpdate)
	status   *cache.TTLStorage

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewPodMonitor returns a monitor against provider, reporting every tick to
// sink (typically Server.BroadcastPodStatus).
func NewPodMonitor(provider GPUProvider, sink func(StatusUpdate)) *PodMonitor {
	return &PodMonitor{
		provider: provider,
		sink:     sink,
		status:   cache.NewTTL(cache.MustNewInTmp(), PollInterval),
		active:   map[string]context.CancelFunc{},
	}
}

// LatestStatus returns the most recent StatusUpdate seen for podID, for a
// client that connects between poll ticks and wants an immediate snapshot
// instead of waiting out PollInterval.
func (m *PodMonitor) LatestStatus(podID string) (StatusUpdate, bool) {
	v, ok := m.status.Get(podID)
	if !ok {
		return StatusUpdate{}, false
	}
	update, ok := v.(StatusUpdate)
	return update, ok
}

// Start begins monitoring podID if it isn't already being monitored.
// Duplicate starts are a no-op, matching the original's monitoring_tasks
// dict-keyed-by-pod-id guard.
func (m *PodMonitor) Start(podID string) {
	m.mu.Lock()
	if _, ok := m.active[podID]; ok {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.active[podID] = cancel
	m.mu.Unlock()

	go m.loop(ctx, podID)
}

// Stop ends monitoring for podID, if it is running.
func (m *PodMonitor) Stop(podID string) {
	m.mu.Lock()
	cancel, ok := m.active[podID]
	if ok {
		delete(m.active, podID)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// StopAll ends monitoring for every pod currently tracked.
func (m *PodMonitor) StopAll() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.active))
	for id, cancel := range m.active {
		cancels = append(cancels, cancel)
		delete(m.active, id)
	}
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (m *PodMonitor) loop(ctx context.Context, podID string) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	defer func() {
		m.mu.Lock()
		delete(m.active, podID)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pod, err := m.provider.GetPod(ctx, podID)
		if err != nil {
			klog.V(2).Infof("provider: failed to poll pod %s: %v", podID, err)
			continue
		}
		status := NormalizeStatus(pod.Status)
		update := StatusUpdate{PodID: podID, Status: status, Pod: pod}
		m.sink(update)
		// A poll tick always clears the prior cached value first: a late
		// subscriber calling LatestStatus mid-tick should never observe a
		// snapshot older than PollInterval.
		_ = m.status.Invalidate(podID)
		if err := m.status.Set(podID, update); err != nil {
			klog.V(2).Infof("provider: failed to cache status for %s: %v", podID, err)
		}

		if status == "ERROR" || status == "TERMINATED" {
			return
		}
		if status == "ACTIVE" && pod.SSHConnection != "" {
			return
		}
	}
}
