package provider

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusnb/nimbus/internal/config"
)

var errNotFound = errors.New("pod not found")

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := config.Open(filepath.Join(t.TempDir(), "providers.json"))
	require.NoError(t, err)
	return NewRegistry(store)
}

type fakeProvider struct {
	mu     sync.Mutex
	apiKey string
	pods   map[string]Pod
	calls  int
}

func (p *fakeProvider) Info() Info {
	return Info{Name: "fake", DisplayName: "Fake", APIKeyEnvName: "FAKE_API_KEY", IsConfigured: p.apiKey != ""}
}
func (p *fakeProvider) GetGPUAvailability(ctx context.Context, gpuType string) ([]GPUOffer, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return []GPUOffer{{GPUType: gpuType, GPUName: "A100", PriceHr: 1.5}}, nil
}
func (p *fakeProvider) CreatePod(ctx context.Context, spec PodSpec) (Pod, error) {
	return Pod{ID: "pod-1", Name: spec.Name, Status: "pending"}, nil
}
func (p *fakeProvider) GetPod(ctx context.Context, podID string) (Pod, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pod, ok := p.pods[podID]
	if !ok {
		return Pod{}, errNotFound
	}
	return pod, nil
}
func (p *fakeProvider) GetPods(ctx context.Context, status string, limit, offset int) (PodPage, error) {
	return PodPage{}, nil
}
func (p *fakeProvider) DeletePod(ctx context.Context, podID string) error { return nil }
func (p *fakeProvider) StopPod(ctx context.Context, podID string) error   { return nil }
func (p *fakeProvider) ResumePod(ctx context.Context, podID string) error { return nil }

func TestRegistryGetConstructsOncePerName(t *testing.T) {
	reg := newTestRegistry(t)
	calls := 0
	reg.Register("fake", func(apiKey string) GPUProvider {
		calls++
		return &fakeProvider{apiKey: apiKey, pods: map[string]Pod{}}
	})

	p1, err := reg.Get("fake")
	require.NoError(t, err)
	p2, err := reg.Get("fake")
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, calls)
}

func TestRegistryGetUnknownProvider(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Get("nope")
	assert.Error(t, err)
}

func TestRegistrySetAPIKeyInvalidatesCachedInstance(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Register("fake", func(apiKey string) GPUProvider {
		return &fakeProvider{apiKey: apiKey, pods: map[string]Pod{}}
	})

	p1, err := reg.Get("fake")
	require.NoError(t, err)
	assert.False(t, p1.Info().IsConfigured)

	require.NoError(t, reg.SetAPIKey("fake", "secret"))
	p2, err := reg.Get("fake")
	require.NoError(t, err)
	assert.NotSame(t, p1, p2)
	assert.True(t, p2.Info().IsConfigured)
}

func TestRegistryActiveRequiresSelection(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Register("fake", func(apiKey string) GPUProvider { return &fakeProvider{apiKey: apiKey} })
	_, err := reg.Active()
	assert.Error(t, err)

	require.NoError(t, reg.SetActive("fake"))
	active, err := reg.Active()
	require.NoError(t, err)
	assert.Equal(t, "fake", active.Info().Name)
}

func TestRegistryGetGPUAvailabilityCaches(t *testing.T) {
	reg := newTestRegistry(t)
	fp := &fakeProvider{pods: map[string]Pod{}}
	reg.Register("fake", func(apiKey string) GPUProvider { return fp })

	offers1, err := reg.GetGPUAvailability(context.Background(), "fake", "a100")
	require.NoError(t, err)
	require.Len(t, offers1, 1)

	offers2, err := reg.GetGPUAvailability(context.Background(), "fake", "a100")
	require.NoError(t, err)
	assert.Equal(t, offers1, offers2)
	assert.Equal(t, 1, fp.calls, "second call within the TTL window should be served from cache")
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]string{
		"running":     "ACTIVE",
		"READY":       "ACTIVE",
		"booting":     "STARTING",
		"exited":      "TERMINATED",
		"TERMINATED":  "TERMINATED",
		"error":       "ERROR",
		"weird-value": "WEIRD-VALUE",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeStatus(in), "input %q", in)
	}
}

func TestPodMonitorStopsOnTerminal(t *testing.T) {
	fp := &fakeProvider{pods: map[string]Pod{
		"pod-1": {ID: "pod-1", Status: "terminated"},
	}}

	updates := make(chan StatusUpdate, 8)
	monitor := NewPodMonitor(fp, func(u StatusUpdate) { updates <- u })

	monitor.Start("pod-1")
	select {
	case u := <-updates:
		assert.Equal(t, "TERMINATED", u.Status)
	case <-time.After(7 * time.Second):
		t.Fatal("timed out waiting for terminal status update")
	}
	monitor.Stop("pod-1")
}

func TestPodMonitorDuplicateStartIsNoOp(t *testing.T) {
	fp := &fakeProvider{pods: map[string]Pod{"pod-1": {ID: "pod-1", Status: "active"}}}
	monitor := NewPodMonitor(fp, func(StatusUpdate) {})
	monitor.Start("pod-1")
	monitor.Start("pod-1")

	monitor.mu.Lock()
	n := len(monitor.active)
	monitor.mu.Unlock()
	assert.Equal(t, 1, n)
	monitor.StopAll()
}
