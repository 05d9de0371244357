package lambdalabs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusnb/nimbus/internal/provider"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return &Provider{apiKey: "test-key", client: ts.Client(), baseURL: ts.URL}
}

func TestGetGPUAvailabilityOnlyListsCapacity(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instance-types", r.URL.Path)
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]instanceTypeEntry{
				"gpu_1x_a100": {
					InstanceType:                 instanceType{Description: "A100 (40 GB)", PriceCentsPerHour: 110, Specs: instanceTypeSpecs{GPUs: 1}},
					RegionsWithCapacityAvailable: []instanceTypesRegion{{Name: "us-east-1"}},
				},
				"gpu_8x_a100": {
					InstanceType:                 instanceType{Description: "A100 (8x)", PriceCentsPerHour: 880, Specs: instanceTypeSpecs{GPUs: 8}},
					RegionsWithCapacityAvailable: nil,
				},
			},
		}))
	})

	offers, err := p.GetGPUAvailability(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "gpu_1x_a100", offers[0].GPUType)
	assert.Equal(t, 1.10, offers[0].PriceHr)
	assert.Equal(t, "us-east-1", offers[0].Region)
}

func TestGetPodBuildsSSHConnection(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"data": instance{ID: "i-1", Name: "box", Status: "active", IP: "9.9.9.9",
				InstanceType: instanceType{Description: "A100", Specs: instanceTypeSpecs{GPUs: 1}, PriceCentsPerHour: 150}},
		}))
	})
	pod, err := p.GetPod(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, "ssh ubuntu@9.9.9.9", pod.SSHConnection)
	assert.Equal(t, "ACTIVE", pod.Status)
}

func TestGetPodNotFound(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"data": instance{}}))
	})
	_, err := p.GetPod(context.Background(), "missing")
	assert.Error(t, err)
}

func TestStopPodIsUnsupported(t *testing.T) {
	p := &Provider{apiKey: "k", client: http.DefaultClient, baseURL: baseURL}
	err := p.StopPod(context.Background(), "i-1")
	assert.Error(t, err)
}

func TestCreatePodUsesFirstEd25519Key(t *testing.T) {
	var launchBody map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ssh-keys":
			require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]string{
					{"name": "rsa-key", "public_key": "ssh-rsa AAAA"},
					{"name": "ed-key", "public_key": "ssh-ed25519 AAAA"},
				},
			}))
		case "/instance-operations/launch":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&launchBody))
			require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"instance_ids": []string{"i-1"}},
			}))
		case "/instances/i-1":
			require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
				"data": instance{ID: "i-1", Name: "box", Status: "booting"},
			}))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	pod, err := p.CreatePod(context.Background(), provider.PodSpec{Name: "box", GPUType: "gpu_1x_a100"})
	require.NoError(t, err)
	assert.Equal(t, "i-1", pod.ID)
	assert.Equal(t, "STARTING", pod.Status)
	require.NotNil(t, launchBody)
	assert.Equal(t, []any{"ed-key"}, launchBody["ssh_key_names"])
}

func TestClassifyStatusTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		errs   bool
	}{
		{http.StatusOK, false},
		{http.StatusUnauthorized, true},
		{http.StatusPaymentRequired, true},
		{http.StatusForbidden, true},
		{http.StatusNotFound, true},
		{http.StatusInternalServerError, true},
	}
	for _, c := range cases {
		err := classifyStatus(c.status)
		if c.errs {
			assert.Error(t, err, "status %d", c.status)
		} else {
			assert.NoError(t, err, "status %d", c.status)
		}
	}
}

var _ provider.GPUProvider = (*Provider)(nil)
