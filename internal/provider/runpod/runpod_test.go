package runpod

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

func writeGraphQL(t *testing.T, w http.ResponseWriter, data any) {
	t.Helper()
	resp := graphqlResponse{}
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	resp.Data = raw
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func TestInfoReflectsConfiguredAPIKey(t *testing.T) {
	p := &Provider{apiKey: "", baseURL: baseURL}
	assert.False(t, p.Info().IsConfigured)
	p.apiKey = "abc"
	assert.True(t, p.Info().IsConfigured)
	assert.Equal(t, "runpod", p.Info().Name)
}

func TestGetGPUAvailabilityFiltersByType(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		writeGraphQL(t, w, gpuTypesResponse{GPUTypes: []struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
			LowestPrice struct {
				MinimumBidPrice      float64 `json:"minimumBidPrice"`
				UninterruptablePrice float64 `json:"uninterruptablePrice"`
			} `json:"lowestPrice"`
		}{
			{ID: "a100", DisplayName: "NVIDIA A100", LowestPrice: struct {
				MinimumBidPrice      float64 `json:"minimumBidPrice"`
				UninterruptablePrice float64 `json:"uninterruptablePrice"`
			}{UninterruptablePrice: 1.89}},
			{ID: "h100", DisplayName: "NVIDIA H100"},
		}})
	})

	offers, err := p.GetGPUAvailability(context.Background(), "a100")
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "a100", offers[0].GPUType)
	assert.Equal(t, 1.89, offers[0].PriceHr)
}

func TestGetPodParsesSSHConnection(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeGraphQL(t, w, map[string]any{
			"pod": runpodPod{
				ID: "pod-1", Name: "my-pod", DesiredStatus: "RUNNING", GPUCount: 1, CostPerHr: 2.5,
				Machine: runpodMachine{GPUDisplayName: "A100"},
				Runtime: runpodRuntime{Ports: []runpodPort{{IP: "1.2.3.4", IsIPPublic: true, PrivatePort: 22, PublicPort: 22022}}},
			},
		})
	})

	pod, err := p.GetPod(context.Background(), "pod-1")
	require.NoError(t, err)
	assert.Equal(t, "ssh root@1.2.3.4 -p 22022", pod.SSHConnection)
	assert.Equal(t, "ACTIVE", pod.Status)
}

func TestGetPodNotFound(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeGraphQL(t, w, map[string]any{"pod": nil})
	})
	_, err := p.GetPod(context.Background(), "missing")
	assert.Error(t, err)
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
		err := classifyStatus(c.status, "RunPod")
		if c.errs {
			assert.Error(t, err, "status %d", c.status)
		} else {
			assert.NoError(t, err, "status %d", c.status)
		}
	}
}

func TestGraphqlRequestSurfacesAPIErrors(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(graphqlResponse{
			Errors: []graphqlError{{Message: "pod not found"}},
		}))
	})
	_, err := p.GetPod(context.Background(), "pod-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pod not found")
}

func TestSSHConnectionFromPortsSkipsPrivateOnly(t *testing.T) {
	ports := []runpodPort{
		{IP: "10.0.0.1", IsIPPublic: false, PrivatePort: 22, PublicPort: 22},
		{IP: "5.6.7.8", IsIPPublic: true, PrivatePort: 8888, PublicPort: 18888},
	}
	assert.Equal(t, "", sshConnectionFromPorts(ports))
}

var _ provider.GPUProvider = (*Provider)(nil)
