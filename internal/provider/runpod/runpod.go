// Package runpod implements provider.GPUProvider against RunPod's GraphQL
// API, grounded on runpod_provider.py: one POST endpoint carrying a query
// string plus variables, status mapped through the same table, and an SSH
// connection string assembled from the pod's public port 22 forward. The
// request/response plumbing follows e2b-go's Sandbox.newRequest/sendRequest
// shape (a thin http.Client wrapper), since no GraphQL client library
// appears anywhere in the example pack.
package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nimbusnb/nimbus/internal/provider"
)

const (
	providerName = "runpod"
	displayName  = "RunPod"
	apiKeyEnv    = "RUNPOD_API_KEY"
	dashboardURL = "https://www.runpod.io/console/user/settings"
	baseURL      = "https://api.runpod.io/graphql"
)

// Register installs the RunPod constructor into reg under "runpod".
func Register(reg *provider.Registry) {
	reg.Register(providerName, func(apiKey string) provider.GPUProvider {
		return &Provider{apiKey: apiKey, client: http.DefaultClient, baseURL: baseURL}
	})
}

// Provider is a RunPod-backed provider.GPUProvider.
type Provider struct {
	apiKey  string
	client  *http.Client
	baseURL string // overridden in tests to point at an httptest.Server
}

func (p *Provider) Info() provider.Info {
	return provider.Info{
		Name: providerName, DisplayName: displayName, APIKeyEnvName: apiKeyEnv,
		SupportsSSH: true, DashboardURL: dashboardURL, IsConfigured: strings.TrimSpace(p.apiKey) != "",
	}
}

type graphqlRequest struct {
	Query     string `json:"query"`
	Variables any    `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors,omitempty"`
}

func (p *Provider) graphqlRequest(ctx context.Context, query string, variables any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return errors.WithMessage(err, "failed to encode RunPod GraphQL request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return errors.WithMessage(err, "failed to build RunPod request")
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "unable to connect to RunPod")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.WithMessage(err, "failed to read RunPod response")
	}
	if err := classifyStatus(resp.StatusCode, displayName); err != nil {
		return err
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(raw, &gqlResp); err != nil {
		return errors.WithMessage(err, "failed to parse RunPod response")
	}
	if len(gqlResp.Errors) > 0 {
		return errors.Errorf("RunPod API error: %s", gqlResp.Errors[0].Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(gqlResp.Data, out)
}

// classifyStatus maps an HTTP status code onto the message vocabulary
// base_provider.py's _make_request uses (auth/funds/not-found/service-error),
// sanitized instead of echoing the raw API body.
func classifyStatus(status int, display string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return errors.Errorf("%s authentication failed: check your API key", display)
	case status == http.StatusPaymentRequired:
		return errors.Errorf("insufficient funds in your %s account", display)
	case status == http.StatusForbidden:
		return errors.Errorf("access denied: check your %s permissions", display)
	case status == http.StatusNotFound:
		return errors.Errorf("%s resource not found", display)
	case status >= 500:
		return errors.Errorf("%s service error, try again later", display)
	default:
		return errors.Errorf("%s API error (status %d)", display, status)
	}
}

func normalizeStatus(raw string) string {
	switch strings.ToUpper(raw) {
	case "RUNNING":
		return "ACTIVE"
	case "EXITED":
		return "TERMINATED"
	default:
		return strings.ToUpper(raw)
	}
}

type runpodPort struct {
	IP          string `json:"ip"`
	IsIPPublic  bool   `json:"isIpPublic"`
	PrivatePort int    `json:"privatePort"`
	PublicPort  int    `json:"publicPort"`
}

func sshConnectionFromPorts(ports []runpodPort) string {
	for _, port := range ports {
		if port.PrivatePort == 22 && port.IsIPPublic {
			return fmt.Sprintf("ssh root@%s -p %d", port.IP, port.PublicPort)
		}
	}
	return ""
}

type runpodMachine struct {
	GPUDisplayName string `json:"gpuDisplayName"`
}

type runpodRuntime struct {
	Ports []runpodPort `json:"ports"`
}

type runpodPod struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	DesiredStatus  string        `json:"desiredStatus"`
	GPUCount       int           `json:"gpuCount"`
	CostPerHr      float64       `json:"costPerHr"`
	Machine        runpodMachine `json:"machine"`
	Runtime        runpodRuntime `json:"runtime"`
}

func (pod runpodPod) toPod() provider.Pod {
	now := time.Now()
	return provider.Pod{
		ID: pod.ID, Name: pod.Name, Status: normalizeStatus(pod.DesiredStatus),
		GPUName: pod.Machine.GPUDisplayName, GPUCount: pod.GPUCount, PriceHr: pod.CostPerHr,
		SSHConnection: sshConnectionFromPorts(pod.Runtime.Ports),
		CreatedAt:     now, UpdatedAt: now,
	}
}

const gpuTypesQuery = `
query GpuTypes {
	gpuTypes {
		id
		displayName
		memoryInGb
		lowestPrice(input: {gpuCount: 1}) {
			minimumBidPrice
			uninterruptablePrice
		}
	}
}`

type gpuTypesResponse struct {
	GPUTypes []struct {
		ID          string  `json:"id"`
		DisplayName string  `json:"displayName"`
		LowestPrice struct {
			MinimumBidPrice       float64 `json:"minimumBidPrice"`
			UninterruptablePrice float64 `json:"uninterruptablePrice"`
		} `json:"lowestPrice"`
	} `json:"gpuTypes"`
}

func (p *Provider) GetGPUAvailability(ctx context.Context, gpuType string) ([]provider.GPUOffer, error) {
	var resp gpuTypesResponse
	if err := p.graphqlRequest(ctx, gpuTypesQuery, nil, &resp); err != nil {
		return nil, err
	}
	var offers []provider.GPUOffer
	for _, g := range resp.GPUTypes {
		if gpuType != "" && !strings.Contains(strings.ToLower(g.DisplayName), strings.ToLower(gpuType)) {
			continue
		}
		price := g.LowestPrice.UninterruptablePrice
		if price == 0 {
			price = g.LowestPrice.MinimumBidPrice
		}
		offers = append(offers, provider.GPUOffer{GPUType: g.ID, GPUName: g.DisplayName, GPUCount: 1, PriceHr: price, CloudID: g.ID})
	}
	return offers, nil
}

const createPodMutation = `
mutation CreatePod($input: PodFindAndDeployOnDemandInput!) {
	podFindAndDeployOnDemand(input: $input) {
		id
		name
		desiredStatus
		gpuCount
		machine { gpuDisplayName }
		runtime { ports { ip isIpPublic privatePort publicPort } }
	}
}`

func (p *Provider) CreatePod(ctx context.Context, spec provider.PodSpec) (provider.Pod, error) {
	diskGB := spec.DiskGB
	if diskGB == 0 {
		diskGB = 20
	}
	image := spec.Image
	if image == "" {
		image = "runpod/pytorch:2.1.0-py3.10-cuda11.8.0-devel-ubuntu22.04"
	}
	variables := map[string]any{"input": map[string]any{
		"name": spec.Name, "gpuTypeId": spec.GPUType, "gpuCount": spec.GPUCount,
		"volumeInGb": diskGB, "containerDiskInGb": 20, "imageName": image, "startSsh": true,
	}}
	var resp struct {
		PodFindAndDeployOnDemand runpodPod `json:"podFindAndDeployOnDemand"`
	}
	if err := p.graphqlRequest(ctx, createPodMutation, variables, &resp); err != nil {
		return provider.Pod{}, err
	}
	return resp.PodFindAndDeployOnDemand.toPod(), nil
}

const getPodQuery = `
query Pod($podId: String!) {
	pod(input: {podId: $podId}) {
		id name desiredStatus gpuCount costPerHr
		machine { gpuDisplayName }
		runtime { ports { ip isIpPublic privatePort publicPort } }
	}
}`

func (p *Provider) GetPod(ctx context.Context, podID string) (provider.Pod, error) {
	var resp struct {
		Pod *runpodPod `json:"pod"`
	}
	if err := p.graphqlRequest(ctx, getPodQuery, map[string]any{"podId": podID}, &resp); err != nil {
		return provider.Pod{}, err
	}
	if resp.Pod == nil {
		return provider.Pod{}, errors.Errorf("pod %s not found", podID)
	}
	return resp.Pod.toPod(), nil
}

const listPodsQuery = `
query Pods {
	myself {
		pods {
			id name desiredStatus gpuCount costPerHr
			machine { gpuDisplayName }
			runtime { ports { ip isIpPublic privatePort publicPort } }
		}
	}
}`

func (p *Provider) GetPods(ctx context.Context, status string, limit, offset int) (provider.PodPage, error) {
	var resp struct {
		Myself struct {
			Pods []runpodPod `json:"pods"`
		} `json:"myself"`
	}
	if err := p.graphqlRequest(ctx, listPodsQuery, nil, &resp); err != nil {
		return provider.PodPage{}, err
	}
	var pods []provider.Pod
	for _, pod := range resp.Myself.Pods {
		np := pod.toPod()
		if status != "" && !strings.EqualFold(np.Status, status) {
			continue
		}
		pods = append(pods, np)
	}
	total := len(pods)
	if offset > len(pods) {
		offset = len(pods)
	}
	end := offset + limit
	if limit == 0 || end > len(pods) {
		end = len(pods)
	}
	return provider.PodPage{Pods: pods[offset:end], Total: total, Offset: offset, Limit: limit}, nil
}

func (p *Provider) DeletePod(ctx context.Context, podID string) error {
	return p.graphqlRequest(ctx, `mutation TerminatePod($podId: String!) { podTerminate(input: {podId: $podId}) }`,
		map[string]any{"podId": podID}, nil)
}

func (p *Provider) StopPod(ctx context.Context, podID string) error {
	return p.graphqlRequest(ctx, `mutation StopPod($podId: String!) { podStop(input: {podId: $podId}) }`,
		map[string]any{"podId": podID}, nil)
}

func (p *Provider) ResumePod(ctx context.Context, podID string) error {
	return p.graphqlRequest(ctx, `mutation ResumePod($podId: String!) { podResume(input: {podId: $podId}) { id desiredStatus } }`,
		map[string]any{"podId": podID}, nil)
}
