// Package lambdalabs implements provider.GPUProvider against Lambda Labs'
// REST API, grounded on lambda_labs_provider.py: plain GET/POST JSON calls
// under /api/v1, status mapped through the same small table, and an SSH
// connection string assembled as "ssh ubuntu@<ip>" once an instance has one.
package lambdalabs

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
	providerName = "lambda_labs"
	displayName  = "Lambda Labs"
	apiKeyEnv    = "LAMBDA_LABS_API_KEY"
	dashboardURL = "https://cloud.lambdalabs.com/api-keys"
	baseURL      = "https://cloud.lambdalabs.com/api/v1"
)

// Register installs the Lambda Labs constructor into reg under "lambda_labs".
func Register(reg *provider.Registry) {
	reg.Register(providerName, func(apiKey string) provider.GPUProvider {
		return &Provider{apiKey: apiKey, client: http.DefaultClient, baseURL: baseURL}
	})
}

// Provider is a Lambda-Labs-backed provider.GPUProvider.
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

func (p *Provider) request(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.WithMessage(err, "failed to encode Lambda Labs request")
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return errors.WithMessage(err, "failed to build Lambda Labs request")
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "unable to connect to Lambda Labs")
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.WithMessage(err, "failed to read Lambda Labs response")
	}
	return json.Unmarshal(raw, out)
}

func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return errors.New("Lambda Labs authentication failed: check your API key")
	case status == http.StatusPaymentRequired:
		return errors.New("insufficient funds in your Lambda Labs account")
	case status == http.StatusForbidden:
		return errors.New("access denied: check your Lambda Labs permissions")
	case status == http.StatusNotFound:
		return errors.New("Lambda Labs resource not found")
	case status >= 500:
		return errors.New("Lambda Labs service error, try again later")
	default:
		return errors.Errorf("Lambda Labs API error (status %d)", status)
	}
}

func normalizeStatus(raw string) string {
	switch strings.ToLower(raw) {
	case "active":
		return "ACTIVE"
	case "booting":
		return "STARTING"
	case "unhealthy":
		return "ERROR"
	case "terminated":
		return "TERMINATED"
	default:
		return strings.ToUpper(raw)
	}
}

type instanceTypeSpecs struct {
	GPUs int `json:"gpus"`
}

type instanceType struct {
	Description       string            `json:"description"`
	PriceCentsPerHour int               `json:"price_cents_per_hour"`
	Specs             instanceTypeSpecs `json:"specs"`
}

type instance struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Status       string       `json:"status"`
	IP           string       `json:"ip"`
	InstanceType instanceType `json:"instance_type"`
	CreatedAt    string       `json:"created_at"`
}

func (inst instance) toPod() provider.Pod {
	var ssh string
	if inst.IP != "" {
		ssh = fmt.Sprintf("ssh ubuntu@%s", inst.IP)
	}
	createdAt := time.Now()
	if t, err := time.Parse(time.RFC3339, inst.CreatedAt); err == nil {
		createdAt = t
	}
	return provider.Pod{
		ID: inst.ID, Name: inst.Name, Status: normalizeStatus(inst.Status),
		GPUName: inst.InstanceType.Description, GPUCount: inst.InstanceType.Specs.GPUs,
		PriceHr: float64(inst.InstanceType.PriceCentsPerHour) / 100,
		SSHConnection: ssh, IP: inst.IP, CreatedAt: createdAt, UpdatedAt: createdAt,
	}
}

type instanceTypesRegion struct {
	Name string `json:"name"`
}

type instanceTypeEntry struct {
	InstanceType                instanceType          `json:"instance_type"`
	RegionsWithCapacityAvailable []instanceTypesRegion `json:"regions_with_capacity_available"`
}

func (p *Provider) GetGPUAvailability(ctx context.Context, gpuType string) ([]provider.GPUOffer, error) {
	var resp struct {
		Data map[string]instanceTypeEntry `json:"data"`
	}
	if err := p.request(ctx, http.MethodGet, "/instance-types", nil, &resp); err != nil {
		return nil, err
	}
	var offers []provider.GPUOffer
	for name, entry := range resp.Data {
		if len(entry.RegionsWithCapacityAvailable) == 0 {
			continue
		}
		gpuName := entry.InstanceType.Description
		if gpuName == "" {
			gpuName = name
		}
		if gpuType != "" && !strings.Contains(strings.ToLower(gpuName), strings.ToLower(gpuType)) {
			continue
		}
		for _, region := range entry.RegionsWithCapacityAvailable {
			offers = append(offers, provider.GPUOffer{
				GPUType: name, GPUName: gpuName, GPUCount: entry.InstanceType.Specs.GPUs,
				PriceHr: float64(entry.InstanceType.PriceCentsPerHour) / 100,
				CloudID: name, Region: region.Name,
			})
		}
	}
	return offers, nil
}

// CreatePod launches an instance with one registered SSH key name (an
// ed25519 key if there is one). The launch request carries no region: the
// core's PodSpec has no region field, and unlike the original this does not
// probe availability to pick one.
func (p *Provider) CreatePod(ctx context.Context, spec provider.PodSpec) (provider.Pod, error) {
	sshKey, err := p.firstSSHKeyName(ctx)
	if err != nil {
		return provider.Pod{}, err
	}
	payload := map[string]any{
		"instance_type_name": spec.GPUType,
		"ssh_key_names":      []string{sshKey},
		"name":               spec.Name,
		"quantity":           1,
	}
	var resp struct {
		Data struct {
			InstanceIDs []string `json:"instance_ids"`
		} `json:"data"`
	}
	if err := p.request(ctx, http.MethodPost, "/instance-operations/launch", payload, &resp); err != nil {
		return provider.Pod{}, err
	}
	if len(resp.Data.InstanceIDs) == 0 {
		return provider.Pod{}, errors.New("Lambda Labs did not return an instance id for the launch")
	}
	return p.GetPod(ctx, resp.Data.InstanceIDs[0])
}

func (p *Provider) firstSSHKeyName(ctx context.Context) (string, error) {
	var resp struct {
		Data []struct {
			Name      string `json:"name"`
			PublicKey string `json:"public_key"`
		} `json:"data"`
	}
	if err := p.request(ctx, http.MethodGet, "/ssh-keys", nil, &resp); err != nil {
		return "", err
	}
	var other string
	for _, key := range resp.Data {
		if key.Name == "" {
			continue
		}
		if strings.HasPrefix(key.PublicKey, "ssh-ed25519") {
			return key.Name, nil
		}
		if other == "" {
			other = key.Name
		}
	}
	if other == "" {
		return "", errors.New("no SSH keys found in your Lambda Labs account; add one at https://cloud.lambdalabs.com/ssh-keys")
	}
	return other, nil
}

func (p *Provider) GetPod(ctx context.Context, podID string) (provider.Pod, error) {
	var resp struct {
		Data instance `json:"data"`
	}
	if err := p.request(ctx, http.MethodGet, "/instances/"+podID, nil, &resp); err != nil {
		return provider.Pod{}, err
	}
	if resp.Data.ID == "" {
		return provider.Pod{}, errors.Errorf("instance %s not found", podID)
	}
	return resp.Data.toPod(), nil
}

func (p *Provider) GetPods(ctx context.Context, status string, limit, offset int) (provider.PodPage, error) {
	var resp struct {
		Data []instance `json:"data"`
	}
	if err := p.request(ctx, http.MethodGet, "/instances", nil, &resp); err != nil {
		return provider.PodPage{}, err
	}
	var pods []provider.Pod
	for _, inst := range resp.Data {
		np := inst.toPod()
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
	return p.request(ctx, http.MethodPost, "/instance-operations/terminate",
		map[string]any{"instance_ids": []string{podID}}, nil)
}

// StopPod has no Lambda Labs equivalent (instances are terminated, not
// paused); report it as unsupported rather than silently no-op.
func (p *Provider) StopPod(ctx context.Context, podID string) error {
	return errors.New("Lambda Labs does not support stopping an instance without terminating it")
}

func (p *Provider) ResumePod(ctx context.Context, podID string) error {
	return p.request(ctx, http.MethodPost, "/instance-operations/restart",
		map[string]any{"instance_ids": []string{podID}}, nil)
}
