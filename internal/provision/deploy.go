package provision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Deployer creates and tears down the cloud resources backing an SCN. The
// production implementation talks to the deployment agent; tests substitute
// a fake.
type Deployer interface {
	CreateResourceGroup(ctx context.Context, name string) error
	// DeployVM boots a node with the given cloud-init payload and returns
	// its private IP for DNS registration.
	DeployVM(ctx context.Context, resourceGroup, vmName, size, cloudInit string) (string, error)
	DeleteResourceGroup(ctx context.Context, name string) error
}

// DNSClient registers node names under the platform's base domain.
type DNSClient interface {
	Register(ctx context.Context, domain, ip string) error
}

// DatasetKeyRef pairs a pinned dataset with its base64 symmetric key inside
// the initialization vector. Keys travel only in the cloud-init payload.
type DatasetKeyRef struct {
	DatasetRef
	Key string `json:"key"`
}

// InitVector is the bootstrap document embedded in an SCN's cloud-init
// payload.
type InitVector struct {
	SCNID          string          `json:"scn_id"`
	FederationID   string          `json:"federation_id"`
	ResearcherIDs  []string        `json:"researcher_ids"`
	Datasets       []DatasetKeyRef `json:"datasets"`
	StorageAccount string          `json:"storage_account"`
	StorageKey     string          `json:"storage_key"`
	AuditEndpoint  string          `json:"audit_endpoint"`
	ImageVersion   string          `json:"image_version"`
}

// CloudInit renders the payload handed to the deployer, with the
// initialization vector embedded base64-encoded.
func CloudInit(iv InitVector) (string, error) {
	raw, err := json.Marshal(iv)
	if err != nil {
		return "", fmt.Errorf("provision: encode init vector: %w", err)
	}
	return fmt.Sprintf("#cloud-config\nwrite_files:\n  - path: /etc/fedvault/init_vector.json\n    encoding: b64\n    content: %s\n",
		base64.StdEncoding.EncodeToString(raw)), nil
}

// HTTPDNS registers domains against the internal DNS service.
type HTTPDNS struct {
	base   string
	client *http.Client
}

// NewHTTPDNS points at the DNS service, addr as host or host:port.
func NewHTTPDNS(addr string) *HTTPDNS {
	return &HTTPDNS{
		base:   "http://" + addr,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *HTTPDNS) Register(ctx context.Context, domain, ip string) error {
	body, err := json.Marshal(map[string]string{"domain": domain, "ip": ip})
	if err != nil {
		return fmt.Errorf("provision: dns request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+"/add", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("provision: dns request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("provision: dns register: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provision: dns register: status %d", resp.StatusCode)
	}
	return nil
}

// AgentDeployer drives the deployment agent's HTTP API. One agent serves a
// whole cloud subscription; resource groups namespace the nodes.
type AgentDeployer struct {
	base   string
	client *http.Client
}

// NewAgentDeployer points at the deployment agent.
func NewAgentDeployer(addr string) *AgentDeployer {
	return &AgentDeployer{
		base:   "http://" + addr,
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (a *AgentDeployer) CreateResourceGroup(ctx context.Context, name string) error {
	return a.post(ctx, "/resource-groups", map[string]string{"name": name}, nil)
}

func (a *AgentDeployer) DeployVM(ctx context.Context, resourceGroup, vmName, size, cloudInit string) (string, error) {
	var out struct {
		PrivateIP string `json:"private_ip"`
	}
	err := a.post(ctx, "/vms", map[string]string{
		"resource_group": resourceGroup,
		"name":           vmName,
		"size":           size,
		"cloud_init":     cloudInit,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.PrivateIP, nil
}

func (a *AgentDeployer) DeleteResourceGroup(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.base+"/resource-groups/"+name, nil)
	if err != nil {
		return fmt.Errorf("provision: agent request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("provision: delete resource group: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("provision: delete resource group: status %d", resp.StatusCode)
	}
	return nil
}

func (a *AgentDeployer) post(ctx context.Context, path string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("provision: agent request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("provision: agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("provision: agent call %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("provision: agent call %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("provision: agent response %s: %w", path, err)
	}
	return nil
}
