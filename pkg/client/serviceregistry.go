package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/stagecraft/trafficcore/pkg/registry"
	"github.com/stagecraft/trafficcore/pkg/types"
)

// ServiceRegistryClient discovers agent-set workers from the external
// service registry. It implements registry.InventoryFetcher.
type ServiceRegistryClient struct {
	http        *HTTP
	registryURL string
}

// NewServiceRegistryClient creates a fetcher against the given registry host
func NewServiceRegistryClient(http *HTTP, registryURL string) *ServiceRegistryClient {
	return &ServiceRegistryClient{http: http, registryURL: registryURL}
}

type componentEntry struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

type componentsResponse struct {
	Components []componentEntry `json:"components"`
}

// FetchWorkers queries the service registry for AgentSet components
func (c *ServiceRegistryClient) FetchWorkers(ctx context.Context) ([]registry.DiscoveredWorker, error) {
	target := fmt.Sprintf("http://%s/requestComponent?type=AgentSet", c.registryURL)

	var resp componentsResponse
	if err := c.http.GetJSON(ctx, target, &resp); err != nil {
		return nil, err
	}

	workers := make([]registry.DiscoveredWorker, 0, len(resp.Components))
	for _, comp := range resp.Components {
		if comp.ID == "" {
			continue
		}
		url := stripScheme(comp.URL)
		if err := types.ValidateWorkerURL(url); err != nil {
			// A malformed entry is skipped, not fatal for the whole fetch.
			continue
		}
		workers = append(workers, registry.DiscoveredWorker{ID: comp.ID, URL: url})
	}
	return workers, nil
}

// stripScheme reduces a registry-reported URL to the stored host[:port]
// form; schemes and paths are added by callers, never stored.
func stripScheme(url string) string {
	url = strings.TrimPrefix(url, "http://")
	url = strings.TrimPrefix(url, "https://")
	if idx := strings.IndexByte(url, '/'); idx >= 0 {
		url = url[:idx]
	}
	return url
}
