package client

import (
	"context"
	"fmt"

	"github.com/stagecraft/trafficcore/pkg/types"
)

// MissionControlClient forwards agent statistics to the external
// mission-control collector. Delivery is best-effort: callers log failures
// and never surface them to the reporting worker.
type MissionControlClient struct {
	http *HTTP
	url  string
}

// NewMissionControlClient creates a client for the collector host
func NewMissionControlClient(http *HTTP, url string) *MissionControlClient {
	return &MissionControlClient{http: http, url: url}
}

// ForwardStatistics relays a status update to the collector
func (m *MissionControlClient) ForwardStatistics(ctx context.Context, update *types.StatusUpdate) error {
	target := fmt.Sprintf("http://%s/agentStatisticsUpdate", m.url)
	return m.http.PostJSON(ctx, target, update, nil)
}
