package trigger

import (
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/metrics"
)

type nsqStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Channels []struct {
			Name  string `json:"channel_name"`
			Depth int64  `json:"depth"`
		} `json:"channels"`
	} `json:"topics"`
}

// BacklogMonitor polls nsqd /stats and exports the depth of the trigger and DLQ topics.
type BacklogMonitor struct {
	statsURL string
	topics   map[string]bool
	client   *http.Client
	logger   *logging.Logger
}

// NewBacklogMonitor watches topics on the nsqd HTTP address (host:port).
func NewBacklogMonitor(nsqdHTTPAddr string, logger *logging.Logger, topics ...string) *BacklogMonitor {
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	return &BacklogMonitor{
		statsURL: fmt.Sprintf("http://%s/stats?format=json", nsqdHTTPAddr),
		topics:   set,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Run polls every interval until ctx is done.
func (b *BacklogMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Poll(ctx); err != nil {
				b.logger.Plain().WithError(err).Error("Failed to get NSQ stats")
			}
		}
	}
}

// Poll fetches stats once and updates the backlog gauge for every watched topic channel.
func (b *BacklogMonitor) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd stats returned status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode nsqd stats: %w", err)
	}
	for _, topic := range stats.Topics {
		if !b.topics[topic.Name] {
			continue
		}
		for _, channel := range topic.Channels {
			metrics.UpdateTriggerBacklog(topic.Name, channel.Name, float64(channel.Depth))
		}
	}
	return nil
}
