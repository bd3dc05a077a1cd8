package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/astromods/modstats/internal/config"
	"github.com/astromods/modstats/internal/model"
)

// Reporter polls the public leaderboard endpoint on a fixed interval and
// edits a previously sent webhook message in place with the current
// rankings. It is a pure consumer of the HTTP contract; message identity
// is explicit configuration, never reconstructed from message content.
type Reporter struct {
	cfg        config.ReporterConfig
	httpClient *http.Client
	logger     *zap.Logger
}

func New(cfg config.ReporterConfig, logger *zap.Logger) (*Reporter, error) {
	if cfg.WebhookURL == "" || cfg.MessageID == "" {
		return nil, fmt.Errorf("reporter requires a webhook URL and message id")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 10
	}
	return &Reporter{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}, nil
}

// Run publishes once per interval until the context is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("Reporter started",
		zap.String("base_url", r.cfg.BaseURL),
		zap.Duration("interval", r.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reporter stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.PublishOnce(ctx); err != nil {
				r.logger.Error("Failed to publish leaderboard", zap.Error(err))
			}
		}
	}
}

// PublishOnce fetches both leaderboards and edits the webhook message.
func (r *Reporter) PublishOnce(ctx context.Context) error {
	var installed, enabled []model.ModUsageRecord

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		installed, err = r.fetchTopMods(gctx, "total")
		return err
	})
	g.Go(func() error {
		var err error
		enabled, err = r.fetchTopMods(gctx, "enabled")
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	return r.editMessage(ctx, buildEmbed(installed, enabled))
}

func (r *Reporter) fetchTopMods(ctx context.Context, sortKey string) ([]model.ModUsageRecord, error) {
	endpoint := fmt.Sprintf("%s/top-mods?n=%d&sort=%s",
		strings.TrimRight(r.cfg.BaseURL, "/"), r.cfg.PageSize, url.QueryEscape(sortKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build leaderboard request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch leaderboard: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("leaderboard request returned %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Mods []model.ModUsageRecord `json:"mods"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode leaderboard response: %w", err)
	}
	return payload.Mods, nil
}

// webhookEdit is the Discord-compatible message edit payload.
type webhookEdit struct {
	Embeds []embed `json:"embeds"`
}

type embed struct {
	Title     string       `json:"title"`
	URL       string       `json:"url,omitempty"`
	Color     int          `json:"color"`
	Fields    []embedField `json:"fields"`
	Timestamp string       `json:"timestamp"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func buildEmbed(installed, enabled []model.ModUsageRecord) webhookEdit {
	return webhookEdit{
		Embeds: []embed{{
			Title: "Top Mods",
			URL:   "https://astromods.xyz/",
			Color: 0x0099FF,
			Fields: []embedField{
				{Name: "Top Installed Mods", Value: renderList(installed, false), Inline: true},
				{Name: "Top Used Mods", Value: renderList(enabled, true), Inline: true},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
}

func renderList(records []model.ModUsageRecord, useEnabled bool) string {
	if len(records) == 0 {
		return "No data yet"
	}
	lines := make([]string, 0, len(records))
	for _, record := range records {
		count := record.TotalCount
		if useEnabled {
			count = record.EnabledCount
		}
		lines = append(lines, fmt.Sprintf("%s (%d)", record.ModID, count))
	}
	return strings.Join(lines, "\n")
}

func (r *Reporter) editMessage(ctx context.Context, payload webhookEdit) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/messages/%s",
		strings.TrimRight(r.cfg.WebhookURL, "/"), r.cfg.MessageID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to edit webhook message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook edit returned %d: %s", resp.StatusCode, respBody)
	}

	r.logger.Debug("Leaderboard message updated",
		zap.String("message_id", r.cfg.MessageID))
	return nil
}
