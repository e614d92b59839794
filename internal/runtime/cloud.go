package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/recruitkit/puppetd/pkg/models"
)

// CloudConfig configures the hosted headless-browser provider fallback.
type CloudConfig struct {
	BaseURL string
	Token   string
}

// Configured reports whether the fallback can be used at all.
func (c CloudConfig) Configured() bool {
	return c.BaseURL != "" && c.Token != ""
}

// CloudAdapter provisions sandboxes from a hosted headless-browser provider.
// The provider owns the lifecycle, so ids carry a sentinel prefix and Stop is
// a no-op.
type CloudAdapter struct {
	http *resty.Client
	log  *zap.Logger
}

func NewCloudAdapter(cfg CloudConfig, log *zap.Logger) *CloudAdapter {
	return &CloudAdapter{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetAuthToken(cfg.Token).
			SetTimeout(30 * time.Second),
		log: log,
	}
}

type cloudSessionRequest struct {
	ExternalID string `json:"externalId"`
	Proxy      string `json:"proxy,omitempty"`
}

type cloudSessionResponse struct {
	ID        string `json:"id"`
	StreamURL string `json:"streamUrl"`
	DebugURL  string `json:"debugUrl"`
}

func (a *CloudAdapter) Start(ctx context.Context, spec StartSpec) (*Instance, error) {
	var out cloudSessionResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(cloudSessionRequest{ExternalID: spec.SessionID, Proxy: spec.ProxyURL}).
		SetResult(&out).
		Post("/v1/sessions")
	if err != nil {
		return nil, fmt.Errorf("runtime: cloud provider: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("runtime: cloud provider returned %s: %s", resp.Status(), resp.String())
	}
	if out.StreamURL == "" || out.DebugURL == "" {
		return nil, fmt.Errorf("runtime: cloud provider response missing urls")
	}

	a.log.Info("cloud sandbox provisioned",
		zap.String("session_id", spec.SessionID),
		zap.String("provider_id", out.ID))

	return &Instance{
		ContainerID: CloudIDPrefix + out.ID,
		Kind:        models.RuntimeCloud,
		StreamURL:   out.StreamURL,
		DebugURL:    out.DebugURL,
	}, nil
}

// Stop is a no-op: hosted sessions expire on the provider side and there is
// no container lifecycle to manage.
func (a *CloudAdapter) Stop(ctx context.Context, containerID string) error {
	return nil
}
