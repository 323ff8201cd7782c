package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"doppel-ai/internal/domain"
)

// fetchTimeout bounds one snapshot fetch.
const fetchTimeout = 10 * time.Second

// Client polls the configuration provider for the latest snapshot of
// {credential, community configuration} tuples.
type Client struct {
	url     string
	token   string
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker[[]domain.CredentialConfigs]
	logger  *slog.Logger
}

// NewClient creates a provider client for the snapshot endpoint.
func NewClient(url, token string, logger *slog.Logger) *Client {
	cb := gobreaker.NewCircuitBreaker[[]domain.CredentialConfigs](gobreaker.Settings{
		Name:        "config-provider",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &Client{
		url:     url,
		token:   token,
		httpc:   &http.Client{Timeout: fetchTimeout},
		breaker: cb,
		logger:  logger,
	}
}

// snapshotResponse is the provider's wire shape.
type snapshotResponse struct {
	Credentials []domain.CredentialConfigs `json:"credentials"`
}

// Fetch returns the latest snapshot. Absence of a credential or community in
// the result means "remove"; the caller reconciles against it as desired
// state.
func (c *Client) Fetch(ctx context.Context) ([]domain.CredentialConfigs, error) {
	return c.breaker.Execute(func() ([]domain.CredentialConfigs, error) {
		return c.fetch(ctx)
	})
}

func (c *Client) fetch(ctx context.Context) ([]domain.CredentialConfigs, error) {
	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, domain.WrapOp("provider.Fetch", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, domain.WrapOp("provider.Fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("provider.Fetch: status %d: %s", resp.StatusCode, snippet)
	}

	var out snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, domain.WrapOp("provider.Fetch", err)
	}
	return out.Credentials, nil
}
