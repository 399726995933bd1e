// Package callcontrol ends an active call through the telephony provider's
// call-control REST API. Closing the media-stream WebSocket only tears down
// the audio leg the gateway is reading from; it does not hang up the
// underlying PSTN call the way a provider's call-control endpoint does.
package callcontrol

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/northbay-labs/callpilot/internal/config"
	"github.com/northbay-labs/callpilot/internal/resilience"
)

// Client ends calls via the provider's call-control REST API, the way the
// original implementation's Twilio client issues a
// `Calls(call_sid).update(status="completed")` request alongside the
// separate media-stream socket.
type Client struct {
	baseURL string
	authSID string
	authTok string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient builds a call-control client from configuration. It returns nil
// when CALL_CONTROL_BASE_URL is unset, so callers can treat a nil *Client as
// "no call-control API available" and fall back to closing the media socket.
func NewClient(cfg *config.Config, logger zerolog.Logger) *Client {
	if cfg.CallControlBaseURL == "" {
		return nil
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.CallControlBaseURL, "/"),
		authSID: cfg.CallControlAuthSID,
		authTok: cfg.CallControlAuthTok,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With().Str("component", "callcontrol").Logger(),
	}
}

// EndCall hangs up the call identified by callSID through the provider's
// REST API. A nil Client (no base URL configured) is a no-op so callers
// don't need to branch on whether call control is configured.
func (c *Client) EndCall(ctx context.Context, callSID string) error {
	if c == nil || callSID == "" {
		return nil
	}

	endpoint := fmt.Sprintf("%s/Calls/%s.json", c.baseURL, url.PathEscape(callSID))
	form := url.Values{}
	form.Set("Status", "completed")

	err := resilience.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("building call-control request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(c.authSID, c.authTok)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("call-control request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("call-control API returned status %d", resp.StatusCode)
		}
		return nil
	}, resilience.DefaultRetryConfig(), resilience.IsRetryableNetworkError)

	if err != nil {
		c.logger.Error().Err(err).Str("call_sid", callSID).Msg("failed to end call via call-control API")
		return err
	}

	c.logger.Info().Str("call_sid", callSID).Msg("ended call via call-control API")
	return nil
}
