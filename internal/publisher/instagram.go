package publisher

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"postpilot/internal/config"
	logx "postpilot/pkg/logx"
)

const defaultBaseURL = "https://graph.facebook.com/v20.0"

// GraphConfig configures the Instagram Graph API client.
type GraphConfig struct {
	BaseURL string // empty means the production Graph endpoint

	// StatusPollInterval is how often a processing container is re-checked.
	StatusPollInterval time.Duration

	// PublishPerHour caps publish workflows; the platform enforces a daily
	// content publishing quota, so we throttle before it does. 0 disables.
	PublishPerHour int
}

// GraphClient publishes reels through the Instagram Graph API.
//
// The upload flow is: create a media container from a public video URL, poll
// the container until processing finishes, then publish the container. The
// whole workflow runs under the caller's context.
type GraphClient struct {
	cfg   GraphConfig
	creds config.Credentials
	media MediaResolver

	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func NewGraphClient(cfg GraphConfig, creds config.Credentials, media MediaResolver, log logx.Logger) *GraphClient {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	var lim *rate.Limiter
	if cfg.PublishPerHour > 0 {
		lim = rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.PublishPerHour)), 1)
	}
	return &GraphClient{
		cfg:     cfg,
		creds:   creds,
		media:   media,
		http:    &http.Client{},
		limiter: lim,
		log:     log,
	}
}

func (c *GraphClient) Publish(ctx context.Context, mediaRef, caption string) (string, error) {
	if !c.creds.Complete() {
		return "", ErrNotConfigured
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	videoURL, err := c.media.URL(mediaRef)
	if err != nil {
		return "", fmt.Errorf("resolve media %q: %w", mediaRef, err)
	}

	containerID, err := c.createContainer(ctx, videoURL, caption)
	if err != nil {
		return "", err
	}
	c.log.Info("media container created", logx.String("container", containerID))

	if err := c.waitProcessed(ctx, containerID); err != nil {
		return "", err
	}

	remoteID, err := c.publishContainer(ctx, containerID)
	if err != nil {
		return "", err
	}
	c.log.Info("media published", logx.String("remote_id", remoteID))
	return remoteID, nil
}

func (c *GraphClient) createContainer(ctx context.Context, videoURL, caption string) (string, error) {
	params := url.Values{
		"media_type": {"REELS"},
		"video_url":  {videoURL},
		"caption":    {caption},
	}
	var out struct {
		ID string `json:"id"`
	}
	err := c.call(ctx, http.MethodPost, c.creds.AccountID+"/media", params, &out)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create container: empty id in response")
	}
	return out.ID, nil
}

// waitProcessed polls the container until the platform reports FINISHED.
// The caller's context bounds the wait.
func (c *GraphClient) waitProcessed(ctx context.Context, containerID string) error {
	tick := time.NewTicker(c.cfg.StatusPollInterval)
	defer tick.Stop()
	for {
		status, err := c.containerStatus(ctx, containerID)
		if err != nil {
			return err
		}
		switch status {
		case "FINISHED":
			return nil
		case "ERROR", "EXPIRED":
			return fmt.Errorf("%w: container %s status %s", ErrProcessing, containerID, status)
		}
		c.log.Debug("container still processing", logx.String("container", containerID), logx.String("status", status))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func (c *GraphClient) containerStatus(ctx context.Context, containerID string) (string, error) {
	var out struct {
		StatusCode string `json:"status_code"`
	}
	params := url.Values{"fields": {"status_code,status"}}
	if err := c.call(ctx, http.MethodGet, containerID, params, &out); err != nil {
		return "", fmt.Errorf("container status: %w", err)
	}
	return out.StatusCode, nil
}

func (c *GraphClient) publishContainer(ctx context.Context, containerID string) (string, error) {
	params := url.Values{"creation_id": {containerID}}
	var out struct {
		ID string `json:"id"`
	}
	err := c.call(ctx, http.MethodPost, c.creds.AccountID+"/media_publish", params, &out)
	if err != nil {
		return "", fmt.Errorf("publish container: %w", err)
	}
	return out.ID, nil
}

// call performs one Graph API request, attaching the access token and
// appsecret_proof, and decodes either the payload or the API error envelope.
func (c *GraphClient) call(ctx context.Context, method, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("access_token", c.creds.AccessToken)
	params.Set("appsecret_proof", c.appSecretProof())

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + path

	var req *http.Request
	var err error
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+params.Encode(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var envelope struct {
			Error struct {
				Message string `json:"message"`
				Code    int    `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
			return fmt.Errorf("graph api: %s (code %d)", envelope.Error.Message, envelope.Error.Code)
		}
		return fmt.Errorf("graph api: http %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// appSecretProof is the HMAC-SHA256 of the access token keyed by the app
// secret; the platform requires it on server-to-server calls.
func (c *GraphClient) appSecretProof() string {
	mac := hmac.New(sha256.New, []byte(c.creds.AppSecret))
	mac.Write([]byte(c.creds.AccessToken))
	return hex.EncodeToString(mac.Sum(nil))
}
