package publisher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Read-only analytics surface. None of this is a scheduling concern; the
// surrounding application renders it as-is.

type AccountInfo struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	MediaCount     int    `json:"media_count"`
	FollowersCount int    `json:"followers_count"`
}

type MediaItem struct {
	ID            string `json:"id"`
	Caption       string `json:"caption"`
	MediaType     string `json:"media_type"`
	MediaURL      string `json:"media_url"`
	Timestamp     string `json:"timestamp"`
	LikeCount     int    `json:"like_count"`
	CommentsCount int    `json:"comments_count"`
}

type InsightValue struct {
	Value int64 `json:"value"`
}

type Insight struct {
	Name   string         `json:"name"`
	Period string         `json:"period"`
	Values []InsightValue `json:"values"`
}

type PublishingLimit struct {
	QuotaUsage int `json:"quota_usage"`
	Config     struct {
		QuotaTotal    int `json:"quota_total"`
		QuotaDuration int `json:"quota_duration"`
	} `json:"config"`
}

// TestConnection fetches basic account fields, verifying the token works.
func (c *GraphClient) TestConnection(ctx context.Context) (*AccountInfo, error) {
	if !c.creds.Complete() {
		return nil, ErrNotConfigured
	}
	var out AccountInfo
	params := url.Values{"fields": {"id,username,media_count,followers_count"}}
	if err := c.call(ctx, http.MethodGet, c.creds.AccountID, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AccountInsights returns account-level metrics for the given period
// ("day", "week", "days_28"). Empty metrics default to impressions and reach.
func (c *GraphClient) AccountInsights(ctx context.Context, period string, metrics []string) ([]Insight, error) {
	if !c.creds.Complete() {
		return nil, ErrNotConfigured
	}
	if len(metrics) == 0 {
		metrics = []string{"impressions", "reach"}
	}
	params := url.Values{
		"metric": {strings.Join(metrics, ",")},
		"period": {period},
	}
	var out struct {
		Data []Insight `json:"data"`
	}
	if err := c.call(ctx, http.MethodGet, c.creds.AccountID+"/insights", params, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// MediaInsights returns per-post metrics for a published media object.
func (c *GraphClient) MediaInsights(ctx context.Context, mediaID string) ([]Insight, error) {
	if !c.creds.Complete() {
		return nil, ErrNotConfigured
	}
	params := url.Values{"metric": {"reach,likes,comments,saved"}}
	var out struct {
		Data []Insight `json:"data"`
	}
	if err := c.call(ctx, http.MethodGet, mediaID+"/insights", params, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// RecentMedia lists the account's latest posts.
func (c *GraphClient) RecentMedia(ctx context.Context, limit int) ([]MediaItem, error) {
	if !c.creds.Complete() {
		return nil, ErrNotConfigured
	}
	if limit <= 0 {
		limit = 25
	}
	params := url.Values{
		"fields": {"id,caption,media_type,media_url,timestamp,like_count,comments_count"},
		"limit":  {strconv.Itoa(limit)},
	}
	var out struct {
		Data []MediaItem `json:"data"`
	}
	if err := c.call(ctx, http.MethodGet, c.creds.AccountID+"/media", params, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ContentPublishingLimit reports the daily publish quota usage.
func (c *GraphClient) ContentPublishingLimit(ctx context.Context) (*PublishingLimit, error) {
	if !c.creds.Complete() {
		return nil, ErrNotConfigured
	}
	params := url.Values{"fields": {"quota_usage,config"}}
	var out struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := c.call(ctx, http.MethodGet, c.creds.AccountID+"/content_publishing_limit", params, &out); err != nil {
		return nil, err
	}
	var pl PublishingLimit
	if len(out.Data) > 0 {
		if err := json.Unmarshal(out.Data[0], &pl); err != nil {
			return nil, err
		}
	}
	return &pl, nil
}
