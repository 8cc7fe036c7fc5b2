package platform

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"publish-pipeline/internal/models"
)

// Microblog publishes short-form posts to the microblog API.
type Microblog struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewMicroblog(baseURL, token string, timeout time.Duration) *Microblog {
	return &Microblog{
		baseURL: baseURL,
		token:   token,
		client:  newHTTPClient(timeout),
	}
}

type microblogPostRequest struct {
	Text string `json:"text"`
}

type microblogPostResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (m *Microblog) Submit(ctx context.Context, content Content, idempotencyKey string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/2/tweets", nil)
	if err != nil {
		return "", NewError(ClassTransient, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.token)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	var out microblogPostResponse
	if err := doJSON(m.client, req, microblogPostRequest{Text: string(content.Body)}, &out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", NewError(ClassTransient, "post response missing id", nil)
	}
	return out.Data.ID, nil
}

type microblogMetricsResponse struct {
	Data struct {
		PublicMetrics struct {
			Impressions int64 `json:"impression_count"`
			Likes       int64 `json:"like_count"`
			Replies     int64 `json:"reply_count"`
			Reposts     int64 `json:"retweet_count"`
			Clicks      int64 `json:"url_link_clicks"`
		} `json:"public_metrics"`
	} `json:"data"`
}

func (m *Microblog) FetchMetrics(ctx context.Context, externalPostID string) (models.RawCounts, error) {
	url := fmt.Sprintf("%s/2/tweets/%s?tweet.fields=public_metrics", m.baseURL, externalPostID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.RawCounts{}, NewError(ClassTransient, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.token)

	var out microblogMetricsResponse
	if err := doJSON(m.client, req, nil, &out); err != nil {
		return models.RawCounts{}, err
	}
	pm := out.Data.PublicMetrics
	return models.RawCounts{
		Impressions: pm.Impressions,
		Likes:       pm.Likes,
		Comments:    pm.Replies,
		Shares:      pm.Reposts,
		Clicks:      pm.Clicks,
	}, nil
}
