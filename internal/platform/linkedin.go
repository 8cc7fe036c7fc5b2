package platform

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"publish-pipeline/internal/models"
)

// LinkedIn publishes to the professional-network share API.
type LinkedIn struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewLinkedIn(baseURL, token string, timeout time.Duration) *LinkedIn {
	return &LinkedIn{
		baseURL: baseURL,
		token:   token,
		client:  newHTTPClient(timeout),
	}
}

type linkedinShareRequest struct {
	Commentary     string `json:"commentary"`
	Visibility     string `json:"visibility"`
	LifecycleState string `json:"lifecycleState"`
}

type linkedinShareResponse struct {
	ID string `json:"id"`
}

func (l *LinkedIn) Submit(ctx context.Context, content Content, idempotencyKey string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/rest/posts", nil)
	if err != nil {
		return "", NewError(ClassTransient, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+l.token)
	req.Header.Set("X-Restli-Idempotency-Value", idempotencyKey)

	var out linkedinShareResponse
	payload := linkedinShareRequest{
		Commentary:     string(content.Body),
		Visibility:     "PUBLIC",
		LifecycleState: "PUBLISHED",
	}
	if err := doJSON(l.client, req, payload, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", NewError(ClassTransient, "share response missing post id", nil)
	}
	return out.ID, nil
}

type linkedinMetricsResponse struct {
	Impressions int64 `json:"impressionCount"`
	Likes       int64 `json:"likeCount"`
	Comments    int64 `json:"commentCount"`
	Shares      int64 `json:"shareCount"`
	Clicks      int64 `json:"clickCount"`
}

func (l *LinkedIn) FetchMetrics(ctx context.Context, externalPostID string) (models.RawCounts, error) {
	url := fmt.Sprintf("%s/rest/socialMetadata/%s", l.baseURL, externalPostID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.RawCounts{}, NewError(ClassTransient, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+l.token)

	var out linkedinMetricsResponse
	if err := doJSON(l.client, req, nil, &out); err != nil {
		return models.RawCounts{}, err
	}
	return models.RawCounts{
		Impressions: out.Impressions,
		Likes:       out.Likes,
		Comments:    out.Comments,
		Shares:      out.Shares,
		Clicks:      out.Clicks,
	}, nil
}
