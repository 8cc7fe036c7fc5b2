package platform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// classifyStatus maps HTTP response codes to failure classes shared by both
// REST adapters. 2xx never reaches here.
func classifyStatus(status int, body string) *Error {
	switch {
	case status == http.StatusTooManyRequests:
		return NewError(ClassRateLimited, trimBody(body), nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(ClassAuthExpired, trimBody(body), nil)
	case status == http.StatusNotFound:
		return NewError(ClassNotFound, trimBody(body), nil)
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		// Platform refused the content itself; retrying the same payload
		// can never succeed.
		return NewError(ClassRejected, trimBody(body), nil)
	default:
		return NewError(ClassTransient, fmt.Sprintf("status %d: %s", status, trimBody(body)), nil)
	}
}

func trimBody(body string) string {
	const max = 256
	if len(body) > max {
		return body[:max]
	}
	return body
}

// doJSON executes a JSON request and decodes the response into out on 2xx.
// Network errors come back as transient; everything else goes through
// classifyStatus.
func doJSON(client *http.Client, req *http.Request, payload, out any) error {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return NewError(ClassRejected, "encode request payload", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(raw))
		req.ContentLength = int64(len(raw))
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return NewError(ClassTransient, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return NewError(ClassTransient, "read response body", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(resp.StatusCode, string(body))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return NewError(ClassTransient, "decode response body", err)
		}
	}
	return nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
