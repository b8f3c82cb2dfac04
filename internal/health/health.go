// Package health probes the deployed application's HTTP endpoint.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultTimeout = 10 * time.Second

// Status is the outcome of one probe.
type Status struct {
	URL  string
	Code int
	Err  error
}

// OK reports a 2xx answer.
func (s Status) OK() bool {
	return s.Err == nil && s.Code >= 200 && s.Code < 300
}

func (s Status) String() string {
	if s.Err != nil {
		msg := s.Err.Error()
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return fmt.Sprintf("URL: %s | Error: %s", s.URL, msg)
	}
	verdict := "NOT OK"
	if s.OK() {
		verdict = "OK"
	}
	return fmt.Sprintf("URL: %s | Status: %d | %s", s.URL, s.Code, verdict)
}

// Check issues one GET with TLS verification on.
func Check(ctx context.Context, url string, timeout time.Duration) Status {
	url = strings.TrimSpace(url)
	if url == "" {
		return Status{Err: fmt.Errorf("URL is empty")}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := &http.Client{Timeout: timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Status{URL: url, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Status{URL: url, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return Status{URL: url, Code: resp.StatusCode}
}

// Wait polls url every interval until it answers 2xx or maxWait elapses.
func Wait(ctx context.Context, url string, maxWait, interval time.Duration, w io.Writer) (Status, error) {
	if w == nil {
		w = io.Discard
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	fmt.Fprintf(w, "[health] waiting for %s to become healthy...\n", url)

	deadline := time.Now().Add(maxWait)
	attempts := 0
	var last Status
	for {
		attempts++
		last = Check(ctx, url, DefaultTimeout)
		if last.OK() {
			fmt.Fprintf(w, "[health] endpoint returned %d (attempts: %d)\n", last.Code, attempts)
			return last, nil
		}
		if last.Err != nil {
			fmt.Fprintf(w, "[health] endpoint not ready: %v (attempt %d)\n", last.Err, attempts)
		} else {
			fmt.Fprintf(w, "[health] endpoint returned %d, waiting... (attempt %d)\n", last.Code, attempts)
		}
		if !time.Now().Add(interval).Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return last, fmt.Errorf("health check cancelled: %w", ctx.Err())
		case <-time.After(interval):
		}
	}
	return last, fmt.Errorf("health check failed after %v (%d attempts)", maxWait, attempts)
}
