package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"
)

const maxErrorBody = 4 << 10

// HTTPError is a non-2xx provider response. It unwraps to ErrProviderRejected or
// ErrProviderUnavailable depending on the status code.
type HTTPError struct {
	StatusCode int
	Detail     string
}

func (e *HTTPError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Detail)
}

func (e *HTTPError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode >= 500:
		return ErrProviderUnavailable
	default:
		return ErrProviderRejected
	}
}

// Request describes one provider call. Body, when non-nil, is sent as JSON.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   any
}

// Send performs the request and returns the response for 2xx statuses. The caller
// closes the body. Transport failures and error statuses are classified.
func Send(ctx context.Context, client *http.Client, r Request) (*http.Response, error) {
	var body io.Reader
	if r.Body != nil {
		raw, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, ClassifyError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Detail: errorDetail(raw)}
	}
	return resp, nil
}

// SendJSON performs the request and decodes a JSON response into out.
func SendJSON(ctx context.Context, client *http.Client, r Request, out any) error {
	resp, err := Send(ctx, client, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrProviderUnavailable, err)
	}
	return nil
}

// ClassifyError maps transport-level errors to sentinel errors. Every transport
// failure, timeouts included, is transient from the engine's point of view.
func ClassifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: timeout: %v", ErrProviderUnavailable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrProviderUnavailable, err)
	}

	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

const maxDetailBytes = 200

// errorDetail pulls a human-readable message out of an error body. The result
// is valid UTF-8 and at most maxDetailBytes long.
func errorDetail(raw []byte) string {
	var body struct {
		Detail  json.RawMessage `json:"detail"`
		Error   string          `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if len(body.Detail) > 0 {
			var s string
			if json.Unmarshal(body.Detail, &s) == nil {
				return truncateDetail(s)
			}
			return truncateDetail(string(body.Detail))
		}
		if body.Error != "" {
			return truncateDetail(body.Error)
		}
		if body.Message != "" {
			return truncateDetail(body.Message)
		}
	}
	return truncateDetail(string(raw))
}

// truncateDetail cuts s on a rune boundary.
func truncateDetail(s string) string {
	s = strings.ToValidUTF8(strings.TrimSpace(s), "\uFFFD")
	if len(s) <= maxDetailBytes {
		return s
	}
	n := maxDetailBytes
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
