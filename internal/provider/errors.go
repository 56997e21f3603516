package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"codeagent/internal/models"
)

const maxErrorBody = 64 * 1024

// ErrAuth matches every AuthError.
var ErrAuth = errors.New("authentication failed")

// ErrRateLimited matches a RemoteError carrying HTTP 429.
var ErrRateLimited = errors.New("rate limited")

// AuthError reports a missing credential (Status 0) or one the remote rejected.
type AuthError struct {
	Provider models.ProviderTag
	Status   int
	Body     string
}

func (e *AuthError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: missing API key", e.Provider)
	}
	return fmt.Sprintf("%s: API key rejected (HTTP %d): %s", e.Provider, e.Status, e.Body)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuth
}

// RemoteError reports a non-success HTTP status from the provider.
type RemoteError struct {
	Provider models.ProviderTag
	Status   int
	Body     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s API error: HTTP %d %s - %s", e.Provider, e.Status, http.StatusText(e.Status), e.Body)
}

// IsRateLimited reports whether the provider throttled the request.
func (e *RemoteError) IsRateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRateLimited && e.IsRateLimited()
}

// NetworkError wraps a transport failure.
type NetworkError struct {
	Provider models.ProviderTag
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ParseError describes a streamed fragment that could not be decoded. Providers
// log and skip these; they never reach callers.
type ParseError struct {
	Provider models.ProviderTag
	Data     string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: malformed stream fragment %q: %v", e.Provider, truncate(e.Data, 120), e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// RequireCredential fails with an AuthError before any network call when the
// credential is empty.
func RequireCredential(tag models.ProviderTag, credential string) error {
	if strings.TrimSpace(credential) == "" {
		return &AuthError{Provider: tag}
	}
	return nil
}

// StatusError converts a non-2xx response into AuthError or RemoteError. The
// response body is read (bounded) but not closed.
func StatusError(tag models.ProviderTag, resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &NetworkError{Provider: tag, Err: fmt.Errorf("read error body for status %d: %w", resp.StatusCode, err)}
	}
	body := strings.TrimSpace(string(raw))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Provider: tag, Status: resp.StatusCode, Body: body}
	}
	return &RemoteError{Provider: tag, Status: resp.StatusCode, Body: body}
}

// DecodeError classifies a failure to decode a 2xx body. A body that is not the
// expected JSON is a RemoteError; a read that broke off is a NetworkError.
func DecodeError(tag models.ProviderTag, status int, err error) error {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.EOF) {
		return &RemoteError{Provider: tag, Status: status, Body: "malformed response: " + err.Error()}
	}
	return &NetworkError{Provider: tag, Err: err}
}

// IsSuccess reports whether status is 2xx.
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
