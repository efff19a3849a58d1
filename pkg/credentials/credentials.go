// Package credentials checks a Gemini API key before a session is started.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/teslashibe/go-livevoice/internal/httpc"
)

// Errors.
var (
	ErrEmptyKey   = errors.New("credentials: API key is empty")
	ErrInvalidKey = errors.New("credentials: API key rejected")
)

// DefaultTimeout bounds one check.
const DefaultTimeout = 10 * time.Second

// Validator checks a key against the Gemini API.
type Validator struct {
	// Endpoint overrides the API base URL.
	Endpoint string

	// Timeout bounds each check. Default: DefaultTimeout.
	Timeout time.Duration
}

// Result describes an accepted key.
type Result struct {
	// Model is the first model the key can see.
	Model string `json:"model,omitempty"`
}

// Validate reports whether key is accepted, using the default endpoint.
func Validate(ctx context.Context, key string) (*Result, error) {
	return (&Validator{}).Validate(ctx, key)
}

// Validate lists one model with key. A 400, 401 or 403 response yields
// ErrInvalidKey; other failures are returned wrapped.
func (v *Validator) Validate(ctx context.Context, key string) (*Result, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrEmptyKey
	}

	timeout := v.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cc := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpc.Wrap(timeout, nil),
	}
	if v.Endpoint != "" {
		cc.HTTPOptions.BaseURL = v.Endpoint
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("credentials: create client: %w", err)
	}

	page, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1, QueryBase: genai.Ptr(true)})
	if err != nil {
		if code, msg, ok := apiError(err); ok {
			switch code {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("%w: %s", ErrInvalidKey, msg)
			}
		}
		return nil, fmt.Errorf("credentials: list models: %w", err)
	}

	res := &Result{}
	if len(page.Items) > 0 && page.Items[0] != nil {
		res.Model = page.Items[0].Name
	}
	return res, nil
}

// apiError extracts the HTTP status of a Gemini API error, which the
// client returns by value or by pointer depending on the call path.
func apiError(err error) (code int, msg string, ok bool) {
	var val genai.APIError
	if errors.As(err, &val) {
		return val.Code, val.Message, true
	}
	var ptr *genai.APIError
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Code, ptr.Message, true
	}
	return 0, "", false
}
