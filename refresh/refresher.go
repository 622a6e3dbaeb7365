package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// maxResponseBytes caps how much of a refresh response is read.
const maxResponseBytes = 1 << 20

// Result is the outcome of a successful refresh. Refresh is empty unless the
// server rotated the refresh token.
type Result struct {
	Access  string
	Refresh string
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Result, error)
}

// RefresherFunc adapts a function to [Refresher].
type RefresherFunc func(ctx context.Context, refreshToken string) (Result, error)

// Refresh calls f.
func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (Result, error) {
	return f(ctx, refreshToken)
}

// HTTPRefresher posts {"refresh_token": ...} to the API's refresh endpoint
// and expects {"access_token": ..., "refresh_token": ...} back.
//
// 400, 401 and 403 responses are reported as [ErrRefreshRejected].
type HTTPRefresher struct {
	url    string
	client *http.Client
}

// NewHTTPRefresher returns a refresher for baseURL+path. client should not be
// the gated client; a nil client uses a plain one with a 10s timeout.
func NewHTTPRefresher(baseURL, path string, client *http.Client) (*HTTPRefresher, error) {
	if baseURL == "" {
		return nil, errors.New("refresh: base URL is empty")
	}
	if path == "" || path[0] != '/' {
		return nil, errors.New("refresh: path must start with /")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRefresher{
		url:    strings.TrimRight(baseURL, "/") + path,
		client: client,
	}, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Refresh performs one exchange.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (Result, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, err
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return Result{}, fmt.Errorf("%w: status %d", ErrRefreshRejected, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Result{}, fmt.Errorf("refresh endpoint returned status %d", resp.StatusCode)
	}

	var out refreshResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, fmt.Errorf("decode refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return Result{}, errors.New("refresh response missing access_token")
	}
	return Result{Access: out.AccessToken, Refresh: out.RefreshToken}, nil
}

// OAuth2Refresher performs the refresh_token grant against an OAuth2 token
// endpoint.
type OAuth2Refresher struct {
	config *oauth2.Config
	client *http.Client
}

// NewOAuth2Refresher wraps cfg. client, when set, is used for the token call.
func NewOAuth2Refresher(cfg *oauth2.Config, client *http.Client) (*OAuth2Refresher, error) {
	if cfg == nil || cfg.Endpoint.TokenURL == "" {
		return nil, errors.New("refresh: oauth2 token URL is empty")
	}
	return &OAuth2Refresher{config: cfg, client: client}, nil
}

// Refresh performs one grant. invalid_grant and 400/401 responses are
// reported as [ErrRefreshRejected].
func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (Result, error) {
	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}

	// An empty access token is never valid, so the source always refreshes.
	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rejectedGrant(rerr) {
			return Result{}, fmt.Errorf("%w: %s", ErrRefreshRejected, rerr.ErrorCode)
		}
		return Result{}, err
	}

	res := Result{Access: tok.AccessToken}
	if tok.RefreshToken != refreshToken {
		res.Refresh = tok.RefreshToken
	}
	return res, nil
}

func rejectedGrant(err *oauth2.RetrieveError) bool {
	switch err.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return true
	}
	if err.Response != nil {
		switch err.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return true
		}
	}
	return false
}

