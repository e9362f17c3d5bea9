package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/volley-sync/internal/rules"
	"github.com/example/volley-sync/internal/types"
)

// Client talks to Server and satisfies the session's Store interface, so a
// scorekeeper on another machine commits through the same CAS path.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient builds a client for the server at baseURL. A nil httpClient uses
// a client with a ten second timeout.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("server url %q must include scheme and host", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: u, http: httpClient}, nil
}

// ResolveSlug maps slug to its tournament identifier.
func (c *Client) ResolveSlug(ctx context.Context, slug string) (types.TournamentID, error) {
	var out idResponse
	if _, err := c.do(ctx, http.MethodGet, c.path("tournaments", slug), nil, nil, &out, http.StatusOK); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Load fetches the current document.
func (c *Client) Load(ctx context.Context, id types.TournamentID) (types.VersionedDocument, error) {
	var out stateResponse
	if _, err := c.do(ctx, http.MethodGet, c.path("tournaments", string(id), "state"), nil, nil, &out, http.StatusOK); err != nil {
		return types.VersionedDocument{}, err
	}
	return types.VersionedDocument{State: out.State, Version: out.Version}, nil
}

// CompareAndSet submits a version-guarded write.
func (c *Client) CompareAndSet(ctx context.Context, id types.TournamentID, req types.CASRequest) (types.CASResult, error) {
	header := http.Header{}
	header.Set(PinHeader, req.Secret)

	var out stateResponse
	status, err := c.do(ctx, http.MethodPut, c.path("tournaments", string(id), "state"), header, req, &out,
		http.StatusOK, http.StatusConflict, http.StatusUnauthorized)
	if err != nil {
		return types.CASResult{}, err
	}
	switch status {
	case http.StatusOK:
		return types.CASResult{Status: types.CASAccepted, Current: types.VersionedDocument{State: out.State, Version: out.Version}}, nil
	case http.StatusConflict:
		return types.CASResult{Status: types.CASConflict, Current: types.VersionedDocument{State: out.State, Version: out.Version}}, nil
	default:
		return types.CASResult{Status: types.CASUnauthorized}, nil
	}
}

// EnsureTournament creates the tournament unless the slug already exists.
func (c *Client) EnsureTournament(ctx context.Context, slug, secret string, initial *types.TournamentDocument) (types.TournamentID, error) {
	var out idResponse
	body := createRequest{Slug: slug, Pin: secret, State: initial}
	if _, err := c.do(ctx, http.MethodPost, c.path("tournaments"), nil, body, &out, http.StatusOK); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Groups returns the groups derived by the server.
func (c *Client) Groups(ctx context.Context, slug string) ([]string, error) {
	var out groupsResponse
	if _, err := c.do(ctx, http.MethodGet, c.path("tournaments", slug, "groups"), nil, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Groups, nil
}

// Standings returns the server-computed table for group.
func (c *Client) Standings(ctx context.Context, slug, group string) ([]rules.Standing, error) {
	var out standingsResponse
	if _, err := c.do(ctx, http.MethodGet, c.path("tournaments", slug, "standings", group), nil, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Standings, nil
}

// StateAt fetches the document as it was at version.
func (c *Client) StateAt(ctx context.Context, slug string, version int64) (types.VersionedDocument, error) {
	var out stateResponse
	if _, err := c.do(ctx, http.MethodGet, c.path("tournaments", slug, "versions", fmt.Sprint(version)), nil, nil, &out, http.StatusOK); err != nil {
		return types.VersionedDocument{}, err
	}
	return types.VersionedDocument{State: out.State, Version: out.Version}, nil
}

// WebSocketURL returns the push stream endpoint served next to the API.
func (c *Client) WebSocketURL() string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

func (c *Client) path(segments ...string) string {
	return c.base.JoinPath(segments...).String()
}

func (c *Client) do(ctx context.Context, method, target string, header http.Header, body, out any, accept ...int) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, types.Transport(method+" "+req.URL.Path, err)
	}
	defer resp.Body.Close()

	for _, code := range accept {
		if resp.StatusCode != code {
			continue
		}
		if out != nil && resp.StatusCode != http.StatusUnauthorized {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return 0, types.Transport("decode response", err)
			}
		}
		return resp.StatusCode, nil
	}

	var apiErr errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)
	switch resp.StatusCode {
	case http.StatusNotFound:
		return resp.StatusCode, fmt.Errorf("%s: %w", apiErr.Error, types.ErrNotFound)
	case http.StatusUnauthorized:
		return resp.StatusCode, fmt.Errorf("%s: %w", apiErr.Error, types.ErrUnauthorized)
	case http.StatusConflict:
		return resp.StatusCode, fmt.Errorf("%s: %w", apiErr.Error, types.ErrConflict)
	default:
		return resp.StatusCode, types.Transport(method+" "+req.URL.Path, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, apiErr.Error))
	}
}
