// Package api is the REST collaborator client: paginated history, member
// rosters, topics and the presence heartbeat. Thin I/O only; all chat
// semantics live in the engine.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/studycircle/chatkit/pkg/state"
)

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Messages fetches one history page, newest first, as served by
// GET /{scope}/messages?limit=&offset=.
func (c *Client) Messages(ctx context.Context, scope state.Scope, limit, offset int) ([]state.Message, error) {
	endpoint := fmt.Sprintf("%s/%s/messages?limit=%d&offset=%d", c.BaseURL, scope.Path(), limit, offset)
	var page []state.Message
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
		return nil, fmt.Errorf("failed to fetch message page at offset %d: %w", offset, err)
	}
	return page, nil
}

// Members fetches the active-member snapshot.
func (c *Client) Members(ctx context.Context, scope state.Scope) ([]state.UserSummary, error) {
	endpoint := fmt.Sprintf("%s/%s/members", c.BaseURL, scope.Path())
	var members []state.UserSummary
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &members); err != nil {
		return nil, fmt.Errorf("failed to fetch members: %w", err)
	}
	return members, nil
}

// Topic fetches the scope's current topic. ok is false while the scope is
// still in the no-topic state.
func (c *Client) Topic(ctx context.Context, scope state.Scope) (state.Topic, bool, error) {
	endpoint := fmt.Sprintf("%s/%s/topic", c.BaseURL, scope.Path())
	var t state.Topic
	err := c.do(ctx, http.MethodGet, endpoint, nil, &t)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return state.Topic{}, false, nil
		}
		return state.Topic{}, false, fmt.Errorf("failed to fetch topic: %w", err)
	}
	return t, true, nil
}

// SetTopic submits a topic change via PATCH /{scope}/topic. The server
// answers with the installed topic and broadcasts topic-changed to the scope.
func (c *Client) SetTopic(ctx context.Context, scope state.Scope, text string) (state.Topic, error) {
	endpoint := fmt.Sprintf("%s/%s/topic", c.BaseURL, scope.Path())
	body := map[string]string{"topic": text}
	var t state.Topic
	if err := c.do(ctx, http.MethodPatch, endpoint, body, &t); err != nil {
		return state.Topic{}, fmt.Errorf("failed to set topic: %w", err)
	}
	return t, nil
}

// Heartbeat reports the local member as active (or, on teardown of the
// debate variant, inactive) via PATCH /{scope}/members/me.
func (c *Client) Heartbeat(ctx context.Context, scope state.Scope, active bool) error {
	endpoint := fmt.Sprintf("%s/%s/members/me", c.BaseURL, scope.Path())
	body := map[string]bool{"active": active}
	if err := c.do(ctx, http.MethodPatch, endpoint, body, nil); err != nil {
		return fmt.Errorf("failed to report member status: %w", err)
	}
	return nil
}

// Profile looks up a user summary by id, for presence entries that arrive as
// a bare id.
func (c *Client) Profile(ctx context.Context, userID string) (state.UserSummary, error) {
	endpoint := fmt.Sprintf("%s/users/%s", c.BaseURL, url.PathEscape(userID))
	var u state.UserSummary
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &u); err != nil {
		return state.UserSummary{}, fmt.Errorf("failed to fetch profile for %s: %w", userID, err)
	}
	return u, nil
}

// statusError carries a non-2xx response status.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return "unexpected status " + strconv.Itoa(e.status) + ": " + e.body
}

func isStatus(err error, status int) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status == status
	}
	return false
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{status: resp.StatusCode, body: string(raw)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
