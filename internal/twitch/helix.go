// Package twitch talks to the Helix API and decodes EventSub webhook payloads.
package twitch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultAPIBase = "https://api.twitch.tv/helix"
	chattersPage   = 1000
	maxPages       = 50
)

var (
	ErrNotConfigured   = errors.New("twitch credentials not configured")
	ErrUnknownChannel  = errors.New("twitch channel not found")
	ErrUnexpectedReply = errors.New("unexpected helix reply")
)

type Credentials struct {
	ClientID        string
	UserAccessToken string
	ChannelName     string
	APIBase         string // defaults to DefaultAPIBase
}

func (c Credentials) configured() bool {
	return c.ClientID != "" && c.UserAccessToken != "" && c.ChannelName != ""
}

// HelixViewers lists the channel's chatters. The broadcaster id is resolved once and cached.
type HelixViewers struct {
	creds  Credentials
	client *http.Client

	mu            sync.Mutex
	broadcasterID string
}

func NewHelixViewers(creds Credentials, client *http.Client) *HelixViewers {
	if creds.APIBase == "" {
		creds.APIBase = DefaultAPIBase
	}
	creds.APIBase = strings.TrimRight(creds.APIBase, "/")
	creds.ChannelName = strings.ToLower(strings.TrimSpace(creds.ChannelName))
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HelixViewers{creds: creds, client: client}
}

// GetOnlineViewers returns the lower-cased logins of everyone in chat.
func (h *HelixViewers) GetOnlineViewers(ctx context.Context) (map[string]struct{}, error) {
	if !h.creds.configured() {
		return nil, ErrNotConfigured
	}
	id, err := h.BroadcasterID(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]struct{})
	cursor := ""
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("broadcaster_id", id)
		q.Set("moderator_id", id)
		q.Set("first", fmt.Sprint(chattersPage))
		if cursor != "" {
			q.Set("after", cursor)
		}
		body, err := h.get(ctx, "/chat/chatters", q)
		if err != nil {
			return nil, err
		}
		data := gjson.GetBytes(body, "data")
		if !data.IsArray() {
			return nil, fmt.Errorf("%w: chatters without data array", ErrUnexpectedReply)
		}
		for _, login := range gjson.GetBytes(body, "data.#.user_login").Array() {
			if name := strings.ToLower(login.String()); name != "" {
				out[name] = struct{}{}
			}
		}
		cursor = gjson.GetBytes(body, "pagination.cursor").String()
		if cursor == "" {
			return out, nil
		}
	}
	return out, nil
}

// BroadcasterID resolves the configured channel's user id.
func (h *HelixViewers) BroadcasterID(ctx context.Context) (string, error) {
	h.mu.Lock()
	id := h.broadcasterID
	h.mu.Unlock()
	if id != "" {
		return id, nil
	}

	q := url.Values{}
	q.Set("login", h.creds.ChannelName)
	body, err := h.get(ctx, "/users", q)
	if err != nil {
		return "", err
	}
	id = gjson.GetBytes(body, "data.0.id").String()
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownChannel, h.creds.ChannelName)
	}
	h.mu.Lock()
	h.broadcasterID = id
	h.mu.Unlock()
	return id, nil
}

func (h *HelixViewers) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.creds.APIBase+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", h.creds.ClientID)
	req.Header.Set("Authorization", "Bearer "+h.creds.UserAccessToken)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("helix %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("helix %s: read body: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(body, "message").String()
		if resp.StatusCode == http.StatusUnauthorized {
			// token rotated; resolve the id again with the next token
			h.mu.Lock()
			h.broadcasterID = ""
			h.mu.Unlock()
		}
		return nil, fmt.Errorf("%w: %s returned %d %s", ErrUnexpectedReply, path, resp.StatusCode, msg)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: %s returned invalid json", ErrUnexpectedReply, path)
	}
	return body, nil
}
