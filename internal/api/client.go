// Package api is the REST client for the chat endpoints. It is the durable
// path of the client core: history, send confirmation and read state go
// through here regardless of the WebSocket state.
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
	"strings"
	"time"

	"github.com/workdesk/chat-app/internal/chat"
	"github.com/workdesk/chat-app/internal/protocol"
)

// DefaultHistoryLimit is the page size requested when none is given.
const DefaultHistoryLimit = 50

var (
	ErrUnauthorized = errors.New("api: unauthorized")
	ErrNotFound     = errors.New("api: not found")
)

// StatusError is returned for non-2xx responses other than 401 and 404.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.Code, e.Message)
}

// Client calls the chat REST API with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a Client for baseURL. A nil httpClient gets a 15s timeout.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// ListChats fetches GET /chat/list.
func (c *Client) ListChats(ctx context.Context) ([]chat.Chat, error) {
	var out []protocol.ChatSummary
	if err := c.do(ctx, http.MethodGet, "/chat/list", nil, &out); err != nil {
		return nil, fmt.Errorf("api: list chats: %w", err)
	}
	chats := make([]chat.Chat, 0, len(out))
	for _, s := range out {
		if s.ID == "" {
			continue
		}
		chats = append(chats, protocol.ChatFromSummary(s))
	}
	return chats, nil
}

// History fetches the newest messages of chatID, oldest first.
func (c *Client) History(ctx context.Context, chatID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	path := "/chat/" + url.PathEscape(chatID) + "/history?limit=" + strconv.Itoa(limit)

	var out []protocol.WireMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("api: history %s: %w", chatID, err)
	}
	msgs := protocol.NormalizeAll(out, time.Now())
	for i := range msgs {
		if msgs[i].ChatID == "" {
			msgs[i].ChatID = chatID
		}
	}
	return msgs, nil
}

// Send posts a message and returns the server's durable copy. The server
// deduplicates on clientMessageID, so retrying a send is safe.
func (c *Client) Send(ctx context.Context, chatID, text, clientMessageID string) (chat.Message, error) {
	req := protocol.SendRequest{ChatID: chatID, Message: text, ClientMessageID: clientMessageID}

	var out protocol.WireMessage
	if err := c.do(ctx, http.MethodPost, "/chat/send", req, &out); err != nil {
		return chat.Message{}, fmt.Errorf("api: send %s: %w", chatID, err)
	}
	if out.ID == "" {
		return chat.Message{}, fmt.Errorf("api: send %s: response without id", chatID)
	}
	m := protocol.Normalize(out, time.Now())
	if m.ChatID == "" {
		m.ChatID = chatID
	}
	return m, nil
}

// MarkRead calls PATCH /chat/{chatId}/read and returns the unread count the
// server reports afterwards.
func (c *Client) MarkRead(ctx context.Context, chatID string) (int, error) {
	var out protocol.ReadResponse
	if err := c.do(ctx, http.MethodPatch, "/chat/"+url.PathEscape(chatID)+"/read", nil, &out); err != nil {
		return 0, fmt.Errorf("api: mark read %s: %w", chatID, err)
	}
	return out.UnreadCount, nil
}

// OpenDirect returns the direct chat with recipientID, creating it if needed.
func (c *Client) OpenDirect(ctx context.Context, recipientID string) (chat.Chat, error) {
	var out protocol.ChatSummary
	if err := c.do(ctx, http.MethodPost, "/chat/dm", protocol.DirectRequest{RecipientID: recipientID}, &out); err != nil {
		return chat.Chat{}, fmt.Errorf("api: open direct %s: %w", recipientID, err)
	}
	ch := protocol.ChatFromSummary(out)
	if ch.Kind == chat.KindGroup && out.Type == "" {
		ch.Kind = chat.KindDirect
	}
	return ch, nil
}

// Roster fetches the people the user can message. Older servers only expose
// GET /employees, which is tried when /employees/for-chat is missing.
func (c *Client) Roster(ctx context.Context) ([]chat.Participant, error) {
	var out []protocol.Employee
	err := c.do(ctx, http.MethodGet, "/employees/for-chat", nil, &out)
	if errors.Is(err, ErrNotFound) {
		err = c.do(ctx, http.MethodGet, "/employees", nil, &out)
	}
	if err != nil {
		return nil, fmt.Errorf("api: roster: %w", err)
	}
	people := make([]chat.Participant, 0, len(out))
	for _, e := range out {
		if e.ID == "" {
			continue
		}
		people = append(people, protocol.ParticipantFromEmployee(e))
	}
	return people, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		var he protocol.HTTPError
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &he) != nil || he.Error == "" {
			he.Error = strings.TrimSpace(string(data))
		}
		return &StatusError{Code: resp.StatusCode, Message: he.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
