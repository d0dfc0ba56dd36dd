package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"vibechat/internal/chat"
	"vibechat/internal/user"
)

// API is the REST client for the request/response surface: auth,
// conversation management, and the durable message write.
type API struct {
	base  string
	http  *http.Client
	token string
}

func NewAPI(base string) *API {
	return &API{base: base, http: http.DefaultClient}
}

// SetToken installs the access token used on authenticated calls.
func (a *API) SetToken(token string) { a.token = token }

// Token returns the access token captured by Login.
func (a *API) Token() string { return a.token }

func (a *API) Register(ctx context.Context, username, password string) error {
	return a.do(ctx, http.MethodPost, "/register", user.Credentials{Username: username, Password: password}, nil)
}

func (a *API) Login(ctx context.Context, username, password string) (*user.LoginResponse, error) {
	res := &user.LoginResponse{}
	if err := a.do(ctx, http.MethodPost, "/login", user.Credentials{Username: username, Password: password}, res); err != nil {
		return nil, err
	}
	a.token = res.AccessToken
	return res, nil
}

func (a *API) SearchUsers(ctx context.Context, query string) ([]user.User, error) {
	var users []user.User
	err := a.do(ctx, http.MethodGet, "/api/users/search?q="+query, nil, &users)
	return users, err
}

func (a *API) CreateDirectConversation(ctx context.Context, targetID int64) (*chat.Conversation, error) {
	conv := &chat.Conversation{}
	err := a.do(ctx, http.MethodPost, "/api/conversations", map[string]int64{"targetId": targetID}, conv)
	return conv, err
}

func (a *API) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	var conversations []chat.Conversation
	err := a.do(ctx, http.MethodGet, "/api/conversations", nil, &conversations)
	return conversations, err
}

func (a *API) Messages(ctx context.Context, conversationID int64) ([]chat.Message, error) {
	var messages []chat.Message
	err := a.do(ctx, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", conversationID), nil, &messages)
	return messages, err
}

// CreateMessage issues the durable write. tempID travels with the
// request so the new_message fan-out can echo it for reconciliation.
func (a *API) CreateMessage(ctx context.Context, conversationID int64, content, messageType, tempID string) (*chat.Message, error) {
	msg := &chat.Message{}
	body := map[string]string{"content": content, "messageType": messageType, "tempId": tempID}
	err := a.do(ctx, http.MethodPost, fmt.Sprintf("/api/conversations/%d/messages", conversationID), body, msg)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// Handlers put the reason in the body; keep it in the error so
		// callers see "too many messages", not just the code.
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if msg := strings.TrimSpace(string(detail)); msg != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, msg, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
