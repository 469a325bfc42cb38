// Package authclient talks to the account endpoints of the moodcam server.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/moodcam/internal/logging"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

// APIError is a non-2xx response that maps to no sentinel.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Profile mirrors GET /users/{username}.
type Profile struct {
	Username         string     `json:"username"`
	Emotion          *string    `json:"emotion"`
	EmotionTimestamp *time.Time `json:"emotion_timestamp"`
}

// Client calls the account endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// New returns a client for baseURL. A nil httpClient uses a 10s timeout.
func New(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient, logger: logger.Named("authclient")}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Signup registers a new account.
func (c *Client) Signup(ctx context.Context, username, password string) error {
	err := c.do(ctx, http.MethodPost, "/signup", "", credentials{username, password}, nil)
	return logging.NewOperationError("authclient.signup", username, err)
}

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := c.do(ctx, http.MethodPost, "/login", "", credentials{username, password}, &body); err != nil {
		return "", logging.NewOperationError("authclient.login", username, err)
	}
	if body.AccessToken == "" {
		return "", logging.NewOperationError("authclient.login", username, errors.New("empty access token"))
	}
	return body.AccessToken, nil
}

// Profile fetches a user's last stored emotion.
func (c *Client) Profile(ctx context.Context, token, username string) (Profile, error) {
	var body struct {
		User Profile `json:"user"`
	}
	path := "/users/" + url.PathEscape(username)
	if err := c.do(ctx, http.MethodGet, path, token, nil, &body); err != nil {
		return Profile{}, logging.NewOperationError("authclient.profile", username, err)
	}
	return body.User, nil
}

// Users lists registered usernames.
func (c *Client) Users(ctx context.Context, token string) ([]string, error) {
	var body struct {
		Users []struct {
			Username string `json:"username"`
		} `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, "/users", token, nil, &body); err != nil {
		return nil, logging.NewOperationError("authclient.users", "", err)
	}
	names := make([]string, 0, len(body.Users))
	for _, u := range body.Users {
		names = append(names, u.Username)
	}
	return names, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out interface{}) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	c.logger.Debug("request completed", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, errorMessage(data))
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, errorMessage(data))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &APIError{Status: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// errorMessage extracts {"error"} or {"detail"} from a response body.
func errorMessage(data []byte) string {
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Detail != "" {
			return body.Detail
		}
	}
	return strings.TrimSpace(string(data))
}
