// Package api is the REST collaborator client: authentication, history,
// conversations, contacts and the pre-send file upload. The WebSocket channel
// handles everything real-time; this client covers request/response calls.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chatline/internal/model"
)

var ErrUnauthorized = errors.New("api: unauthorized")

// Client talks to the chat REST API. Construct with New, then Login or
// SetToken before calling authenticated endpoints.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetToken installs a previously issued credential (e.g. from the session
// store) without a fresh login.
func (c *Client) SetToken(token string) { c.token = token }

// Token returns the current credential for persisting across restarts.
func (c *Client) Token() string { return c.token }

type Credentials struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

type AuthResponse struct {
	Token string           `json:"token"`
	User  model.UserPublic `json:"user"`
}

// Login authenticates and stores the issued token on the client.
func (c *Client) Login(ctx context.Context, username, password string) (*AuthResponse, error) {
	var out AuthResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/login", Credentials{Username: username, Password: password}, &out)
	if err != nil {
		return nil, err
	}
	c.token = out.Token
	return &out, nil
}

// Register creates an account and stores the issued token on the client.
func (c *Client) Register(ctx context.Context, creds Credentials) (*AuthResponse, error) {
	var out AuthResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", creds, &out); err != nil {
		return nil, err
	}
	c.token = out.Token
	return &out, nil
}

// History fetches the persisted conversation with peerID, oldest first.
func (c *Client) History(ctx context.Context, peerID string, limit, offset int) ([]model.Message, error) {
	q := url.Values{}
	q.Set("peer_id", peerID)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var out []model.Message
	if err := c.do(ctx, http.MethodGet, "/api/messages?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Conversations fetches the summary list for the left-hand pane.
func (c *Client) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Users lists all known users.
func (c *Client) Users(ctx context.Context) ([]model.UserPublic, error) {
	var out []model.UserPublic
	if err := c.do(ctx, http.MethodGet, "/api/users", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BlockedUsers lists the users the caller has blocked.
func (c *Client) BlockedUsers(ctx context.Context) ([]model.UserPublic, error) {
	var out []model.UserPublic
	if err := c.do(ctx, http.MethodGet, "/api/blocked", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Block adds targetID to the caller's block list.
func (c *Client) Block(ctx context.Context, targetID string) error {
	return c.do(ctx, http.MethodPost, "/api/block", map[string]string{"target_id": targetID}, nil)
}

// Unblock removes targetID from the caller's block list.
func (c *Client) Unblock(ctx context.Context, targetID string) error {
	return c.do(ctx, http.MethodDelete, "/api/block", map[string]string{"target_id": targetID}, nil)
}

// Profile fetches the caller's profile.
func (c *Client) Profile(ctx context.Context) (*model.UserPublic, error) {
	var out model.UserPublic
	if err := c.do(ctx, http.MethodGet, "/api/profile", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProfileUpdate carries the editable profile fields.
type ProfileUpdate struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// UpdateProfile applies a profile edit.
func (c *Client) UpdateProfile(ctx context.Context, upd ProfileUpdate) error {
	return c.do(ctx, http.MethodPut, "/api/profile", upd, nil)
}

// UploadResult is what a file message references; the upload must complete
// before the message can be sent.
type UploadResult struct {
	FileURL  string `json:"file_url"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	FileType string `json:"file_type"`
}

// Upload streams a local file to the server and returns its served location.
func (c *Client) Upload(ctx context.Context, path string) (*UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("api.Upload open: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("api.Upload form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("api.Upload copy: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("api.Upload close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var out UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("api.Upload decode: %w", err)
	}
	return &out, nil
}

// do runs one JSON request/response round-trip.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api %s %s marshal: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api %s %s decode: %w", method, path, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("api: %s (%d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("api: unexpected status %d", resp.StatusCode)
	}
	return nil
}
