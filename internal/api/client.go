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
	"strconv"
	"strings"
	"time"

	"github.com/nozsavsev/keynote-realtime/internal/room"
)

const StatusOK = "Ok"

// ErrServerDown means the backend could not be reached or sent something
// that is not a response wrapper.
var ErrServerDown = errors.New("keynote api: server down")

// StatusError is a wrapped response whose status is not Ok.
type StatusError struct {
	Code                         int
	Status                       string
	AuthenticationFailureReasons []string
}

func (e *StatusError) Error() string {
	if len(e.AuthenticationFailureReasons) > 0 {
		return fmt.Sprintf("keynote api: %s (%d): %s", e.Status, e.Code,
			strings.Join(e.AuthenticationFailureReasons, ", "))
	}
	return fmt.Sprintf("keynote api: %s (%d)", e.Status, e.Code)
}

// Response is the envelope every REST endpoint answers with.
type Response[T any] struct {
	Status                       string   `json:"status"`
	Response                     T        `json:"response"`
	AuthenticationFailureReasons []string `json:"authenticationFailureReasons"`
}

type User struct {
	ID       string         `json:"id"`
	Keynotes []room.Keynote `json:"keynotes"`
}

// Upload is one file part of a multipart request.
type Upload struct {
	Filename string
	Content  io.Reader
}

type CreateKeynoteRequest struct {
	Name           string
	Description    string
	Type           string
	TransitionType string
	TotalFrames    int
	Keynote        *Upload
	MobileKeynote  *Upload
	PresentorNotes *Upload
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New returns a client for the REST backend. httpClient should carry the
// cookie jar shared with the hub connections.
func New(baseURL string, httpClient *http.Client, token string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// ScreenSession asks the backend to set the screen session cookie.
func (c *Client) ScreenSession(ctx context.Context) error {
	_, err := get[json.RawMessage](ctx, c, "/api/Session/GetScreenSession")
	return err
}

// SpectatorSession asks the backend to set the spectator session cookie.
func (c *Client) SpectatorSession(ctx context.Context) error {
	_, err := get[json.RawMessage](ctx, c, "/api/Session/GetSpectatorSession")
	return err
}

func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	return get[*User](ctx, c, "/api/User/CurrentUser")
}

func (c *Client) Status(ctx context.Context) (string, error) {
	return get[string](ctx, c, "/status")
}

func (c *Client) DeleteKeynote(ctx context.Context, keynoteID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete,
		"/api/Keynote/DeleteKeynote?keynoteId="+url.QueryEscape(keynoteID), nil)
	if err != nil {
		return err
	}
	_, err = do[json.RawMessage](c, req)
	return err
}

func (c *Client) CreateKeynote(ctx context.Context, r CreateKeynoteRequest) (*room.Keynote, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fields := []struct{ name, value string }{
		{"name", r.Name},
		{"description", r.Description},
		{"type", r.Type},
		{"transitionType", r.TransitionType},
		{"totalFrames", strconv.Itoa(r.TotalFrames)},
	}
	for _, f := range fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return nil, fmt.Errorf("create keynote: %w", err)
		}
	}

	files := []struct {
		name   string
		upload *Upload
	}{
		{"keynote", r.Keynote},
		{"mobileKeynote", r.MobileKeynote},
		{"presentorNotes", r.PresentorNotes},
	}
	for _, f := range files {
		if f.upload == nil {
			continue
		}
		part, err := mw.CreateFormFile(f.name, f.upload.Filename)
		if err != nil {
			return nil, fmt.Errorf("create keynote: %w", err)
		}
		if _, err := io.Copy(part, f.upload.Content); err != nil {
			return nil, fmt.Errorf("create keynote: read %s: %w", f.name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("create keynote: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/Keynote/CreateKeynote", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return do[*room.Keynote](c, req)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func get[T any](ctx context.Context, c *Client, path string) (T, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		var zero T
		return zero, err
	}
	return do[T](c, req)
}

func do[T any](c *Client, req *http.Request) (T, error) {
	var zero T

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return zero, fmt.Errorf("%w: %v", ErrServerDown, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return zero, fmt.Errorf("%w: read: %v", ErrServerDown, err)
	}

	var wrapped Response[json.RawMessage]
	if err := json.Unmarshal(data, &wrapped); err != nil || wrapped.Status == "" {
		return zero, fmt.Errorf("%w: unexpected %d response from %s", ErrServerDown, resp.StatusCode, req.URL.Path)
	}

	if wrapped.Status != StatusOK {
		return zero, &StatusError{
			Code:                         resp.StatusCode,
			Status:                       wrapped.Status,
			AuthenticationFailureReasons: wrapped.AuthenticationFailureReasons,
		}
	}

	var out T
	if len(wrapped.Response) > 0 {
		if err := json.Unmarshal(wrapped.Response, &out); err != nil {
			return zero, fmt.Errorf("decode %s response: %w", req.URL.Path, err)
		}
	}
	return out, nil
}
