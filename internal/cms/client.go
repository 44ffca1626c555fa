// Package cms provides a thin authenticated REST client for the remote
// content store that is the system of record for plant tracking data.
//
// Connectivity-class failures (refused, reset, timed out) are classified
// distinctly from application-level failures so callers can show a
// maintenance-mode message for the former and a specific error for the
// latter. A lookup that finds nothing is a valid nil result, not an error.
package cms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/plantmap/PlantPipe/internal/models"
)

// DefaultTimeout bounds every request to the content store.
const DefaultTimeout = 30 * time.Second

// ErrUnavailable marks connectivity-class failures to the content store.
// Callers use IsUnavailable to decide whether to show the maintenance message.
var ErrUnavailable = errors.New("content store unavailable")

// Opts holds configuration options for the CMS client.
type Opts struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// Option defines a configuration option for the CMS client.
type Option func(*Opts)

// WithBaseURL sets the content store base URL.
func WithBaseURL(baseURL string) Option {
	return func(o *Opts) {
		o.BaseURL = baseURL
	}
}

// WithToken sets the bearer token used for authentication.
func WithToken(token string) Option {
	return func(o *Opts) {
		o.Token = token
	}
}

// WithHTTPClient overrides the HTTP client (used in tests).
func WithHTTPClient(client *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = client
	}
}

// Client is the authenticated REST adapter for the content store.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a new content store client, applying any provided options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("CMS NewClient options set", "baseURL_set", cfg.BaseURL != "", "token_set", cfg.Token != "")

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("content store base URL not set")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    httpClient,
	}, nil
}

// NormalizePhone normalizes a phone number to a leading "+" before querying.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return phone
	}
	if !strings.HasPrefix(phone, "+") {
		return "+" + phone
	}
	return phone
}

// classifyErr wraps connectivity-class transport failures with ErrUnavailable
// so callers can distinguish them from application-level failures.
func classifyErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "connect") {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsUnavailable reports whether the error is a connectivity-class failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// uploadResponseEntry is one element of the content store upload response.
type uploadResponseEntry struct {
	ID   json.Number `json:"id"`
	URL  string      `json:"url"`
	Name string      `json:"name"`
}

// Upload uploads raw file bytes to the content store and returns the
// store-assigned file identifier and URL.
func (c *Client) Upload(ctx context.Context, data []byte, filename, folder string) (*models.UploadResult, error) {
	slog.Debug("CMS Upload invoked", "filename", filename, "folder", folder, "size", len(data))

	if len(data) == 0 {
		return nil, fmt.Errorf("upload data cannot be empty")
	}
	if filename == "" {
		filename = uuid.NewString() + ".jpg"
	} else {
		// Keep the extension, replace the base with a unique name to avoid
		// collisions in the store's media library.
		filename = uuid.NewString() + path.Ext(filename)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("files", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write upload data: %w", err)
	}
	if folder != "" {
		if err := writer.WriteField("path", folder); err != nil {
			return nil, fmt.Errorf("failed to write upload folder field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize upload form: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("CMS Upload request failed", "error", err, "filename", filename)
		return nil, classifyErr("upload", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Error("CMS Upload unexpected status", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("upload failed with status %d", resp.StatusCode)
	}

	var entries []uploadResponseEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		slog.Error("CMS Upload malformed response", "error", err)
		return nil, fmt.Errorf("malformed upload response: %w", err)
	}
	if len(entries) == 0 || entries[0].ID.String() == "" {
		slog.Error("CMS Upload response missing file identifier")
		return nil, fmt.Errorf("upload response missing file identifier")
	}

	result := &models.UploadResult{FileID: entries[0].ID.String(), FileURL: entries[0].URL}
	slog.Info("CMS Upload succeeded", "fileID", result.FileID)
	return result, nil
}

// FindUserByChatID looks up a content store user by linked chat identity.
// Returns nil, nil when no user matches.
func (c *Client) FindUserByChatID(ctx context.Context, chatID string) (*models.CMSUser, error) {
	slog.Debug("CMS FindUserByChatID invoked", "chatID", chatID)
	query := url.Values{}
	query.Set("filters[chat_id][$eq]", chatID)
	return c.findUser(ctx, query)
}

// FindUserByPhone looks up a content store user by phone number. The number
// is normalized to a leading "+" before querying. Returns nil, nil when no
// user matches.
func (c *Client) FindUserByPhone(ctx context.Context, phone string) (*models.CMSUser, error) {
	normalized := NormalizePhone(phone)
	slog.Debug("CMS FindUserByPhone invoked", "phone", normalized)
	query := url.Values{}
	query.Set("filters[phone_number][$eq]", normalized)
	return c.findUser(ctx, query)
}

func (c *Client) findUser(ctx context.Context, query url.Values) (*models.CMSUser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/users?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user lookup request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("CMS user lookup request failed", "error", err)
		return nil, classifyErr("user lookup", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("user lookup failed with status %d", resp.StatusCode)
	}

	var users []models.CMSUser
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		slog.Error("CMS user lookup malformed response", "error", err)
		return nil, fmt.Errorf("malformed user lookup response: %w", err)
	}
	if len(users) == 0 {
		slog.Debug("CMS user lookup found no match")
		return nil, nil
	}
	// The store may return multiple matches; the first one wins.
	slog.Debug("CMS user lookup found user", "userID", users[0].ID)
	return &users[0], nil
}

// UpdateUserChatID links a chat identity to an existing content store user.
func (c *Client) UpdateUserChatID(ctx context.Context, userID int, chatID string) error {
	slog.Debug("CMS UpdateUserChatID invoked", "userID", userID, "chatID", chatID)

	payload, err := json.Marshal(map[string]string{"chat_id": chatID})
	if err != nil {
		return fmt.Errorf("failed to encode user update: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPut, fmt.Sprintf("/api/users/%d", userID), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create user update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("CMS UpdateUserChatID request failed", "error", err, "userID", userID)
		return classifyErr("user update", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("user update failed with status %d", resp.StatusCode)
	}
	slog.Info("CMS UpdateUserChatID succeeded", "userID", userID)
	return nil
}

// CreateTrackingRecord persists a completed documentation record.
func (c *Client) CreateTrackingRecord(ctx context.Context, record models.TrackingRecord) error {
	slog.Debug("CMS CreateTrackingRecord invoked", "plantName", record.PlantName, "userID", record.UserID)

	// The store expects the record wrapped in a "data" envelope.
	payload, err := json.Marshal(map[string]models.TrackingRecord{"data": record})
	if err != nil {
		return fmt.Errorf("failed to encode tracking record: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/location-trackings", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create tracking record request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("CMS CreateTrackingRecord request failed", "error", err, "plantName", record.PlantName)
		return classifyErr("tracking record", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Error("CMS CreateTrackingRecord unexpected status", "status", resp.StatusCode, "body", string(body))
		return fmt.Errorf("tracking record creation failed with status %d", resp.StatusCode)
	}
	slog.Info("CMS CreateTrackingRecord succeeded", "plantName", record.PlantName)
	return nil
}
