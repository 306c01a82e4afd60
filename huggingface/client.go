// client.go - HuggingFace Hub Client
// Stellt einen HTTP-Client fuer Modelle und Datasets des Hubs bereit.
package huggingface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fimtune/fimtune/envconfig"
)

// Konstanten fuer HuggingFace Hub API
const (
	DefaultClientTimeout = 1800 // 30 Minuten fuer grosse Downloads
	ClientUserAgent      = "fimtune/1.0"
	DefaultRevision      = "main"
)

// Fehler-Definitionen
var (
	ErrModelNotFound   = errors.New("repository not found")
	ErrUnauthorized    = errors.New("authentication failed")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrNetworkError    = errors.New("network error")
	ErrInvalidRepoID   = errors.New("invalid repository id")
	ErrFileNotFound    = errors.New("file not found")
	ErrDownloadFailed  = errors.New("download failed")
	ErrInvalidResponse = errors.New("invalid server response")
)

// HuggingFaceError repraesentiert einen Fehler bei Hub-Operationen
type HuggingFaceError struct {
	Op     string // Operation (info, download, parquet)
	RepoID string // Betroffenes Repository
	Err    error  // Urspruenglicher Fehler
}

// Error implementiert das error Interface
func (e *HuggingFaceError) Error() string {
	if e.RepoID != "" {
		return "huggingface " + e.Op + " [" + e.RepoID + "]: " + e.Err.Error()
	}
	return "huggingface " + e.Op + ": " + e.Err.Error()
}

// Unwrap ermoeglicht errors.Is/As
func (e *HuggingFaceError) Unwrap() error {
	return e.Err
}

// RepoType unterscheidet Modell- und Dataset-Repositories
type RepoType string

const (
	RepoModel   RepoType = "model"
	RepoDataset RepoType = "dataset"
)

// apiPath gibt das API-Segment des Typs zurueck
func (t RepoType) apiPath() string {
	if t == RepoDataset {
		return "datasets"
	}
	return "models"
}

// RepoInfo enthaelt Metadaten eines Repositories aus der API
type RepoInfo struct {
	ID           string       `json:"id"`
	Author       string       `json:"author"`
	SHA          string       `json:"sha"`
	LastModified time.Time    `json:"lastModified"`
	Private      bool         `json:"private"`
	Gated        interface{}  `json:"gated"` // Kann bool oder string sein (false, "auto", "manual")
	Tags         []string     `json:"tags"`
	Downloads    int64        `json:"downloads"`
	Siblings     []APISibling `json:"siblings"`
}

// IsGated prueft ob das Repository gated ist (Authentifizierung erforderlich)
func (m *RepoInfo) IsGated() bool {
	switch v := m.Gated.(type) {
	case bool:
		return v
	case string:
		return v == "auto" || v == "manual"
	default:
		return false
	}
}

// APISibling repraesentiert eine Datei im Repository
type APISibling struct {
	Filename string   `json:"rfilename"`
	Size     int64    `json:"size"`
	BlobID   string   `json:"blobId"`
	LFS      *LFSInfo `json:"lfs,omitempty"`
}

// LFSInfo enthaelt LFS-Metadaten fuer grosse Dateien
type LFSInfo struct {
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
	PointerSize int64  `json:"pointerSize"`
}

// Client ist der HuggingFace Hub Client
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiURL     string
	token      string
	userAgent  string
	cacheDir   string
}

// ClientOption ist eine Funktion zur Konfiguration des Clients
type ClientOption func(*Client)

// WithToken setzt den HuggingFace API Token
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithBaseURL setzt eine Custom Base-URL
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
		c.apiURL = c.baseURL + "/api"
	}
}

// WithClientTimeout setzt den HTTP Timeout
func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient setzt einen Custom HTTP Client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithCacheDir setzt das Hub-Cache-Verzeichnis
func WithCacheDir(dir string) ClientOption {
	return func(c *Client) { c.cacheDir = dir }
}

// NewClient erstellt einen Client; Token, Endpoint und Cache kommen aus der Umgebung
func NewClient(options ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultClientTimeout * time.Second},
		token:      envconfig.HFToken(),
		userAgent:  ClientUserAgent,
		cacheDir:   envconfig.HubCache(),
	}
	WithBaseURL(envconfig.HFEndpoint())(c)
	for _, opt := range options {
		opt(c)
	}
	return c
}

// CacheDir gibt das Hub-Cache-Verzeichnis des Clients zurueck
func (c *Client) CacheDir() string { return c.cacheDir }

// HasToken prueft ob ein Token konfiguriert ist
func (c *Client) HasToken() bool { return c.token != "" }

// GetRepoInfo ruft Metadaten eines Repositories fuer eine Revision ab
func (c *Client) GetRepoInfo(ctx context.Context, typ RepoType, repoID, revision string) (*RepoInfo, error) {
	if err := validateRepoID(repoID); err != nil {
		return nil, err
	}
	if revision == "" {
		revision = DefaultRevision
	}

	u := fmt.Sprintf("%s/%s/%s/revision/%s", c.apiURL, typ.apiPath(), repoID, url.PathEscape(revision))
	var info RepoInfo
	if err := c.getJSON(ctx, u, &info); err != nil {
		return nil, &HuggingFaceError{Op: "info", RepoID: repoID, Err: err}
	}
	return &info, nil
}

// GetModelInfo ruft Metadaten eines Modells ab
func (c *Client) GetModelInfo(ctx context.Context, modelID, revision string) (*RepoInfo, error) {
	return c.GetRepoInfo(ctx, RepoModel, modelID, revision)
}

func (c *Client) getJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()
	if err := c.handleResponseError(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// resolveURL baut die Download-URL einer Datei
func (c *Client) resolveURL(typ RepoType, repoID, revision, filename string) string {
	prefix := ""
	if typ == RepoDataset {
		prefix = "datasets/"
	}
	return fmt.Sprintf("%s/%s%s/resolve/%s/%s", c.baseURL, prefix, repoID, url.PathEscape(revision), filename)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) handleResponseError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return nil
	case http.StatusNotFound:
		return ErrModelNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return fmt.Errorf("%w: status %d - %s", ErrInvalidResponse, resp.StatusCode, string(body))
		}
		return nil
	}
}

func validateRepoID(repoID string) error {
	if repoID == "" {
		return fmt.Errorf("%w: id must not be empty", ErrInvalidRepoID)
	}
	parts := strings.Split(repoID, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("%w: expected format 'owner/name', got %q", ErrInvalidRepoID, repoID)
	}
	return nil
}

// IsRepoID meldet, ob s wie eine Hub-ID aussieht
func IsRepoID(s string) bool {
	return validateRepoID(s) == nil && !strings.HasPrefix(s, ".") && !strings.HasPrefix(s, "/")
}
