// Package gdrive is a Google Drive v3 transport. Shared drives are containers
// and files are objects; uploads use resumable sessions so each part is a
// separate ranged PUT.
package gdrive

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

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/castella/castella/internal/backend"
	"github.com/castella/castella/pkg/bytesize"
)

// Defaults
const (
	DefaultBaseURL  = "https://www.googleapis.com"
	DefaultTokenURL = "https://oauth2.googleapis.com/token"
	DefaultPartSize = bytesize.Size(4 * bytesize.MB)

	// PartAlign is the granularity Drive requires for non-final chunks.
	PartAlign = bytesize.Size(256 * bytesize.KB)

	tokenEarlyExpiry = 10 * time.Second
	maxErrorBody     = 64 << 10
)

var ErrConfig = errors.New("gdrive: invalid config")

// Config for a Drive client. Credentials are an OAuth2 refresh token for an
// installed application.
type Config struct {
	BaseURL      string        `yaml:"base_url"`
	TokenURL     string        `yaml:"token_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	RefreshToken string        `yaml:"refresh_token"`
	UserAgent    string        `yaml:"user_agent"`
	PartSize     bytesize.Size `yaml:"part_size"`
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	if c.PartSize == 0 {
		c.PartSize = DefaultPartSize
	}
}

// Validate reports missing credentials and a misaligned part size.
func (c Config) Validate() error {
	switch {
	case c.ClientID == "":
		return fmt.Errorf("%w: client_id is required", ErrConfig)
	case c.RefreshToken == "":
		return fmt.Errorf("%w: refresh_token is required", ErrConfig)
	case c.PartSize <= 0 || c.PartSize%PartAlign != 0:
		return fmt.Errorf("%w: part_size %s is not a positive multiple of %s", ErrConfig, c.PartSize, PartAlign)
	}
	return nil
}

// Client talks to the Drive REST API.
type Client struct {
	cfg  Config
	http *http.Client
}

var _ backend.Backend = (*Client)(nil)

// New creates a client. base is the HTTP client used for both token refresh
// and API calls; nil uses http.DefaultClient.
func New(cfg Config, base *http.Client) (*Client, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if base == nil {
		base = http.DefaultClient
	}

	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	// The token source outlives any single request, so it gets its own context.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	ts := oauth2.ReuseTokenSourceWithExpiry(nil,
		oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken}), tokenEarlyExpiry)

	return &Client{cfg: cfg, http: oauth2.NewClient(ctx, ts)}, nil
}

// PartSize implements backend.Backend.
func (c *Client) PartSize() int64 { return int64(c.cfg.PartSize) }

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, op, method, target string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	return resp, nil
}

func transportError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= 500 {
			return fmt.Errorf("%s: token refresh: %w: %w", op, backend.ErrUnavailable, err)
		}
		return fmt.Errorf("%s: token refresh: %w: %w", op, backend.ErrAuth, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, backend.ErrUnavailable, err)
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// statusError consumes and closes resp.
func statusError(op string, resp *http.Response) error {
	defer resp.Body.Close()
	se := &backend.StatusError{Op: op, Status: resp.StatusCode, Kind: backend.Classify(resp.StatusCode)}

	var ae apiError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if json.Unmarshal(raw, &ae) == nil && len(ae.Error.Errors) > 0 {
		se.Reason = ae.Error.Errors[0].Reason
	}
	switch se.Reason {
	case "rateLimitExceeded", "userRateLimitExceeded", "sharingRateLimitExceeded":
		se.Kind = backend.ErrRateLimited
	case "backendError", "internalError":
		se.Kind = backend.ErrUnavailable
	}
	return se
}

func decodeID(op string, resp *http.Response) (string, error) {
	defer resp.Body.Close()
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", op, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("%s: response carries no id", op)
	}
	return out.ID, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}

func jsonBody(v any) (io.Reader, http.Header, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json; charset=UTF-8")
	return bytes.NewReader(raw), h, nil
}

// CreateContainer creates a hidden shared drive.
func (c *Client) CreateContainer(ctx context.Context, name string) (string, error) {
	const op = "create drive"
	body, h, err := jsonBody(map[string]any{"name": name, "hidden": true})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	q := url.Values{"requestId": {uuid.NewString()}}
	resp, err := c.do(ctx, op, http.MethodPost, c.endpoint("/drive/v3/drives", q), body, h)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError(op, resp)
	}
	return decodeID(op, resp)
}

// DeleteContainer deletes a shared drive. Drive refuses to delete drives that
// still hold files.
func (c *Client) DeleteContainer(ctx context.Context, containerID string) error {
	const op = "delete drive"
	resp, err := c.do(ctx, op, http.MethodDelete, c.endpoint("/drive/v3/drives/"+url.PathEscape(containerID), nil), nil, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return statusError(op, resp)
	}
	drain(resp)
	return nil
}

// BeginWrite opens a resumable upload session for a new file in the drive.
func (c *Client) BeginWrite(ctx context.Context, containerID, name string, size int64) (backend.Upload, error) {
	const op = "begin upload"
	body, h, err := jsonBody(map[string]any{
		"name":     name,
		"parents":  []string{containerID},
		"mimeType": "application/octet-stream",
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	h.Set("X-Upload-Content-Type", "application/octet-stream")
	if size >= 0 {
		h.Set("X-Upload-Content-Length", strconv.FormatInt(size, 10))
	}
	q := url.Values{"uploadType": {"resumable"}, "supportsAllDrives": {"true"}}
	resp, err := c.do(ctx, op, http.MethodPost, c.endpoint("/upload/drive/v3/files", q), body, h)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(op, resp)
	}
	session := resp.Header.Get("Location")
	drain(resp)
	if session == "" {
		return nil, fmt.Errorf("%s: response carries no session uri", op)
	}
	return &upload{c: c, containerID: containerID, session: session, size: size}, nil
}

// Read streams a byte range of a file.
func (c *Client) Read(ctx context.Context, _ string, objectID string, off, n int64) (io.ReadCloser, error) {
	const op = "read file"
	if n == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	h := http.Header{}
	if n > 0 {
		h.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+n-1))
	} else if off > 0 {
		h.Set("Range", fmt.Sprintf("bytes=%d-", off))
	}
	q := url.Values{"alt": {"media"}, "supportsAllDrives": {"true"}}
	resp, err := c.do(ctx, op, http.MethodGet, c.endpoint("/drive/v3/files/"+url.PathEscape(objectID), q), nil, h)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		return limitBody(resp.Body, n), nil
	case http.StatusOK:
		// The range was ignored; skip to off ourselves.
		if off > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, off); err != nil {
				resp.Body.Close()
				return nil, fmt.Errorf("%s: skip to %d: %w", op, off, err)
			}
		}
		return limitBody(resp.Body, n), nil
	default:
		return nil, statusError(op, resp)
	}
}

type limitedBody struct {
	io.Reader
	io.Closer
}

func limitBody(rc io.ReadCloser, n int64) io.ReadCloser {
	if n < 0 {
		return rc
	}
	return limitedBody{Reader: io.LimitReader(rc, n), Closer: rc}
}

// DeleteObject permanently deletes a file, bypassing the trash.
func (c *Client) DeleteObject(ctx context.Context, _ string, objectID string) error {
	const op = "delete file"
	q := url.Values{"supportsAllDrives": {"true"}}
	resp, err := c.do(ctx, op, http.MethodDelete, c.endpoint("/drive/v3/files/"+url.PathEscape(objectID), q), nil, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return statusError(op, resp)
	}
	drain(resp)
	return nil
}

type upload struct {
	c           *Client
	containerID string
	session     string
	size        int64
	written     int64
	id          string
}

// contentRange formats the Content-Range of a chunk. Non-final chunks leave
// the total open.
func contentRange(offset int64, n int, last bool) string {
	total := "*"
	if last {
		total = strconv.FormatInt(offset+int64(n), 10)
	}
	if n == 0 {
		return "bytes */" + total
	}
	return fmt.Sprintf("bytes %d-%d/%s", offset, offset+int64(n)-1, total)
}

// committedEnd parses the Range header of a 308 response, returning the
// number of bytes the session holds.
func committedEnd(h http.Header) (int64, bool) {
	r := h.Get("Range")
	if r == "" {
		return 0, true
	}
	_, end, ok := strings.Cut(strings.TrimPrefix(r, "bytes="), "-")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(end, 10, 64)
	if err != nil {
		return 0, false
	}
	return v + 1, true
}

func (u *upload) WritePart(ctx context.Context, offset int64, p []byte, last bool) error {
	const op = "write chunk"
	if u.id != "" {
		return fmt.Errorf("%s: upload already finished", op)
	}
	if offset != u.written {
		return fmt.Errorf("%s: offset %d, session holds %d bytes", op, offset, u.written)
	}
	if !last && int64(len(p))%int64(PartAlign) != 0 {
		return fmt.Errorf("%s: chunk of %d bytes is not aligned to %s", op, len(p), PartAlign)
	}
	if last && u.size >= 0 && offset+int64(len(p)) != u.size {
		return fmt.Errorf("%s: upload ends at %d, declared %d", op, offset+int64(len(p)), u.size)
	}

	h := http.Header{}
	h.Set("Content-Range", contentRange(offset, len(p), last))
	resp, err := u.c.do(ctx, op, http.MethodPut, u.session, bytes.NewReader(p), h)
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusPermanentRedirect && !last:
		end, ok := committedEnd(resp.Header)
		drain(resp)
		want := offset + int64(len(p))
		if !ok || end != want {
			return &backend.StatusError{Op: op, Status: resp.StatusCode,
				Reason: fmt.Sprintf("session holds %d bytes, want %d", end, want), Kind: backend.ErrUnavailable}
		}
		u.written = want
		return nil
	case (resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated) && last:
		id, err := decodeID(op, resp)
		if err != nil {
			return err
		}
		u.written = offset + int64(len(p))
		u.id = id
		return nil
	case resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusPermanentRedirect:
		drain(resp)
		return fmt.Errorf("%s: unexpected status %d (last=%t)", op, resp.StatusCode, last)
	default:
		return statusError(op, resp)
	}
}

func (u *upload) Complete(context.Context) (string, error) {
	if u.id == "" {
		return "", errors.New("complete upload: final chunk not written")
	}
	return u.id, nil
}

func (u *upload) Abort(ctx context.Context) error {
	if u.id != "" {
		return u.c.DeleteObject(ctx, u.containerID, u.id)
	}
	const op = "cancel upload"
	resp, err := u.c.do(ctx, op, http.MethodDelete, u.session, nil, nil)
	if err != nil {
		return err
	}
	// Drive answers 499 for a cancelled session and 404 once it has expired.
	if resp.StatusCode/100 == 2 || resp.StatusCode == 499 || resp.StatusCode == http.StatusNotFound {
		drain(resp)
		return nil
	}
	return statusError(op, resp)
}
