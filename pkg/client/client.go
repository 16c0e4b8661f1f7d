package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Client provides HTTP client functionality to communicate with the extmgr daemon
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool
	CACert     string
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new API client.
func New(config Config) (*Client, error) {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if (config.TLS != nil && config.TLS.Enabled) || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		// the event stream is long-lived; only ctx bounds it
		stream: &http.Client{Transport: transport},
	}, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	resp, err := c.send(ctx, http.MethodGet, "/health", nil, "")
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Health returns the daemon's health report.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	return out, c.doJSON(ctx, http.MethodGet, "/health", nil, "", &out)
}

// List returns installed extensions.
func (c *Client) List(ctx context.Context) ([]Extension, error) {
	var out []Extension
	return out, c.doJSON(ctx, http.MethodGet, "/extensions", nil, "", &out)
}

// Status returns the state of one extension.
func (c *Client) Status(ctx context.Context, id string) (Status, error) {
	var out Status
	return out, c.doJSON(ctx, http.MethodGet, extPath(id, ""), nil, "", &out)
}

// StatusWithHistory is Status including every retained usage sample.
func (c *Client) StatusWithHistory(ctx context.Context, id string) (Status, error) {
	var out Status
	return out, c.doJSON(ctx, http.MethodGet, extPath(id, "?history=true"), nil, "", &out)
}

// Install uploads data as extension name.
func (c *Client) Install(ctx context.Context, name string, data []byte) (InstallResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", name)
	if err != nil {
		return InstallResult{}, err
	}
	if _, err := fw.Write(data); err != nil {
		return InstallResult{}, err
	}
	if err := w.WriteField("name", name); err != nil {
		return InstallResult{}, err
	}
	if err := w.Close(); err != nil {
		return InstallResult{}, err
	}
	var out InstallResult
	err = c.doJSON(ctx, http.MethodPost, "/extensions", &buf, w.FormDataContentType(), &out)
	return out, err
}

// InstallFile uploads the file at path. An empty name uses the file's base name.
func (c *Client) InstallFile(ctx context.Context, path, name string) (InstallResult, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return InstallResult{}, fmt.Errorf("read %s: %w", path, err)
	}
	if name == "" {
		name = filepath.Base(path)
	}
	return c.Install(ctx, name, data)
}

func (c *Client) Run(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, extPath(id, "/run"), nil, "", nil)
}

func (c *Client) Stop(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, extPath(id, "/stop"), nil, "", nil)
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, extPath(id, ""), nil, "", nil)
}

// Events streams crash notifications to fn until ctx is done or the daemon
// closes the stream.
func (c *Client) Events(ctx context.Context, fn func(Crash)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.checkResponse(resp); err != nil {
		return err
	}

	sc := bufio.NewScanner(resp.Body)
	var event string
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if event == "crash" && data.Len() > 0 {
				var cr Crash
				if err := json.Unmarshal([]byte(data.String()), &cr); err != nil {
					c.logger.Warn("bad crash event", "error", err)
				} else {
					fn(cr)
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(line[len("data:"):], " "))
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func extPath(id, suffix string) string {
	return "/extensions/" + url.PathEscape(id) + suffix
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

// doJSON sends a request and decodes a 2xx body into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	resp, err := c.send(ctx, method, path, body, contentType)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkResponse turns non-2xx responses into *APIError.
func (c *Client) checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return &APIError{StatusCode: resp.StatusCode}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: er.Error}
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
		return tlsConfig, nil
	}
	t := config.TLS
	if t == nil {
		return tlsConfig, nil
	}
	tlsConfig.InsecureSkipVerify = t.SkipVerify // #nosec G402 explicit opt-in
	tlsConfig.ServerName = t.ServerName
	if t.CACert != "" {
		if err := loadCACert(tlsConfig, t.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	if t.ClientCert != "" && t.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCert, t.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(filepath.Clean(caCertPath))
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return errors.New("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}
