// Package rest posts delivered content to an HTTP endpoint.
package rest

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/internal/app/north"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/infra/connectors/shared"
)

// Type is the registry key.
const Type = "rest"

const defaultTimeout = 30 * time.Second

// Authentication selects how requests are authorised.
type Authentication struct {
	// Type is one of none, basic, bearer or api-key.
	Type     string `json:"type"`
	Username string `json:"username"`
	Password string `json:"password"`
	Token    string `json:"token"`
	Header   string `json:"header"`
	Key      string `json:"key"`
}

// Options configures the HTTP destination.
type Options struct {
	Host           string            `json:"host"`
	ValuesEndpoint string            `json:"valuesEndpoint"`
	FileEndpoint   string            `json:"fileEndpoint"`
	Timeout        shared.Duration   `json:"timeout"`
	Headers        map[string]string `json:"headers"`
	Authentication Authentication    `json:"authentication"`
	// CheckHost issues a GET on the host when connecting.
	CheckHost bool `json:"checkHost"`
}

// Connector sends values as JSON documents and files as multipart uploads.
type Connector struct {
	id     string
	opts   Options
	logger *zap.Logger

	mu     sync.RWMutex
	client *resty.Client
}

var _ north.Connector = (*Connector)(nil)

// New validates options.
func New(id string, options map[string]any, logger *zap.Logger) (*Connector, error) {
	var opts Options
	if err := shared.Decode("rest", options, &opts); err != nil {
		return nil, err
	}
	if err := shared.Required("rest", "host", opts.Host); err != nil {
		return nil, err
	}
	if opts.ValuesEndpoint == "" {
		opts.ValuesEndpoint = "/values"
	}
	if opts.FileEndpoint == "" {
		opts.FileEndpoint = "/files"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = shared.Duration(defaultTimeout)
	}
	switch strings.ToLower(opts.Authentication.Type) {
	case "", "none", "basic", "bearer":
	case "api-key":
		if opts.Authentication.Header == "" {
			return nil, shared.Invalid("rest", "authentication.header is required for api-key")
		}
	default:
		return nil, shared.Invalid("rest", fmt.Sprintf("unsupported authentication type %q", opts.Authentication.Type))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{id: id, opts: opts, logger: logger}, nil
}

// Connect builds the client and optionally checks the host is reachable.
func (c *Connector) Connect(ctx context.Context) error {
	client := resty.New().
		SetBaseURL(strings.TrimRight(c.opts.Host, "/")).
		SetTimeout(c.opts.Timeout.Std()).
		SetHeaders(c.opts.Headers).
		SetHeader("User-Agent", "fieldgate/"+c.id)
	auth := c.opts.Authentication
	switch strings.ToLower(auth.Type) {
	case "basic":
		client.SetBasicAuth(auth.Username, auth.Password)
	case "bearer":
		client.SetAuthToken(auth.Token)
	case "api-key":
		client.SetHeader(auth.Header, auth.Key)
	}
	if c.opts.CheckHost {
		resp, err := client.R().SetContext(ctx).Get("/")
		if err != nil {
			return shared.Transport("rest", "check host", err)
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return shared.Transport("rest", fmt.Sprintf("check host: status %d", resp.StatusCode()), nil)
		}
	}
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	return nil
}

func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	c.client = nil
	c.mu.Unlock()
	return nil
}

func (c *Connector) Accepts() []content.Type {
	return []content.Type{content.TypeTimeValues, content.TypeFile}
}

// Send posts p. 4xx answers other than 408 and 429 reject the payload permanently.
func (c *Connector) Send(ctx context.Context, p content.Payload) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return shared.Disconnected("rest")
	}

	req := client.R().SetContext(ctx).SetQueryParam("source", p.Source)
	var (
		resp *resty.Response
		err  error
	)
	if p.Type == content.TypeFile {
		f, openErr := os.Open(p.FilePath)
		if openErr != nil {
			return shared.Rejected("rest", "open payload file", openErr)
		}
		defer f.Close()
		resp, err = req.SetFileReader("file", p.Filename, f).Post(c.opts.FileEndpoint)
	} else {
		body, marshalErr := json.Marshal(p.Values)
		if marshalErr != nil {
			return shared.Rejected("rest", "encode values", marshalErr)
		}
		resp, err = req.SetHeader("Content-Type", "application/json").SetBody(body).Post(c.opts.ValuesEndpoint)
	}
	if err != nil {
		return shared.Transport("rest", "post payload", err)
	}
	return classify(resp)
}

func classify(resp *resty.Response) error {
	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return shared.Transport("rest", fmt.Sprintf("status %d", status), nil)
	case status >= 400 && status < 500:
		return shared.Rejected("rest", fmt.Sprintf("status %d: %s", status, truncate(resp.String(), 256)), nil)
	default:
		return shared.Transport("rest", fmt.Sprintf("status %d", status), nil)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
