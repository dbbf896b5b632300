// Package fetch provides functionality to make HTTP requests through various transports
package fetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
)

const defaultTimeout = 30 * time.Second

// Options contains the configuration used to build a Client
type Options struct {
	// Transport config string, empty means a direct TCP connection
	Transport string
	// Raw HTTP headers to add to every request (without \r\n)
	Headers []string
	// Timeout for the whole request (default: 30s)
	Timeout time.Duration
}

// Result contains the response from a fetch request
type Result struct {
	// HTTP response, the body is already consumed
	Response *http.Response
	// Response body as bytes
	Body []byte
}

// Client performs GET requests over a dialer built from an outline-sdk config string.
type Client struct {
	httpClient *http.Client
	headers    http.Header
}

// NewClient builds a Client from opts.
func NewClient(opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	dialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(opts.Transport)
	if err != nil {
		return nil, fmt.Errorf("could not create dialer: %w", err)
	}

	headers, err := parseHeaders(opts.Headers)
	if err != nil {
		return nil, err
	}

	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{DialContext: dialContext(dialer)},
			Timeout:   opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		headers: headers,
	}, nil
}

// Get fetches url and reads the whole body.
func (c *Client) Get(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for name, values := range c.headers {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read of page body failed: %w", err)
	}

	return &Result{
		Response: resp,
		Body:     body,
	}, nil
}

func dialContext(dialer transport.StreamDialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		return dialer.DialStream(ctx, addr)
	}
}

func parseHeaders(lines []string) (http.Header, error) {
	if len(lines) == 0 {
		return http.Header{}, nil
	}
	headerText := strings.Join(lines, "\r\n") + "\r\n\r\n"
	h, err := textproto.NewReader(bufio.NewReader(strings.NewReader(headerText))).ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("invalid header line: %w", err)
	}
	return http.Header(h), nil
}
