// Package crawl fetches a list of pages with a colly collector on top of any
// http.RoundTripper, typically a routing.Transport.
package crawl

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

const (
	defaultParallelism = 4
	defaultTimeout     = 30 * time.Second
	indexKey           = "index"
)

type Options struct {
	// Parallelism bounds concurrent requests per domain (default: 4)
	Parallelism int
	// Timeout for a single request including retries (default: 30s)
	Timeout time.Duration
	// UserAgent overrides the collector default when set
	UserAgent string
	// Delay between requests to the same domain
	Delay time.Duration
}

// Page is the outcome of one visited URL.
type Page struct {
	URL        string
	StatusCode int
	Size       int
	Err        error
}

type Crawler struct {
	transport http.RoundTripper
	options   Options
	logger    *slog.Logger
}

func New(transport http.RoundTripper, options Options, logger *slog.Logger) *Crawler {
	if options.Parallelism <= 0 {
		options.Parallelism = defaultParallelism
	}
	if options.Timeout <= 0 {
		options.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{
		transport: transport,
		options:   options,
		logger:    logger,
	}
}

// Run visits urls and returns one Page per URL in input order. Non-2xx responses are
// pages, not errors. The returned error is only set when ctx ends early.
func (c *Crawler) Run(ctx context.Context, urls []string) ([]Page, error) {
	collector, err := c.newCollector(ctx)
	if err != nil {
		return nil, err
	}

	pages := make([]Page, len(urls))
	for i, u := range urls {
		pages[i].URL = u
	}

	// each callback writes only its own slot
	collector.OnResponse(func(r *colly.Response) {
		i, ok := r.Ctx.GetAny(indexKey).(int)
		if !ok {
			return
		}
		pages[i].StatusCode = r.StatusCode
		pages[i].Size = len(r.Body)
		c.logger.Debug("page fetched",
			"url", r.Request.URL.String(),
			"status", r.StatusCode,
			"size", len(r.Body))
	})

	collector.OnError(func(r *colly.Response, err error) {
		i, ok := r.Ctx.GetAny(indexKey).(int)
		if !ok {
			return
		}
		pages[i].StatusCode = r.StatusCode
		pages[i].Err = err
		c.logger.Warn("page fetch failed",
			"url", r.Request.URL.String(),
			"status", r.StatusCode,
			"error", err)
	})

	for i, u := range urls {
		if ctx.Err() != nil {
			break
		}
		rctx := colly.NewContext()
		rctx.Put(indexKey, i)
		if err := collector.Request(http.MethodGet, u, nil, rctx, nil); err != nil {
			// colly reports request failures through OnError as well
			if pages[i].Err == nil {
				pages[i].Err = err
			}
		}
	}
	collector.Wait()

	if err := ctx.Err(); err != nil {
		return pages, fmt.Errorf("crawl interrupted: %w", err)
	}
	return pages, nil
}

func (c *Crawler) newCollector(ctx context.Context) (*colly.Collector, error) {
	options := []colly.CollectorOption{
		colly.Async(),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.StdlibContext(ctx),
	}
	if c.options.UserAgent != "" {
		options = append(options, colly.UserAgent(c.options.UserAgent))
	}

	collector := colly.NewCollector(options...)
	if c.transport != nil {
		collector.WithTransport(c.transport)
	}
	collector.SetRequestTimeout(c.options.Timeout)

	err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: c.options.Parallelism,
		Delay:       c.options.Delay,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid crawl limits: %w", err)
	}
	return collector, nil
}
