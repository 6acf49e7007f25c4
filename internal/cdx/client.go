// Package cdx talks to the Wayback Machine CDX index.
package cdx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-retriever/internal/archive"
	"github.com/JakeFAU/wayback-retriever/internal/metrics"
)

const (
	statusFilter     = "statuscode:200"
	snapshotCollapse = "timestamp:8"
	minColumns       = 7
)

var (
	// ErrIndexStatus reports a non-2xx answer from the index.
	ErrIndexStatus = errors.New("cdx: unexpected status")
	// ErrIndexPayload reports a body that is not a JSON table.
	ErrIndexPayload = errors.New("cdx: malformed payload")
)

// Query selects captures from the index. Zero fields are omitted from the request.
type Query struct {
	URL       string
	MatchType string
	Collapse  string
	Filters   []string
	Limit     int
	From      string
	To        string
}

// Config wires the client's collaborators.
type Config struct {
	Endpoint string
	Fetcher  archive.Fetcher
	// Cache is optional; successful payloads are stored under the request URL.
	Cache   archive.PageCache
	Timeout time.Duration
	Logger  *zap.Logger
}

// Client issues CDX queries and decodes their tabular JSON output.
type Client struct {
	endpoint string
	fetcher  archive.Fetcher
	cache    archive.PageCache
	timeout  time.Duration
	logger   *zap.Logger
}

// New creates a CDX client.
func New(cfg Config) (*Client, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("cdx client requires a fetcher")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = archive.DefaultCDXEndpoint
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("parse cdx endpoint: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint: endpoint,
		fetcher:  cfg.Fetcher,
		cache:    cfg.Cache,
		timeout:  cfg.Timeout,
		logger:   logger.Named("cdx"),
	}, nil
}

// FetchPage returns the records of one result page. Rows shorter than the
// expected column count are skipped.
func (c *Client) FetchPage(ctx context.Context, q Query, page int) ([]archive.SnapshotRecord, error) {
	values := q.values()
	values.Set("page", strconv.Itoa(page))
	records, err := c.fetchRecords(ctx, c.requestURL(values))
	if err != nil {
		metrics.ObserveIndexPage("error")
		return nil, fmt.Errorf("fetch page %d: %w", page, err)
	}
	metrics.ObserveIndexPage("ok")
	return records, nil
}

// FetchPageCount asks the index how many pages the query spans. It never
// fails: any problem is logged and reported as a single page.
func (c *Client) FetchPageCount(ctx context.Context, q Query) int {
	values := q.values()
	values.Set("showNumPages", "true")
	reqURL := c.requestURL(values)

	body, err := c.get(ctx, reqURL)
	if err != nil {
		c.logger.Warn("page count unavailable, assuming one page", zap.String("url", q.URL), zap.Error(err))
		return 1
	}
	pages, ok := parsePageCount(body)
	if !ok {
		c.logger.Warn("page count unreadable, assuming one page", zap.String("url", q.URL))
		return 1
	}
	return pages
}

// FetchSnapshots runs a single unpaginated query. Unless the query sets its
// own collapse, captures are collapsed to one per day.
func (c *Client) FetchSnapshots(ctx context.Context, q Query) ([]archive.SnapshotRecord, error) {
	if q.Collapse == "" {
		q.Collapse = snapshotCollapse
	}
	records, err := c.fetchRecords(ctx, c.requestURL(q.values()))
	if err != nil {
		return nil, fmt.Errorf("fetch snapshots for %s: %w", q.URL, err)
	}
	return records, nil
}

func (c *Client) fetchRecords(ctx context.Context, reqURL string) ([]archive.SnapshotRecord, error) {
	body, err := c.get(ctx, reqURL)
	if err != nil {
		return nil, err
	}
	records, err := parseRecords(body)
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	if c.cache != nil {
		if body, ok := c.cache.Get(ctx, reqURL); ok {
			return body, nil
		}
	}

	resp, err := c.fetcher.Fetch(ctx, archive.FetchRequest{URL: reqURL, Timeout: c.timeout})
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", reqURL, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%w: %d", ErrIndexStatus, resp.StatusCode)
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, reqURL, resp.Body); err != nil {
			c.logger.Warn("cache set failed", zap.String("request", reqURL), zap.Error(err))
		}
	}
	return resp.Body, nil
}

func (c *Client) requestURL(values url.Values) string {
	return c.endpoint + "?" + values.Encode()
}

func (q Query) values() url.Values {
	v := url.Values{}
	v.Set("url", q.URL)
	v.Set("output", "json")
	v.Add("filter", statusFilter)
	for _, f := range q.Filters {
		if f != "" && f != statusFilter {
			v.Add("filter", f)
		}
	}
	if q.MatchType != "" {
		v.Set("matchType", q.MatchType)
	}
	if q.Collapse != "" {
		v.Set("collapse", q.Collapse)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.From != "" {
		v.Set("from", q.From)
	}
	if q.To != "" {
		v.Set("to", q.To)
	}
	return v
}

// parseRecords decodes the index table. The first row is a header; columns
// are positional: 1 timestamp, 2 original, 3 mimetype, 4 statuscode, 5
// digest, 6 length. An empty body means no captures.
func parseRecords(body []byte) ([]archive.SnapshotRecord, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var rows [][]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexPayload, err)
	}
	if len(rows) <= 1 {
		return nil, nil
	}

	records := make([]archive.SnapshotRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) < minColumns {
			continue
		}
		length, err := strconv.ParseInt(cell(row[6]), 10, 64)
		if err != nil {
			length = 0
		}
		records = append(records, archive.SnapshotRecord{
			Timestamp:  cell(row[1]),
			URL:        cell(row[2]),
			MIMEType:   cell(row[3]),
			StatusCode: cell(row[4]),
			Digest:     cell(row[5]),
			Length:     length,
		})
	}
	return records, nil
}

// parsePageCount reads the count from the second row's first column. A bare
// JSON number is accepted as well.
func parsePageCount(body []byte) (int, bool) {
	var bare json.Number
	if err := json.Unmarshal(body, &bare); err == nil {
		return positive(bare.String())
	}
	var rows [][]any
	if err := json.Unmarshal(body, &rows); err != nil || len(rows) < 2 || len(rows[1]) == 0 {
		return 0, false
	}
	return positive(cell(rows[1][0]))
}

func positive(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func cell(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
