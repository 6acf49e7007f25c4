// Package discovery walks the paginated index and reduces captures to the
// set a download run needs.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-retriever/internal/archive"
	"github.com/JakeFAU/wayback-retriever/internal/cdx"
)

// Index is the subset of the CDX client discovery depends on.
type Index interface {
	FetchPageCount(ctx context.Context, q cdx.Query) int
	FetchPage(ctx context.Context, q cdx.Query, page int) ([]archive.SnapshotRecord, error)
}

// Options narrow a site-wide discovery.
type Options struct {
	From  string
	To    string
	Limit int
	// OnPage, when set, is called after each page is fetched.
	OnPage func(page, total int)
}

// Service performs discovery against an Index.
type Service struct {
	index  Index
	logger *zap.Logger
}

// New creates a discovery service.
func New(index Index, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{index: index, logger: logger.Named("discovery")}
}

// DiscoverAll lists every URL under domain and keeps, per exact URL, the
// capture with the greatest timestamp. Pages are fetched strictly in order.
// Any page failure discards everything gathered so far.
func (s *Service) DiscoverAll(ctx context.Context, domain string, opts Options) (archive.DiscoveryResult, error) {
	q := cdx.Query{
		URL:   strings.TrimRight(domain, "/") + "/*",
		From:  opts.From,
		To:    opts.To,
		Limit: opts.Limit,
	}

	all, err := s.collect(ctx, q, opts.OnPage)
	if err != nil {
		s.logger.Error("discovery failed", zap.String("domain", domain), zap.Error(err))
		return archive.DiscoveryResult{}, fmt.Errorf("discover %s: %w", domain, err)
	}

	records := latestPerURL(all)
	s.logger.Info("discovery complete",
		zap.String("domain", domain),
		zap.Int("captures", len(all)),
		zap.Int("unique_urls", len(records)),
	)
	return archive.DiscoveryResult{Records: records, TotalSeen: len(all)}, nil
}

// DiscoverTimestamps lists the distinct capture times of one exact URL,
// newest first.
func (s *Service) DiscoverTimestamps(ctx context.Context, exactURL string) ([]archive.TimestampInfo, error) {
	all, err := s.collect(ctx, cdx.Query{URL: exactURL}, nil)
	if err != nil {
		s.logger.Error("timestamp discovery failed", zap.String("url", exactURL), zap.Error(err))
		return nil, fmt.Errorf("discover timestamps for %s: %w", exactURL, err)
	}

	seen := make(map[string]struct{}, len(all))
	out := make([]archive.TimestampInfo, 0, len(all))
	for _, r := range all {
		if _, dup := seen[r.Timestamp]; dup {
			continue
		}
		seen[r.Timestamp] = struct{}{}
		out = append(out, archive.TimestampInfo{
			Timestamp: r.Timestamp,
			URL:       r.URL,
			MIMEType:  r.MIMEType,
			Size:      r.Length,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

func (s *Service) collect(ctx context.Context, q cdx.Query, onPage func(page, total int)) ([]archive.SnapshotRecord, error) {
	total := s.index.FetchPageCount(ctx, q)
	s.logger.Debug("index pages", zap.String("query", q.URL), zap.Int("pages", total))

	var all []archive.SnapshotRecord
	for page := range total {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		records, err := s.index.FetchPage(ctx, q, page)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
		if onPage != nil {
			onPage(page+1, total)
		}
	}
	return all, nil
}

// latestPerURL keeps one record per URL in first-seen order, choosing the
// lexicographically greatest timestamp.
func latestPerURL(records []archive.SnapshotRecord) []archive.SnapshotRecord {
	index := make(map[string]int, len(records))
	out := make([]archive.SnapshotRecord, 0, len(records))
	for _, r := range records {
		i, ok := index[r.URL]
		if !ok {
			index[r.URL] = len(out)
			out = append(out, r)
			continue
		}
		if r.Timestamp > out[i].Timestamp {
			out[i] = r
		}
	}
	return out
}
