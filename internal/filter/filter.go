// Package filter selects snapshot records by content type.
package filter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/JakeFAU/wayback-retriever/internal/archive"
)

// Category is a coarse content class a user can opt into.
type Category string

// Known categories.
const (
	HTML       Category = "html"
	CSS        Category = "css"
	JavaScript Category = "javascript"
	Image      Category = "image"
	JSON       Category = "json"
	Other      Category = "other"
)

// DefaultCategories is the selection used when none is given.
var DefaultCategories = []Category{HTML, CSS, JavaScript, Image}

var prefixes = map[Category]string{
	HTML:       "text/html",
	CSS:        "text/css",
	JavaScript: "application/javascript",
	Image:      "image/",
	JSON:       "application/json",
}

var known = []string{"text/html", "text/css", "application/javascript", "application/json"}

// ParseCategories validates category names. An empty input yields the defaults.
func ParseCategories(names []string) ([]Category, error) {
	if len(names) == 0 {
		return DefaultCategories, nil
	}
	out := make([]Category, 0, len(names))
	for _, n := range names {
		c := Category(strings.ToLower(strings.TrimSpace(n)))
		if _, ok := prefixes[c]; !ok && c != Other {
			return nil, fmt.Errorf("unknown content type %q", n)
		}
		out = append(out, c)
	}
	return lo.Uniq(out), nil
}

// NormalizeMIME drops parameters such as charset.
func NormalizeMIME(mime string) string {
	base, _, _ := strings.Cut(mime, ";")
	return strings.TrimSpace(base)
}

// Matches reports whether mime falls into any of cats.
func Matches(mime string, cats []Category) bool {
	m := NormalizeMIME(mime)
	return lo.SomeBy(cats, func(c Category) bool {
		if c == Other {
			return !lo.Contains(known, m) && !strings.HasPrefix(m, "image/")
		}
		return strings.HasPrefix(m, prefixes[c])
	})
}

// Apply keeps the records whose MIME type matches cats.
func Apply(records []archive.SnapshotRecord, cats []Category) []archive.SnapshotRecord {
	return lo.Filter(records, func(r archive.SnapshotRecord, _ int) bool {
		return Matches(r.MIMEType, cats)
	})
}

// MIMECount is one row of a content breakdown.
type MIMECount struct {
	MIME  string `json:"mime"`
	Count int    `json:"count"`
}

// Breakdown counts records per normalized MIME type, most common first.
func Breakdown(records []archive.SnapshotRecord) []MIMECount {
	counts := lo.CountValuesBy(records, func(r archive.SnapshotRecord) string {
		return NormalizeMIME(r.MIMEType)
	})
	out := lo.MapToSlice(counts, func(mime string, n int) MIMECount {
		return MIMECount{MIME: mime, Count: n}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].MIME < out[j].MIME
	})
	return out
}

// EstimatedSize sums the index-reported lengths.
func EstimatedSize(records []archive.SnapshotRecord) int64 {
	return lo.SumBy(records, func(r archive.SnapshotRecord) int64 { return r.Length })
}
