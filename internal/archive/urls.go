package archive

import (
	"fmt"
	"strings"
)

// Default endpoints and identity used when configuration leaves them unset.
const (
	DefaultCDXEndpoint = "https://web.archive.org/cdx/search/cdx"
	DefaultHost        = "https://web.archive.org"
	DefaultUserAgent   = "Mozilla/5.0 (compatible; WaybackDownloader/1.0)"
)

// TimestampLayout is the time.Parse layout of a 14-digit capture timestamp.
const TimestampLayout = "20060102150405"

// RawContentURL builds the archive URL that serves the original bytes of a
// capture, without the replay toolbar or rewritten links.
func RawContentURL(host, originalURL, timestamp string) string {
	host = strings.TrimRight(host, "/")
	if host == "" {
		host = DefaultHost
	}
	return fmt.Sprintf("%s/web/%sid_/%s", host, timestamp, originalURL)
}

// ReplayURL builds the browsable replay URL for a capture.
func ReplayURL(host, originalURL, timestamp string) string {
	host = strings.TrimRight(host, "/")
	if host == "" {
		host = DefaultHost
	}
	return fmt.Sprintf("%s/web/%s/%s", host, timestamp, originalURL)
}
