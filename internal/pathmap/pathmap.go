// Package pathmap maps archived resource URLs onto deterministic local file paths.
package pathmap

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf16"
)

const (
	indexFile       = "index.html"
	defaultExt      = ".html"
	maxFallbackName = 200
)

var (
	repeatedSlashes = regexp.MustCompile(`/{2,}`)
	unsafeChars     = regexp.MustCompile(`[^A-Za-z0-9.-]`)
)

// Map converts a remote URL to a file path under outputRoot. It never fails:
// unparsable input is flattened into a sanitized file name directly under the
// root. The layout is outputRoot/<hostname>/<path>, where directory-like paths
// gain an index.html and query strings are folded into the file name as an
// 8-hex fingerprint so that distinct queries land in distinct files.
func Map(remoteURL, outputRoot string) string {
	u, err := url.Parse(remoteURL)
	if err != nil || !safeHost(u.Hostname()) {
		return fallback(remoteURL, outputRoot)
	}

	p := resolveDots(u.EscapedPath())
	if p == "" || p == "/" {
		p = "/" + indexFile
	}
	hasQuery := u.RawQuery != ""
	if strings.HasSuffix(p, "/") || (!hasQuery && !strings.Contains(path.Base(p), ".")) {
		p = strings.TrimRight(p, "/") + "/" + indexFile
	}
	p = repeatedSlashes.ReplaceAllString(p, "/")

	if hasQuery {
		dir, file := path.Split(p)
		ext := path.Ext(file)
		base := strings.TrimSuffix(file, ext)
		if ext == "" {
			ext = defaultExt
		}
		p = dir + base + "_" + Fingerprint("?"+u.RawQuery) + ext
	}

	rel := filepath.FromSlash(strings.TrimPrefix(p, "/"))
	return filepath.Join(outputRoot, u.Hostname(), rel)
}

// resolveDots removes "." and ".." segments, including their percent-encoded
// forms, without climbing above the root. A path ending in a dot segment
// keeps a trailing slash.
func resolveDots(p string) string {
	if p == "" {
		return p
	}
	segs := strings.Split(strings.TrimPrefix(p, "/"), "/")
	out := make([]string, 0, len(segs))
	trailing := false
	for i, seg := range segs {
		last := i == len(segs)-1
		switch strings.ToLower(seg) {
		case ".", "%2e":
			trailing = trailing || last
		case "..", ".%2e", "%2e.", "%2e%2e":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
			trailing = trailing || last
		default:
			out = append(out, seg)
		}
	}
	res := "/" + strings.Join(out, "/")
	if trailing && !strings.HasSuffix(res, "/") {
		res += "/"
	}
	return res
}

func safeHost(host string) bool {
	return host != "" && host != "." && host != ".." && !strings.ContainsAny(host, `/\`)
}

// Relative returns the slash-separated key of localPath below outputRoot. It
// is the object name used when mirroring a mapped file to a remote store.
func Relative(localPath, outputRoot string) string {
	rel, err := filepath.Rel(outputRoot, localPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Base(localPath)
	}
	return filepath.ToSlash(rel)
}

// Fingerprint hashes s with a 32-bit multiply-by-31 rolling hash over UTF-16
// code units and renders the magnitude as 8 lowercase hex digits.
func Fingerprint(s string) string {
	var h int32
	for _, unit := range utf16.Encode([]rune(s)) {
		h = h*31 + int32(unit)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	out := fmt.Sprintf("%08x", v)
	if len(out) > 8 {
		out = out[:8]
	}
	return out
}

func fallback(raw, outputRoot string) string {
	name := unsafeChars.ReplaceAllString(raw, "_")
	if len(name) > maxFallbackName {
		name = name[:maxFallbackName]
	}
	if name == "" || name == "." || name == ".." {
		name = "_"
	}
	return filepath.Join(outputRoot, name)
}

// DirName derives a default output directory name for a domain: its hostname
// with dots replaced by underscores.
func DirName(domain string) string {
	raw := domain
	if !strings.HasPrefix(raw, "http") {
		raw = "https://" + raw
	}
	host := ""
	if u, err := url.Parse(raw); err == nil {
		host = u.Hostname()
	}
	if host == "" {
		host = unsafeChars.ReplaceAllString(domain, "_")
	}
	return strings.ReplaceAll(host, ".", "_")
}
