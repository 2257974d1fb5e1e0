package parse

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"

	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

// NormalizeURL standardizes a URL so the same album or song always maps to the same index key.
// It lowercases the scheme and host, removes default ports, trims a trailing slash from the path
// (unless root "/"), and drops the fragment and query string. Percent-encoding in the path is kept.
// Does not modify the input *url.URL
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	normalized := *u

	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)

	// Remove default ports
	host, port, err := net.SplitHostPort(normalized.Host)
	if err == nil {
		if (normalized.Scheme == "http" && port == "80") ||
			(normalized.Scheme == "https" && port == "443") {
			normalized.Host = host
		}
	}

	if normalized.Path == "" {
		normalized.Path = "/"
		normalized.RawPath = ""
	} else if len(normalized.Path) > 1 && strings.HasSuffix(normalized.Path, "/") {
		normalized.Path = strings.TrimSuffix(normalized.Path, "/")
		normalized.RawPath = strings.TrimSuffix(normalized.RawPath, "/")
	}

	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.RawQuery = ""
	normalized.ForceQuery = false

	return normalized.String()
}

// ResolveLink resolves href against the page it was found on and normalizes the result.
// Only http(s) targets are accepted.
func ResolveLink(base *url.URL, href string) (string, error) {
	abs, err := resolve(base, href)
	if err != nil {
		return "", err
	}
	return NormalizeURL(abs), nil
}

// ResolveFetchURL resolves href against the page it was found on without normalizing it.
// The query string is kept and only the fragment is dropped.
func ResolveFetchURL(base *url.URL, href string) (string, error) {
	abs, err := resolve(base, href)
	if err != nil {
		return "", err
	}
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs.String(), nil
}

func resolve(base *url.URL, href string) (*url.URL, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return nil, fmt.Errorf("%w: empty link URL", utils.ErrParsing)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid link URL '%s': %w", utils.ErrParsing, href, err)
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported link URL scheme '%s'", utils.ErrParsing, href)
	}
	return abs, nil
}

// AlbumIDFromURL returns the album's natural key: the last path segment of its URL, unescaped.
func AlbumIDFromURL(albumURL string) (string, error) {
	u, err := url.Parse(albumURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid album URL '%s': %w", utils.ErrParsing, albumURL, err)
	}
	segment := path.Base(strings.TrimRight(u.Path, "/"))
	if segment == "" || segment == "." || segment == "/" {
		return "", fmt.Errorf("%w: album URL '%s' has no path segment", utils.ErrParsing, albumURL)
	}
	return segment, nil
}

// LetterPageURL builds the URL of page n of a letter bucket
func LetterPageURL(letterURL string, n int) string {
	return fmt.Sprintf("%s?page=%d", letterURL, n)
}
