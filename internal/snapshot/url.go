package snapshot

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// URLKey is a normalized URL and its content-addressed hash.
type URLKey struct {
	URL  string
	Hash string
}

// NormalizeURL standardizes a URL so equivalent spellings share one cache entry.
// It lowercases the scheme and host, defaults the scheme to https, removes
// default ports, fragments and a bare trailing slash, and sorts query parameters.
func NormalizeURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("url is required")
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "/" {
		u.Path = ""
		u.RawPath = ""
	}

	u.RawQuery = sortQuery(u.RawQuery)

	return u.String(), nil
}

// sortQuery orders query pairs by key, keeping each pair's original bytes and
// the relative order of repeated keys. A query that does not parse cleanly
// (";" separators, bad escapes) is returned unchanged so no pair is lost.
func sortQuery(raw string) string {
	if raw == "" {
		return ""
	}
	if _, err := url.ParseQuery(raw); err != nil {
		return raw
	}

	type pair struct {
		key string
		raw string
	}
	var pairs []pair
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		name, _, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(name)
		if err != nil {
			return raw
		}
		pairs = append(pairs, pair{key: key, raw: part})
	}
	slices.SortStableFunc(pairs, func(a, b pair) int {
		return strings.Compare(a.key, b.key)
	})

	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.raw
	}
	return strings.Join(parts, "&")
}

// ResolveKey normalizes rawURL and hashes the normalized form.
func ResolveKey(rawURL string, h Hasher) (URLKey, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return URLKey{}, err
	}
	sum, err := h.Hash([]byte(normalized))
	if err != nil {
		return URLKey{}, fmt.Errorf("hash url: %w", err)
	}
	return URLKey{URL: normalized, Hash: sum}, nil
}

// Domain returns the lowercase host of rawURL with any leading "www." removed.
func Domain(rawURL string) (string, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return NormalizeDomain(u.Hostname()), nil
}

// NormalizeDomain lowercases a bare domain and strips a leading "www.".
func NormalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(domain, "www.")
}
