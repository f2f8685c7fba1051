// Package cachekey derives the deterministic cache-key fingerprint used by
// internal/responsecache, per spec.md §4.1.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// separator is the non-collidable field separator the canonical byte string
// is built from — it cannot appear in a method, header name, or URL-encoded
// query string.
const separator = "\x1f"

// Request carries the fields the canonicalizer needs. Callers (the pipeline)
// build one from the inbound *http.Request plus the matched route/policy.
type Request struct {
	Method      string
	TenantID    string
	RouteName   string
	Path        string
	Query       url.Values
	Header      map[string][]string // raw request headers, any case
	VaryHeaders []string            // policy.vary_headers, in configured order
}

// Compute returns "cache:<hex>", a stable fingerprint of req. Permuting
// query parameters or header name case never changes the result; changing
// any ordered vary-header value, the tenant, or the route does.
func Compute(req Request) string {
	var b strings.Builder

	b.WriteString(strings.ToUpper(req.Method))
	b.WriteString(separator)
	b.WriteString(req.TenantID)
	b.WriteString(separator)
	b.WriteString(req.RouteName)
	b.WriteString(separator)
	b.WriteString(strings.TrimSuffix(req.Path, "/"))
	b.WriteString(separator)
	b.WriteString(canonicalQuery(req.Query))

	for _, name := range req.VaryHeaders {
		b.WriteString(separator)
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strings.ToLower(headerValue(req.Header, name)))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return "cache:" + hex.EncodeToString(sum[:])
}

// canonicalQuery sorts query parameters lexicographically by name then
// value and URL-encodes the result, so permuting parameter order never
// changes the canonical string.
func canonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}

	type pair struct{ name, value string }
	pairs := make([]pair, 0, len(q))
	for name, values := range q {
		for _, v := range values {
			pairs = append(pairs, pair{name, v})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].name != pairs[j].name {
			return pairs[i].name < pairs[j].name
		}
		return pairs[i].value < pairs[j].value
	})

	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = url.QueryEscape(p.name) + "=" + url.QueryEscape(p.value)
	}
	return strings.Join(parts, "&")
}

// headerValue returns the first value of header name (case-insensitive),
// or "" if absent, matching spec.md §4.1's "name=" for missing vary headers.
func headerValue(header map[string][]string, name string) string {
	for k, values := range header {
		if strings.EqualFold(k, name) && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}
