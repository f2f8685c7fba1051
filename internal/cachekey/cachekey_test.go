package cachekey

import (
	"net/url"
	"testing"
)

func baseRequest() Request {
	return Request{
		Method:    "get",
		TenantID:  "tenant-1",
		RouteName: "demo",
		Path:      "/items/",
		Query:     url.Values{"b": {"2"}, "a": {"1"}},
		Header: map[string][]string{
			"Accept-Language": {"en-US"},
			"X-Other":         {"ignored"},
		},
		VaryHeaders: []string{"Accept-Language"},
	}
}

func TestComputeIsStablePrefix(t *testing.T) {
	key := Compute(baseRequest())
	if len(key) < len("cache:") || key[:6] != "cache:" {
		t.Fatalf("Compute() = %q, want cache:<hex> prefix", key)
	}
}

func TestComputeIgnoresQueryParamOrder(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.Query = url.Values{"a": {"1"}, "b": {"2"}}

	if Compute(a) != Compute(b) {
		t.Fatal("Compute() changed when query parameter insertion order changed")
	}
}

func TestComputeIgnoresHeaderNameCase(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.Header = map[string][]string{
		"accept-language": {"en-US"},
		"x-other":         {"ignored"},
	}

	if Compute(a) != Compute(b) {
		t.Fatal("Compute() changed when header name case changed")
	}
}

func TestComputeChangesOnVaryHeaderValue(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.Header = map[string][]string{"Accept-Language": {"fr-FR"}}

	if Compute(a) == Compute(b) {
		t.Fatal("Compute() did not change when a vary header's value changed")
	}
}

func TestComputeChangesOnTenant(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.TenantID = "tenant-2"

	if Compute(a) == Compute(b) {
		t.Fatal("Compute() did not change when tenant changed")
	}
}

func TestComputeChangesOnMethod(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.Method = "POST"

	if Compute(a) == Compute(b) {
		t.Fatal("Compute() did not change when method changed")
	}
}

func TestComputeStripsTrailingSlash(t *testing.T) {
	a := baseRequest()
	a.Path = "/items"
	b := baseRequest()
	b.Path = "/items/"

	if Compute(a) != Compute(b) {
		t.Fatal("Compute() treated /items and /items/ as distinct")
	}
}

func TestComputeMissingVaryHeaderEqualsEmpty(t *testing.T) {
	a := baseRequest()
	a.Header = map[string][]string{}
	b := baseRequest()
	b.Header = map[string][]string{"Accept-Language": {""}}

	if Compute(a) != Compute(b) {
		t.Fatal("Compute() should treat an absent vary header the same as an empty one")
	}
}
