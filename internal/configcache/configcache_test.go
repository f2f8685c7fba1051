package configcache

import (
	"testing"

	"github.com/wisbric/gateway/internal/model"
)

func testCache(routes []model.Route, policies map[string]model.CachePolicy) *Cache {
	return &Cache{routes: routes, policies: policies}
}

func TestMatchRouteExactPattern(t *testing.T) {
	c := testCache([]model.Route{
		{ID: "r1", PathPattern: "/items", Methods: map[string]bool{"GET": true}},
	}, nil)

	r, ok := c.MatchRoute("GET", "/items")
	if !ok || r.ID != "r1" {
		t.Fatalf("MatchRoute() = (%+v, %v), want r1 matched", r, ok)
	}

	if _, ok := c.MatchRoute("GET", "/items/1"); ok {
		t.Fatal("MatchRoute() matched an exact pattern against a longer path")
	}
}

func TestMatchRouteWildcardPattern(t *testing.T) {
	c := testCache([]model.Route{
		{ID: "r1", PathPattern: "/items/*", Methods: map[string]bool{"GET": true}},
	}, nil)

	r, ok := c.MatchRoute("GET", "/items/42")
	if !ok || r.ID != "r1" {
		t.Fatalf("MatchRoute() = (%+v, %v), want r1 matched", r, ok)
	}
}

func TestMatchRouteMethodMismatch(t *testing.T) {
	c := testCache([]model.Route{
		{ID: "r1", PathPattern: "/items/*", Methods: map[string]bool{"GET": true}},
	}, nil)

	if _, ok := c.MatchRoute("POST", "/items/42"); ok {
		t.Fatal("MatchRoute() matched a route whose Methods excludes POST")
	}
}

func TestMatchRoutePriorityWins(t *testing.T) {
	c := testCache([]model.Route{
		{ID: "low", PathPattern: "/items/*", Priority: 1, Methods: map[string]bool{"GET": true}},
		{ID: "high", PathPattern: "/items/*", Priority: 10, Methods: map[string]bool{"GET": true}},
	}, nil)

	r, ok := c.MatchRoute("GET", "/items/42")
	if !ok || r.ID != "high" {
		t.Fatalf("MatchRoute() = %+v, want the higher-priority route to win", r)
	}
}

func TestMatchRouteSpecificityBreaksPriorityTie(t *testing.T) {
	c := testCache([]model.Route{
		{ID: "wild", PathPattern: "/items/*", Priority: 5, Methods: map[string]bool{"GET": true}},
		{ID: "exact", PathPattern: "/items/special", Priority: 5, Methods: map[string]bool{"GET": true}},
	}, nil)

	r, ok := c.MatchRoute("GET", "/items/special")
	if !ok || r.ID != "exact" {
		t.Fatalf("MatchRoute() = %+v, want the more specific exact-match route to win a priority tie", r)
	}
}

func TestMatchRouteNoMatch(t *testing.T) {
	c := testCache([]model.Route{
		{ID: "r1", PathPattern: "/items/*", Methods: map[string]bool{"GET": true}},
	}, nil)

	if _, ok := c.MatchRoute("GET", "/other"); ok {
		t.Fatal("MatchRoute() matched a path under no configured route")
	}
}

func TestPolicyForNoPolicyID(t *testing.T) {
	c := testCache(nil, map[string]model.CachePolicy{})
	_, ok := c.PolicyFor(model.Route{ID: "r1"})
	if ok {
		t.Fatal("PolicyFor() returned ok=true for a route with no PolicyID")
	}
}

func TestPolicyForResolves(t *testing.T) {
	policyID := "p1"
	c := testCache(nil, map[string]model.CachePolicy{
		"p1": {ID: "p1", TTLSeconds: 30},
	})
	p, ok := c.PolicyFor(model.Route{ID: "r1", PolicyID: &policyID})
	if !ok || p.TTLSeconds != 30 {
		t.Fatalf("PolicyFor() = (%+v, %v), want the resolved policy", p, ok)
	}
}
