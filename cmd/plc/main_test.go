package main

import (
	"context"
	"testing"

	"github.com/primal-host/plc-mirror/internal/config"
)

func TestStringsEqual(t *testing.T) {
	cases := []struct {
		a, b []string
		want bool
	}{
		{nil, nil, true},
		{[]string{}, nil, true},
		{[]string{"a"}, []string{"a"}, true},
		{[]string{"a", "b"}, []string{"a"}, false},
		{[]string{"a"}, []string{"b"}, false},
	}
	for _, c := range cases {
		if got := stringsEqual(c.a, c.b); got != c.want {
			t.Errorf("stringsEqual(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestNullifiedSuffix(t *testing.T) {
	if got := nullifiedSuffix(true); got != " [nullified]" {
		t.Errorf("nullifiedSuffix(true) = %q", got)
	}
	if got := nullifiedSuffix(false); got != "" {
		t.Errorf("nullifiedSuffix(false) = %q", got)
	}
}

func TestResolveUserPassesThroughDIDs(t *testing.T) {
	got, err := resolveUser(context.Background(), "did:plc:abcdefghijklmnopqrstuvwx")
	if err != nil {
		t.Fatalf("resolveUser: %v", err)
	}
	if got != "did:plc:abcdefghijklmnopqrstuvwx" {
		t.Errorf("expected a did to pass through unchanged, got %s", got)
	}
}

func TestRegistryClientBuildsAClientFromConfig(t *testing.T) {
	cfg := &config.Config{RegistryURL: "https://plc.example.com"}
	c := registryClient(cfg)
	if c == nil {
		t.Fatal("expected a non-nil client")
	}
}
