package store

import (
	"context"
	"strings"
	"testing"
)

func TestOpenMemoryStores(t *testing.T) {
	ctx := context.Background()

	if _, err := OpenVectorStore(ctx, "memory://", Options{}); err != nil {
		t.Errorf("vector: %v", err)
	}
	if _, err := OpenGraphStore(ctx, "memory://", Options{}); err != nil {
		t.Errorf("graph: %v", err)
	}
	if _, err := OpenKVStore(ctx, "memory://", Options{}); err != nil {
		t.Errorf("kv: %v", err)
	}
}

func TestOpenUnsupportedScheme(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		open func() error
	}{
		{"vector over redis", func() error {
			_, err := OpenVectorStore(ctx, "redis://localhost:6379", Options{})
			return err
		}},
		{"graph over redis", func() error {
			_, err := OpenGraphStore(ctx, "redis://localhost:6379", Options{})
			return err
		}},
		{"unknown scheme", func() error {
			_, err := OpenKVStore(ctx, "cassandra://localhost", Options{})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.open()
			if err == nil || !strings.Contains(err.Error(), "unsupported") {
				t.Errorf("expected unsupported scheme error, got %v", err)
			}
		})
	}
}

func TestMemoryPath(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"memory://", ""},
		{"memory:///var/data/graph.json", "/var/data/graph.json"},
		{"memory://graph.json", "graph.json"},
	}

	for _, tt := range tests {
		_, u, err := parseScheme(tt.dsn)
		if err != nil {
			t.Fatalf("%s: %v", tt.dsn, err)
		}
		if got := memoryPath(u); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.dsn, got, tt.want)
		}
	}
}
