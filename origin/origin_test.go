package origin

import "testing"

func TestFromWSURL(t *testing.T) {
	t.Run("wss", func(t *testing.T) {
		got, err := FromWSURL("wss://example.com/ws")
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if got != "https://example.com" {
			t.Fatalf("expected https://example.com, got %q", got)
		}
	})

	t.Run("ws with port", func(t *testing.T) {
		got, err := FromWSURL("ws://example.com:8080/ws")
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if got != "http://example.com:8080" {
			t.Fatalf("expected http://example.com:8080, got %q", got)
		}
	})

	t.Run("missing host", func(t *testing.T) {
		_, err := FromWSURL("wss:///path")
		if err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("invalid scheme", func(t *testing.T) {
		_, err := FromWSURL("https://example.com")
		if err == nil {
			t.Fatalf("expected error")
		}
	})
}

func TestForServer(t *testing.T) {
	t.Run("https server URL", func(t *testing.T) {
		got, err := ForServer("https://warp.example.com")
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if got != "https://warp.example.com" {
			t.Fatalf("expected https://warp.example.com, got %q", got)
		}
	})

	t.Run("ws server URL", func(t *testing.T) {
		got, err := ForServer("ws://warp.example.com")
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if got != "http://warp.example.com" {
			t.Fatalf("expected http://warp.example.com, got %q", got)
		}
	})
}
