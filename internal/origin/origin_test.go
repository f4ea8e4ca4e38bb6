package origin

import "testing"

func TestNormalizeHeader(t *testing.T) {
	t.Run("lowercases and strips default port", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("HTTPS://Example.COM:443")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "https://example.com" {
			t.Fatalf("normalized=%q, want %q", normalized, "https://example.com")
		}
		if host != "example.com" {
			t.Fatalf("host=%q, want %q", host, "example.com")
		}
	})

	t.Run("keeps non-default port", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("http://localhost:5173/")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "http://localhost:5173" || host != "localhost:5173" {
			t.Fatalf("normalized=%q host=%q", normalized, host)
		}
	})

	t.Run("brackets ipv6 literals", func(t *testing.T) {
		normalized, _, ok := NormalizeHeader("http://[::1]:2609")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "http://[::1]:2609" {
			t.Fatalf("normalized=%q", normalized)
		}
	})

	t.Run("allows null origin", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("null")
		if !ok || normalized != "null" || host != "" {
			t.Fatalf("normalized=%q host=%q ok=%v", normalized, host, ok)
		}
	})

	t.Run("rejects invalid headers", func(t *testing.T) {
		cases := []string{
			"",
			"ftp://example.com",
			"https://example.com/path",
			"https://example.com/?q=1",
			"https://user@example.com",
			"https://example.com/#frag",
			"https://example.com:0",
			"https://example.com:70000",
			"https://::1:443",
		}
		for _, c := range cases {
			if _, _, ok := NormalizeHeader(c); ok {
				t.Fatalf("expected ok=false for %q", c)
			}
		}
	})
}

func TestIsAllowed(t *testing.T) {
	t.Run("default is same host only", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("https://app.example.com")
		if !ok {
			t.Fatalf("NormalizeHeader ok=false")
		}
		if !IsAllowed(normalized, host, "app.example.com", nil) {
			t.Fatalf("expected same-host to be allowed")
		}
		// Default ports compare as equivalent.
		if !IsAllowed(normalized, host, "app.example.com:443", nil) {
			t.Fatalf("expected default-port host header to be allowed")
		}
		if IsAllowed(normalized, host, "other.example.com", nil) {
			t.Fatalf("expected different host to be rejected")
		}
	})

	t.Run("null never matches same-host policy", func(t *testing.T) {
		if IsAllowed("null", "", "app.example.com", nil) {
			t.Fatalf("expected null origin to be rejected by default")
		}
	})

	t.Run("star allows anything", func(t *testing.T) {
		if !IsAllowed("https://app.example.com", "app.example.com", "whatever:1234", []string{"*"}) {
			t.Fatalf("expected * to allow any origin")
		}
	})

	t.Run("explicit allow list matches exactly", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("https://app.example.com")
		if !ok {
			t.Fatalf("NormalizeHeader ok=false")
		}
		if !IsAllowed(normalized, host, "relay.example.com", []string{"https://app.example.com"}) {
			t.Fatalf("expected listed origin to be allowed")
		}
		if IsAllowed(normalized, host, "relay.example.com", []string{"https://other.example.com"}) {
			t.Fatalf("expected unlisted origin to be rejected")
		}
	})
}
