package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

type mockTransport struct {
	body       string
	statusCode int
	err        error

	calls int
}

func (m *mockTransport) Do(_ *http.Request) (*http.Response, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

func TestFetch(t *testing.T) {
	tests := []struct {
		name      string
		transport *mockTransport
		want      string
		wantErr   bool
		wantCalls int
	}{
		{
			name:      "successful fetch",
			transport: &mockTransport{body: "payload", statusCode: 200},
			want:      "payload",
			wantCalls: 1,
		},
		{
			name:      "client error is not retried",
			transport: &mockTransport{body: "not found", statusCode: 404},
			wantErr:   true,
			wantCalls: 1,
		},
		{
			name:      "server error is retried",
			transport: &mockTransport{body: "boom", statusCode: 503},
			wantErr:   true,
			wantCalls: 3,
		},
		{
			name:      "network error is retried",
			transport: &mockTransport{err: io.ErrUnexpectedEOF},
			wantErr:   true,
			wantCalls: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.transport)
			got, err := f.Fetch(context.Background(), "https://example.com/feed.pb")

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if string(got) != tt.want {
					t.Errorf("body = %q, want %q", got, tt.want)
				}
			}
			if tt.transport.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", tt.transport.calls, tt.wantCalls)
			}
		})
	}
}

func TestFetchLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.pb")
	if err := os.WriteFile(path, []byte("from disk"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	// A source that exists on disk never touches the HTTP client.
	transport := &mockTransport{err: io.ErrUnexpectedEOF}
	got, err := New(transport).Fetch(context.Background(), path)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(got) != "from disk" {
		t.Errorf("body = %q, want %q", got, "from disk")
	}
	if transport.calls != 0 {
		t.Errorf("HTTP client called %d times for a local file", transport.calls)
	}
}

func TestFetchContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(&mockTransport{err: io.ErrUnexpectedEOF}).Fetch(ctx, "https://example.com/feed.pb")
	if err == nil {
		t.Fatal("expected error with cancelled context")
	}
}
