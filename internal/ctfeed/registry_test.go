package ctfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchLogSourcesFiltersUsableAndDenylist(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"operators": [
				{
					"name": "Google",
					"logs": [
						{"description": "Good Log", "url": "https://ct.example.com/log1/", "state": {"usable": {}}},
						{"description": "Retired Log", "url": "https://ct.example.com/log2/", "state": {"retired": {}}},
						{"description": "Bad Log", "url": "https://ct.wosign.com/", "state": {"usable": {}}}
					]
				}
			]
		}`))
	}))
	defer server.Close()

	origURL := allLogsListURL
	_ = origURL // allLogsListURL is a const; swap the client's transport instead.

	client := &http.Client{Transport: redirectTransport{target: server.URL}}
	sources := FetchLogSources(context.Background(), client, nil)

	if len(sources) != 1 {
		t.Fatalf("expected exactly 1 usable, non-denylisted log, got %d: %+v", len(sources), sources)
	}
	if sources[0].URL != "ct.example.com/log1" {
		t.Fatalf("expected trimmed URL ct.example.com/log1, got %q", sources[0].URL)
	}
}

func TestFetchLogSourcesFallbackOnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := &http.Client{Transport: redirectTransport{target: server.URL}}
	sources := FetchLogSources(context.Background(), client, nil)

	if len(sources) != len(fallbackLogSources) {
		t.Fatalf("expected fallback list of length %d, got %d", len(fallbackLogSources), len(sources))
	}
}

func TestIsDenylisted(t *testing.T) {
	denylist := []string{"ct.wosign.com", "log.certly.io"}
	if !isDenylisted("https://ct.wosign.com/", denylist) {
		t.Fatalf("expected ct.wosign.com to be denylisted")
	}
	if isDenylisted("https://ct.googleapis.com/logs/argon2024", denylist) {
		t.Fatalf("did not expect argon2024 to be denylisted")
	}
}

// redirectTransport sends every request to target regardless of the
// original URL, so tests can point the fixed allLogsListURL constant at a
// local httptest server.
type redirectTransport struct {
	target string
}

func (t redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	targetURL, err := http.NewRequest(req.Method, t.target, req.Body)
	if err != nil {
		return nil, err
	}
	clone.URL = targetURL.URL
	clone.Host = targetURL.Host
	return http.DefaultTransport.RoundTrip(clone)
}
