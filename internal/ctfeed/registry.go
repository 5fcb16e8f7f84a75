package ctfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

const allLogsListURL = "https://www.gstatic.com/ct/log_list/v3/all_logs_list.json"

// badCTServers is the hardcoded denylist of retired or compromised logs.
// Google's catalog occasionally still advertises these as "usable" well
// after their operators have stopped accepting submissions or, in a few
// cases, been caught misbehaving.
var badCTServers = []string{
	"log.certly.io",
	"ct.wosign.com",
	"ctlog.wosign.com",
	"ct.startssl.com",
	"ct1.digicert-ct.com/log", // retired DigiCert log, superseded
	"ct.akamai.com",
	"ctserver.cnnic.cn",
	"ct.izenpe.com",
	"ct.izenpe.eus",
	"flimsy.ct.nordu.net",
	"ct.gdca.com.cn",
	"log.gdca.com.cn",
}

// logListCatalog mirrors the v3 all_logs_list.json shape closely enough to
// decode it; it carries only the fields the registry acts on.
type logListCatalog struct {
	Operators []logListOperator `json:"operators"`
}

type logListOperator struct {
	Name string        `json:"name"`
	Logs []logListEntry `json:"logs"`
}

type logListEntry struct {
	Description string                 `json:"description"`
	URL         string                 `json:"url"`
	State       map[string]interface{} `json:"state"`
}

// fallbackLogSources is used when the catalog cannot be fetched at all.
// Seeded from a handful of long-lived, well-known logs so that ingestion
// can still start against a degraded or unreachable Google endpoint.
var fallbackLogSources = []LogSource{
	{Description: "Google 'Argon2024' log", URL: "ct.googleapis.com/logs/us1/argon2024", Operator: "Google"},
	{Description: "Google 'Xenon2024' log", URL: "ct.googleapis.com/logs/eu1/xenon2024", Operator: "Google"},
	{Description: "Cloudflare 'Nimbus2024' Log", URL: "ct.cloudflare.com/logs/nimbus2024", Operator: "Cloudflare"},
	{Description: "Let's Encrypt 'Oak2024H1'", URL: "oak.ct.letsencrypt.org/2024h1", Operator: "Let's Encrypt"},
	{Description: "DigiCert Yeti2024", URL: "yeti2024.ct.digicert.com/log", Operator: "DigiCert"},
	{Description: "Sectigo 'Sabre2024h1'", URL: "sabre2024h1.ct.sectigo.com", Operator: "Sectigo"},
	{Description: "TrustAsia Log2024", URL: "ct2024.trustasia.com/log2024", Operator: "TrustAsia"},
	{Description: "SSLMate 'Sapling 2024h1'", URL: "sapling.ct.sslmate.com/2024h1", Operator: "SSLMate"},
	{Description: "Certainly Log 2024h1", URL: "log.certainly.com/2024h1", Operator: "Certainly"},
	{Description: "Google 'Argon2025' log", URL: "ct.googleapis.com/logs/us1/argon2025", Operator: "Google"},
}

// FetchLogSources builds the set of logs to follow: Google's catalog,
// filtered to usable logs and the denylist, or the hardcoded fallback if
// the catalog cannot be retrieved. It never returns an error: a fetch
// failure degrades to the fallback list rather than stalling startup.
func FetchLogSources(ctx context.Context, client *http.Client, extraDenylist []string) []LogSource {
	sources, err := fetchLogListCatalog(ctx, client)
	if err != nil {
		log.Printf("registry: failed to fetch %s: %v; using fallback log list", allLogsListURL, err)
		return fallbackLogSources
	}

	denylist := append(append([]string{}, badCTServers...), extraDenylist...)

	var result []LogSource
	for _, operator := range sources.Operators {
		for _, entry := range operator.Logs {
			if _, usable := entry.State["usable"]; !usable {
				continue
			}
			if isDenylisted(entry.URL, denylist) {
				log.Printf("registry: skipping denylisted log %s", entry.URL)
				continue
			}
			result = append(result, LogSource{
				Description: entry.Description,
				URL:         trimLogURL(entry.URL),
				Operator:    operator.Name,
			})
		}
	}

	if len(result) == 0 {
		log.Printf("registry: catalog yielded no usable logs; using fallback log list")
		return fallbackLogSources
	}

	return result
}

func fetchLogListCatalog(ctx context.Context, client *http.Client) (*logListCatalog, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, allLogsListURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var catalog logListCatalog
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return &catalog, nil
}

func isDenylisted(url string, denylist []string) bool {
	for _, bad := range denylist {
		if bad == "" {
			continue
		}
		if strings.Contains(url, bad) {
			return true
		}
	}
	return false
}

// trimLogURL strips the scheme and any trailing slash so that every
// LogSource.URL can be used directly as https://{url}/ct/v1/... by the
// follower.
func trimLogURL(url string) string {
	url = strings.TrimPrefix(url, "https://")
	url = strings.TrimPrefix(url, "http://")
	return strings.TrimSuffix(url, "/")
}
