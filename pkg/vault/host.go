package vault

import (
	"net/url"
	"strings"

	"github.com/Ilya37/kdbxkeeper/pkg/kdbx"
)

// ExtractHost reduces a URL-ish string to its host: scheme and path are
// stripped, a bare host passes through, and "www." is not removed.
func ExtractHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	candidate := raw
	if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil || u.Hostname() == "" {
		// Fall back to manual trimming for strings url.Parse rejects.
		host := raw
		if i := strings.Index(host, "://"); i >= 0 {
			host = host[i+3:]
		}
		for _, sep := range []string{"/", "?", "#"} {
			if i := strings.Index(host, sep); i >= 0 {
				host = host[:i]
			}
		}
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		return strings.ToLower(host)
	}
	return strings.ToLower(u.Hostname())
}

// EntriesForHost returns entries whose stored URL refers to the same host as
// rawURL. An entry matches when its URL parses to the same host (a "www."
// prefix on either side is tolerated), or when its URL string textually
// contains the host — the fallback for host-only storage.
func EntriesForHost(db *kdbx.Database, rawURL string) []EntryView {
	host := ExtractHost(rawURL)
	if host == "" {
		return nil
	}
	bare := strings.TrimPrefix(host, "www.")

	var out []EntryView
	for _, candidate := range ListEntries(db, ListOptions{}) {
		if candidate.URL == "" {
			continue
		}
		stored := ExtractHost(candidate.URL)
		if hostsEqual(stored, host) || hostsEqual(stored, bare) {
			out = append(out, candidate)
			continue
		}
		lowered := strings.ToLower(candidate.URL)
		if strings.Contains(lowered, bare) {
			out = append(out, candidate)
		}
	}
	return out
}

// hostsEqual compares hosts, treating a leading "www." as insignificant.
func hostsEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.TrimPrefix(a, "www.") == strings.TrimPrefix(b, "www.")
}
