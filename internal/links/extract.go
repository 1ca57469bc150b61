// Package links finds short-video links in chat text and order parameters and
// reduces them to a comparable form.
package links

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// CanonicalHost is the short-link domain whose normalized form keeps exactly
// one trailing slash.
const CanonicalHost = "v.douyin.com"

var shortLinkPattern = regexp.MustCompile(`(?i)https?://v\.douyin\.com/[A-Za-z0-9_-]+/?`)

// Extract returns every short link in text, normalized, in order of appearance.
func Extract(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	matches := shortLinkPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, Normalize(m))
	}
	return out
}

// Normalize trims whitespace and trailing slashes, lowercases the scheme and
// host, then re-appends a single slash for links on CanonicalHost. The path is
// left as is: short codes are case sensitive.
// Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) string {
	s := strings.TrimRight(strings.TrimSpace(raw), "/")
	if s == "" {
		return ""
	}
	s = lowerSchemeHost(s)
	if strings.Contains(strings.ToLower(s), CanonicalHost) {
		s += "/"
	}
	return s
}

// Core strips the protocol and trailing slashes, leaving the part used for
// contains-matching against stored links. The host comes back lowercased.
func Core(link string) string {
	s := lowerSchemeHost(strings.TrimSpace(link))
	switch {
	case strings.HasPrefix(s, "https://"):
		s = s[len("https://"):]
	case strings.HasPrefix(s, "http://"):
		s = s[len("http://"):]
	}
	return strings.TrimRight(s, "/")
}

// lowerSchemeHost lowercases everything up to the first path slash.
func lowerSchemeHost(s string) string {
	start := 0
	if i := strings.Index(s, "://"); i >= 0 {
		start = i + len("://")
	}
	end := len(s)
	if j := strings.IndexByte(s[start:], '/'); j >= 0 {
		end = start + j
	}
	return strings.ToLower(s[:end]) + s[end:]
}

// HasScheme reports whether link starts with http:// or https://.
func HasScheme(link string) bool {
	lower := strings.ToLower(strings.TrimSpace(link))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// FromParams pulls the short link out of an order's Params blob, a JSON array
// of {"value": ...} objects. Non-JSON blobs are scanned as plain text.
func FromParams(params string) string {
	params = strings.TrimSpace(params)
	if params == "" {
		return ""
	}
	if gjson.Valid(params) {
		for _, item := range gjson.Parse(params).Array() {
			value := strings.TrimSpace(item.Get("value").String())
			if value == "" || !HasScheme(value) {
				continue
			}
			if !strings.Contains(strings.ToLower(value), CanonicalHost) {
				continue
			}
			if found := Extract(value); len(found) > 0 {
				return found[0]
			}
			return Normalize(value)
		}
	}
	if found := Extract(params); len(found) > 0 {
		return found[0]
	}
	return ""
}
