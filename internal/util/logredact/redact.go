// Package logredact scrubs secret-shaped values out of log lines before they
// reach a sink. It never fails closed: anything it cannot confidently classify
// as a key=value pair is left untouched.
package logredact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// defaultKeys are redacted on every call regardless of extraKeys.
var defaultKeys = []string{
	"access_token",
	"refresh_token",
	"client_secret",
	"csesidx",
	"secure_c_ses",
	"host_c_oses",
	"xsrf_token",
	"authorization",
}

var defaultPatterns = buildPatterns(defaultKeys)

// extraTextPatternCache memoizes the compiled pattern set for a given set of
// extra keys, keyed by their normalized (lower-cased, trimmed, sorted) form so
// that callers passing the same keys in a different order or case share one
// entry instead of growing the cache unbounded.
var extraTextPatternCache sync.Map // map[string][]redactPattern

// RedactText returns text with any recognized secret-shaped key=value or
// "key":"value" occurrence replaced by a redacted placeholder. extraKeys adds
// additional key names to redact beyond the built-in set, without mutating it.
func RedactText(text string, extraKeys ...string) string {
	out := applyPatterns(text, defaultPatterns)
	if len(extraKeys) == 0 {
		return out
	}
	return applyPatterns(out, patternsForExtraKeys(extraKeys))
}

func patternsForExtraKeys(extraKeys []string) []redactPattern {
	normalized := normalizeKeys(extraKeys)
	if len(normalized) == 0 {
		return nil
	}
	cacheKey := strings.Join(normalized, ",")

	if cached, ok := extraTextPatternCache.Load(cacheKey); ok {
		return cached.([]redactPattern)
	}
	patterns := buildPatterns(normalized)
	actual, _ := extraTextPatternCache.LoadOrStore(cacheKey, patterns)
	return actual.([]redactPattern)
}

func normalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	normalized := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		normalized = append(normalized, k)
	}
	sort.Strings(normalized)
	return normalized
}

// redactPattern pairs a compiled matcher with its replacement template, since
// the JSON-like and kv-like shapes capture a different number of groups.
type redactPattern struct {
	re          *regexp.Regexp
	replacement string
}

func buildPatterns(keys []string) []redactPattern {
	patterns := make([]redactPattern, 0, len(keys)*2)
	for _, key := range keys {
		escaped := regexp.QuoteMeta(key)
		// JSON-like: "key":"value" or "key": "value"
		patterns = append(patterns, redactPattern{
			re:          regexp.MustCompile(fmt.Sprintf(`(?i)("%s"\s*:\s*")[^"]*(")`, escaped)),
			replacement: "${1}***${2}",
		})
		// Query/kv-like: key=value up to the next whitespace, &, or quote.
		patterns = append(patterns, redactPattern{
			re:          regexp.MustCompile(fmt.Sprintf(`(?i)(\b%s=)[^\s&"']+`, escaped)),
			replacement: "${1}***",
		})
	}
	return patterns
}

func applyPatterns(text string, patterns []redactPattern) string {
	for _, p := range patterns {
		text = p.re.ReplaceAllString(text, p.replacement)
	}
	return text
}
