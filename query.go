package apiclient

import (
	"net/url"
	"sort"
	"strings"
)

// MakeQueryString renders query as "?k=v&..." with keys and values
// percent-encoded as URI components: spaces become %20 and the marks
// ! ' ( ) * stay literal. Keys are sorted. Empty input yields "".
func MakeQueryString(query map[string]string) string {
	if len(query) == 0 {
		return ""
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('?')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(encodeComponent(k))
		b.WriteByte('=')
		b.WriteString(encodeComponent(query[k]))
	}
	return b.String()
}

var componentUnescaper = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

func encodeComponent(s string) string {
	return componentUnescaper.Replace(url.QueryEscape(s))
}
