package upload

import (
	"fmt"
	"path"
	"strings"
)

// URLException overrides the upload destination for users whose email
// matches Pattern. Patterns may contain fnmatch style wildcards (*, ?).
type URLException struct {
	Pattern string
	URL     string
}

// ParseURLExceptions parses a comma separated list of email=url pairs. Order
// is preserved; the first matching pattern wins.
func ParseURLExceptions(raw string) ([]URLException, error) {
	var out []URLException
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		email, url, ok := strings.Cut(pair, "=")
		if !ok || email == "" || url == "" {
			return nil, fmt.Errorf("invalid upload url exception %q, want email=url", pair)
		}
		out = append(out, URLException{
			Pattern: strings.ToLower(strings.TrimSpace(email)),
			URL:     strings.TrimSpace(url),
		})
	}
	return out, nil
}

// BucketURLForUser picks the upload bucket URL for email: an exact match
// among the exceptions first, then the first wildcard match, then the
// default.
func BucketURLForUser(defaultURL string, exceptions []URLException, email string) string {
	email = strings.ToLower(email)

	for _, e := range exceptions {
		if e.Pattern == email {
			return e.URL
		}
	}

	for _, e := range exceptions {
		// Emails never contain "/" so path.Match is a fnmatch.
		if ok, err := path.Match(e.Pattern, email); err == nil && ok {
			return e.URL
		}
	}

	return defaultURL
}
