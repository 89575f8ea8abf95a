package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

const downloadTimeout = 5 * time.Minute

// downloadError is served to the client as a 400.
type downloadError struct {
	msg string
}

func (e *downloadError) Error() string {
	return e.msg
}

// fetchByDownload downloads rawURL into a temporary file for an
// upload-by-download request. Every URL involved, the original and each
// redirect hop, must have its host in allowedHosts. The caller removes the
// returned file.
func fetchByDownload(ctx context.Context, rawURL string, allowedHosts []string, maxSize int64) (tmp *os.File, name string, redirects []string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", nil, &downloadError{msg: fmt.Sprintf("Not a valid URL (%q) to download from.", rawURL)}
	}
	if !hostAllowed(u, allowedHosts) {
		return nil, "", nil, &downloadError{msg: fmt.Sprintf("Not an allowed domain (%q) to download from.", u.Host)}
	}

	client := &http.Client{
		Timeout: downloadTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return &downloadError{msg: "Too many redirects."}
			}
			if !hostAllowed(req.URL, allowedHosts) {
				return &downloadError{msg: fmt.Sprintf("Not an allowed domain (%q) to download from.", req.URL.Host)}
			}
			redirects = append(redirects, req.URL.String())
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		var de *downloadError
		if uerr, ok := err.(*url.Error); ok {
			if e, ok := uerr.Err.(*downloadError); ok {
				de = e
			}
		}
		if de != nil {
			return nil, "", nil, de
		}
		return nil, "", nil, &downloadError{msg: fmt.Sprintf("Failed to download %q.", rawURL)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", nil, &downloadError{msg: fmt.Sprintf("URL (%q) returned %d.", rawURL, resp.StatusCode)}
	}

	tmp, err = os.CreateTemp("", "tecken-download-*.zip")
	if err != nil {
		return nil, "", nil, err
	}

	var body io.Reader = resp.Body
	if maxSize > 0 {
		body = io.LimitReader(resp.Body, maxSize+1)
	}
	n, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, "", nil, fmt.Errorf("download body: %w", err)
	}
	if maxSize > 0 && n > maxSize {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, "", nil, &downloadError{msg: fmt.Sprintf("File size exceeds limit (%d bytes).", maxSize)}
	}

	// The archive name comes from the final URL path.
	final := resp.Request.URL
	name = path.Base(final.Path)
	if name == "." || name == "/" || name == "" {
		name = "symbols.zip"
	}

	return tmp, name, redirects, nil
}

func hostAllowed(u *url.URL, allowedHosts []string) bool {
	host := strings.ToLower(u.Host)
	for _, allowed := range allowedHosts {
		if host == strings.ToLower(strings.TrimSpace(allowed)) {
			return true
		}
	}
	return false
}
