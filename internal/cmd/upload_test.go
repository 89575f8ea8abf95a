package cmd_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/adrianosela/tecken/internal/cmd"
)

// uploadServer records the requests an UploadCommand makes against it.
type uploadServer struct {
	*httptest.Server

	mu       sync.Mutex
	attempts int
	path     string
	token    string
	filename string
	content  []byte
	formURL  string

	// failures is how many requests get a 500 before accepting.
	failures int
	// status overrides the response for every request when non-zero.
	status int
}

func newUploadServer(t *testing.T) *uploadServer {
	t.Helper()

	s := &uploadServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.attempts++
		s.path = r.URL.Path
		s.token = r.Header.Get("Auth-Token")

		if s.status != 0 {
			w.WriteHeader(s.status)
			return
		}
		if s.attempts <= s.failures {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		if err := r.ParseMultipartForm(1 << 20); err == nil && r.MultipartForm != nil {
			for _, headers := range r.MultipartForm.File {
				file, err := headers[0].Open()
				if err != nil {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				s.content, _ = io.ReadAll(file)
				s.filename = headers[0].Filename
				file.Close()
			}
		} else {
			s.formURL = r.PostFormValue("url")
		}

		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"upload": {"id": 42, "size": 1234}}`)
	}))
	t.Cleanup(s.Close)

	return s
}

func writeArchive(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "symbols.zip")
	require.NoError(t, os.WriteFile(path, []byte("fake-zip-bytes"), 0o600))
	return path
}

func TestUploadCommandRequiresAuthToken(t *testing.T) {
	t.Setenv("TECKEN_AUTH_TOKEN", "")

	upload, err := NewUploadCommand()
	require.NoError(t, err)

	require.NoError(t, upload.ParseFlags(nil))
	require.ErrorContains(t, upload.PreRun(nil, nil), "--auth-token")
}

func TestUploadCommandUploadsArchive(t *testing.T) {
	server := newUploadServer(t)
	path := writeArchive(t)

	upload, err := NewUploadCommand()
	require.NoError(t, err)

	upload.SetArgs([]string{"--base-url", server.URL, "--auth-token", "secret", path})
	require.NoError(t, upload.Execute())

	server.mu.Lock()
	defer server.mu.Unlock()
	require.Equal(t, 1, server.attempts)
	require.Equal(t, "/upload/", server.path)
	require.Equal(t, "secret", server.token)
	require.Equal(t, "symbols.zip", server.filename)
	require.Equal(t, []byte("fake-zip-bytes"), server.content)
}

func TestUploadCommandTry(t *testing.T) {
	server := newUploadServer(t)
	path := writeArchive(t)

	upload, err := NewUploadCommand()
	require.NoError(t, err)

	upload.SetArgs([]string{"--base-url", server.URL, "--auth-token", "secret", "--try", path})
	require.NoError(t, upload.Execute())

	server.mu.Lock()
	defer server.mu.Unlock()
	require.Equal(t, "/upload/try/", server.path)
}

func TestUploadCommandByDownloadURL(t *testing.T) {
	server := newUploadServer(t)

	upload, err := NewUploadCommand()
	require.NoError(t, err)

	upload.SetArgs([]string{
		"--base-url", server.URL,
		"--auth-token", "secret",
		"https://symbols.example.com/bundle.zip",
	})
	require.NoError(t, upload.Execute())

	server.mu.Lock()
	defer server.mu.Unlock()
	require.Equal(t, "https://symbols.example.com/bundle.zip", server.formURL)
}

func TestUploadCommandRetries(t *testing.T) {
	server := newUploadServer(t)
	server.failures = 2
	path := writeArchive(t)

	upload, err := NewUploadCommand()
	require.NoError(t, err)

	upload.SetArgs([]string{"--base-url", server.URL, "--auth-token", "secret", "--max-attempts", "5", path})
	require.NoError(t, upload.Execute())

	server.mu.Lock()
	defer server.mu.Unlock()
	require.Equal(t, 3, server.attempts)
}

func TestUploadCommandExhaustsAttempts(t *testing.T) {
	server := newUploadServer(t)
	server.status = http.StatusForbidden
	path := writeArchive(t)

	upload, err := NewUploadCommand()
	require.NoError(t, err)

	upload.SetArgs([]string{"--base-url", server.URL, "--auth-token", "secret", "--max-attempts", "2", path})
	require.ErrorContains(t, upload.Execute(), "after 2 attempts")

	server.mu.Lock()
	defer server.mu.Unlock()
	require.Equal(t, 2, server.attempts)
}
