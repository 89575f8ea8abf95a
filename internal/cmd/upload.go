package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/adrianosela/tecken/internal/auth"
	"github.com/adrianosela/tecken/internal/logger"
)

// UploadCommandOptions encompasses all the configurability of the UploadCommand.
type UploadCommandOptions struct {
	BaseURL     string        `mapstructure:"base-url"`
	AuthToken   string        `mapstructure:"auth-token"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max-attempts"`
	Try         bool          `mapstructure:"try"`
}

// UploadCommand uploads a symbols archive to a tecken server. It accepts a
// local ZIP path, posted as multipart form data, or a URL the server
// downloads the archive from.
type UploadCommand struct {
	*cobra.Command
	vpr  *viper.Viper
	Opts UploadCommandOptions
}

// NewUploadCommand creates a new UploadCommand instance.
func NewUploadCommand() (*UploadCommand, error) {
	uploadCmd := &UploadCommand{
		Command: &cobra.Command{
			Use:          "upload <archive.zip | url>",
			Short:        "Upload a symbols archive",
			SilenceUsage: true,
			Args:         cobra.ExactArgs(1),
		},
	}

	uploadCmd.PreRunE = uploadCmd.PreRun
	uploadCmd.RunE = uploadCmd.Run
	uploadCmd.Flags().SortFlags = false

	uploadCmd.vpr = viper.NewWithOptions(viper.EnvKeyReplacer(strings.NewReplacer("-", "_")))
	uploadCmd.vpr.SetEnvPrefix(EnvNamePrefix)

	if err := uploadCmd.configureFlags(); err != nil {
		return nil, err
	}

	return uploadCmd, nil
}

// PreRun satisfies cobra.Command.PreRunE and unmarshalls. Its responsible for populating c.Opts.
func (c *UploadCommand) PreRun(*cobra.Command, []string) error {
	if err := c.vpr.Unmarshal(&c.Opts); err != nil {
		return err
	}

	if c.Opts.AuthToken == "" {
		return pkgerrors.New("requires --auth-token (or TECKEN_AUTH_TOKEN)")
	}
	if c.Opts.MaxAttempts < 1 {
		return pkgerrors.New("--max-attempts must be at least 1")
	}

	return nil
}

// Run executes the upload.
func (c *UploadCommand) Run(cmd *cobra.Command, args []string) error {
	log := logger.New("development")

	target := args[0]
	endpoint := strings.TrimRight(c.Opts.BaseURL, "/") + "/upload/"
	if c.Opts.Try {
		endpoint = strings.TrimRight(c.Opts.BaseURL, "/") + "/upload/try/"
	}

	client := &http.Client{Timeout: c.Opts.Timeout}

	var lastErr error
	for attempt := 1; attempt <= c.Opts.MaxAttempts; attempt++ {
		log.Info("Uploading",
			"target", target,
			"endpoint", endpoint,
			"attempt", fmt.Sprintf("%d/%d", attempt, c.Opts.MaxAttempts),
		)

		start := time.Now()
		created, err := c.post(cmd.Context(), client, endpoint, target)
		if err == nil {
			log.Info("Symbols uploaded",
				"id", created.ID,
				"size", created.Size,
				"elapsed", time.Since(start),
			)
			return nil
		}

		lastErr = err
		log.Error(err, "Upload attempt failed", "elapsed", time.Since(start))
	}

	return pkgerrors.Errorf("upload failed after %d attempts: %v", c.Opts.MaxAttempts, lastErr)
}

type createdUpload struct {
	ID   int64 `json:"id"`
	Size int64 `json:"size"`
}

func (c *UploadCommand) post(ctx context.Context, client *http.Client, endpoint, target string) (*createdUpload, error) {
	var (
		req *http.Request
		err error
	)
	if isRemote(target) {
		form := url.Values{"url": {target}}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = multipartRequest(ctx, endpoint, target)
		if err != nil {
			return nil, err
		}
	}
	req.Header.Set(auth.HeaderName, c.Opts.AuthToken)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var response struct {
		Upload createdUpload `json:"upload"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, err
	}

	return &response.Upload, nil
}

// multipartRequest builds a request streaming path as the only file of a
// multipart form. The body is piped so large archives never load into
// memory; the transport closes the pipe which ends the copy goroutine.
func multipartRequest(ctx context.Context, endpoint, path string) (*http.Request, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		defer file.Close()

		name := filepath.Base(path)
		part, err := form.CreateFormFile(name, name)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(form.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	return req, nil
}

func isRemote(target string) bool {
	return strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://")
}

func (c *UploadCommand) configureFlags() error {
	c.Flags().String("base-url", "http://localhost:8000", "Base URL of the tecken server")
	c.Flags().String("auth-token", "", "Auth token for uploading symbols")
	c.Flags().Duration("timeout", 3*time.Minute, "How long to wait for the server to accept the upload")
	c.Flags().Int("max-attempts", 5, "Retry attempts before giving up")
	c.Flags().Bool("try", false, "Upload as try symbols")

	if err := c.vpr.BindPFlags(c.Flags()); err != nil {
		return err
	}

	var err error
	c.Flags().VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		err = c.vpr.BindEnv(f.Name)
	})

	return err
}
