package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/adrianosela/tecken/internal/auth"
	"github.com/adrianosela/tecken/internal/db"
	"github.com/adrianosela/tecken/internal/logger"
)

// NewTokenCommand creates the token management command tree.
func NewTokenCommand() (*cobra.Command, error) {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage upload API tokens",
	}

	createCmd, err := NewTokenCreateCommand()
	if err != nil {
		return nil, err
	}
	tokenCmd.AddCommand(createCmd.Command)

	listCmd, err := NewTokenListCommand()
	if err != nil {
		return nil, err
	}
	tokenCmd.AddCommand(listCmd.Command)

	return tokenCmd, nil
}

// TokenCreateCommandOptions encompasses all the configurability of the TokenCreateCommand.
type TokenCreateCommandOptions struct {
	DatabaseDriver string `mapstructure:"database-driver"`
	DatabaseDSN    string `mapstructure:"database-dsn"`

	Email       string        `mapstructure:"email"`
	Permissions string        `mapstructure:"permissions"`
	Expires     time.Duration `mapstructure:"expires"`
}

// TokenCreateCommand mints an upload API token and prints its key.
type TokenCreateCommand struct {
	*cobra.Command
	vpr  *viper.Viper
	Opts TokenCreateCommandOptions
}

// NewTokenCreateCommand creates a new TokenCreateCommand instance.
func NewTokenCreateCommand() (*TokenCreateCommand, error) {
	createCmd := &TokenCreateCommand{
		Command: &cobra.Command{
			Use:          "create",
			Short:        "Create an upload API token",
			SilenceUsage: true,
			Args:         cobra.NoArgs,
		},
	}

	createCmd.PreRunE = createCmd.PreRun
	createCmd.RunE = createCmd.Run
	createCmd.Flags().SortFlags = false

	createCmd.vpr = viper.NewWithOptions(viper.EnvKeyReplacer(strings.NewReplacer("-", "_")))
	createCmd.vpr.SetEnvPrefix(EnvNamePrefix)

	if err := createCmd.configureFlags(); err != nil {
		return nil, err
	}

	return createCmd, nil
}

// PreRun satisfies cobra.Command.PreRunE and unmarshalls. Its responsible for populating c.Opts.
func (c *TokenCreateCommand) PreRun(*cobra.Command, []string) error {
	if err := c.vpr.Unmarshal(&c.Opts); err != nil {
		return err
	}

	if c.Opts.Email == "" {
		return pkgerrors.New("--email is required")
	}

	for _, permission := range splitCSV(c.Opts.Permissions) {
		switch permission {
		case auth.PermUploadSymbols, auth.PermUploadTrySymbols:
		default:
			return pkgerrors.Errorf(
				"invalid permission %q, want %s or %s",
				permission, auth.PermUploadSymbols, auth.PermUploadTrySymbols,
			)
		}
	}

	return nil
}

// Run executes the token creation.
func (c *TokenCreateCommand) Run(cmd *cobra.Command, _ []string) error {
	log := logger.New("development")

	store, err := db.Open(cmd.Context(), log, c.Opts.DatabaseDriver, c.Opts.DatabaseDSN)
	if err != nil {
		return pkgerrors.Errorf("open database: %v", err)
	}
	defer store.Close()

	token, err := store.CreateToken(cmd.Context(), c.Opts.Email, splitCSV(c.Opts.Permissions), c.Opts.Expires)
	if err != nil {
		return err
	}

	log.Info("Token created",
		"user", token.UserEmail,
		"permissions", token.Permissions,
		"expires_at", token.ExpiresAt.Format(time.RFC3339),
	)

	// The key alone goes to stdout so scripts can capture it.
	fmt.Fprintln(cmd.OutOrStdout(), token.Key)
	return nil
}

func (c *TokenCreateCommand) configureFlags() error {
	c.Flags().String("database-driver", "sqlite", `Database driver: "sqlite" or "postgres"`)
	c.Flags().String("database-dsn", "tecken.db", "Database connection string")

	c.Flags().String("email", "", "Email address the token belongs to")
	c.Flags().String("permissions", auth.PermUploadSymbols, "Comma separated permissions the token grants")
	c.Flags().Duration("expires", 365*24*time.Hour, "How long the token is valid for")

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

// TokenListCommandOptions encompasses all the configurability of the TokenListCommand.
type TokenListCommandOptions struct {
	DatabaseDriver string `mapstructure:"database-driver"`
	DatabaseDSN    string `mapstructure:"database-dsn"`

	Email string `mapstructure:"email"`
}

// TokenListCommand prints existing upload API tokens.
type TokenListCommand struct {
	*cobra.Command
	vpr  *viper.Viper
	Opts TokenListCommandOptions
}

// NewTokenListCommand creates a new TokenListCommand instance.
func NewTokenListCommand() (*TokenListCommand, error) {
	listCmd := &TokenListCommand{
		Command: &cobra.Command{
			Use:          "list",
			Short:        "List upload API tokens",
			SilenceUsage: true,
			Args:         cobra.NoArgs,
		},
	}

	listCmd.PreRunE = listCmd.PreRun
	listCmd.RunE = listCmd.Run
	listCmd.Flags().SortFlags = false

	listCmd.vpr = viper.NewWithOptions(viper.EnvKeyReplacer(strings.NewReplacer("-", "_")))
	listCmd.vpr.SetEnvPrefix(EnvNamePrefix)

	if err := listCmd.configureFlags(); err != nil {
		return nil, err
	}

	return listCmd, nil
}

// PreRun satisfies cobra.Command.PreRunE and unmarshalls. Its responsible for populating c.Opts.
func (c *TokenListCommand) PreRun(*cobra.Command, []string) error {
	return c.vpr.Unmarshal(&c.Opts)
}

// Run executes the token listing.
func (c *TokenListCommand) Run(cmd *cobra.Command, _ []string) error {
	log := logger.New("development")

	store, err := db.Open(cmd.Context(), log, c.Opts.DatabaseDriver, c.Opts.DatabaseDSN)
	if err != nil {
		return pkgerrors.Errorf("open database: %v", err)
	}
	defer store.Close()

	tokens, err := store.Tokens(cmd.Context(), c.Opts.Email)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tUSER\tPERMISSIONS\tEXPIRES")
	for _, token := range tokens {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			token.Key,
			token.UserEmail,
			token.Permissions,
			token.ExpiresAt.Format(time.RFC3339),
		)
	}
	return w.Flush()
}

func (c *TokenListCommand) configureFlags() error {
	c.Flags().String("database-driver", "sqlite", `Database driver: "sqlite" or "postgres"`)
	c.Flags().String("database-dsn", "tecken.db", "Database connection string")

	c.Flags().String("email", "", "Only list tokens belonging to this email")

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
