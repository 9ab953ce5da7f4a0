// Package cmd assembles the voltgate command tree: the serve runtime
// plus passthrough groups for every vehicle command the runner knows.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/voltgate/voltgate/internal/cache"
	"github.com/voltgate/voltgate/internal/cli"
	"github.com/voltgate/voltgate/internal/cmd/serve"
	"github.com/voltgate/voltgate/internal/config"
	"github.com/voltgate/voltgate/internal/fleet"
)

// commandGroups are the top-level CLI groups forwarded verbatim to
// the command runner.
var commandGroups = []struct {
	use   string
	short string
}{
	{"vehicle", "Vehicle state, wake, and fleet info"},
	{"charge", "Charging state and control"},
	{"climate", "Climate state and control"},
	{"security", "Locks, sentry, and alerts"},
	{"trunk", "Trunk, frunk, and windows"},
	{"media", "Media playback control"},
	{"nav", "Navigation destinations"},
	{"software", "Software update status and scheduling"},
	{"energy", "Energy site state and history"},
	{"billing", "Charging billing history"},
	{"user", "Account information"},
	{"cache", "Local response cache"},
	{"auth", "Token status"},
}

// NewRootCommand builds the voltgate root command.
func NewRootCommand(version string) (*cobra.Command, error) {
	conf, err := config.New()
	if err != nil {
		return nil, err
	}

	root := &cobra.Command{
		Use:           "voltgate",
		Short:         "Vehicle command and telemetry gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if err := conf.BindFlags(root.PersistentFlags(), config.GlobalOptions); err != nil {
		return nil, err
	}

	serveCmd, err := serve.NewCommand(conf, version)
	if err != nil {
		return nil, err
	}
	root.AddCommand(serveCmd)

	for _, g := range commandGroups {
		root.AddCommand(newPassthroughCommand(conf, g.use, g.short))
	}
	return root, nil
}

// newPassthroughCommand forwards "voltgate <group> ..." to the runner
// untouched. Flag parsing is disabled so runner flags like --format
// and --wake reach it intact.
func newPassthroughCommand(conf *config.Config, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:                use,
		Short:              short,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := buildRunner(conf)
			if err != nil {
				return err
			}
			res := runner.Run(cmd.Context(), append([]string{use}, args...))
			_, _ = cmd.OutOrStdout().Write(res.Stdout)
			_, _ = cmd.ErrOrStderr().Write(res.Stderr)
			if res.ExitCode != 0 {
				return &serve.ExitError{Code: res.ExitCode}
			}
			return nil
		},
	}
}

func buildRunner(conf *config.Config) (*cli.Runner, error) {
	client, err := fleet.NewClient(conf.Region(), fleet.WithAccessToken(conf.AccessToken()))
	if err != nil {
		return nil, err
	}

	cacheDir := conf.CacheDir()
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		cacheDir = filepath.Join(home, ".voltgate", "cache")
	}
	store, err := cache.NewStore(cacheDir,
		cache.WithDefaultTTL(conf.CacheDefaultTTL()),
		cache.WithDisabled(conf.CacheDisabled()))
	if err != nil {
		return nil, err
	}

	return cli.NewRunner(client,
		cli.WithCache(store),
		cli.WithDefaultVIN(conf.VIN()),
	), nil
}
