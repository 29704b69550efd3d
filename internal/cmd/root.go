// Package cmd is the atmo command line: the serve daemon plus one-shot
// operator commands over the same configuration.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/g-k/telemetry-analysis-service/internal/app"
	"github.com/g-k/telemetry-analysis-service/internal/jobs"
)

type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

var versionInfo = VersionInfo{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}

// SetVersionInfo is called from main with values stamped at link time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo = VersionInfo{Version: version, Commit: commit, BuildDate: buildDate}
}

var (
	cfgPath    string
	operatorID string
)

var rootCmd = &cobra.Command{
	Use:   "atmo",
	Short: "Scheduled analysis job manager",
	Long: `atmo runs user notebooks on short-lived compute clusters on a daily,
weekly or monthly schedule, captures their output and disables jobs that
keep failing.

Run "atmo serve" for the daemon. The other commands open the same storage
for operators and print JSON.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printJSON(cmd.OutOrStdout(), versionInfo)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "Path to the config file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&operatorID, "as", "", "User id operator commands act as (default: first lifecycle admin)")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the command line with ctx.
func Execute(ctx context.Context, args []string) error {
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

// openOffline builds the app for a one-shot command. The caller must Close it.
func openOffline(cmd *cobra.Command) (*app.App, error) {
	a, err := app.New(cmd.Context(), cfgPath, app.WithOffline())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfgPath, err)
	}
	return a, nil
}

// operator resolves the user operator commands act as: --as, else the first
// configured admin.
func operator(a *app.App) (jobs.User, error) {
	if id := strings.TrimSpace(operatorID); id != "" {
		return jobs.User{ID: id, Name: id}, nil
	}
	for _, id := range a.Config().Lifecycle.Admins {
		if id = strings.TrimSpace(id); id != "" {
			return jobs.User{ID: id, Name: id}, nil
		}
	}
	return jobs.User{}, errors.New("no operator: pass --as or set lifecycle.admins")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
