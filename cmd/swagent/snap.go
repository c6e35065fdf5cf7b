package main

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/devmgmt/swagent/pkg/snapd"
)

// newSnapCmd groups snapd maintenance actions outside the operation flow.
func newSnapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snap",
		Short: "snapd maintenance: revert, refresh-all, restart",
	}
	cmd.AddCommand(
		snapActionCmd("revert <snap>", "Revert a snap to its previous revision", cobra.ExactArgs(1),
			func(ctx context.Context, c *snapd.Client, args []string) (*snapd.Response, error) {
				return c.Revert(ctx, args[0])
			}),
		snapActionCmd("refresh-all", "Refresh every installed snap", cobra.NoArgs,
			func(ctx context.Context, c *snapd.Client, _ []string) (*snapd.Response, error) {
				return c.RefreshAll(ctx)
			}),
		snapActionCmd("restart <snap.app>...", "Restart snap services", cobra.MinimumNArgs(1),
			func(ctx context.Context, c *snapd.Client, args []string) (*snapd.Response, error) {
				return c.RestartApps(ctx, args...)
			}),
	)
	return cmd
}

func snapActionCmd(use, short string, argsCheck cobra.PositionalArgs,
	call func(ctx context.Context, c *snapd.Client, args []string) (*snapd.Response, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  argsCheck,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newBackends(cfg, nil)
			if err != nil {
				return err
			}
			what := strings.Fields(use)[0]
			if err := rt.sandboxed.Ping(cmd.Context()); err != nil {
				return err
			}
			err = rt.sandboxed.RunChange(cmd.Context(), what, func(ctx context.Context) (*snapd.Response, error) {
				return call(ctx, rt.snapd, args)
			})
			if err != nil {
				return errors.Wrapf(err, "snap %s", what)
			}
			log.Info().Str("action", what).Strs("args", args).Msg("snap change done")
			return nil
		},
	}
}
