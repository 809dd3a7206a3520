package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newApplyCommand() *cobra.Command {
	var flags proposalFlags

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Install or update a package in the image",
		Long: `Install a package, or replace an installed version, in the configured image.

This command:
  - Evaluates the transaction and runs the configured policies
  - Suspends services named by suspend_fmri on updated actions
  - Runs preexecute, execute and postexecute for the package
  - Refreshes, restarts and re-enables the affected services
  - Records install state, saved filters and search indices
  - Records the transaction in the history`,
		Example: `  # Install a package
  froyo-pkg apply --dest web-1.0.yaml

  # Upgrade an installed package
  froyo-pkg apply --origin web-1.0.yaml --dest web-2.0.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer env.Close(ctx)

			filters, err := flags.compileFilters()
			if err != nil {
				return err
			}

			img, err := env.image(ctx)
			if err != nil {
				return err
			}
			tx, err := env.transaction(ctx, img, true)
			if err != nil {
				return err
			}
			if err := flags.propose(tx, nil); err != nil {
				return err
			}
			if err := tx.Evaluate(ctx, filters); err != nil {
				return err
			}

			log.Info().
				Str("root", img.Root()).
				Bool("live", img.IsLiveRoot()).
				Msg("Applying transaction")

			if err := tx.Execute(ctx); err != nil {
				return err
			}
			summary := tx.Summary()
			return render(cmd, summary, summary.String())
		},
	}

	flags.bind(cmd)
	return cmd
}
