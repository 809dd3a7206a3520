package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyopkg/pkg/image"
)

func newPlanCommand() *cobra.Command {
	var flags proposalFlags

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Evaluate a package transaction without changing the image",
		Long: `Evaluate a transaction against an empty in-memory install state.

The plan:
  - Diffs the origin and destination manifests after applying filters
  - Lists the actions that would be installed, updated or removed
  - Lists the services that would be suspended, disabled, refreshed or restarted
  - Runs the configured policies`,
		Example: `  # Plan a fresh install
  froyo-pkg plan --dest web-1.0.yaml

  # Plan an upgrade, keeping only i386 content
  froyo-pkg plan --origin web-1.0.yaml --dest web-2.0.yaml --filter 'arch == "i386"'`,
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

			seed := image.NewMemoryStore()
			img, err := env.image(ctx, image.WithStore(seed))
			if err != nil {
				return err
			}
			tx, err := env.transaction(ctx, img, false)
			if err != nil {
				return err
			}
			if err := flags.propose(tx, seed); err != nil {
				return err
			}

			log.Debug().
				Str("dest", flags.dest).
				Str("origin", flags.origin).
				Strs("filters", flags.filters).
				Msg("Evaluating plan")

			if err := tx.Evaluate(ctx, filters); err != nil {
				return err
			}
			summary := tx.Summary()
			return render(cmd, summary, summary.String())
		},
	}

	flags.bind(cmd)
	return cmd
}
