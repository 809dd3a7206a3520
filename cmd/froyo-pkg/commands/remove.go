package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyopkg/pkg/manifest"
)

func newRemoveCommand() *cobra.Command {
	var manifestFile string

	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove an installed package from the image",
		Long: `Remove an installed package.

Services named by disable_fmri on the removed actions are disabled first;
services named by refresh_fmri or restart_fmri are refreshed or restarted
afterwards.`,
		Example: `  froyo-pkg remove --manifest web-1.0.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer env.Close(ctx)

			f, m, err := manifest.LoadFile(manifestFile)
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
			if err := tx.Remove(f, m); err != nil {
				return err
			}
			if err := tx.Evaluate(ctx, nil); err != nil {
				return err
			}

			log.Info().Str("package", f.String()).Str("root", img.Root()).Msg("Removing package")
			if err := tx.Execute(ctx); err != nil {
				return err
			}
			summary := tx.Summary()
			return render(cmd, summary, summary.String())
		},
	}

	cmd.Flags().StringVarP(&manifestFile, "manifest", "m", "", "manifest of the installed package")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}
