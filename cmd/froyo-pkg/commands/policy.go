package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage transaction policies",
	}
	cmd.AddCommand(newPolicyCheckCommand())
	return cmd
}

func newPolicyCheckCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compile the configured policies",
		Long: `Compile the built-in policies and those under the configured policy paths
and list them. With --watch, recompile whenever a policy file changes until
interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer env.Close(ctx)

			eng, err := env.policyEngine(ctx)
			if err != nil {
				return err
			}

			var b strings.Builder
			tw := newTable(&b)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tSOURCE")
			policies := eng.ListPolicies()
			for _, p := range policies {
				source := p.Source
				if source == "" {
					source = "built-in"
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", p.Name, p.Severity, p.Enabled, source)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if err := render(cmd, policies, b.String()); err != nil {
				return err
			}

			if !watch {
				return nil
			}
			paths := env.cfg.Policy.Paths
			if len(paths) == 0 {
				return fmt.Errorf("no policy paths configured to watch")
			}
			if err := eng.WatchPolicies(ctx, paths, func(err error) {
				if err != nil {
					log.Error().Err(err).Msg("Policy reload failed")
					return
				}
				log.Info().Int("policies", len(eng.ListPolicies())).Msg("Policies reloaded")
			}); err != nil {
				return err
			}
			log.Info().Strs("paths", paths).Msg("Watching policies")
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "recompile when policy files change")
	return cmd
}
