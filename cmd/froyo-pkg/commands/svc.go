package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyopkg/pkg/actuator"
)

func newSvcCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "svc",
		Short: "Inspect the services actuators act on",
	}
	cmd.AddCommand(newSvcStateCommand())
	cmd.AddCommand(newSvcResolveCommand())
	return cmd
}

type serviceState struct {
	FMRI  string `json:"fmri"`
	State string `json:"state"`
}

func newSvcStateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "state <fmri>...",
		Short: "Show the state of service instances",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer env.Close(ctx)

			act, img, err := env.services(ctx)
			if err != nil {
				return err
			}
			act.Prep(img)

			states := make([]serviceState, 0, len(args))
			var b strings.Builder
			tw := newTable(&b)
			for _, fmri := range args {
				state, err := act.State(ctx, fmri)
				if err != nil {
					return err
				}
				states = append(states, serviceState{FMRI: fmri, State: state.String()})
				fmt.Fprintf(tw, "%s\t%s\n", fmri, state)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			return render(cmd, states, b.String())
		},
	}
}

func newSvcResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <pattern>...",
		Short: "Expand service patterns into instances",
		Long: `Expand service identifiers the way actuator attributes are expanded.

Instances are printed as given, glob patterns are expanded and identifiers
without an instance that are not patterns are reported and skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer env.Close(ctx)

			act, img, err := env.services(ctx)
			if err != nil {
				return err
			}
			act.Prep(img)

			instances, err := act.Runner().ResolvePatterns(ctx, "resolve", args, actuator.LogSink{Logger: env.logger})
			if err != nil {
				return err
			}
			text := ""
			if len(instances) > 0 {
				text = strings.Join(instances, "\n") + "\n"
			}
			return render(cmd, instances, text)
		},
	}
}
