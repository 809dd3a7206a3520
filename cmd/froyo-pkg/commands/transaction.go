package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyopkg/pkg/filter"
	"github.com/openfroyo/froyopkg/pkg/image"
	"github.com/openfroyo/froyopkg/pkg/imageplan"
	"github.com/openfroyo/froyopkg/pkg/manifest"
)

// proposalFlags are shared by plan and apply.
type proposalFlags struct {
	dest    string
	origin  string
	filters []string
}

func (f *proposalFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.dest, "dest", "d", "", "manifest of the package version to install")
	cmd.Flags().StringVarP(&f.origin, "origin", "o", "", "manifest of the installed version being replaced")
	cmd.Flags().StringArrayVarP(&f.filters, "filter", "f", nil, "filter expression applied to the destination manifest (repeatable)")
	_ = cmd.MarkFlagRequired("dest")
}

// propose adds the install or update plan to tx. When seed is set the origin
// is recorded as installed there first.
func (f *proposalFlags) propose(tx *imageplan.Transaction, seed *image.MemoryStore) error {
	dest, dm, err := manifest.LoadFile(f.dest)
	if err != nil {
		return err
	}
	if f.origin == "" {
		return tx.Install(dest, dm)
	}

	origin, om, err := manifest.LoadFile(f.origin)
	if err != nil {
		return err
	}
	if seed != nil {
		if err := seed.MarkInstalled(origin); err != nil {
			return err
		}
		if err := seed.WriteFilters(origin, nil); err != nil {
			return err
		}
	}
	return tx.Update(origin, om, dest, dm)
}

func (f *proposalFlags) compileFilters() ([]*filter.Filter, error) {
	filters, err := filter.CompileAll(f.filters)
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	return filters, nil
}
