package meshd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/styrene-lab/styrene-meshd/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version.Version)
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
