package kiln

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/0xa1bed0/kiln/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of kiln",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s\n", version.Get())
		},
	}
}
