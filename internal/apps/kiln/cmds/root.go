package kiln

import (
	"github.com/spf13/cobra"

	"github.com/0xa1bed0/kiln/internal/logs"
	"github.com/0xa1bed0/kiln/internal/runtime"
)

var verbosity int

func Execute(rt *runtime.Runtime) error {
	rootCmd := &cobra.Command{
		Use:   "kiln",
		Short: "Daemonless container image builds from Dockerfiles",
		Long: `kiln builds OCI images from a Dockerfile and a build context without
a container daemon. Layers are snapshotted from the filesystem after
each instruction and cached, so repeated builds only pay for what
changed.`,

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logs.SetDebugVerbosity(verbosity)
			return nil
		},
		// we will handle that
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase verbosity level")

	rootCmd.AddCommand(newBuildCmd())
	rootCmd.AddCommand(newCacheCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd.ExecuteContext(rt.Ctx())
}
