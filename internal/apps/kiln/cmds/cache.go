package kiln

import (
	"fmt"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	appconfig "github.com/0xa1bed0/kiln/internal/apps/kiln/config"
	"github.com/0xa1bed0/kiln/internal/cache"
	"github.com/0xa1bed0/kiln/internal/logs"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the layer cache",
	}
	cmd.AddCommand(newCacheInfoCmd())
	cmd.AddCommand(newCachePruneCmd())
	return cmd
}

func openCache(cmd *cobra.Command, dir string) (*cache.Store, error) {
	if dir == "" {
		cfg, err := appconfig.Load()
		if err != nil {
			return nil, err
		}
		dir = cfg.CacheDir
	}
	return cache.Open(cmd.Context(), cache.Options{Dir: dir})
}

func newCacheInfoCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show layer cache usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCache(cmd, dir)
			if err != nil {
				return err
			}
			defer store.Close()

			count, bytes, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			logs.Infof("cached layers: %d", count)
			logs.Infof("cache size:    %s", units.HumanSize(float64(bytes)))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "cache-dir", "", "Layer cache directory (default from config)")
	return cmd
}

func newCachePruneCmd() *cobra.Command {
	var (
		dir   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove all cached layers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCache(cmd, dir)
			if err != nil {
				return err
			}
			defer store.Close()

			_, bytes, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}

			if !force {
				ok, err := logs.PromptConfirm(fmt.Sprintf("Remove all cached layers (%s)?", units.HumanSize(float64(bytes))))
				if err != nil {
					return err
				}
				if !ok {
					logs.Infof("cache prune cancelled")
					return nil
				}
			}

			removed, err := store.Prune(cmd.Context())
			if err != nil {
				return err
			}
			logs.Infof("removed %d layers, reclaimed %s", removed, units.HumanSize(float64(bytes)))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "cache-dir", "", "Layer cache directory (default from config)")
	cmd.Flags().BoolVarP(&force, "force", "y", false, "Skip the confirmation prompt")
	return cmd
}
