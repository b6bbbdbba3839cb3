package kiln

import (
	"fmt"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/spf13/cobra"

	appconfig "github.com/0xa1bed0/kiln/internal/apps/kiln/config"
	"github.com/0xa1bed0/kiln/internal/baseimg"
	"github.com/0xa1bed0/kiln/internal/builder"
	"github.com/0xa1bed0/kiln/internal/cache"
	"github.com/0xa1bed0/kiln/internal/export"
	"github.com/0xa1bed0/kiln/internal/guardrails"
	"github.com/0xa1bed0/kiln/internal/logs"
	"github.com/0xa1bed0/kiln/internal/registry"
	"github.com/0xa1bed0/kiln/internal/runtime"
	"github.com/0xa1bed0/kiln/internal/snapshot"
	"github.com/0xa1bed0/kiln/internal/utils"
)

type buildOptions struct {
	ContextDir      string
	Dockerfile      string
	Destinations    []string
	BuildArgs       []string
	Target          string
	UseCache        bool
	CacheDir        string
	CacheSize       string
	NoPush          bool
	TarPath         string
	OCILayoutPath   string
	DigestFile      string
	SingleSnapshot  bool
	SnapshotMode    string
	Reproducible    bool
	Timeout         time.Duration
	BaseImageLayout string

	RegistryURI      string
	RegistryUsername string
	RegistryPassword string
}

func newBuildCmd() *cobra.Command {
	opts := &buildOptions{}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build an image from a Dockerfile",
		Long: `Build an image from a Dockerfile and a build context.

The result can be written to an OCI layout directory (--oci-layout-path),
a docker-loadable archive (--tar-path), or both. Registry upload is
delegated to an external pusher, so --no-push is required when any
--destination is given; destinations still become the exported tags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := runtime.FromContextOrPanic(cmd.Context())
			return runBuild(cmd, rt, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.ContextDir, "context", "c", ".", "Build context directory")
	flags.StringVarP(&opts.Dockerfile, "dockerfile", "f", "", "Path to the Dockerfile (default CONTEXT/Dockerfile)")
	flags.StringArrayVarP(&opts.Destinations, "destination", "d", nil, "Image reference to tag the result with (may be repeated)")
	flags.StringArrayVar(&opts.BuildArgs, "build-arg", nil, "Build-time variable in KEY=VALUE form (may be repeated)")
	flags.StringVar(&opts.Target, "target", "", "Build up to this stage only")
	flags.BoolVar(&opts.UseCache, "cache", true, "Use the layer cache")
	flags.StringVar(&opts.CacheDir, "cache-dir", "", "Layer cache directory (default from config)")
	flags.StringVar(&opts.CacheSize, "cache-size", "", "Layer cache capacity, e.g. '4GB' (default from config)")
	flags.BoolVar(&opts.NoPush, "no-push", false, "Skip registry upload")
	flags.StringVar(&opts.TarPath, "tar-path", "", "Write the image as a docker-loadable archive here")
	flags.StringVar(&opts.OCILayoutPath, "oci-layout-path", "", "Write the image into this OCI layout directory")
	flags.StringVar(&opts.DigestFile, "digest-file", "", "Write the built image digest to this file")
	flags.BoolVar(&opts.SingleSnapshot, "single-snapshot", false, "Take one snapshot per stage instead of one per instruction")
	flags.StringVar(&opts.SnapshotMode, "snapshot-mode", "full", "Change detection: 'full' hashes content, 'time' trusts mtime")
	flags.BoolVar(&opts.Reproducible, "reproducible", false, "Zero timestamps for bit-identical rebuilds")
	flags.DurationVar(&opts.Timeout, "timeout", 0, "Per-RUN time limit (default from config)")
	flags.StringVar(&opts.BaseImageLayout, "base-image-layout", "", "Resolve FROM references from this OCI layout directory")
	flags.StringVar(&opts.RegistryURI, "registry-uri", "", "Registry host to store credentials for")
	flags.StringVar(&opts.RegistryUsername, "registry-username", "", "Registry username")
	flags.StringVar(&opts.RegistryPassword, "registry-password", "", "Registry password")

	return cmd
}

func runBuild(cmd *cobra.Command, rt *runtime.Runtime, opts *buildOptions) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}

	if guardrails.ForbiddenContextDir(opts.ContextDir) {
		return fmt.Errorf("build: refusing %q as build context", opts.ContextDir)
	}

	opts.Destinations = utils.UniqueTrimmedStrings(opts.Destinations)
	for _, dest := range opts.Destinations {
		if _, err := reference.ParseNormalizedNamed(dest); err != nil {
			return fmt.Errorf("build: bad destination %q: %w", dest, err)
		}
	}
	if len(opts.Destinations) == 0 && !opts.NoPush {
		return fmt.Errorf("build: --destination required, or pass --no-push for a local-only build")
	}
	if len(opts.Destinations) > 0 && !opts.NoPush {
		return fmt.Errorf("build: registry upload runs through an external pusher; pass --no-push and export with --tar-path or --oci-layout-path")
	}

	if opts.RegistryUsername != "" {
		target := opts.RegistryURI
		if target == "" && len(opts.Destinations) > 0 {
			target, err = registry.Host(opts.Destinations[0])
			if err != nil {
				return err
			}
		}
		if target == "" {
			return fmt.Errorf("build: --registry-uri or a --destination is required with registry credentials")
		}
		if err := registry.WriteAuthFile(appconfig.DockerAuthFile(), registry.Credential{
			Registry: target,
			Username: opts.RegistryUsername,
			Password: opts.RegistryPassword,
		}); err != nil {
			return err
		}
	}

	mode, err := snapshot.ParseMode(opts.SnapshotMode)
	if err != nil {
		return err
	}
	buildArgs, err := parseBuildArgs(opts.BuildArgs)
	if err != nil {
		return err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = cfg.RunTimeout
	}

	var store *cache.Store
	if opts.UseCache && !opts.SingleSnapshot {
		dir := opts.CacheDir
		if dir == "" {
			dir = cfg.CacheDir
		}
		sized := cfg
		if opts.CacheSize != "" {
			sized.CacheSize = opts.CacheSize
		}
		capacity, err := sized.CacheSizeBytes()
		if err != nil {
			return err
		}
		store, err = cache.Open(cmd.Context(), cache.Options{Dir: dir, Capacity: capacity})
		if err != nil {
			return err
		}
		defer store.Close()
	}

	var resolver baseimg.Resolver = baseimg.Scratch{}
	if opts.BaseImageLayout != "" {
		resolver = baseimg.Layout{Dir: opts.BaseImageLayout}
	}

	if err := logs.SetFullLogFile(appconfig.BuildLogPath(rt.RunID())); err != nil {
		logs.Warnf("build: log file: %v", err)
	}

	b, err := builder.New(builder.Options{
		ContextDir:     opts.ContextDir,
		DockerfilePath: opts.Dockerfile,
		BuildArgs:      buildArgs,
		Target:         opts.Target,
		Resolver:       resolver,
		Cache:          store,
		TmpDir:         cfg.TmpDir,
		RunTimeout:     timeout,
		SnapshotMode:   mode,
		SingleSnapshot: opts.SingleSnapshot,
		Reproducible:   opts.Reproducible,
	})
	if err != nil {
		return err
	}

	res, err := b.Build(cmd.Context())
	if err != nil {
		// Every collected line has already streamed through the logs
		// facade; keep the failure itself on the same surface.
		logs.Errorf("build failed after %d log lines: %v", len(b.Logs()), err)
		return err
	}
	defer b.Cleanup()
	fin := res.Image

	if opts.OCILayoutPath != "" {
		ref := ""
		if len(opts.Destinations) > 0 {
			ref = opts.Destinations[0]
		}
		if err := export.OCILayout(opts.OCILayoutPath, fin, ref); err != nil {
			return err
		}
		logs.Infof("wrote OCI layout %s", opts.OCILayoutPath)
	}
	if opts.TarPath != "" {
		if err := export.Tarball(opts.TarPath, fin, opts.Destinations); err != nil {
			return err
		}
		logs.Infof("wrote archive %s", opts.TarPath)
	}
	if opts.DigestFile != "" {
		if err := export.DigestFile(opts.DigestFile, fin.Digest()); err != nil {
			return err
		}
	}

	logs.Infof("built %s", fin.Digest())
	return nil
}

func parseBuildArgs(pairs []string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("build: bad --build-arg %q, want KEY=VALUE", pair)
		}
		out[k] = v
	}
	return out, nil
}
