package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"montage/internal/config"
	"montage/internal/pipeline"
	"montage/internal/project"
	"montage/internal/storage"
	"montage/internal/watch"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "montage",
		Short: "Montage registers overlapping image tiles into a mosaic",
		Long: `Montage aligns tiles of a project by matching local features between
overlapping pairs and solving for a globally consistent placement. Layers of
a serial-section stack can be montaged on their own or as one mosaic.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newMontageCmd(root))
	rootCmd.AddCommand(newMontageLayersCmd(root))
	rootCmd.AddCommand(newMosaicCmd(root))
	rootCmd.AddCommand(newSnapCmd(root))
	rootCmd.AddCommand(newRegisterStackCmd(root))
	rootCmd.AddCommand(newImportCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// alignFlags are the per-run overrides shared by the alignment commands.
// Only flags set on the command line reach the job, so configured defaults
// apply otherwise.
type alignFlags struct {
	output        string
	fixed         []string
	model         string
	expectedModel string
	maxEpsilon    float64
	rod           float64

	tilesInPlace       bool
	largestGraphOnly   bool
	hideDisconnected   bool
	deleteDisconnected bool
	deform             bool
	virtualConnections bool
	freshFeatures      bool
}

func (f *alignFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.output, "output", "", "write the aligned project here instead of over the input")
	fl.StringSliceVar(&f.fixed, "fixed", nil, "patch ids held in place (in addition to locked patches)")
	fl.StringVar(&f.model, "model", "", "desired model (translation|rigid|similarity|affine)")
	fl.StringVar(&f.expectedModel, "expected-model", "", "model used to filter correspondences")
	fl.Float64Var(&f.maxEpsilon, "max-epsilon", 0, "maximal alignment error in px")
	fl.Float64Var(&f.rod, "rod", 0, "closest/next-closest descriptor ratio")
	fl.BoolVar(&f.tilesInPlace, "tiles-in-place", false, "only compare tiles whose boxes overlap")
	fl.BoolVar(&f.largestGraphOnly, "largest-graph-only", false, "optimize only the largest connected graph")
	fl.BoolVar(&f.hideDisconnected, "hide-disconnected", false, "hide tiles outside the largest graph")
	fl.BoolVar(&f.deleteDisconnected, "delete-disconnected", false, "remove tiles outside the largest graph")
	fl.BoolVar(&f.deform, "deform", false, "attach a moving-least-squares deformation after optimizing")
	fl.BoolVar(&f.virtualConnections, "virtual-connections", false, "add virtual correspondences between indirectly linked layers")
	fl.BoolVar(&f.freshFeatures, "fresh-features", false, "drop cached features before running")
}

func (f *alignFlags) options(cmd *cobra.Command) map[string]any {
	opts := map[string]any{"source": "cli"}
	fl := cmd.Flags()
	set := func(flag, key string, v any) {
		if fl.Changed(flag) {
			opts[key] = v
		}
	}
	if len(f.fixed) > 0 {
		opts["fixed"] = f.fixed
	}
	set("model", "model", f.model)
	set("expected-model", "expected_model", f.expectedModel)
	set("max-epsilon", "max_epsilon", f.maxEpsilon)
	set("rod", "rod", f.rod)
	set("tiles-in-place", "tiles_in_place", f.tilesInPlace)
	set("largest-graph-only", "largest_graph_only", f.largestGraphOnly)
	set("hide-disconnected", "hide_disconnected", f.hideDisconnected)
	set("delete-disconnected", "delete_disconnected", f.deleteDisconnected)
	set("deform", "deform", f.deform)
	set("virtual-connections", "virtual_connections", f.virtualConnections)
	set("fresh-features", "fresh_features", f.freshFeatures)
	return opts
}

// runJob submits a job, waits for it and prints the report.
func (r *Root) runJob(cmd *cobra.Command, job pipeline.Job) error {
	res, err := r.enqueueAndWait(cmd.Context(), job)
	if err != nil {
		if res.Meta != nil {
			printReport(cmd.ErrOrStderr(), res)
		}
		return err
	}
	printReport(cmd.OutOrStdout(), res)
	return nil
}

func newMontageCmd(root *Root) *cobra.Command {
	var (
		flags alignFlags
		layer string
	)

	cmd := &cobra.Command{
		Use:   "montage <project>",
		Short: "Align the tiles of one layer",
		Long: `Match features between overlapping tiles of a layer and optimize their
placement. Locked patches and patches named by --fixed stay in place.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := flags.options(cmd)
			if layer != "" {
				opts["layer"] = layer
			}
			return root.runJob(cmd, pipeline.Job{
				ID:        newID("montage"),
				Type:      pipeline.JobMontage,
				InputPath: args[0],
				Output:    flags.output,
				Options:   opts,
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&layer, "layer", "", "layer id (default: first layer)")
	return cmd
}

func newMontageLayersCmd(root *Root) *cobra.Command {
	var flags alignFlags

	cmd := &cobra.Command{
		Use:   "montage-layers <project>",
		Short: "Montage every layer independently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runJob(cmd, pipeline.Job{
				ID:        newID("layers"),
				Type:      pipeline.JobMontageLayers,
				InputPath: args[0],
				Output:    flags.output,
				Options:   flags.options(cmd),
			})
		},
	}

	flags.register(cmd)
	return cmd
}

func newMosaicCmd(root *Root) *cobra.Command {
	var (
		flags              alignFlags
		crossModel         string
		crossExpectedModel string
		crossMaxEpsilon    float64
		crossRod           float64
	)

	cmd := &cobra.Command{
		Use:   "mosaic <project>",
		Short: "Align all layers as one multi-layer mosaic",
		Long: `Match tiles within each layer and between adjacent layers, then optimize
every tile of the project together. The --cross-* flags override the
parameters used for pairs that span two layers.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := flags.options(cmd)
			fl := cmd.Flags()
			if fl.Changed("cross-model") {
				opts["cross_model"] = crossModel
			}
			if fl.Changed("cross-expected-model") {
				opts["cross_expected_model"] = crossExpectedModel
			}
			if fl.Changed("cross-max-epsilon") {
				opts["cross_max_epsilon"] = crossMaxEpsilon
			}
			if fl.Changed("cross-rod") {
				opts["cross_rod"] = crossRod
			}
			return root.runJob(cmd, pipeline.Job{
				ID:        newID("mosaic"),
				Type:      pipeline.JobMosaic,
				InputPath: args[0],
				Output:    flags.output,
				Options:   opts,
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&crossModel, "cross-model", "", "desired model for cross-layer pairs")
	cmd.Flags().StringVar(&crossExpectedModel, "cross-expected-model", "", "filter model for cross-layer pairs")
	cmd.Flags().Float64Var(&crossMaxEpsilon, "cross-max-epsilon", 0, "maximal cross-layer alignment error in px")
	cmd.Flags().Float64Var(&crossRod, "cross-rod", 0, "descriptor ratio for cross-layer pairs")
	return cmd
}

func newSnapCmd(root *Root) *cobra.Command {
	var (
		flags alignFlags
		patch string
	)

	cmd := &cobra.Command{
		Use:   "snap <project>",
		Short: "Snap one patch onto the visible patches it overlaps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := flags.options(cmd)
			opts["patch"] = patch
			return root.runJob(cmd, pipeline.Job{
				ID:        newID("snap"),
				Type:      pipeline.JobSnap,
				InputPath: args[0],
				Output:    flags.output,
				Options:   opts,
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&patch, "patch", "", "id of the patch to snap")
	cmd.MarkFlagRequired("patch")
	return cmd
}

func newRegisterStackCmd(root *Root) *cobra.Command {
	var (
		flags     alignFlags
		stack     string
		reference string
	)

	cmd := &cobra.Command{
		Use:   "register-stack <project>",
		Short: "Register the slices of a stack to a reference slice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := flags.options(cmd)
			opts["stack"] = stack
			if reference != "" {
				opts["reference"] = reference
			}
			return root.runJob(cmd, pipeline.Job{
				ID:        newID("stack"),
				Type:      pipeline.JobRegisterStack,
				InputPath: args[0],
				Output:    flags.output,
				Options:   opts,
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&stack, "stack", "", "stack name")
	cmd.Flags().StringVar(&reference, "reference", "", "reference slice id (default: first slice)")
	cmd.MarkFlagRequired("stack")
	return cmd
}

func newImportCmd(root *Root) *cobra.Command {
	var opt project.ImportOptions

	cmd := &cobra.Command{
		Use:   "import <image_directory> <project>",
		Short: "Create a project from a directory of images",
		Long: `Create a one-layer project with a patch per image, laid out on a grid
with the given overlap. With --stack the images become slices of one stack.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prj, err := project.ImportDirectory(args[0], args[1], opt)
			if err != nil {
				return err
			}
			if err := prj.Save(); err != nil {
				return fmt.Errorf("failed to save project: %w", err)
			}
			n := 0
			for _, l := range prj.Layers {
				n += len(l.All())
			}
			root.log.Info("project imported", "dir", args[0], "project", args[1], "patches", n)
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s patches into %s\n", humanize.Comma(int64(n)), args[1])
			return nil
		},
	}

	cmd.Flags().IntVar(&opt.Columns, "columns", 0, "tiles per grid row (default: one row)")
	cmd.Flags().Float64Var(&opt.Overlap, "overlap", 0.1, "expected overlap between neighbouring tiles")
	cmd.Flags().StringVar(&opt.Stack, "stack", "", "import as slices of the named stack")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		flags    alignFlags
		jobType  string
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <project>",
		Short: "Re-run an alignment whenever the project changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !knownJobType(pipeline.JobType(jobType)) {
				return fmt.Errorf("unknown job type: %s", jobType)
			}
			if !cmd.Flags().Changed("debounce") {
				debounce = time.Duration(root.cfg.Watch.DebounceMS) * time.Millisecond
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			trigger := root.watchTrigger(cmd, pipeline.Job{
				Type:      pipeline.JobType(jobType),
				InputPath: args[0],
				Output:    flags.output,
				Options:   flags.options(cmd),
			})
			w, err := watch.New(args[0], debounce, trigger, root.log)
			if err != nil {
				return err
			}
			return w.Run(ctx)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&jobType, "type", string(pipeline.JobMontage), "job type to run on change")
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "quiet period before a run (default: from config)")
	return cmd
}

// watchTrigger runs a copy of template under a fresh id each time it fires.
func (r *Root) watchTrigger(cmd *cobra.Command, template pipeline.Job) watch.Trigger {
	return func(ctx context.Context) error {
		job := template
		job.ID = newID("watch")
		res, err := r.enqueueAndWait(ctx, job)
		if res.Meta != nil {
			printReport(cmd.OutOrStdout(), res)
		}
		return err
	}
}

func knownJobType(t pipeline.JobType) bool {
	for _, k := range pipeline.JobTypes {
		if k == t {
			return true
		}
	}
	return false
}

func newServeCmd(root *Root) *cobra.Command {
	var addrs config.Server

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC job servers",
		Long: `Serve the job API over HTTP (REST, server-sent events and websocket) and
over gRPC. An empty address disables that server.

Examples:
  montage serve --addr :8700 --grpc-addr :8701
  montage serve --grpc-addr ""`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			root.log.Info("starting servers", "http_addr", addrs.HTTPAddr, "grpc_addr", addrs.GRPCAddr)
			return root.serveFn(ctx, addrs, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addrs.HTTPAddr, "addr", root.cfg.Server.HTTPAddr, "HTTP address (host:port)")
	cmd.Flags().StringVar(&addrs.GRPCAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC address (host:port)")
	return cmd
}

func newHistoryCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent jobs from the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("storage not configured")
			}
			jobs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, j := range jobs {
				fmt.Fprintf(out, "%-40s %-15s %-10s %s  %s\n", j.ID, j.JobType, j.Status, humanize.Time(j.CreatedAt), j.InputPath)
				if j.Error != "" {
					fmt.Fprintf(out, "  error: %s\n", j.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs to list")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate montage configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfgPath := os.Getenv("MONTAGE_CONFIG")
			if cfgPath == "" {
				cfgPath = "(default) ~/.config/montage/config.json"
			}
			fmt.Fprintf(out, "Config file: %s\n\n", cfgPath)
			fmt.Fprintf(out, "Database Path: %s (%s)\n", root.cfg.Paths.DatabasePath, root.cfg.Storage.Driver)
			fmt.Fprintf(out, "Default Output: %s\n", root.cfg.Paths.DefaultOutput)
			fmt.Fprintf(out, "Parallel Jobs: %d\n", root.cfg.Processing.ParallelJobs)
			fmt.Fprintf(out, "Queue Size: %d\n", root.cfg.Processing.QueueSize)
			fmt.Fprintf(out, "Log Level: %s\n", root.cfg.Logging.Level)
			fmt.Fprintf(out, "Log Format: %s\n", root.cfg.Logging.Format)
			fmt.Fprintf(out, "Log Directory: %s\n", root.cfg.Logging.LogDir)
			fmt.Fprintf(out, "HTTP Address: %s\n", root.cfg.Server.HTTPAddr)
			fmt.Fprintf(out, "gRPC Address: %s\n", root.cfg.Server.GRPCAddr)
			fmt.Fprintf(out, "Watch Debounce: %dms\n", root.cfg.Watch.DebounceMS)

			align, err := json.MarshalIndent(root.cfg.Alignment, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nAlignment:\n%s\n", align)
			return nil
		},
	}

	var file string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				if _, err := config.LoadFile(file); err != nil {
					return err
				}
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}
	validateCmd.Flags().StringVar(&file, "file", "", "validate this file instead of the loaded configuration")

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("montage v%s (%s)\n", Version, runtime.Version())
		},
	}
}
