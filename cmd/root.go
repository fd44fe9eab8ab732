package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cryfs/cryfs-sub000/internal/config"
	"github.com/cryfs/cryfs-sub000/internal/logger"
	"github.com/cryfs/cryfs-sub000/pkg/app"
	"github.com/cryfs/cryfs-sub000/pkg/services"
)

// options holds the global flags shared by every command
type options struct {
	verbose      bool
	quiet        bool
	outputFormat string
	configFile   string

	config *config.Config
}

var rootCmd = NewRootCommand()

// NewRootCommand builds the blobtree command tree
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "blobtree",
		Short: "Store and edit variable-size blobs as trees of fixed-size blocks",
		Long: `blobtree stores blobs of arbitrary size as balanced trees of fixed-size
blocks in a LevelDB block store. Blobs can be created, written at any offset,
read, resized and removed; their node structure can be inspected.

Commands:
  create      Create an empty blob
  write       Write a file or stdin into a blob
  read        Read a byte range of a blob
  resize      Grow or truncate a blob
  stat        Show size and shape of a blob
  inspect     Render the node tree of a blob
  blocks      List the blocks of a blob
  rm          Remove a blob
  roots       List all blobs in the store`,
		Version:       "0.1.0-dev",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.OnExit()
		},
	}

	// Only global output control flags
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	root.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "suppress output except errors")
	root.PersistentFlags().StringVarP(&opts.outputFormat, "output", "o", "table", "output format (table, json, yaml)")
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default searches blobtree-config.yaml)")
	root.MarkFlagsMutuallyExclusive("verbose", "quiet")

	root.AddCommand(
		newCreateCommand(opts),
		newWriteCommand(opts),
		newReadCommand(opts),
		newResizeCommand(opts),
		newStatCommand(opts),
		newInspectCommand(opts),
		newBlocksCommand(opts),
		newRemoveCommand(opts),
		newRootsCommand(opts),
	)
	return root
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code := app.ErrorCode(err); code != "" {
			fmt.Fprintf(os.Stderr, "Code: %s\n", code)
		}
		os.Exit(1)
	}
}

func (o *options) setup() error {
	switch o.outputFormat {
	case "table", "json", "yaml":
	default:
		return app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("unsupported output format %q", o.outputFormat), nil)
	}

	cfg, err := config.Load(o.configFile)
	if err != nil {
		return err
	}
	o.config = cfg

	level := cfg.LogLevel
	switch {
	case o.verbose:
		level = "debug"
	case o.quiet:
		level = "error"
	}
	logger.New(level)
	return nil
}

// newAppContext creates the application context for a command
func (o *options) newAppContext(cmd *cobra.Command) *app.Context {
	ctx := app.NewContext()
	ctx.Context = cmd.Context()
	ctx.OutputFormat = o.outputFormat
	ctx.Verbose = o.verbose
	ctx.Quiet = o.quiet
	ctx.Out = cmd.OutOrStdout()
	ctx.ErrOut = cmd.ErrOrStderr()
	return ctx
}

// withBlobService opens the configured store, runs fn and closes the store
// again, flushing cached blocks
func (o *options) withBlobService(cmd *cobra.Command, fn func(ctx *app.Context, svc services.BlobService) error) (err error) {
	factory := services.NewServiceFactory(o.config)
	svc, err := factory.BlobService()
	if err != nil {
		return app.NewError(app.ErrCodeStoreAccess, "failed to open block store", err)
	}
	defer func() {
		if shutdownErr := factory.Shutdown(); shutdownErr != nil && err == nil {
			err = app.NewError(app.ErrCodeStoreAccess, "failed to close block store", shutdownErr)
		}
	}()

	ctx := o.newAppContext(cmd)
	return fn(ctx, svc)
}
