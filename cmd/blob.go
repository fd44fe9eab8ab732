package cmd

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cryfs/cryfs-sub000/pkg/app"
	"github.com/cryfs/cryfs-sub000/pkg/app/blob"
	"github.com/cryfs/cryfs-sub000/pkg/services"
)

func newCreateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create an empty blob and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBlobService(cmd, func(ctx *app.Context, svc services.BlobService) error {
				response, err := blob.Create(ctx, svc)
				if err != nil {
					return err
				}
				return blob.FormatOutput(ctx.Out, response, ctx.OutputFormat)
			})
		},
	}
}

func newWriteCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "write <blob-id> <offset> <file|->",
		Short: "Write a file (or stdin with -) into a blob at an offset",
		Long: `Write the content of a file into a blob, starting at the given byte offset.
Writing past the end grows the blob; a gap is filled with zeroes.

Examples:
  # Write a file at the beginning of a blob
  blobtree write 6F1C... 0 photo.jpg

  # Append from stdin at offset 1MB
  cat log.txt | blobtree write 6F1C... 1MB -`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, err := blob.ParseSize(args[1])
			if err != nil {
				return err
			}

			input, closeInput, err := openInput(cmd, args[2])
			if err != nil {
				return err
			}
			defer closeInput()

			return opts.withBlobService(cmd, func(ctx *app.Context, svc services.BlobService) error {
				response, err := blob.Write(ctx, svc, args[0], offset, input)
				if err != nil {
					return err
				}
				return blob.FormatOutput(ctx.Out, response, ctx.OutputFormat)
			})
		},
	}
}

func newReadCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "read <blob-id> [offset] [length]",
		Short: "Write a byte range of a blob to stdout",
		Long: `Read a byte range of a blob and write the raw bytes to stdout. Offset
defaults to 0; without a length the blob is read to its end. Reading past the
end of the blob is an error.`,
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var offset uint64
			length := int64(-1)
			if len(args) > 1 {
				parsed, err := blob.ParseSize(args[1])
				if err != nil {
					return err
				}
				offset = parsed
			}
			if len(args) > 2 {
				parsed, err := blob.ParseSize(args[2])
				if err != nil {
					return err
				}
				if parsed > uint64(1<<63-1) {
					return app.NewError(app.ErrCodeInvalidInput, "length is too large", nil)
				}
				length = int64(parsed)
			}

			return opts.withBlobService(cmd, func(ctx *app.Context, svc services.BlobService) error {
				_, err := blob.Read(ctx, svc, args[0], offset, length, ctx.Out)
				return err
			})
		},
	}
}

func newResizeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resize <blob-id> <size>",
		Short: "Grow a blob with zeroes or truncate it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBlobService(cmd, func(ctx *app.Context, svc services.BlobService) error {
				response, err := blob.Resize(ctx, svc, args[0], args[1])
				if err != nil {
					return err
				}
				return blob.FormatOutput(ctx.Out, response, ctx.OutputFormat)
			})
		},
	}
}

func newStatCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <blob-id>",
		Short: "Show size, node count and depth of a blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBlobService(cmd, func(ctx *app.Context, svc services.BlobService) error {
				response, err := blob.Stat(ctx, svc, args[0])
				if err != nil {
					return err
				}
				return blob.FormatOutput(ctx.Out, response, ctx.OutputFormat)
			})
		},
	}
}

func newInspectCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <blob-id>",
		Short: "Render the node tree of a blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBlobService(cmd, func(ctx *app.Context, svc services.BlobService) error {
				response, err := blob.Inspect(ctx, svc, args[0])
				if err != nil {
					return err
				}
				return blob.FormatOutput(ctx.Out, response, ctx.OutputFormat)
			})
		},
	}
}

func newBlocksCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "blocks <blob-id>",
		Short: "List the ids of all blocks of a blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBlobService(cmd, func(ctx *app.Context, svc services.BlobService) error {
				response, err := blob.Blocks(ctx, svc, args[0])
				if err != nil {
					return err
				}
				return blob.FormatOutput(ctx.Out, response, ctx.OutputFormat)
			})
		},
	}
}

func newRemoveCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <blob-id>",
		Aliases: []string{"remove"},
		Short:   "Remove a blob and all of its blocks",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBlobService(cmd, func(ctx *app.Context, svc services.BlobService) error {
				response, err := blob.Remove(ctx, svc, args[0])
				if err != nil {
					return err
				}
				return blob.FormatOutput(ctx.Out, response, ctx.OutputFormat)
			})
		},
	}
}

func newRootsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "roots",
		Short: "List the root ids of all blobs in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBlobService(cmd, func(ctx *app.Context, svc services.BlobService) error {
				response, err := blob.Roots(ctx, svc)
				if err != nil {
					return err
				}
				return blob.FormatOutput(ctx.Out, response, ctx.OutputFormat)
			})
		},
	}
}

// openInput opens the named file, or stdin for "-"
func openInput(cmd *cobra.Command, name string) (io.Reader, func(), error) {
	if name == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	file, err := os.Open(name)
	if err != nil {
		return nil, nil, app.NewError(app.ErrCodeInvalidInput, "failed to open input file", err)
	}
	return file, func() { file.Close() }, nil
}
