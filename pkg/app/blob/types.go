package blob

import (
	"fmt"
	"text/tabwriter"
)

// Response is implemented by every result a blob command produces
type Response interface {
	writeTable(w *tabwriter.Writer)
}

// CreateResponse is the result of creating a blob
type CreateResponse struct {
	ID string `json:"id" yaml:"id"`
}

// StatResponse describes the size and shape of a blob
type StatResponse struct {
	ID        string `json:"id" yaml:"id"`
	NumBytes  uint64 `json:"num_bytes" yaml:"num_bytes"`
	NumNodes  uint64 `json:"num_nodes" yaml:"num_nodes"`
	Depth     uint8  `json:"depth" yaml:"depth"`
	BlockSize uint32 `json:"block_size" yaml:"block_size"`
}

// WriteResponse is the result of writing into a blob
type WriteResponse struct {
	ID           string `json:"id" yaml:"id"`
	Offset       uint64 `json:"offset" yaml:"offset"`
	BytesWritten int64  `json:"bytes_written" yaml:"bytes_written"`
	NumBytes     uint64 `json:"num_bytes" yaml:"num_bytes"`
}

// BlocksResponse lists the blocks of a blob
type BlocksResponse struct {
	ID     string   `json:"id" yaml:"id"`
	Blocks []string `json:"blocks" yaml:"blocks"`
}

// RemoveResponse is the result of removing a blob
type RemoveResponse struct {
	ID      string `json:"id" yaml:"id"`
	Removed bool   `json:"removed" yaml:"removed"`
}

// RootsResponse lists all blobs in the store
type RootsResponse struct {
	Blobs     []string `json:"blobs" yaml:"blobs"`
	NumBlocks uint64   `json:"num_blocks" yaml:"num_blocks"`
	BlockSize uint32   `json:"block_size" yaml:"block_size"`
}

// InspectResponse holds the rendered node tree of a blob
type InspectResponse struct {
	ID   string `json:"id" yaml:"id"`
	Tree string `json:"tree" yaml:"tree"`
}

func (r *CreateResponse) writeTable(w *tabwriter.Writer) {
	fmt.Fprintf(w, "%s\n", r.ID)
}

func (r *StatResponse) writeTable(w *tabwriter.Writer) {
	fmt.Fprintf(w, "ID\tSIZE\tNODES\tDEPTH\tBLOCK SIZE\n")
	fmt.Fprintf(w, "--\t----\t-----\t-----\t----------\n")
	fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", r.ID, formatBytes(r.NumBytes), r.NumNodes, r.Depth, r.BlockSize)
}

func (r *WriteResponse) writeTable(w *tabwriter.Writer) {
	fmt.Fprintf(w, "Wrote %d bytes at offset %d to %s, blob now has %s\n", r.BytesWritten, r.Offset, r.ID, formatBytes(r.NumBytes))
}

func (r *BlocksResponse) writeTable(w *tabwriter.Writer) {
	for _, id := range r.Blocks {
		fmt.Fprintf(w, "%s\n", id)
	}
	fmt.Fprintf(w, "\n%d blocks\n", len(r.Blocks))
}

func (r *RemoveResponse) writeTable(w *tabwriter.Writer) {
	if r.Removed {
		fmt.Fprintf(w, "Removed %s\n", r.ID)
	} else {
		fmt.Fprintf(w, "Blob %s not found\n", r.ID)
	}
}

func (r *RootsResponse) writeTable(w *tabwriter.Writer) {
	if len(r.Blobs) == 0 {
		fmt.Fprintf(w, "No blobs found.\n")
		return
	}
	for _, id := range r.Blobs {
		fmt.Fprintf(w, "%s\n", id)
	}
	fmt.Fprintf(w, "\n%d blobs in %d blocks of %d bytes\n", len(r.Blobs), r.NumBlocks, r.BlockSize)
}

func (r *InspectResponse) writeTable(w *tabwriter.Writer) {
	fmt.Fprint(w, r.Tree)
}

// formatBytes formats byte count as human readable
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
