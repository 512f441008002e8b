// Package pagewriter is the built-in work-unit processor for local runs. It
// renders each unit's fragments into a markdown file under a per-batch
// directory, standing in for an external page service.
package pagewriter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/batchd/internal/blocks"
	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/drain"
	"pkt.systems/batchd/internal/loggingutil"

	"pkt.systems/pslog"
)

// Writer implements drain.Processor by writing fragments to disk.
type Writer struct {
	root   string
	clock  clock.Clock
	logger pslog.Logger
}

// New returns a Writer rooted at dir. The directory is created on first use.
func New(dir string, logger pslog.Logger, clk clock.Clock) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("pagewriter: output directory is required")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Writer{
		root:   dir,
		clock:  clk,
		logger: loggingutil.EnsureLogger(logger),
	}, nil
}

// Process writes unit's fragments to <root>/<batch>/<index>.md. The write
// goes through a temp file and rename so a crashed run never leaves a
// half-written page behind.
func (w *Writer) Process(ctx context.Context, unit *blocks.WorkUnit) (*drain.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batchDir := filepath.Join(w.root, unit.BatchID)
	if err := os.MkdirAll(batchDir, 0o755); err != nil {
		return nil, fmt.Errorf("pagewriter: create batch directory: %w", err)
	}
	var sb strings.Builder
	for i, frag := range unit.Fragments {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(frag.Body)
	}
	sb.WriteString("\n")

	tmp, err := os.CreateTemp(batchDir, ".unit-*")
	if err != nil {
		return nil, fmt.Errorf("pagewriter: create temp file: %w", err)
	}
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("pagewriter: write unit %d: %w", unit.Index, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("pagewriter: close unit %d: %w", unit.Index, err)
	}
	dest := filepath.Join(batchDir, fmt.Sprintf("%012d.md", unit.Index))
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("pagewriter: place unit %d: %w", unit.Index, err)
	}
	w.logger.Debug("pagewriter.unit.written", "batch", unit.BatchID, "unit", unit.Index, "path", dest)
	return &drain.Outcome{Result: "Success", ResultTime: w.clock.Now().Unix()}, nil
}
