package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"pkt.systems/batchd"
	"pkt.systems/batchd/internal/blocks"
	"pkt.systems/pslog"
)

// batchManifest is the YAML shape accepted by enqueue --manifest.
type batchManifest struct {
	BatchID string `yaml:"batch_id"`
	Units   []struct {
		Index     int `yaml:"index"`
		Fragments []struct {
			Seq    int    `yaml:"seq"`
			Body   string `yaml:"body"`
			Source string `yaml:"source"`
		} `yaml:"fragments"`
	} `yaml:"units"`
}

func newEnqueueCommand(baseLogger pslog.Logger) *cobra.Command {
	var manifestPath string
	cmd := &cobra.Command{
		Use:   "enqueue [batch-id] [file...]",
		Short: "Store a batch's work units, split from files or read from a manifest",
		Long: `Enqueue stores work units for later draining. With positional arguments
each file becomes one work unit, split into paragraph fragments. With
--manifest the units come verbatim from a YAML manifest instead.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			var (
				units   []blocks.WorkUnit
				batchID string
			)
			switch {
			case manifestPath != "":
				if len(args) != 0 {
					return fmt.Errorf("--manifest takes no positional arguments")
				}
				units, batchID, err = loadManifest(manifestPath)
			case len(args) >= 2:
				batchID = args[0]
				units, err = unitsFromFiles(batchID, args[1:])
			default:
				return fmt.Errorf("either --manifest or a batch id and at least one file is required")
			}
			if err != nil {
				return err
			}
			logger := commandLogger(baseLogger)
			svc, err := batchd.New(cmd.Context(), cfg, batchd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer svc.Close()
			if err := svc.Enqueue(cmd.Context(), units); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: enqueued %d units\n", batchID, len(units))
			return nil
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "YAML manifest with pre-built work units")
	return cmd
}

// unitsFromFiles turns each file into one work unit of paragraph fragments,
// indexed by position.
func unitsFromFiles(batchID string, paths []string) ([]blocks.WorkUnit, error) {
	units := make([]blocks.WorkUnit, 0, len(paths))
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		fragments := blocks.SplitDocument(string(data), filepath.Base(path))
		if len(fragments) == 0 {
			return nil, fmt.Errorf("%s: no content to enqueue", path)
		}
		units = append(units, blocks.WorkUnit{
			BatchID:   batchID,
			Index:     i,
			Fragments: fragments,
		})
	}
	return units, nil
}

func loadManifest(path string) ([]blocks.WorkUnit, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read manifest: %w", err)
	}
	var manifest batchManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, "", fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if manifest.BatchID == "" {
		return nil, "", fmt.Errorf("manifest %s: batch_id is required", path)
	}
	if len(manifest.Units) == 0 {
		return nil, "", fmt.Errorf("manifest %s: at least one unit is required", path)
	}
	// Indexes are positional only when the manifest declares none at all;
	// a manifest that sets any index must set them all without collisions.
	positional := true
	for _, mu := range manifest.Units {
		if mu.Index != 0 {
			positional = false
			break
		}
	}
	seen := make(map[int]bool, len(manifest.Units))
	units := make([]blocks.WorkUnit, 0, len(manifest.Units))
	for i, mu := range manifest.Units {
		index := mu.Index
		if positional {
			index = i
		}
		if index < 0 {
			return nil, "", fmt.Errorf("manifest %s: unit %d: negative index %d", path, i, index)
		}
		if seen[index] {
			return nil, "", fmt.Errorf("manifest %s: duplicate unit index %d", path, index)
		}
		seen[index] = true
		unit := blocks.WorkUnit{BatchID: manifest.BatchID, Index: index}
		for _, mf := range mu.Fragments {
			unit.Fragments = append(unit.Fragments, blocks.Fragment{
				Seq:    mf.Seq,
				Body:   mf.Body,
				Source: mf.Source,
			})
		}
		units = append(units, unit)
	}
	return units, manifest.BatchID, nil
}
