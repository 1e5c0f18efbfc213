package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rapee/flowmap.blue/cluster"
	"github.com/rapee/flowmap.blue/loader"
	"github.com/rapee/flowmap.blue/pipeline"
	"github.com/rapee/flowmap.blue/runner"
)

var (
	snapshotLocations string
	snapshotFlows     string
	snapshotOut       string
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Build the cluster index of a dataset and save it compressed",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("snapshot"); err != nil {
			return err
		}

		if snapshotOut != "" {
			p, err := buildPipeline(cmd.Context(), cfg, snapshotLocations, snapshotFlows)
			if err != nil {
				return err
			}
			if err := writeIndex(p.Index(), snapshotOut); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), snapshotOut)
			return nil
		}

		locations := firstNonEmpty(snapshotLocations, cfg.Data.Locations)
		if locations == "" {
			return eris.New("no locations source: pass --locations or set data.locations")
		}
		flows := firstNonEmpty(snapshotFlows, cfg.Data.Flows, locations)

		r := runner.NewDatasetRunner(runnerOptions(cfg))
		defer r.CloseAll()
		info, err := r.CreateDataset(cmd.Context(), loader.ParseSource(locations), loader.ParseSource(flows))
		if err != nil {
			return err
		}
		path, err := r.SaveSnapshot(info.ID)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func writeIndex(index *pipeline.Index, path string) error {
	if index == nil {
		return eris.Wrap(cluster.ErrEmptyIndex, "snapshot")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "snapshot: create dir for %s", path)
	}
	if err := index.SaveCompressed(path); err != nil {
		return eris.Wrapf(err, "snapshot: write %s", path)
	}
	zap.L().Info("snapshot written", zap.String("path", path), zap.Int("points", len(index.Points)))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func init() {
	snapshotCmd.Flags().StringVar(&snapshotLocations, "locations", "", "locations source: file, file.xlsx#sheet or URL")
	snapshotCmd.Flags().StringVar(&snapshotFlows, "flows", "", "flows source (default: the locations workbook)")
	snapshotCmd.Flags().StringVar(&snapshotOut, "out", "", "output file (default: a new file in snapshot.dir)")
	rootCmd.AddCommand(snapshotCmd)
}
