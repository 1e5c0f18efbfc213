package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/rapee/flowmap.blue/cluster"
	"github.com/rapee/flowmap.blue/config"
	"github.com/rapee/flowmap.blue/flow"
	"github.com/rapee/flowmap.blue/loader"
	"github.com/rapee/flowmap.blue/pipeline"
)

var (
	inspectLocations string
	inspectFlows     string
	inspectZoom      int
	inspectSnapshot  string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the zoom range and per-zoom entity and flow counts of a dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("inspect"); err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if inspectSnapshot != "" {
			sc, err := cluster.LoadMappedSupercluster(inspectSnapshot)
			if err != nil {
				return eris.Wrap(err, "inspect: load snapshot")
			}
			defer sc.CleanupCluster()
			var size int64
			if fi, err := os.Stat(inspectSnapshot); err == nil {
				size = fi.Size()
			}
			return printSnapshot(out, sc, size)
		}

		p, err := buildPipeline(cmd.Context(), cfg, inspectLocations, inspectFlows)
		if err != nil {
			return err
		}
		return printPipeline(out, p, inspectZoom)
	},
}

// buildPipeline loads locations and flows from the given sources, falling
// back to the configured ones, and returns a pipeline over them.
func buildPipeline(ctx context.Context, c *config.Config, locations, flows string) (*pipeline.Pipeline, error) {
	if locations == "" {
		locations = c.Data.Locations
	}
	if flows == "" {
		flows = c.Data.Flows
	}
	if locations == "" {
		return nil, eris.New("no locations source: pass --locations or set data.locations")
	}
	if flows == "" {
		flows = locations
	}

	l := loader.New(loader.Options{UserAgent: "flowmap"})
	ds, err := l.LoadDataset(ctx, loader.ParseSource(locations), loader.ParseSource(flows))
	if err != nil {
		return nil, eris.Wrap(err, "load dataset")
	}

	p := pipeline.New(
		pipeline.WithIndexOptions(c.Clustering.IndexOptions()),
		pipeline.WithClustering(c.Clustering.Enabled),
		pipeline.WithAnimation(c.View.AnimateFlows),
	)
	p.SetLocations(ds.Locations)
	p.SetFlows(ds.Flows)
	return p, nil
}

// printPipeline writes a dataset report. A negative zoom lists every zoom
// of the range.
func printPipeline(out io.Writer, p *pipeline.Pipeline, zoom int) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Locations:\t%d\n", len(p.RawLocations()))
	_, _ = fmt.Fprintf(w, "Flows:\t%d\n", len(p.RawFlows()))
	_, _ = fmt.Fprintf(w, "Known flows:\t%d\n", len(p.KnownFlows()))
	_, _ = fmt.Fprintf(w, "Diff mode:\t%t\n", p.IsDiffMode())
	if ids := p.InvalidLocationIDs(); len(ids) > 0 {
		_, _ = fmt.Fprintf(w, "Invalid locations:\t%v\n", ids)
	}
	if ids := p.UnknownLocationIDs(); len(ids) > 0 {
		_, _ = fmt.Fprintf(w, "Unknown locations:\t%v\n", ids)
	}

	r, ok := p.ZoomRange()
	if !ok {
		_, _ = fmt.Fprintln(w, "Zoom range:\tnone")
		return w.Flush()
	}
	_, _ = fmt.Fprintf(w, "Zoom range:\t%d-%d\n", r.Min, r.Max)
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintln(w, "ZOOM\tENTITIES\tCLUSTERS\tFLOWS\tTOTAL")
	_, _ = fmt.Fprintln(w, "----\t--------\t--------\t-----\t-----")
	zooms := []int{zoom}
	if zoom < 0 {
		zooms = zooms[:0]
		for z := r.Min; z <= r.Max; z++ {
			zooms = append(zooms, z)
		}
	}
	for _, z := range zooms {
		entities := p.EntitiesAt(z)
		clusters := 0
		for _, e := range entities {
			if e.IsCluster() {
				clusters++
			}
		}
		flows := p.FlowsAt(z)
		_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%g\n", z, len(entities), clusters, len(flows), flow.TotalCount(flows))
	}
	return w.Flush()
}

func printSnapshot(out io.Writer, sc *cluster.Supercluster, size int64) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Points:\t%d\n", len(sc.Points))
	_, _ = fmt.Fprintf(w, "File size:\t%s\n", formatFileSize(size))

	r, ok := pipeline.ResolveZoomRange(&pipeline.Index{Supercluster: sc})
	if ok {
		_, _ = fmt.Fprintf(w, "Zoom range:\t%d-%d\n", r.Min, r.Max)
	} else {
		_, _ = fmt.Fprintln(w, "Zoom range:\tnone")
	}
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintln(w, "ZOOM\tNODES\tCLUSTERS\tLARGEST")
	_, _ = fmt.Fprintln(w, "----\t-----\t--------\t-------")
	for z, count := range sc.ClusterCounts() {
		if count < 0 {
			continue
		}
		summary := cluster.CalculateMetadataSummary(sc.GetClusters(cluster.WorldBounds, z))
		_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%d\n", z, count, summary.NumClusters, summary.LargestCluster)
	}
	return w.Flush()
}

func formatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

func init() {
	inspectCmd.Flags().StringVar(&inspectLocations, "locations", "", "locations source: file, file.xlsx#sheet or URL")
	inspectCmd.Flags().StringVar(&inspectFlows, "flows", "", "flows source (default: the locations workbook)")
	inspectCmd.Flags().IntVar(&inspectZoom, "zoom", -1, "only report this zoom")
	inspectCmd.Flags().StringVar(&inspectSnapshot, "snapshot", "", "report on a saved index snapshot instead")
	rootCmd.AddCommand(inspectCmd)
}
