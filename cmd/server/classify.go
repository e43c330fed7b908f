package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/cifar-sorter/internal/batch"
	"github.com/Brownie44l1/cifar-sorter/internal/config"
	"github.com/Brownie44l1/cifar-sorter/internal/labels"
	"github.com/Brownie44l1/cifar-sorter/internal/logging"
	"github.com/Brownie44l1/cifar-sorter/internal/model"
	"github.com/Brownie44l1/cifar-sorter/internal/session"
)

func newClassifyCmd(configPath *string) *cobra.Command {
	var zipPath string

	cmd := &cobra.Command{
		Use:   "classify <image>...",
		Short: "Classify local image files and optionally write a sorted zip",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Server.Mode)
			if err != nil {
				return err
			}
			defer logging.Sync(log)

			return classifyFiles(cmd.Context(), cfg, log, args, zipPath, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&zipPath, "zip", "z", "", "write the sorted images to this zip file")
	return cmd
}

func classifyFiles(ctx context.Context, cfg *config.Config, log *zap.Logger, paths []string, zipPath string, out io.Writer) error {
	images := make([]batch.Image, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		images = append(images, batch.Image{Filename: filepath.Base(p), Data: data})
	}

	// Offline runs keep the session in memory only long enough to zip it.
	store := session.Store(session.NewDisabledStore())
	if zipPath != "" {
		store = session.NewMemoryStore(0)
	}
	a, err := newApp(cfg, log, store)
	if err != nil {
		store.Close()
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.Server.RequestTimeout)
	defer cancel()

	res, err := a.engine.ClassifyBatch(ctx, images, batch.Options{})
	if err != nil {
		return err
	}
	renderResults(out, res.Results)
	renderCounts(out, res.Counts)
	fmt.Fprintf(out, "%d images\n", len(res.Results))

	if zipPath == "" {
		return nil
	}
	if res.SessionID == "" {
		return fmt.Errorf("no image could be classified, %s not written", zipPath)
	}
	data, err := a.archiver.BuildArchive(ctx, res.SessionID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(zipPath, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", zipPath)
	return nil
}

func renderResults(out io.Writer, results []model.Result) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"File", "Label", "Confidence", "Error"})
	for _, r := range results {
		conf := ""
		if r.Confidence != nil {
			conf = strconv.FormatFloat(*r.Confidence, 'f', 2, 64) + "%"
		}
		table.Append([]string{r.Filename, r.Label, conf, r.Error})
	}
	table.Render()
}

func renderCounts(out io.Writer, counts labels.Counts) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Label", "Images"})
	for _, l := range counts.Labels() {
		table.Append([]string{l.String(), strconv.Itoa(counts[l])})
	}
	table.Render()
}
