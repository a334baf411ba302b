package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/netflixpp/meshnode/pkg/chunk"
	"github.com/netflixpp/meshnode/pkg/output"
	"github.com/netflixpp/meshnode/pkg/quality"
	"github.com/netflixpp/meshnode/pkg/storage"
)

type classification struct {
	LatencyMs    float64 `json:"latency_ms" yaml:"latency_ms"`
	BandwidthBps float64 `json:"bandwidth_bps" yaml:"bandwidth_bps"`
	Quality      string  `json:"quality" yaml:"quality"`
}

var classifyCmd = &cobra.Command{
	Use:   "classify <latency_ms> <bandwidth_bytes_per_sec>",
	Short: "Classify a link from latency and bandwidth",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		latency, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("latency: %w", err)
		}
		bandwidth, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("bandwidth: %w", err)
		}
		printOut(classification{LatencyMs: latency, BandwidthBps: bandwidth, Quality: quality.Classify(latency, bandwidth).String()})
		return nil
	},
}

var (
	splitContentID string
	splitStoreDir  string
	splitManifest  string
)

var splitCmd = &cobra.Command{
	Use:   "split <file>",
	Short: "Chunk a file into a store directory and print its manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		id := splitContentID
		if id == "" {
			id = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
		}
		dir := splitStoreDir
		if dir == "" {
			dir = cfg.Storage.Dir
		}
		if dir == "" {
			return fmt.Errorf("no store directory: pass --store or set storage.dir")
		}

		chunks, err := chunk.Split(id, data, cfg.Chunk.Size)
		if err != nil {
			return err
		}
		m := chunk.NewManifest(id, cfg.Chunk.Size, chunks)
		store, err := storage.NewDirStore(dir)
		if err != nil {
			return err
		}
		if err := store.Put(m, chunks); err != nil {
			return err
		}
		if splitManifest != "" {
			if err := os.WriteFile(splitManifest, []byte(jsonText(m)), 0644); err != nil {
				return err
			}
		}
		printOut(m)
		return nil
	},
}

func jsonText(v any) string {
	return output.NewFormatter("json").Format(v)
}

func init() {
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(splitCmd)
	splitCmd.Flags().StringVar(&splitContentID, "content-id", "", "Content id, defaults to the file name")
	splitCmd.Flags().StringVar(&splitStoreDir, "store", "", "Store directory, defaults to storage.dir")
	splitCmd.Flags().StringVar(&splitManifest, "manifest", "", "Also write the manifest as JSON to this path")
}
