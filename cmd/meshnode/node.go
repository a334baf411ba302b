package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"github.com/netflixpp/meshnode/mesh"
	"github.com/netflixpp/meshnode/pkg/logger"
	"github.com/netflixpp/meshnode/pkg/monitor"
)

var (
	nodeAddr        string
	nodeName        string
	nodeSeeds       []string
	filesToPublish  []string
	noDiscovery     bool
	nodeInteractive bool
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a mesh node",
	RunE: func(cmd *cobra.Command, args []string) error {
		if nodeAddr != "" {
			cfg.Listen.Addr = nodeAddr
		}
		if nodeName != "" {
			cfg.Node.Name = nodeName
		}
		cfg.Peers.Seeds = append(cfg.Peers.Seeds, nodeSeeds...)
		if noDiscovery {
			cfg.Discovery.Enabled = false
		}

		metrics := monitor.New()
		node, err := mesh.New(cfg, mesh.WithMetrics(metrics))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := node.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := node.Stop(); err != nil {
				logger.Sugar.Warnf("[MeshNode] stop: %v", err)
			}
		}()

		if cfg.Metrics.Addr != "" {
			srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				logger.Sugar.Infof("[Metrics] serving /metrics on %s", cfg.Metrics.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Sugar.Errorf("[Metrics] server error: %v", err)
				}
			}()
			defer srv.Close()
		}
		if cfg.Metrics.LogInterval > 0 {
			go metrics.LogPeriodic(ctx, cfg.Metrics.LogInterval, func() string {
				st := node.Stats()
				return fmt.Sprintf("peers=%d/%d transfers=%d content=%d", st.ActivePeers, st.TotalPeers, st.ActiveTransfers, st.LocalContent)
			})
		}

		for _, path := range filesToPublish {
			if _, err := publishFile(node, "", path); err != nil {
				logger.Sugar.Errorf("Failed to publish %s: %v", path, err)
			}
		}

		if !nodeInteractive {
			<-ctx.Done()
			return nil
		}

		fmt.Printf("Mesh node %s listening on %s\n", node.ID(), node.Addr())
		fmt.Println("Type 'help' for commands.")
		sh := &shell{node: node, ctx: ctx}
		prompt.New(
			sh.execute,
			sh.complete,
			prompt.OptionPrefix("mesh> "),
			prompt.OptionTitle("Mesh Node"),
			prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
				return breakline && sh.exiting
			}),
		).Run()
		return nil
	},
}

// publishFile publishes the file at path under contentID, the file's base
// name when empty.
func publishFile(node *mesh.Node, contentID, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if contentID == "" {
		contentID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	m, err := node.Publish(contentID, data)
	if err != nil {
		return "", err
	}
	logger.Sugar.Infof("Published %s as %s: bytes=%d chunks=%d", path, contentID, m.TotalBytes, m.TotalChunks())
	return contentID, nil
}

func init() {
	rootCmd.AddCommand(nodeCmd)
	nodeCmd.Flags().StringVarP(&nodeAddr, "addr", "a", "", "Listen address, overrides listen.addr")
	nodeCmd.Flags().StringVarP(&nodeName, "name", "n", "", "Device name, overrides node.name")
	nodeCmd.Flags().StringSliceVarP(&nodeSeeds, "seed", "s", nil, "Peer address to dial at start (repeatable)")
	nodeCmd.Flags().StringSliceVarP(&filesToPublish, "publish", "p", nil, "File to publish at start (repeatable)")
	nodeCmd.Flags().BoolVar(&noDiscovery, "no-discovery", false, "Disable mDNS discovery")
	nodeCmd.Flags().BoolVarP(&nodeInteractive, "interactive", "i", false, "Start in interactive mode")
}
