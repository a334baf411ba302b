package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"

	"github.com/netflixpp/meshnode/mesh"
	"github.com/netflixpp/meshnode/pkg/chunk"
	"github.com/netflixpp/meshnode/pkg/quality"
)

type shell struct {
	node    *mesh.Node
	ctx     context.Context
	exiting bool
}

func (s *shell) execute(in string) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping node...")
		s.exiting = true
	case "status":
		printOut(s.node.Stats())
	case "peers":
		printOut(newPeersView(s.node.Peers()))
	case "transfers":
		if len(blocks) > 1 && blocks[1] == "active" {
			printOut(newTransfersView(s.node.ActiveTransfers()))
			return
		}
		printOut(newTransfersView(s.node.Transfers()))
	case "publish":
		if len(blocks) < 2 {
			fmt.Println("Usage: publish <file_path> [content_id]")
			return
		}
		contentID := ""
		if len(blocks) > 2 {
			contentID = blocks[2]
		}
		id, err := publishFile(s.node, contentID, blocks[1])
		if err != nil {
			fmt.Printf("Error publishing file: %v\n", err)
			return
		}
		fmt.Printf("Published %s.\n", id)
	case "fetch":
		s.fetch(blocks[1:])
	case "connect":
		if len(blocks) < 2 {
			fmt.Println("Usage: connect <host:port>")
			return
		}
		ctx, cancel := context.WithTimeout(s.ctx, 2*cfg.Timeouts.Handshake)
		defer cancel()
		p, err := s.node.Connect(ctx, blocks[1])
		if err != nil {
			fmt.Printf("Error connecting: %v\n", err)
			return
		}
		fmt.Printf("Connected to %s (%s).\n", p.DisplayName, p.ID)
	case "disconnect":
		if len(blocks) < 2 {
			fmt.Println("Usage: disconnect <peer_id>")
			return
		}
		if err := s.node.Disconnect(blocks[1]); err != nil {
			fmt.Printf("Error disconnecting: %v\n", err)
		}
	case "mesh":
		if len(blocks) < 2 {
			fmt.Println("Usage: mesh <content_id>")
			return
		}
		d := meshDecision{
			ContentID: blocks[1],
			UseMesh:   s.node.ShouldUseMesh(blocks[1], true),
			PeerCount: s.node.PeerCount(blocks[1]),
		}
		if best, ok := s.node.SelectBestPeer(blocks[1]); ok {
			d.BestPeer = best.ID
			d.BestPeerLink = quality.ClassifyPeer(best).String()
		}
		d.URL, _ = s.node.MeshURL(blocks[1])
		printOut(d)
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status                              - Show node status")
		fmt.Println("  peers                               - List known peers")
		fmt.Println("  transfers [active]                  - List transfers")
		fmt.Println("  publish <path> [id]                 - Publish a local file")
		fmt.Println("  fetch <id> <bytes|manifest> [out]   - Download content from the best peer")
		fmt.Println("  connect <host:port>                 - Dial a peer")
		fmt.Println("  disconnect <peer_id>                - Say goodbye to a peer")
		fmt.Println("  mesh <id>                           - Show the mesh delivery decision")
		fmt.Println("  exit                                - Stop node and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

// fetch takes the content size either as a byte count or as a manifest file
// written by the split command.
func (s *shell) fetch(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: fetch <content_id> <total_bytes|manifest.json> [out_path]")
		return
	}
	req := mesh.FetchRequest{ContentID: args[0], Keep: true}
	if size, err := strconv.ParseInt(args[1], 10, 64); err == nil {
		req.TotalBytes = size
	} else {
		raw, err := os.ReadFile(args[1])
		if err != nil {
			fmt.Printf("Error reading manifest: %v\n", err)
			return
		}
		var m chunk.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			fmt.Printf("Error decoding manifest: %v\n", err)
			return
		}
		req.Manifest = &m
	}

	pr := mesh.NewProgressRenderer(req.ContentID, s.node.LatestDownload(req.ContentID), os.Stdout)
	go pr.Start()
	start := time.Now()
	data, tr, err := s.node.Fetch(s.ctx, req)
	pr.StopAndWait()
	if err != nil {
		fmt.Printf("Fetch failed: %v\n", err)
		return
	}
	fmt.Printf("Fetched %d bytes from %s in %s (transfer %s).\n", len(data), tr.PeerID, time.Since(start).Round(time.Millisecond), tr.ID)
	if len(args) > 2 {
		if err := os.WriteFile(args[2], data, 0644); err != nil {
			fmt.Printf("Error writing %s: %v\n", args[2], err)
		}
	}
}

func (s *shell) complete(d prompt.Document) []prompt.Suggest {
	suggestions := []prompt.Suggest{
		{Text: "status", Description: "Show node status"},
		{Text: "peers", Description: "List known peers"},
		{Text: "transfers", Description: "List transfers"},
		{Text: "publish", Description: "Publish a file"},
		{Text: "fetch", Description: "Download content"},
		{Text: "connect", Description: "Dial a peer"},
		{Text: "disconnect", Description: "Disconnect a peer"},
		{Text: "mesh", Description: "Mesh delivery decision"},
		{Text: "exit", Description: "Exit the node"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(suggestions, d.GetWordBeforeCursor(), true)
}
