package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/netflixpp/meshnode/pkg/quality"
	"github.com/netflixpp/meshnode/pkg/registry"
	"github.com/netflixpp/meshnode/pkg/transfer"
)

type peerRow struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	Address   string   `json:"address" yaml:"address"`
	Device    string   `json:"device" yaml:"device"`
	State     string   `json:"state" yaml:"state"`
	Latency   string   `json:"latency" yaml:"latency"`
	Bandwidth float64  `json:"bandwidth_bps" yaml:"bandwidth_bps"`
	Quality   string   `json:"quality" yaml:"quality"`
	Content   []string `json:"content" yaml:"content"`
}

type peersView []peerRow

func newPeersView(peers []registry.PeerNode) peersView {
	view := make(peersView, 0, len(peers))
	for _, p := range peers {
		latency := "-"
		if l, ok := p.Latency(); ok {
			latency = l.Round(time.Microsecond).String()
		}
		content := p.ContentIDs()
		sort.Strings(content)
		view = append(view, peerRow{
			ID:        p.ID,
			Name:      p.DisplayName,
			Address:   p.Address.String(),
			Device:    p.DeviceClass.String(),
			State:     p.State.String(),
			Latency:   latency,
			Bandwidth: p.BandwidthEstimate,
			Quality:   quality.ClassifyPeer(p).String(),
			Content:   content,
		})
	}
	return view
}

func (v peersView) Headers() []string {
	return []string{"ID", "NAME", "ADDRESS", "DEVICE", "STATE", "LATENCY", "BANDWIDTH", "QUALITY", "CONTENT"}
}

func (v peersView) Rows() [][]string {
	rows := make([][]string, 0, len(v))
	for _, p := range v {
		rows = append(rows, []string{
			p.ID, p.Name, p.Address, p.Device, p.State, p.Latency,
			fmt.Sprintf("%.0f B/s", p.Bandwidth), p.Quality, strings.Join(p.Content, ","),
		})
	}
	return rows
}

type transferRow struct {
	ID        string  `json:"id" yaml:"id"`
	Content   string  `json:"content" yaml:"content"`
	Peer      string  `json:"peer" yaml:"peer"`
	Direction string  `json:"direction" yaml:"direction"`
	State     string  `json:"state" yaml:"state"`
	Chunks    string  `json:"chunks" yaml:"chunks"`
	Bytes     string  `json:"bytes" yaml:"bytes"`
	Progress  float64 `json:"progress" yaml:"progress"`
	Reason    string  `json:"reason,omitempty" yaml:"reason,omitempty"`
}

type transfersView []transferRow

func newTransfersView(ts []transfer.Transfer) transfersView {
	view := make(transfersView, 0, len(ts))
	for _, t := range ts {
		view = append(view, transferRow{
			ID:        t.ID,
			Content:   t.ContentID,
			Peer:      t.PeerID,
			Direction: t.Direction.String(),
			State:     t.State.String(),
			Chunks:    fmt.Sprintf("%d/%d", t.CompletedChunks(), t.TotalChunks),
			Bytes:     fmt.Sprintf("%d/%d", t.BytesTransferred, t.TotalBytes),
			Progress:  t.Progress(),
			Reason:    t.Reason,
		})
	}
	return view
}

func (v transfersView) Headers() []string {
	return []string{"ID", "CONTENT", "PEER", "DIRECTION", "STATE", "CHUNKS", "BYTES", "PROGRESS", "REASON"}
}

func (v transfersView) Rows() [][]string {
	rows := make([][]string, 0, len(v))
	for _, t := range v {
		rows = append(rows, []string{
			t.ID, t.Content, t.Peer, t.Direction, t.State, t.Chunks, t.Bytes,
			fmt.Sprintf("%.1f%%", t.Progress), t.Reason,
		})
	}
	return rows
}

type meshDecision struct {
	ContentID    string `json:"content_id" yaml:"content_id"`
	UseMesh      bool   `json:"use_mesh" yaml:"use_mesh"`
	PeerCount    int    `json:"peer_count" yaml:"peer_count"`
	BestPeer     string `json:"best_peer,omitempty" yaml:"best_peer,omitempty"`
	BestPeerLink string `json:"best_peer_quality,omitempty" yaml:"best_peer_quality,omitempty"`
	URL          string `json:"url,omitempty" yaml:"url,omitempty"`
}
