// Package report prints call graph snapshots as terminal tables.
package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/VladMinzatu/yaca/internal/callgraph"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

const barWidth = 20

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).MarginBottom(1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("62")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	hotStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warmStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Hottest returns up to top method nodes ordered by activity, ties broken
// by id. A top of zero or less returns all of them.
func Hottest(snap callgraph.Snapshot, top int) []callgraph.Node {
	var methods []callgraph.Node
	for _, n := range snap.Nodes {
		if !n.IsCluster {
			methods = append(methods, n)
		}
	}
	sort.SliceStable(methods, func(i, j int) bool {
		if methods[i].Calls == methods[j].Calls {
			return methods[i].ID < methods[j].ID
		}
		return methods[i].Calls > methods[j].Calls
	})
	if top > 0 && len(methods) > top {
		methods = methods[:top]
	}
	return methods
}

// WriteTable prints the hottest methods of snap with a relative activity bar.
func WriteTable(w io.Writer, title string, snap callgraph.Snapshot, stats callgraph.Stats, top int) error {
	if _, err := fmt.Fprintln(w, titleStyle.Render(title)); err != nil {
		return err
	}

	clusters := make(map[int]string)
	for _, n := range snap.Nodes {
		if n.IsCluster {
			clusters[n.ID] = n.Name
		}
	}

	hottest := Hottest(snap, top)
	rows := make([][]string, 0, len(hottest))
	for i, n := range hottest {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			n.Alias,
			clusters[n.ClusterID],
			strconv.FormatInt(n.Calls, 10),
			bar(n.Calls),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("#", "METHOD", "CLASS", "ACTIVITY", "").
		Rows(rows...)

	if _, err := fmt.Fprintln(w, t); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%s\n", dimStyle.Render(fmt.Sprintf("%d classes, %d nodes, %d links, max calls %d",
		stats.Clusters, stats.Nodes, stats.Links, stats.MaxCount)))
	return err
}

func bar(activity int64) string {
	n := int(activity * barWidth / callgraph.MaxActivity)
	s := strings.Repeat("█", n)
	switch {
	case activity >= callgraph.MaxActivity*3/4:
		return hotStyle.Render(s)
	case activity >= callgraph.MaxActivity/4:
		return warmStyle.Render(s)
	}
	return s
}
