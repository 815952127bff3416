package util

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/styrene-lab/styrene-meshd/internal/store"
)

// PrintDaemonStatus writes a summary of a daemon_status_ex response as a
// two-column ASCII table: profile, uptime, config revision, peer count, and
// stream health.
func PrintDaemonStatus(writer io.Writer, status map[string]interface{}) {
	table := tablewriter.NewWriter(writer)
	table.SetHeader([]string{"Field", "Value"})
	table.SetAutoWrapText(false)

	rows := []string{"profile", "uptime_seconds", "config_revision", "peer_count", "stream_degraded"}

	for _, key := range rows {
		if v, ok := status[key]; ok {
			table.Append([]string{key, fmt.Sprintf("%v", v)})
		}
	}

	table.Render()
}

// PrintTableOfAnnounces writes the given peer announces to the given writer
// as an ASCII table. The table headers are set to Peer, Name, First Seen,
// Last Seen, Seen Count, and Capabilities.
func PrintTableOfAnnounces(writer io.Writer, announces ...store.Announce) {
	table := tablewriter.NewWriter(writer)

	table.SetHeader([]string{"Peer", "Name", "First Seen", "Last Seen", "Seen Count", "Capabilities"})
	table.SetAutoWrapText(false)
	table.SetColWidth(50)

	for _, a := range announces {
		var caps string
		if len(a.Capabilities) > 0 {
			caps = fmt.Sprintf("%v", a.Capabilities)
		}

		table.Append([]string{
			a.Peer,
			a.Name,
			strconv.FormatInt(a.FirstSeenMS, 10),
			strconv.FormatInt(a.TimestampMS, 10),
			strconv.FormatUint(a.SeenCount, 10),
			caps,
		})
	}

	table.Render()
}

// PrintTableOfPeerCounts writes a peer-count-by-capability breakdown derived
// from a set of announces, sorted by capability name for stable output.
func PrintTableOfPeerCounts(writer io.Writer, announces []store.Announce) {
	counts := make(map[string]int)

	for _, a := range announces {
		for _, c := range a.Capabilities {
			counts[c]++
		}
	}

	var caps []string
	for c := range counts {
		caps = append(caps, c)
	}
	sort.Strings(caps)

	table := tablewriter.NewWriter(writer)
	table.SetHeader([]string{"Capability", "Peer Count"})

	for _, c := range caps {
		table.Append([]string{c, strconv.Itoa(counts[c])})
	}

	table.Render()
}
