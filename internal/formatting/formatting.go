package formatting

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aonescu/configsync/internal/types"
)

const timeLayout = "2006-01-02 15:04:05"

// Status is what the status endpoint reports about a running sidecar.
type Status struct {
	Label     string    `json:"label"`
	Folder    string    `json:"folder"`
	Namespace string    `json:"namespace"`
	Position  string    `json:"resource_version"`
	Synced    bool      `json:"synced"`
	Notify    string    `json:"notify"`
	Objects   int       `json:"objects"`
	Files     int       `json:"files"`
	LastSync  time.Time `json:"last_sync,omitempty"`
}

func GenerateSummary(records []types.SyncRecord) map[string]interface{} {
	summary := map[string]interface{}{
		"objects":      len(records),
		"files":        0,
		"by_namespace": make(map[string]int),
	}

	var last time.Time
	for _, r := range records {
		summary["files"] = summary["files"].(int) + len(r.Files)

		byNamespace := summary["by_namespace"].(map[string]int)
		byNamespace[r.Namespace]++

		if r.Timestamp.After(last) {
			last = r.Timestamp
		}
	}
	if !last.IsZero() {
		summary["last_sync"] = last
	}

	return summary
}

func FormatSummary(status Status, records []types.SyncRecord) string {
	var output strings.Builder

	output.WriteString("\nWATCH\n")
	output.WriteString("────────────────────────\n")
	output.WriteString(fmt.Sprintf("Label: %s\n", status.Label))
	output.WriteString(fmt.Sprintf("Namespace: %s\n", status.Namespace))
	output.WriteString(fmt.Sprintf("Resource version: %s\n", orDash(status.Position)))
	output.WriteString(fmt.Sprintf("Synced: %t\n\n", status.Synced))

	output.WriteString("TARGET\n")
	output.WriteString("────────────────────────\n")
	output.WriteString(fmt.Sprintf("Folder: %s\n", status.Folder))
	output.WriteString(fmt.Sprintf("Notify: %s\n\n", status.Notify))

	output.WriteString("OBJECTS\n")
	output.WriteString("────────────────────────\n")
	if len(records) == 0 {
		output.WriteString("none\n")
	}
	for _, r := range records {
		output.WriteString(FormatRecord(r))
	}

	if !status.LastSync.IsZero() {
		output.WriteString(fmt.Sprintf("\nLast change: %s\n", status.LastSync.Format(timeLayout)))
	}

	return output.String()
}

// FormatRecord renders one tracked object and the files it owns.
func FormatRecord(r types.SyncRecord) string {
	files := append([]string(nil), r.Files...)
	sort.Strings(files)

	var output strings.Builder
	output.WriteString(fmt.Sprintf("✓ %s (rv %s, %s)\n", r.Key, orDash(r.ResourceVersion), r.Kind))
	for _, f := range files {
		output.WriteString(fmt.Sprintf("    %s\n", f))
	}
	return output.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
