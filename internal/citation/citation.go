// Package citation renders the documents behind a retrieval result as a
// plain-text source listing.
package citation

import (
	"fmt"
	"strings"

	"github.com/knoguchi/hybridrank/internal/ranking"
)

// Metadata keys read from candidates.
const (
	FileNameKey = "file_name"
	URLKey      = "url"
)

const notAvailable = "N/A"

// FormatSources appends a "Source documents:" block to answer, listing the
// file name and link of each distinct document in results.
//
// Documents are deduplicated by file name, keeping the first occurrence.
// Candidates with neither a file name nor a link are not listed.
func FormatSources(answer string, results []ranking.Candidate) string {
	var b strings.Builder
	if answer != "" {
		b.WriteString(answer)
		b.WriteString("\n\n")
	}
	b.WriteString("Source documents:\n")

	seen := make(map[string]struct{}, len(results))
	listed := 0
	for _, c := range results {
		name, hasName := stringField(c.Metadata, FileNameKey)
		link, hasLink := stringField(c.Metadata, URLKey)
		if !hasName && !hasLink {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		fmt.Fprintf(&b, "  Document name: %s\n  Document link: %s\n", name, link)
		listed++
	}

	if listed == 0 {
		b.WriteString("  No relevant documents found.\n")
	}
	return b.String()
}

func stringField(md map[string]any, key string) (string, bool) {
	v, ok := md[key]
	if !ok || v == nil {
		return notAvailable, false
	}
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	if s == "" {
		return notAvailable, false
	}
	return s, true
}
