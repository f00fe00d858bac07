package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/ted-keystonepartners/tevor/pkg/models"
)

func formatReply(r models.Reply) string {
	var b strings.Builder
	b.WriteString(r.Response)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "[source: %s", r.Source)
	if r.FromCache {
		fmt.Fprintf(&b, ", cached %ds ago", r.CacheAge)
		if r.SimilarMatch {
			b.WriteString(", similar question")
		}
	}
	fmt.Fprintf(&b, ", message: %s]", r.MessageID)
	return b.String()
}

func formatProjects(projects []models.Project) string {
	if len(projects) == 0 {
		return "No projects found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %-24s %-12s %-12s %s\n", "ID", "Name", "Type", "Stage", "Created")
	b.WriteString(strings.Repeat("-", 90) + "\n")
	for _, p := range projects {
		fmt.Fprintf(&b, "%-16s %-24s %-12s %-12s %s\n",
			p.ProjectID, p.Name, orDash(p.ProjectType), orDash(p.CurrentStage),
			p.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func formatHistory(msgs []models.MessageRecord) string {
	if len(msgs) == 0 {
		return "No messages found for this project."
	}
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] (%s)\nQ: %s\nA: %s\n\n",
			m.CreatedAt.Format("2006-01-02 15:04:05"), orDash(m.Source), m.UserMessage, m.AIResponse)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func formatCacheStats(stats models.CacheStats, popular []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Response Cache\n"+
		"  Entries:  %d/%d\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Hit Rate: %.1f%%\n"+
		"  TTL:      %s\n",
		stats.Size, stats.Capacity, stats.Hits, stats.Misses, stats.HitRate*100,
		time.Duration(stats.TTLSeconds)*time.Second)
	if len(popular) > 0 {
		b.WriteString("Recent queries:\n")
		for i, q := range popular {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, q)
		}
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
