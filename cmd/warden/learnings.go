package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"taskwarden/internal/store"
)

var learningsLimit int

// learningsCmd shows what past recoveries left behind
var learningsCmd = &cobra.Command{
	Use:   "learnings",
	Short: "Show recorded failure patterns and workarounds",
	Long: `Renders the learning store: failure patterns recorded by recovery
flows, the workaround documents written alongside them, and which
remediation approaches keep getting chosen.`,
	RunE: showLearnings,
}

func init() {
	learningsCmd.Flags().IntVar(&learningsLimit, "limit", 10, "How many entries to show per section")
}

func showLearnings(cmd *cobra.Command, args []string) error {
	st, err := store.NewLearningStore(cfg.Store.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	patterns, err := st.RecentPatterns(learningsLimit)
	if err != nil {
		return err
	}
	workarounds, err := st.Workarounds(learningsLimit)
	if err != nil {
		return err
	}
	counts, err := st.ApproachCounts()
	if err != nil {
		return err
	}

	md := learningsMarkdown(patterns, workarounds, counts)

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		fmt.Print(md)
		return nil
	}
	out, err := renderer.Render(md)
	if err != nil {
		fmt.Print(md)
		return nil
	}
	fmt.Print(out)
	return nil
}

// learningsMarkdown composes the report the renderer displays.
func learningsMarkdown(patterns []store.PatternRecord, workarounds []store.WorkaroundRecord, counts map[string]int) string {
	var b strings.Builder
	b.WriteString("# Learnings\n\n")

	if len(patterns) == 0 && len(workarounds) == 0 {
		b.WriteString("Nothing recorded yet. Recovery flows write here when an attempt is abandoned.\n")
		return b.String()
	}

	if len(counts) > 0 {
		b.WriteString("## Approaches\n\n")
		names := make([]string, 0, len(counts))
		for name := range counts {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			if counts[names[i]] != counts[names[j]] {
				return counts[names[i]] > counts[names[j]]
			}
			return names[i] < names[j]
		})
		for _, name := range names {
			fmt.Fprintf(&b, "- `%s`: %d\n", name, counts[name])
		}
		b.WriteString("\n")
	}

	if len(patterns) > 0 {
		b.WriteString("## Failure patterns\n\n")
		for _, p := range patterns {
			fmt.Fprintf(&b, "### %s\n\n", p.Essence)
			fmt.Fprintf(&b, "- failed at: `%s`: %s\n", p.FailureStage, p.FailureMessage)
			fmt.Fprintf(&b, "- cause: %s\n", p.CauseAnalysis)
			fmt.Fprintf(&b, "- approach: `%s`", p.Approach)
			if p.Escalated {
				b.WriteString(" (escalated)")
			}
			b.WriteString("\n")
			fmt.Fprintf(&b, "- failures before abandoning: %d\n", len(p.History))
			fmt.Fprintf(&b, "- recorded: %s\n\n", p.RecordedAt.Format("2006-01-02 15:04"))
		}
	}

	if len(workarounds) > 0 {
		b.WriteString("## Workarounds\n\n")
		for _, w := range workarounds {
			fmt.Fprintf(&b, "### %s\n\n", w.Essence)
			fmt.Fprintf(&b, "%s\n\n", w.Verbalization)
			fmt.Fprintf(&b, "- approach: `%s`\n", w.Approach)
			if w.Shared {
				b.WriteString("- shared with the team\n")
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}
