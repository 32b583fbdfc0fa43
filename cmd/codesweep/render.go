package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"

	"github.com/codesweep/codesweep/internal/stream"
	"github.com/codesweep/codesweep/internal/types"
)

// renderer prints stream messages to the terminal and acknowledges
// delivered issues back to the streamer so backpressure reflects what the
// terminal has actually consumed.
type renderer struct {
	streamer *stream.StreamingAnalyzer
	verbose  bool
}

func newRenderer(streamer *stream.StreamingAnalyzer, verbose bool) *renderer {
	return &renderer{streamer: streamer, verbose: verbose}
}

var severityColors = map[types.Severity]*color.Color{
	types.SeverityCritical: color.New(color.FgRed, color.Bold),
	types.SeverityHigh:     color.New(color.FgRed),
	types.SeverityMedium:   color.New(color.FgYellow),
	types.SeverityLow:      color.New(color.FgCyan),
	types.SeverityInfo:     color.New(color.FgHiBlack),
}

func (r *renderer) OnMessage(msg *stream.Message) {
	switch msg.Type {
	case stream.MessageTypeStarted:
		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		fmt.Printf("%s\n", cyan("=== CodeSweep Analysis ==="))
	case stream.MessageTypeIssue:
		if msg.Issue != nil {
			r.printIssue(*msg.Issue)
			r.streamer.MarkDelivered(1)
		}
	case stream.MessageTypeBatch:
		for _, issue := range msg.Issues {
			r.printIssue(issue)
		}
		r.streamer.MarkDelivered(len(msg.Issues))
	case stream.MessageTypeProgress:
		if r.verbose && msg.Progress != nil {
			gray := color.New(color.FgHiBlack).SprintFunc()
			fmt.Printf("%s\n", gray(fmt.Sprintf("  [%s] %.0f%% (%d/%d files)",
				msg.Progress.Phase, msg.Progress.OverallPercent,
				msg.Progress.FilesProcessed, msg.Progress.TotalFiles)))
		}
	case stream.MessageTypeCompleted:
		if msg.Summary != nil {
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("\n%s %d files analyzed, %d issues found in %s\n",
				green("Done:"), msg.Summary.FilesAnalyzed, msg.Summary.IssuesFound,
				msg.Summary.Duration.Round(time.Millisecond))
		}
	case stream.MessageTypeError:
		red := color.New(color.FgRed).SprintFunc()
		fmt.Printf("%s %s\n", red("Error:"), msg.Error)
	case stream.MessageTypeCancelled:
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("%s %s\n", yellow("Cancelled:"), msg.Reason)
	}
}

func (r *renderer) printIssue(issue types.Issue) {
	c, ok := severityColors[issue.Severity]
	if !ok {
		c = color.New(color.FgWhite)
	}
	location := fmt.Sprintf("%s:%d", issue.Path, issue.Line+1)
	fmt.Printf("  %s %s %s (%s)\n",
		c.Sprintf("[%s]", issue.Severity), location, issue.Message, issue.RuleID)
}
