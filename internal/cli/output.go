package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/kailas-cloud/crossling/internal/domain/search/result"
	"github.com/kailas-cloud/crossling/internal/index"
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	green  = color.New(color.FgGreen, color.Bold).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

func newBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("[cyan]"+description+"[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(os.Stderr)
		}),
	)
}

func printPage(w io.Writer, query string, p *result.Page) {
	if len(p.Results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}

	mode := "vector only"
	switch {
	case p.Reranked:
		mode = "reranked"
	case p.Degraded:
		mode = yellow("reranker unavailable, vector order")
	}
	fmt.Fprintf(w, "Found %s results for %s (%s, page %d/%d, %.0f ms)\n\n",
		bold(p.Total), cyan(query), mode, p.Page, p.TotalPages, p.Timing.TotalMS)

	for i := range p.Results {
		r := &p.Results[i]
		fmt.Fprintf(w, "%s %s  score %.4f", green(fmt.Sprintf("#%d", r.Rank())), bold(r.ID()), r.Score())
		if r.FineScore() != nil {
			fmt.Fprint(w, faint(fmt.Sprintf("  coarse %.4f  vector rank %d", r.CoarseScore(), r.VectorRank())))
		}
		fmt.Fprintln(w)
		if r.Title() != "" {
			fmt.Fprintf(w, "   %s\n", r.Title())
		}
		fmt.Fprintf(w, "   %s\n\n", faint(oneLine(r.Preview())))
	}

	if c := p.Comparison; c != nil {
		fmt.Fprintf(w, "Rerank: %d up, %d down, %d unchanged of %d (avg change %+.1f)\n",
			c.Improved, c.Declined, c.Unchanged, c.TotalDocs, c.AvgRankChange)
	}
}

func printSnapshot(w io.Writer, path string, info index.SnapshotInfo, st index.Stats) {
	fmt.Fprintf(w, "%s %s\n", bold("Snapshot"), path)
	fmt.Fprintf(w, "  model       %s\n", info.Model)
	fmt.Fprintf(w, "  vectors     %d\n", info.Count)
	fmt.Fprintf(w, "  sync token  %s\n", orDash(info.SyncToken))
	if !info.SavedAt.IsZero() {
		fmt.Fprintf(w, "  saved at    %s\n", info.SavedAt.Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Fprintf(w, "%s\n", bold("Index"))
	fmt.Fprintf(w, "  dimensions  %d\n", st.Dimensions)
	fmt.Fprintf(w, "  partitions  %d\n", st.Partitions)
	fmt.Fprintf(w, "  trained on  %d\n", st.TrainedOn)
	fmt.Fprintf(w, "  delta       %d\n", st.Delta)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
