package ceresstats

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aybabtme/uniplot/histogram"
)

// RootChildSummary is one line of the driver's end-of-search report: a
// root child move (rendered by the caller, since ceresstats doesn't know
// about chess moves), its visit count, mean Q with its standard error,
// and prior.
type RootChildSummary struct {
	MoveLabel string
	Visits    uint64
	Q         float64
	// QStderr is the standard error of the child's backed-up value
	// mean; the report renders it as a 95% confidence margin on Q.
	QStderr float64
	Prior   float64
}

// EquityReport renders root-child stats as a fixed-width table, sorted
// by visit count descending, with a 95% confidence margin on each Q.
func EquityReport(children []RootChildSummary) string {
	sorted := make([]RootChildSummary, len(children))
	copy(sorted, children)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Visits > sorted[j].Visits })

	var sb strings.Builder
	fmt.Fprintf(&sb, "%-10s%-12s%-10s%-12s%-10s\n", "Move", "Visits", "Q", "Margin95", "Prior")
	var total uint64
	for _, c := range sorted {
		total += c.Visits
		margin := ZVal(95) * c.QStderr
		fmt.Fprintf(&sb, "%-10s%-12d%-10.4f%-12.4f%-10.4f\n", c.MoveLabel, c.Visits, c.Q, margin, c.Prior)
	}
	fmt.Fprintf(&sb, "Total visits: %d\n", total)
	return sb.String()
}

// Hist buckets values into a terminal histogram; batch latencies and
// root-child visit counts are the usual inputs.
func Hist(values []float64, bins int) (histogram.Histogram, error) {
	if bins <= 0 {
		bins = 15
	}
	return histogram.Hist(bins, values), nil
}

// Fprint writes a uniplot histogram using its default ASCII renderer.
func Fprint(h histogram.Histogram) string {
	var sb strings.Builder
	histogram.Fprint(&sb, h, histogram.Linear(60))
	return sb.String()
}
