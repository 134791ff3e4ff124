package search

import (
	"fmt"

	"github.com/ceres-chess/ceres/ceresstats"
)

// EquityReport renders a result's root children as the standard tabular
// summary. Moves are printed by their encoded value; callers with a real
// move renderer format their own tables from res.Children instead.
func (d *Driver) EquityReport(res *Result) string {
	summaries := make([]ceresstats.RootChildSummary, 0, len(res.Children))
	for _, c := range res.Children {
		summaries = append(summaries, ceresstats.RootChildSummary{
			MoveLabel: fmt.Sprintf("%d", c.Move),
			Visits:    uint64(c.Visits),
			Q:         c.Q,
			QStderr:   c.QStderr,
			Prior:     float64(c.Prior),
		})
	}
	return ceresstats.EquityReport(summaries)
}

// VisitHistogram renders the distribution of visits across root children
// as a terminal histogram, a quick read on how concentrated the search
// was.
func (d *Driver) VisitHistogram(res *Result, bins int) (string, error) {
	visits := make([]float64, 0, len(res.Children))
	for _, c := range res.Children {
		visits = append(visits, float64(c.Visits))
	}
	h, err := ceresstats.Hist(visits, bins)
	if err != nil {
		return "", err
	}
	return ceresstats.Fprint(h), nil
}
