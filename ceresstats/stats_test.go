package ceresstats

import (
	"math"
	"strings"
	"testing"

	"github.com/matryer/is"
)

func TestStatisticMeanAndVariance(t *testing.T) {
	is := is.New(t)
	var s Statistic
	vals := []float64{1, 2, 3, 4, 5}
	for _, v := range vals {
		s.Push(v)
	}
	is.True(math.Abs(s.Mean()-3.0) < 1e-9)
	is.True(math.Abs(s.Variance()-2.5) < 1e-9)
	is.Equal(s.Iterations(), 5)
}

func TestStatisticEmpty(t *testing.T) {
	is := is.New(t)
	var s Statistic
	is.Equal(s.Mean(), 0.0)
	is.Equal(s.Variance(), 0.0)
	is.Equal(s.StandardError(), 0.0)
}

func TestZVal(t *testing.T) {
	is := is.New(t)
	is.Equal(ZVal(99), Z99)
	is.Equal(ZVal(95), Z95)
}

func TestEquityReportRendersConfidenceMargin(t *testing.T) {
	is := is.New(t)
	report := EquityReport([]RootChildSummary{
		{MoveLabel: "e2e4", Visits: 100, Q: 0.25, QStderr: 0.02, Prior: 0.4},
		{MoveLabel: "d2d4", Visits: 40, Q: 0.10, QStderr: 0.05, Prior: 0.3},
	})
	is.True(strings.Contains(report, "Margin95"))
	// 1.96 * 0.02 = 0.0392 for the leading line.
	is.True(strings.Contains(report, "0.0392"))
	is.True(strings.Contains(report, "Total visits: 140"))
	// Sorted by visits: e2e4 first.
	is.True(strings.Index(report, "e2e4") < strings.Index(report, "d2d4"))
}
