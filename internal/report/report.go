package report

import (
	"adaptive-risk-go/internal/adaptation"
	"adaptive-risk-go/internal/models"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// GenerateReplayReport prints the post-replay state of the control loop:
// overall trailing statistics, the threshold the loop converged to and the
// drift/prudent-mode picture.
func GenerateReplayReport(summary adaptation.Summary, stats models.Statistics, dataPath string, start, end time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Replay Report - %s", dataPath)
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Period", fmt.Sprintf("%s - %s", start.Format("2006-01-02 15:04"), end.Format("2006-01-02 15:04"))},
		{"Outcomes replayed", summary.Trades},
		{"Adaptation cycles", summary.CyclesRun},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Win rate", fmt.Sprintf("%.2f%%", stats.WinRate*100)},
		{"Avg return", fmt.Sprintf("%.3f%%", stats.AvgReturn)},
		{"Profit factor", fmt.Sprintf("%.2f", stats.ProfitFactor)},
		{"Reward/risk", fmt.Sprintf("%.2f", stats.RewardRiskRatio)},
		{"Avg duration", fmt.Sprintf("%.1f min", stats.AvgDurationMinutes)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Global threshold", fmt.Sprintf("%.3f", summary.GlobalThreshold)},
		{"Calibration buckets", summary.CalibratorBuckets},
		{"Max Kelly fraction", fmt.Sprintf("%.4f", summary.MaxKellyFraction)},
		{"Prudent mode", summary.Drift.PrudentModeActive},
		{"Drift events (return)", summary.Drift.DriftCounts["return"]},
		{"Drift events (calibration)", summary.Drift.DriftCounts["calibration_error"]},
		{"Drift events (penalty)", summary.Drift.DriftCounts["penalty"]},
	})
	t.Render()
}
