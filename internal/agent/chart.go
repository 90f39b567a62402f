package agent

import (
	"sort"
	"time"
)

// ValuePoint is one portfolio-value observation for the equity chart.
type ValuePoint struct {
	TS    int64   `json:"ts_ms"`
	Value float64 `json:"value"`
}

const chartTimeLayout = "2006-01-02 15:04:05"

// BuildEquityChart assembles the session-level line-chart payload: a 2D
// array whose header row is ["Time", model IDs...] and whose data rows are
// [formatted timestamp, value per model...], sorted ascending by time.
// Timestamps are bucketed to whole seconds; a model with no observation at
// a given time contributes 0.
func BuildEquityChart(histories map[string][]ValuePoint) [][]any {
	models := make([]string, 0, len(histories))
	for model := range histories {
		models = append(models, model)
	}
	sort.Strings(models)

	cells := make(map[int64]map[string]float64)
	for model, points := range histories {
		for _, p := range points {
			sec := p.TS / 1000
			row, ok := cells[sec]
			if !ok {
				row = make(map[string]float64, len(models))
				cells[sec] = row
			}
			row[model] = p.Value
		}
	}

	times := make([]int64, 0, len(cells))
	for sec := range cells {
		times = append(times, sec)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	header := make([]any, 0, len(models)+1)
	header = append(header, "Time")
	for _, model := range models {
		header = append(header, model)
	}

	out := make([][]any, 0, len(times)+1)
	out = append(out, header)
	for _, sec := range times {
		row := make([]any, 0, len(models)+1)
		row = append(row, time.UnixMilli(sec*1000).UTC().Format(chartTimeLayout))
		for _, model := range models {
			row = append(row, cells[sec][model])
		}
		out = append(out, row)
	}
	return out
}
