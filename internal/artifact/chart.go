package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/nerrad567/statepanel/internal/infrastructure/logging"
	"github.com/nerrad567/statepanel/internal/state"
)

// Generator renders derived artifact files for a device during a reload.
// Implementations return the generated file names relative to the artifact
// directory.
type Generator interface {
	Generate(dev *state.Device, now time.Time) []string
}

// ChartGenerator renders temperature probe charts as PNG files.
type ChartGenerator struct {
	dir string
	log *logging.Logger
}

// NewChartGenerator returns a generator writing charts into dir.
func NewChartGenerator(dir string, log *logging.Logger) *ChartGenerator {
	return &ChartGenerator{dir: dir, log: log}
}

// Chart dimensions. Height shrinks as the device defines more charts so a
// device page stays roughly one screen tall.
const (
	chartWidth      = 1500
	chartHeightOne  = 600
	chartHeightTwo  = 350
	chartHeightMany = 250
)

// maxSampleGap is the largest gap between consecutive readings that is still
// drawn as a connected line. Wider gaps split the series so outages do not
// render as long false slopes.
const maxSampleGap = 24 * time.Hour

// Generate renders the configured charts for a temperature probe device.
// Existing charts for the device are removed first so renamed or deleted
// chart configs do not leave stale images behind. Devices of other types
// generate nothing.
func (g *ChartGenerator) Generate(dev *state.Device, now time.Time) []string {
	payload, ok := dev.Payload.(state.TempProbesPayload)
	if !ok {
		return nil
	}

	g.removeStale(dev.DeviceName)

	history := payload.TempProbeLogging.History
	if len(history) == 0 || !payload.Charting.Enable {
		return nil
	}

	var files []string
	count := len(payload.Charting.Charts)
	for i, spec := range payload.Charting.Charts {
		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("Chart %s-%d", dev.DeviceName, i)
		}
		fileName := fmt.Sprintf("Chart_%s-%d.png", dev.DeviceName, i)

		err := g.render(spec, name, fileName, payload.TempProbeLogging.Probes, history, count, now)
		if err != nil {
			g.log.Warn("Chart generation failed",
				"device", dev.DeviceName,
				"chart", name,
				"error", err)
			continue
		}
		files = append(files, fileName)
	}
	return files
}

// removeStale deletes every previously generated chart for the device.
func (g *ChartGenerator) removeStale(deviceName string) {
	pattern := filepath.Join(g.dir, fmt.Sprintf("Chart_%s*.png", deviceName))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			g.log.Warn("Failed to delete stale chart", "file", m, "error", err)
		}
	}
}

// samplePoint is one plotted reading.
type samplePoint struct {
	at   time.Time
	temp float64
}

// probeSeries is all plotted readings for one probe on one chart.
type probeSeries struct {
	name        string
	displayName string
	colour      drawing.Color
	points      []samplePoint
}

// render builds and writes one chart file.
func (g *ChartGenerator) render(spec state.ChartSpec, chartName, fileName string, probes []state.ProbeConfig, history []state.ProbeReading, chartCount int, now time.Time) error {
	daysToShow := spec.DaysToShow
	if daysToShow <= 0 {
		daysToShow = 7
	}
	earliest := now.AddDate(0, 0, -daysToShow)

	series := collectSeries(spec, probes, history, earliest)
	if len(series) == 0 {
		return fmt.Errorf("no readings for chart %q in the last %d days", chartName, daysToShow)
	}

	minTemp, maxTemp := tempRange(series)

	graph := chart.Chart{
		Title:  chartName,
		Width:  chartWidth,
		Height: heightFor(chartCount),
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatterWithFormat("02-Jan 3PM"),
		},
		YAxis: chart.YAxis{
			Name:  "Temperature C",
			Range: &chart.ContinuousRange{Min: minTemp - 2, Max: maxTemp + 2},
		},
	}

	multiPoint := false
	for _, s := range series {
		for segIdx, seg := range splitOnGaps(s.points, maxSampleGap) {
			xs := make([]time.Time, len(seg))
			ys := make([]float64, len(seg))
			for i, p := range seg {
				xs[i] = p.at
				ys[i] = p.temp
			}

			style := chart.Style{
				StrokeColor: s.colour,
				StrokeWidth: 2,
				DotColor:    s.colour,
				DotWidth:    4,
			}
			if len(seg) == 1 {
				style.StrokeWidth = chart.Disabled
			} else {
				multiPoint = true
			}

			// Label only the first segment so the legend shows each probe once.
			label := ""
			if segIdx == 0 {
				label = s.displayName
			}
			graph.Series = append(graph.Series, chart.TimeSeries{
				Name:    label,
				XValues: xs,
				YValues: ys,
				Style:   style,
			})
		}
	}

	// A chart of isolated single readings has no time extent to scale against.
	if !multiPoint {
		return fmt.Errorf("chart %q needs at least one probe with two or more readings", chartName)
	}

	if len(series) > 1 {
		graph.Elements = []chart.Renderable{chart.Legend(&graph)}
	}

	return g.writeChart(fileName, &graph)
}

// collectSeries groups the readings the chart should plot, keyed by probe,
// in the order the chart config names the probes. An empty probe list plots
// every probe present in the history.
func collectSeries(spec state.ChartSpec, probes []state.ProbeConfig, history []state.ProbeReading, earliest time.Time) []probeSeries {
	wanted := spec.Probes
	if len(wanted) == 0 {
		wanted = probeNamesIn(history)
	}

	var out []probeSeries
	for _, probeName := range wanted {
		s := probeSeries{name: probeName, displayName: probeName}
		for _, cfg := range probes {
			if cfg.Name == probeName {
				if cfg.DisplayName != "" {
					s.displayName = cfg.DisplayName
				}
				if c, err := parseColour(cfg.Colour); err == nil {
					s.colour = c
				}
				break
			}
		}

		for _, r := range history {
			if r.ProbeName != probeName {
				continue
			}
			at, ok := state.ParseSaveTime(r.Timestamp)
			if !ok || at.Before(earliest) {
				continue
			}
			s.points = append(s.points, samplePoint{at: at, temp: r.Temperature})
		}
		if len(s.points) == 0 {
			continue
		}
		sort.Slice(s.points, func(i, j int) bool { return s.points[i].at.Before(s.points[j].at) })
		out = append(out, s)
	}

	// Probes without a configured colour share a stable palette keyed by
	// position so colours do not shuffle between reloads.
	for i := range out {
		if out[i].colour.IsZero() {
			out[i].colour = chart.GetDefaultColor(i)
		}
	}
	return out
}

// probeNamesIn lists the distinct probe names in history order.
func probeNamesIn(history []state.ProbeReading) []string {
	seen := make(map[string]bool)
	var names []string
	for _, r := range history {
		if r.ProbeName != "" && !seen[r.ProbeName] {
			seen[r.ProbeName] = true
			names = append(names, r.ProbeName)
		}
	}
	return names
}

// splitOnGaps breaks a time-ordered point series wherever consecutive
// points are further apart than maxGap.
func splitOnGaps(points []samplePoint, maxGap time.Duration) [][]samplePoint {
	if len(points) == 0 {
		return nil
	}
	var segments [][]samplePoint
	start := 0
	for i := 1; i < len(points); i++ {
		if points[i].at.Sub(points[i-1].at) > maxGap {
			segments = append(segments, points[start:i])
			start = i
		}
	}
	return append(segments, points[start:])
}

// tempRange returns the minimum and maximum temperature across all series.
func tempRange(series []probeSeries) (float64, float64) {
	minT, maxT := series[0].points[0].temp, series[0].points[0].temp
	for _, s := range series {
		for _, p := range s.points {
			if p.temp < minT {
				minT = p.temp
			}
			if p.temp > maxT {
				maxT = p.temp
			}
		}
	}
	return minT, maxT
}

// heightFor scales chart height down as the chart count grows.
func heightFor(chartCount int) int {
	switch {
	case chartCount >= 3:
		return chartHeightMany
	case chartCount == 2:
		return chartHeightTwo
	default:
		return chartHeightOne
	}
}

// parseColour converts a #RRGGBB hex string to a drawing colour.
func parseColour(s string) (drawing.Color, error) {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return drawing.Color{}, fmt.Errorf("invalid colour %q", s)
	}
	return drawing.ColorFromHex(s), nil
}

// writeChart renders the chart to a sibling temporary file and renames it
// into place so HTTP readers never serve a partial image.
func (g *ChartGenerator) writeChart(fileName string, graph *chart.Chart) error {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(g.dir, fileName)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := graph.Render(chart.PNG, f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
