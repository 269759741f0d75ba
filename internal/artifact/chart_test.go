package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/statepanel/internal/infrastructure/logging"
	"github.com/nerrad567/statepanel/internal/state"
)

func probeDevice(history []state.ProbeReading, charting state.Charting) *state.Device {
	return &state.Device{
		DeviceName: "Pool",
		FileType:   state.FileTypeTempProbes,
		Payload: state.TempProbesPayload{
			SchemaVersion: 1,
			TempProbeLogging: state.ProbeLogging{
				Probes: []state.ProbeConfig{
					{Name: "pool", DisplayName: "Pool Water", Colour: "#0066cc"},
					{Name: "air", DisplayName: "Air"},
				},
				History: history,
			},
			Charting: charting,
		},
	}
}

func hourlyHistory(now time.Time, probe string, hours int) []state.ProbeReading {
	readings := make([]state.ProbeReading, 0, hours)
	for i := hours; i > 0; i-- {
		readings = append(readings, state.ProbeReading{
			Timestamp:   now.Add(-time.Duration(i) * time.Hour).Format("2006-01-02T15:04:05"),
			ProbeName:   probe,
			Temperature: 20 + float64(i%5),
		})
	}
	return readings
}

func TestGenerate_WritesChartFiles(t *testing.T) {
	dir := t.TempDir()
	g := NewChartGenerator(dir, logging.Default())
	now := time.Now()

	dev := probeDevice(hourlyHistory(now, "pool", 48), state.Charting{
		Enable: true,
		Charts: []state.ChartSpec{
			{Name: "Last Week", DaysToShow: 7, Probes: []string{"pool"}},
		},
	})

	files := g.Generate(dev, now)
	if len(files) != 1 {
		t.Fatalf("Generate() = %v, want one chart", files)
	}
	if files[0] != "Chart_Pool-0.png" {
		t.Errorf("chart file name = %q, want Chart_Pool-0.png", files[0])
	}

	info, err := os.Stat(filepath.Join(dir, files[0]))
	if err != nil {
		t.Fatalf("chart file missing: %v", err)
	}
	if info.Size() == 0 {
		t.Error("chart file is empty")
	}

	// The render path must not leave its temporary file behind.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temporary file %s left behind", e.Name())
		}
	}
}

func TestGenerate_SkipsWhenChartingDisabled(t *testing.T) {
	dir := t.TempDir()
	g := NewChartGenerator(dir, logging.Default())
	now := time.Now()

	dev := probeDevice(hourlyHistory(now, "pool", 24), state.Charting{Enable: false})
	if files := g.Generate(dev, now); files != nil {
		t.Errorf("Generate() = %v, want nil when charting disabled", files)
	}
}

func TestGenerate_IgnoresNonProbeDevices(t *testing.T) {
	g := NewChartGenerator(t.TempDir(), logging.Default())
	dev := &state.Device{
		DeviceName: "Pump",
		FileType:   state.FileTypePowerController,
		Payload:    state.PowerControllerPayload{},
	}
	if files := g.Generate(dev, time.Now()); files != nil {
		t.Errorf("Generate() = %v, want nil for non-probe device", files)
	}
}

func TestGenerate_RemovesStaleCharts(t *testing.T) {
	dir := t.TempDir()
	g := NewChartGenerator(dir, logging.Default())
	now := time.Now()

	// Leftovers from an earlier config with more charts.
	for i := 0; i < 3; i++ {
		stale := filepath.Join(dir, fmt.Sprintf("Chart_Pool-%d.png", i))
		if err := os.WriteFile(stale, []byte("old"), 0600); err != nil {
			t.Fatalf("failed to seed stale chart: %v", err)
		}
	}
	other := filepath.Join(dir, "Chart_Spa-0.png")
	if err := os.WriteFile(other, []byte("keep"), 0600); err != nil {
		t.Fatalf("failed to seed other chart: %v", err)
	}

	dev := probeDevice(hourlyHistory(now, "pool", 24), state.Charting{
		Enable: true,
		Charts: []state.ChartSpec{{Name: "Day", DaysToShow: 1, Probes: []string{"pool"}}},
	})
	files := g.Generate(dev, now)
	if len(files) != 1 {
		t.Fatalf("Generate() = %v, want one chart", files)
	}

	if _, err := os.Stat(filepath.Join(dir, "Chart_Pool-1.png")); !os.IsNotExist(err) {
		t.Error("stale Chart_Pool-1.png not removed")
	}
	if _, err := os.Stat(filepath.Join(dir, "Chart_Pool-2.png")); !os.IsNotExist(err) {
		t.Error("stale Chart_Pool-2.png not removed")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("chart belonging to another device was removed")
	}
}

func TestGenerate_SkipsChartsOutsideWindow(t *testing.T) {
	dir := t.TempDir()
	g := NewChartGenerator(dir, logging.Default())
	now := time.Now()

	// All readings are older than the chart window.
	old := make([]state.ProbeReading, 0, 10)
	for i := 0; i < 10; i++ {
		old = append(old, state.ProbeReading{
			Timestamp:   now.AddDate(0, 0, -30).Add(time.Duration(i) * time.Hour).Format("2006-01-02T15:04:05"),
			ProbeName:   "pool",
			Temperature: 20,
		})
	}
	dev := probeDevice(old, state.Charting{
		Enable: true,
		Charts: []state.ChartSpec{{Name: "Day", DaysToShow: 1, Probes: []string{"pool"}}},
	})
	if files := g.Generate(dev, now); files != nil {
		t.Errorf("Generate() = %v, want nil when all readings are stale", files)
	}
}

func TestSplitOnGaps(t *testing.T) {
	base := time.Date(2026, 8, 20, 0, 0, 0, 0, time.Local)
	points := []samplePoint{
		{at: base, temp: 20},
		{at: base.Add(1 * time.Hour), temp: 21},
		// 48 hour outage.
		{at: base.Add(49 * time.Hour), temp: 22},
		{at: base.Add(50 * time.Hour), temp: 23},
	}

	segments := splitOnGaps(points, 24*time.Hour)
	if len(segments) != 2 {
		t.Fatalf("splitOnGaps() produced %d segments, want 2", len(segments))
	}
	if len(segments[0]) != 2 || len(segments[1]) != 2 {
		t.Errorf("segment lengths = %d, %d, want 2, 2", len(segments[0]), len(segments[1]))
	}
	if segments[1][0].temp != 22 {
		t.Errorf("second segment starts at %v, want 22", segments[1][0].temp)
	}

	if got := splitOnGaps(nil, 24*time.Hour); got != nil {
		t.Errorf("splitOnGaps(nil) = %v, want nil", got)
	}
}

func TestCollectSeries_FiltersAndDecorates(t *testing.T) {
	now := time.Now()
	history := append(hourlyHistory(now, "pool", 12), hourlyHistory(now, "air", 12)...)
	probes := []state.ProbeConfig{
		{Name: "pool", DisplayName: "Pool Water", Colour: "#0066cc"},
		{Name: "air", DisplayName: "Air"},
	}

	spec := state.ChartSpec{Probes: []string{"pool"}}
	series := collectSeries(spec, probes, history, now.AddDate(0, 0, -7))
	if len(series) != 1 {
		t.Fatalf("collectSeries() = %d series, want 1", len(series))
	}
	if series[0].displayName != "Pool Water" {
		t.Errorf("displayName = %q, want Pool Water", series[0].displayName)
	}
	if series[0].colour.IsZero() {
		t.Error("configured colour not applied")
	}

	// Empty probe list plots everything in the history.
	all := collectSeries(state.ChartSpec{}, probes, history, now.AddDate(0, 0, -7))
	if len(all) != 2 {
		t.Errorf("collectSeries(all) = %d series, want 2", len(all))
	}
	// The probe without a configured colour gets a palette colour.
	for _, s := range all {
		if s.colour.IsZero() {
			t.Errorf("probe %s has no colour assigned", s.name)
		}
	}
}

func TestHeightFor(t *testing.T) {
	if h := heightFor(1); h != chartHeightOne {
		t.Errorf("heightFor(1) = %d, want %d", h, chartHeightOne)
	}
	if h := heightFor(2); h != chartHeightTwo {
		t.Errorf("heightFor(2) = %d, want %d", h, chartHeightTwo)
	}
	if h := heightFor(4); h != chartHeightMany {
		t.Errorf("heightFor(4) = %d, want %d", h, chartHeightMany)
	}
}
