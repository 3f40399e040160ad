package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/soma-tiles/lodtiles/internal/service"
	"github.com/soma-tiles/lodtiles/internal/tiles"
)

var (
	colorCyan   = lipgloss.Color("36")  // primary
	colorGreen  = lipgloss.Color("35")  // success
	colorYellow = lipgloss.Color("220") // warnings
	colorRed    = lipgloss.Color("167") // errors
	colorWhite  = lipgloss.Color("255")
	colorGray   = lipgloss.Color("245")
	colorDim    = lipgloss.Color("240")
)

var (
	styleTitle   = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	styleValue   = lipgloss.NewStyle().Foreground(colorWhite)
	styleNumber  = lipgloss.NewStyle().Foreground(colorCyan)
	styleDim     = lipgloss.NewStyle().Foreground(colorDim)
	styleWarning = lipgloss.NewStyle().Foreground(colorYellow)
	styleKey     = lipgloss.NewStyle().Foreground(colorGray).Width(12)

	styleIconSuccess = lipgloss.NewStyle().Foreground(colorGreen)
	styleIconError   = lipgloss.NewStyle().Foreground(colorRed)
	styleIconWarning = lipgloss.NewStyle().Foreground(colorYellow)
)

const (
	iconSuccess = "✓"
	iconError   = "✗"
	iconWarning = "!"
	iconArrow   = "→"
)

// ui prints human-oriented output to w.
type ui struct {
	w io.Writer
}

func (u ui) success(format string, args ...any) {
	fmt.Fprintln(u.w, styleIconSuccess.Render(iconSuccess)+" "+fmt.Sprintf(format, args...))
}

func (u ui) failure(format string, args ...any) {
	fmt.Fprintln(u.w, styleIconError.Render(iconError)+" "+fmt.Sprintf(format, args...))
}

func (u ui) warning(format string, args ...any) {
	fmt.Fprintln(u.w, styleIconWarning.Render(iconWarning)+" "+styleWarning.Render(fmt.Sprintf(format, args...)))
}

func (u ui) title(s string) {
	fmt.Fprintln(u.w, styleTitle.Render(s))
}

func (u ui) keyValue(key, value string) {
	fmt.Fprintln(u.w, styleKey.Render(key)+" "+styleValue.Render(value))
}

func (u ui) file(path string) {
	fmt.Fprintln(u.w, "  "+styleDim.Render(iconArrow)+" "+styleValue.Render(path))
}

// levelTable renders per-level counts as aligned rows.
func (u ui) levelTable(levels []tiles.LevelStats, fractions []float64) {
	header := fmt.Sprintf("  %-6s %-9s %7s %10s %10s", "level", "fraction", "tiles", "records", "size")
	fmt.Fprintln(u.w, styleDim.Render(header))
	for i, ls := range levels {
		frac := "-"
		if i < len(fractions) {
			frac = fmt.Sprintf("%.3f", fractions[i])
		}
		row := fmt.Sprintf("  %-6d %-9s %7d %10s %10s",
			ls.Level, frac, ls.Tiles, humanize.Comma(int64(ls.Records)), humanize.Bytes(uint64(ls.Bytes)))
		fmt.Fprintln(u.w, styleNumber.Render(row))
	}
}

func printGenerateSummary(u ui, res *service.Result, fractions []float64) {
	u.title("Tiles generated")
	u.keyValue("cells", humanize.Comma(int64(res.TotalCells)))
	u.keyValue("grid", fmt.Sprintf("%d×%d", res.GridSize, res.GridSize))
	u.keyValue("bounds", fmt.Sprintf("x [%.2f, %.2f]  y [%.2f, %.2f]",
		res.Bounds.XMin, res.Bounds.XMax, res.Bounds.YMin, res.Bounds.YMax))
	u.keyValue("classes", fmt.Sprintf("%d", len(res.Classes)))
	u.keyValue("genes", strings.Join(res.Genes, ", "))
	u.levelTable(res.Tiles.Levels, fractions)
	if res.Skipped > 0 {
		u.warning("%d cells had non-finite positions and were not tiled", res.Skipped)
	}
	if res.Unclaimed > 0 {
		u.warning("%d cells were not claimed by any level", res.Unclaimed)
	}
	u.success("%d files, %s in %s", res.Tiles.Files, humanize.Bytes(uint64(res.Tiles.Bytes)), res.Duration.Round(time.Millisecond))
	u.file(res.Location)
}

func printReport(u ui, dir string, r *tiles.Report) {
	u.title("Tile directory")
	u.keyValue("dir", dir)
	u.keyValue("cells", humanize.Comma(int64(r.Manifest.TotalCells)))
	u.keyValue("grid", fmt.Sprintf("%d×%d", r.Manifest.GridSize, r.Manifest.GridSize))
	u.keyValue("classes", fmt.Sprintf("%d", len(r.Manifest.Classes)))
	u.keyValue("genes", strings.Join(r.Manifest.Genes, ", "))

	fractions := make([]float64, len(r.Manifest.LevelConfig))
	for i, l := range r.Manifest.LevelConfig {
		fractions[i] = l.Fraction
	}
	u.levelTable(r.Levels, fractions)

	if r.OK() {
		u.success("manifest and tiles are consistent")
		return
	}
	for _, p := range r.Problems {
		u.failure("%s", p)
	}
}
