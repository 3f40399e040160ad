// Package colormap provides color schemes for visualization.
package colormap

import (
	"fmt"
	"image/color"
)

// Colormap maps indexes to colors.
type Colormap interface {
	AtIndex(i int) color.Color
	Len() int
}

// CategoricalColormap provides distinct colors for categories.
type CategoricalColormap struct {
	colors []color.RGBA
}

// AtIndex returns color at index (wraps around).
func (c CategoricalColormap) AtIndex(i int) color.Color {
	if i < 0 {
		i = -i
	}
	return c.colors[i%len(c.colors)]
}

// Len returns the number of distinct colors.
func (c CategoricalColormap) Len() int {
	return len(c.colors)
}

// Concat returns a palette with the colors of c followed by those of other.
func (c CategoricalColormap) Concat(other CategoricalColormap) CategoricalColormap {
	colors := make([]color.RGBA, 0, len(c.colors)+len(other.colors))
	colors = append(colors, c.colors...)
	colors = append(colors, other.colors...)
	return CategoricalColormap{colors: colors}
}

// Hex formats a color as #rrggbb.
func Hex(c color.Color) string {
	r, g, b, _ := c.RGBA()
	return fmt.Sprintf("#%02x%02x%02x", r>>8, g>>8, b>>8)
}

// Assign gives each category the color at its index in the list.
func Assign(cm Colormap, categories []string) map[string]string {
	out := make(map[string]string, len(categories))
	for i, c := range categories {
		out[c] = Hex(cm.AtIndex(i))
	}
	return out
}

// Tableau10 is the d3 schemeTableau10 palette.
var Tableau10 = CategoricalColormap{
	colors: []color.RGBA{
		{78, 121, 167, 255},  // Blue
		{242, 142, 44, 255},  // Orange
		{225, 87, 89, 255},   // Red
		{118, 183, 178, 255}, // Teal
		{89, 161, 79, 255},   // Green
		{237, 201, 73, 255},  // Yellow
		{175, 122, 161, 255}, // Purple
		{255, 157, 167, 255}, // Pink
		{156, 117, 95, 255},  // Brown
		{186, 176, 171, 255}, // Gray
	},
}

// Set3 is the d3 schemeSet3 palette.
var Set3 = CategoricalColormap{
	colors: []color.RGBA{
		{141, 211, 199, 255},
		{255, 255, 179, 255},
		{190, 186, 218, 255},
		{251, 128, 114, 255},
		{128, 177, 211, 255},
		{253, 180, 98, 255},
		{179, 222, 105, 255},
		{252, 205, 229, 255},
		{217, 217, 217, 255},
		{188, 128, 189, 255},
		{204, 235, 197, 255},
		{255, 237, 111, 255},
	},
}

// Classes is the class palette of the viewer: Tableau10 extended with Set3.
var Classes = Tableau10.Concat(Set3)
