package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"j1939-core/j1939"
)

var (
	pgnColor   = color.New(color.FgGreen).SprintfFunc()
	valueColor = color.New(color.FgHiBlue).SprintfFunc()
	badColor   = color.New(color.FgYellow).SprintfFunc()
	gapColor   = color.New(color.FgRed).SprintfFunc()
)

func formatReading(r j1939.Reading) string {
	var out strings.Builder

	out.WriteString(r.Time.Format("15:04:05.000"))
	out.WriteString(" || ")
	out.WriteString(pgnColor("%-32s", fmt.Sprintf("%s (%d)", r.PGNName, r.PGN)))
	out.WriteString(fmt.Sprintf(" || src 0x%02X || ", r.Source))

	for i, name := range sortedNames(r.Values) {
		if i > 0 {
			out.WriteString("  ")
		}
		v := r.Values[name]
		out.WriteString(name)
		out.WriteString("=")
		if v.Quality == j1939.QualityOK {
			out.WriteString(valueColor("%s", v.String()))
		} else {
			out.WriteString(badColor("%s", v.Quality.String()))
		}
	}
	return out.String()
}

func formatEvent(e j1939.Event) string {
	return fmt.Sprintf("%s || %s",
		e.Time.Format("15:04:05.000"),
		gapColor("%s pgn=%d src=0x%02X %s", e.Kind, e.PGN, e.Source, e.Detail))
}
