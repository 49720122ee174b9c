package render

import (
	"bufio"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/width"
)

// table writes rows aligned by display width on a terminal and as TSV
// elsewhere. A nil header writes no header line.
func (r *Renderer) table(header []string, rows [][]string, title string) error {
	bw := bufio.NewWriter(r.w)
	if !r.tty {
		if header != nil {
			writeTSV(bw, header)
		}
		for _, row := range rows {
			writeTSV(bw, row)
		}
		return bw.Flush()
	}

	var widths []int
	measure := func(row []string) {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], displayWidth(cell))
		}
	}
	if header != nil {
		measure(header)
	}
	for _, row := range rows {
		measure(row)
	}

	if title != "" {
		bw.WriteString(title)
		bw.WriteByte('\n')
	}
	if header != nil {
		writeAligned(bw, header, widths)
		rule := make([]string, len(header))
		for i := range header {
			rule[i] = strings.Repeat("-", widths[i])
		}
		writeAligned(bw, rule, widths)
	}
	for _, row := range rows {
		writeAligned(bw, row, widths)
	}
	return bw.Flush()
}

func writeTSV(bw *bufio.Writer, row []string) {
	for i, cell := range row {
		if i > 0 {
			bw.WriteByte('\t')
		}
		bw.WriteString(strings.NewReplacer("\t", " ", "\n", " ").Replace(cell))
	}
	bw.WriteByte('\n')
}

func writeAligned(bw *bufio.Writer, row []string, widths []int) {
	for i, cell := range row {
		if i > 0 {
			bw.WriteString("  ")
		}
		bw.WriteString(cell)
		if i < len(row)-1 {
			bw.WriteString(strings.Repeat(" ", widths[i]-displayWidth(cell)))
		}
	}
	bw.WriteByte('\n')
}

// displayWidth counts terminal columns: two for wide and full-width runes,
// one for everything else.
func displayWidth(s string) int {
	n := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			n += 2
		default:
			n++
		}
		i += size
	}
	return n
}
