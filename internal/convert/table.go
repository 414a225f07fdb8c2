package convert

import "strings"

var cellEscaper = strings.NewReplacer("|", "\\|", "\n", " ", "\r", " ")

// markdownTable renders rows as a Markdown table with the first row as
// the header. Ragged rows are padded to the widest row. Returns "" when
// there is nothing to show.
func markdownTable(rows [][]string) string {
	width := 0
	hasContent := false
	for _, row := range rows {
		width = max(width, len(row))
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				hasContent = true
			}
		}
	}
	if width == 0 || !hasContent {
		return ""
	}

	var sb strings.Builder
	writeRow := func(row []string) {
		sb.WriteString("|")
		for i := 0; i < width; i++ {
			cell := ""
			if i < len(row) {
				cell = cellEscaper.Replace(row[i])
			}
			sb.WriteString(" ")
			sb.WriteString(cell)
			sb.WriteString(" |")
		}
		sb.WriteString("\n")
	}

	writeRow(rows[0])
	sb.WriteString("|")
	for i := 0; i < width; i++ {
		sb.WriteString(" --- |")
	}
	sb.WriteString("\n")
	for _, row := range rows[1:] {
		writeRow(row)
	}

	return strings.TrimRight(sb.String(), "\n")
}
