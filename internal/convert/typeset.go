package convert

import (
	"strings"
	"time"

	"github.com/yourusername/docvault/internal/pdf"
)

const (
	margin     = 56.0
	bodySize   = 11.0
	bodyLeader = 1.45
)

var headingSizes = map[int]float64{1: 22, 2: 18, 3: 15, 4: 13, 5: 12, 6: 11}

// typeset は段落を A4 のページへ順に流し込みます。
func typeset(blocks []block, created time.Time) ([]byte, error) {
	doc := pdf.NewDocument(created)
	doc.SetMargins(margin, margin, margin)
	doc.SetAutoPageBreak(true, margin)
	tr := doc.UnicodeTranslatorFromDescriptor("")
	doc.AddPage()
	doc.SetXY(margin, margin)

	width := pdf.A4Width - 2*margin
	for i, b := range blocks {
		size := bodySize
		family, style := "Helvetica", ""
		switch {
		case b.level > 0:
			size = headingSizes[b.level]
			style = "B"
		case b.mono:
			family = "Courier"
			size = 9.5
		}
		doc.SetFont(family, style, size)
		if i > 0 {
			gap := size * 0.6
			if b.level > 0 {
				gap = size
			}
			doc.Ln(gap)
		}

		body := b.text
		if b.mono {
			body = strings.ReplaceAll(body, "\t", "    ")
		}
		doc.SetX(margin)
		doc.MultiCell(width, size*bodyLeader, tr(body), "", "L", false)
	}
	return pdf.Output(doc)
}
