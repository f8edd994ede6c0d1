package assemble

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/yourusername/docvault/internal/pdf"
)

// 目次のレイアウト（ポイント）
const (
	pageMargin    = 56.0
	tocHeading    = 20.0
	tocFontSize   = 11.0
	tocLineHeight = 16.0
	tocIndent     = 18.0
	tocNumberGap  = 12.0
)

// TocLine は目次の1行です。Page は完成したPDFでの1始まりのページ番号です。
type TocLine struct {
	Label string `json:"label"`
	Page  int    `json:"page"`
	Level int    `json:"level"`
}

type renderer struct {
	created time.Time
}

// translator はコアフォントで描けるように文字列を cp1252 に変換します。
func translator(doc *fpdf.Fpdf) func(string) string {
	return doc.UnicodeTranslatorFromDescriptor("")
}

// cover は表紙を1ページ描きます。
func (r renderer) cover(title, preparer string, sections, documents int) ([]byte, error) {
	doc := pdf.NewDocument(r.created)
	tr := translator(doc)
	doc.AddPage()

	doc.SetFont("Helvetica", "B", 28)
	doc.SetXY(pageMargin, 260)
	doc.MultiCell(pdf.A4Width-2*pageMargin, 34, tr(title), "", "C", false)

	doc.SetDrawColor(120, 120, 120)
	doc.SetLineWidth(0.8)
	y := doc.GetY() + 16
	doc.Line(pageMargin*2, y, pdf.A4Width-pageMargin*2, y)

	doc.SetFont("Helvetica", "", 12)
	doc.SetTextColor(60, 60, 60)
	doc.SetXY(pageMargin, y+24)
	info := []string{
		"Generated: " + r.created.UTC().Format("2006-01-02 15:04 MST"),
		fmt.Sprintf("Sections: %d / Documents: %d", sections, documents),
	}
	if preparer != "" {
		info = append(info, "Prepared by: "+preparer)
	}
	for _, line := range info {
		doc.CellFormat(pdf.A4Width-2*pageMargin, 18, tr(line), "", 1, "C", false, 0, "")
		doc.SetX(pageMargin)
	}
	return pdf.Output(doc)
}

// divider はセクションの区切りページを1ページ描きます。
func (r renderer) divider(index int, title string, documents int) ([]byte, error) {
	doc := pdf.NewDocument(r.created)
	tr := translator(doc)
	doc.AddPage()

	doc.SetFont("Helvetica", "", 14)
	doc.SetTextColor(110, 110, 110)
	doc.SetXY(pageMargin, 320)
	doc.CellFormat(pdf.A4Width-2*pageMargin, 20, fmt.Sprintf("Section %d", index), "", 1, "C", false, 0, "")

	doc.SetFont("Helvetica", "B", 24)
	doc.SetTextColor(0, 0, 0)
	doc.SetX(pageMargin)
	doc.MultiCell(pdf.A4Width-2*pageMargin, 30, tr(title), "", "C", false)

	doc.SetFont("Helvetica", "", 11)
	doc.SetTextColor(110, 110, 110)
	doc.SetX(pageMargin)
	doc.CellFormat(pdf.A4Width-2*pageMargin, 20, fmt.Sprintf("%d document(s)", documents), "", 1, "C", false, 0, "")
	return pdf.Output(doc)
}

// toc は目次を描き、描画結果と実際のページ数を返します。
// ラベルは右端に置くページ番号の幅を除いた幅で折り返すため、番号の桁数が行数に影響します。
func (r renderer) toc(lines []TocLine) ([]byte, int, error) {
	doc := pdf.NewDocument(r.created)
	tr := translator(doc)
	doc.AddPage()

	doc.SetFont("Helvetica", "B", tocHeading)
	doc.Text(pageMargin, pageMargin+tocHeading, "Table of Contents")

	bottom := pdf.A4Height - pageMargin
	y := pageMargin + tocHeading + 2*tocLineHeight
	contentWidth := pdf.A4Width - 2*pageMargin

	for _, line := range lines {
		style := ""
		indent := tocIndent * float64(line.Level)
		if line.Level == 0 {
			style = "B"
		}
		doc.SetFont("Helvetica", style, tocFontSize)

		number := strconv.Itoa(line.Page)
		numberWidth := doc.GetStringWidth(number)
		available := contentWidth - indent - numberWidth - tocNumberGap
		wrapped := doc.SplitLines([]byte(tr(line.Label)), available)
		if len(wrapped) == 0 {
			wrapped = [][]byte{nil}
		}

		for i, part := range wrapped {
			if y+tocLineHeight > bottom {
				doc.AddPage()
				y = pageMargin + tocLineHeight
			}
			doc.Text(pageMargin+indent, y, string(part))
			if i == len(wrapped)-1 {
				doc.Text(pageMargin+contentWidth-numberWidth, y, number)
			}
			y += tocLineHeight
		}
	}

	pages := doc.PageNo()
	data, err := pdf.Output(doc)
	if err != nil {
		return nil, 0, err
	}
	return data, pages, nil
}
