package assemble

import (
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/yourusername/docvault/internal/pdf"
)

const indexSheet = "Contents"

// buildIndex は目次と同じ内容を XLSX の一覧にします。
func buildIndex(spec Spec, sources map[string]*source, starts []Start, generated time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	// 既定の Sheet1 をそのまま索引シートにする
	if err := f.SetSheetName(f.GetSheetName(0), indexSheet); err != nil {
		return nil, pdf.NewError(pdf.CodeRenderFailed, "索引シートの作成に失敗しました。", err)
	}

	headers := []string{"Section", "Document", "Document ID", "Start Page", "Pages", "SHA-256"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(indexSheet, cell, h)
	}

	// starts の並びは cover, toc, (section, document...)... で spec と一致する
	row := 2
	pos := 2
	for _, sec := range spec.Sections {
		pos++
		for _, ref := range sec.Documents {
			src := sources[ref.DocumentID]
			values := []any{sec.Title, label(ref, src), src.id, starts[pos].PageIndex + 1, src.pageCount, src.hash}
			for col, v := range values {
				cell, _ := excelize.CoordinatesToCellName(col+1, row)
				_ = f.SetCellValue(indexSheet, cell, v)
			}
			row++
			pos++
		}
	}

	cell, _ := excelize.CoordinatesToCellName(1, row+1)
	_ = f.SetCellValue(indexSheet, cell, "Generated "+generated.UTC().Format(time.RFC3339))

	_ = f.SetColWidth(indexSheet, "A", "A", 28)
	_ = f.SetColWidth(indexSheet, "B", "B", 36)
	_ = f.SetColWidth(indexSheet, "C", "C", 38)
	_ = f.SetColWidth(indexSheet, "D", "E", 12)
	_ = f.SetColWidth(indexSheet, "F", "F", 66)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, pdf.NewError(pdf.CodeRenderFailed, "索引の書き出しに失敗しました。", err)
	}
	return buf.Bytes(), nil
}
