package pdf

import (
	"bytes"
	"sync"
	"time"

	"github.com/go-pdf/fpdf"
)

// A4 の寸法（ポイント）
const (
	A4Width  = 595.28
	A4Height = 841.89
)

// NewDocument は生成用のPDF文書（A4・ポイント単位・余白なし）を作成します。
// 日付を固定すると同じ入力から同じ出力が得られます。
func NewDocument(created time.Time) *fpdf.Fpdf {
	doc := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           fpdf.SizeType{Wd: A4Width, Ht: A4Height},
	})
	doc.SetMargins(0, 0, 0)
	doc.SetAutoPageBreak(false, 0)
	if !created.IsZero() {
		doc.SetCreationDate(created)
	}
	return doc
}

// Output は文書をバイト列に書き出します。
func Output(doc *fpdf.Fpdf) ([]byte, error) {
	if err := doc.Error(); err != nil {
		return nil, newError(CodeRenderFailed, "PDFの生成に失敗しました。", err)
	}
	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, newError(CodeRenderFailed, "PDFの書き出しに失敗しました。", err)
	}
	return buf.Bytes(), nil
}

var (
	measureMu  sync.Mutex
	measureDoc *fpdf.Fpdf
)

// MeasureText は Helvetica 系コアフォントでの文字列幅（ポイント）を返します。
func MeasureText(text, fontFamily, style string, size float64) float64 {
	measureMu.Lock()
	defer measureMu.Unlock()
	if measureDoc == nil {
		measureDoc = fpdf.New("P", "pt", "A4", "")
	}
	if fontFamily == "" {
		fontFamily = "Helvetica"
	}
	measureDoc.SetFont(fontFamily, style, size)
	return measureDoc.GetStringWidth(text)
}
