package convert

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"time"

	"github.com/go-pdf/fpdf"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/yourusername/docvault/internal/pdf"
)

// imagePage は画像を余白内に収まるよう縮小して1ページに配置します。
// 横長の画像は横向きのA4に置きます。fpdf が扱えない形式は PNG に変換してから埋め込みます。
func imagePage(data []byte, format string, created time.Time) ([]byte, error) {
	imageType := ""
	switch format {
	case "png":
		imageType = "PNG"
	case "jpeg":
		imageType = "JPG"
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, pdf.NewError(pdf.CodeInvalidInput, "画像を読み込めません。", err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return nil, pdf.NewError(pdf.CodeInvalidInput, "画像のサイズが0です。", nil)
	}
	if imageType == "" {
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, pdf.NewError(pdf.CodeInvalidInput, "画像を読み込めません。", err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, pdf.NewError(pdf.CodeRenderFailed, "画像の変換に失敗しました。", err)
		}
		data, imageType = buf.Bytes(), "PNG"
	}

	pageW, pageH := pdf.A4Width, pdf.A4Height
	orientation := "P"
	if cfg.Width > cfg.Height {
		pageW, pageH = pageH, pageW
		orientation = "L"
	}
	boxW, boxH := pageW-2*margin, pageH-2*margin
	scale := boxW / float64(cfg.Width)
	if s := boxH / float64(cfg.Height); s < scale {
		scale = s
	}
	w, h := float64(cfg.Width)*scale, float64(cfg.Height)*scale

	doc := pdf.NewDocument(created)
	doc.AddPageFormat(orientation, fpdf.SizeType{Wd: pdf.A4Width, Ht: pdf.A4Height})
	opts := fpdf.ImageOptions{ImageType: imageType}
	doc.RegisterImageOptionsReader("source", opts, bytes.NewReader(data))
	doc.ImageOptions("source", (pageW-w)/2, (pageH-h)/2, w, h, false, opts, 0, "")
	return pdf.Output(doc)
}
