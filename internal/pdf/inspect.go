package pdf

import (
	"bytes"
	"sync"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var disableConfigDir sync.Once

// PageSize はページの幅と高さ（ポイント）です。
type PageSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// newConfiguration は pdfcpu の設定を毎回新しく作ります。pdfcpu は処理中に設定を書き換えるため共有しません。
func newConfiguration() *model.Configuration {
	disableConfigDir.Do(pdfapi.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// PageCount はページ数を返します。
func (m *Manipulator) PageCount(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, invalid("PDFデータが空です。")
	}
	n, err := pdfapi.PageCount(bytes.NewReader(data), newConfiguration())
	if err != nil {
		return 0, newError(CodeUnsupportedPDF, "PDFの解析に失敗しました。ファイルが破損していないか確認してください。", err)
	}
	return n, nil
}

// PageSizes は各ページの寸法を返します。
func (m *Manipulator) PageSizes(data []byte) ([]PageSize, error) {
	if len(data) == 0 {
		return nil, invalid("PDFデータが空です。")
	}
	dims, err := pdfapi.PageDims(bytes.NewReader(data), newConfiguration())
	if err != nil {
		return nil, newError(CodeUnsupportedPDF, "ページ寸法の取得に失敗しました。", err)
	}
	sizes := make([]PageSize, len(dims))
	for i, d := range dims {
		sizes[i] = PageSize{Width: d.Width, Height: d.Height}
	}
	return sizes, nil
}
