package pdf

import (
	"bytes"
	"fmt"
	"strings"

	lpdf "github.com/ledongthuc/pdf"
)

// ExtractText はページごとのテキストを返します。
func (m *Manipulator) ExtractText(data []byte) (pages []string, err error) {
	if len(data) == 0 {
		return nil, invalid("PDFデータが空です。")
	}
	// ledongthuc/pdf は想定外の構造で panic することがある
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = newError(CodeUnsupportedPDF, "テキストの抽出に失敗しました。", fmt.Errorf("panic: %v", r))
		}
	}()

	reader, err := lpdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, newError(CodeUnsupportedPDF, "テキストの抽出に失敗しました。", err)
	}
	n := reader.NumPage()
	pages = make([]string, n)
	for i := 1; i <= n; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, newError(CodeUnsupportedPDF, fmt.Sprintf("ページ %d のテキスト抽出に失敗しました。", i), err)
		}
		pages[i-1] = text
	}
	return pages, nil
}

// HasText は抽出可能な文字が1つでも残っているかを返します。
func (m *Manipulator) HasText(data []byte) (bool, error) {
	pages, err := m.ExtractText(data)
	if err != nil {
		return false, err
	}
	for _, p := range pages {
		if strings.TrimSpace(p) != "" {
			return true, nil
		}
	}
	return false, nil
}
