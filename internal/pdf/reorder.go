package pdf

import (
	"bytes"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// ReorderPages は order[i] ページ目を出力の i+1 ページ目に置きます。order は 1..pageCount の順列である必要があります。
func (m *Manipulator) ReorderPages(data []byte, order []int) ([]byte, error) {
	if len(order) == 0 {
		return nil, invalid("ページの順序を指定してください。")
	}
	pageCount, err := m.PageCount(data)
	if err != nil {
		return nil, err
	}
	if err := validateOrder(order, pageCount); err != nil {
		return nil, err
	}

	out, err := collect(data, order)
	if err != nil {
		return nil, newError(CodeUnsupportedPDF, "PDFのページ入替に失敗しました。ファイルが破損していないか確認してください。", err)
	}
	return out, nil
}

func validateOrder(order []int, pageCount int) error {
	if len(order) != pageCount {
		return invalid("order配列の長さ（%d）がページ数（%d）と一致していません。", len(order), pageCount)
	}

	seen := make([]bool, pageCount+1)
	for _, p := range order {
		if p < 1 || p > pageCount {
			return invalid("order配列に不正なページ番号 %d が含まれています。", p)
		}
		if seen[p] {
			return invalid("order配列に重複した番号 %d が含まれています。", p)
		}
		seen[p] = true
	}
	return nil
}

// NormalizeRotation は角度を [0,360) に正規化し、90度単位でなければエラーを返します。
func NormalizeRotation(degrees int) (int, error) {
	d := ((degrees % 360) + 360) % 360
	if d%90 != 0 {
		return 0, invalid("回転角度は90度単位で指定してください（received: %d）。", degrees)
	}
	return d, nil
}

// RotatePages はページを回転します。pages が空なら全ページが対象です。
func (m *Manipulator) RotatePages(data []byte, degrees int, pages []int) ([]byte, error) {
	rotation, err := NormalizeRotation(degrees)
	if err != nil {
		return nil, err
	}
	pageCount, err := m.PageCount(data)
	if err != nil {
		return nil, err
	}
	if err := validatePages(pages, pageCount); err != nil {
		return nil, err
	}
	if rotation == 0 {
		return append([]byte(nil), data...), nil
	}

	var selected []string
	if len(pages) > 0 {
		selected = pageSelection(pages)
	}
	var out bytes.Buffer
	if err := pdfapi.Rotate(bytes.NewReader(data), &out, rotation, selected, newConfiguration()); err != nil {
		return nil, newError(CodeUnsupportedPDF, "ページの回転に失敗しました。", err)
	}
	return out.Bytes(), nil
}
