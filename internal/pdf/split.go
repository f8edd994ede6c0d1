package pdf

import (
	"bytes"
	"strconv"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// Split は1ページずつの文書に分割します。
func (m *Manipulator) Split(data []byte) ([][]byte, error) {
	pageCount, err := m.PageCount(data)
	if err != nil {
		return nil, err
	}

	parts := make([][]byte, 0, pageCount)
	for p := 1; p <= pageCount; p++ {
		part, err := collect(data, []int{p})
		if err != nil {
			return nil, newError(CodeUnsupportedPDF, "ページ "+strconv.Itoa(p)+" の分割に失敗しました。", err)
		}
		parts = append(parts, part)
	}
	return parts, nil
}

// ExtractPages は指定ページ（1始まり）を指定順に取り出します。重複は受け付けません。
func (m *Manipulator) ExtractPages(data []byte, pages []int) ([]byte, error) {
	if len(pages) == 0 {
		return nil, invalid("抽出するページを指定してください。")
	}
	pageCount, err := m.PageCount(data)
	if err != nil {
		return nil, err
	}
	if err := validatePages(pages, pageCount); err != nil {
		return nil, err
	}

	out, err := collect(data, pages)
	if err != nil {
		return nil, newError(CodeUnsupportedPDF, "ページの抽出に失敗しました。", err)
	}
	return out, nil
}

// validatePages はページ番号が範囲内で重複していないことを確認します。
func validatePages(pages []int, pageCount int) error {
	seen := make(map[int]struct{}, len(pages))
	for _, p := range pages {
		if p < 1 || p > pageCount {
			return invalid("ページ番号 %d が範囲外です（1〜%d）。", p, pageCount)
		}
		if _, dup := seen[p]; dup {
			return invalid("ページ %d が重複しています。", p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

func collect(data []byte, pages []int) ([]byte, error) {
	var out bytes.Buffer
	if err := pdfapi.Collect(bytes.NewReader(data), &out, pageSelection(pages), newConfiguration()); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func pageSelection(pages []int) []string {
	selected := make([]string, len(pages))
	for i, p := range pages {
		selected[i] = strconv.Itoa(p)
	}
	return selected
}

// ParsePageSelection は "1-3,5,8-" 形式のページ指定を昇順のページ番号に展開します。
func ParsePageSelection(expr string, pageCount int) ([]int, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, invalid("ページ範囲を指定してください。")
	}

	var pages []int
	used := make(map[int]struct{})
	lastEnd := 0
	for _, seg := range strings.Split(expr, ",") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil, invalid("空の範囲指定が含まれています。")
		}

		start, end, err := parseSingleRange(seg, pageCount)
		if err != nil {
			return nil, err
		}
		if start <= lastEnd {
			return nil, invalid("ページ範囲は昇順で指定してください。")
		}
		lastEnd = end

		for p := start; p <= end; p++ {
			if _, exists := used[p]; exists {
				return nil, invalid("ページ %d が重複しています。", p)
			}
			used[p] = struct{}{}
			pages = append(pages, p)
		}
	}
	return pages, nil
}

func parseSingleRange(seg string, pageCount int) (int, int, error) {
	if strings.Contains(seg, "-") {
		parts := strings.SplitN(seg, "-", 2)
		start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return 0, 0, invalid("範囲開始が整数ではありません: %q", seg)
		}
		end := pageCount
		if s := strings.TrimSpace(parts[1]); s != "" {
			end, err = strconv.Atoi(s)
			if err != nil {
				return 0, 0, invalid("範囲終了が整数ではありません: %q", seg)
			}
		}
		if start < 1 || end < start || end > pageCount {
			return 0, 0, invalid("範囲指定 %q がページ数（%d）の範囲外です。", seg, pageCount)
		}
		return start, end, nil
	}

	page, err := strconv.Atoi(seg)
	if err != nil {
		return 0, 0, invalid("ページ番号が整数ではありません: %q", seg)
	}
	if page < 1 || page > pageCount {
		return 0, 0, invalid("ページ番号 %d がページ数（%d）の範囲外です。", page, pageCount)
	}
	return page, page, nil
}
