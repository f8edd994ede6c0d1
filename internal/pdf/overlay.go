package pdf

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"regexp"
	"strconv"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

const (
	defaultFontSize = 12.0
	defaultMargin   = 24.0
)

// TextPlacement はページ上に置くテキストです。座標はポイントで、原点はページ左下です。
type TextPlacement struct {
	Page     int     `json:"page"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Text     string  `json:"text"`
	FontSize float64 `json:"fontSize,omitempty"`
	Rotation float64 `json:"rotation,omitempty"`
	Color    string  `json:"color,omitempty"`
	Opacity  float64 `json:"opacity,omitempty"`
}

// HighlightArea は半透明の矩形です。下のコンテンツは残ります。
type HighlightArea struct {
	Page    int     `json:"page"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	Color   string  `json:"color,omitempty"`
	Opacity float64 `json:"opacity,omitempty"`
}

// WatermarkOptions は全ページ中央に置く透かしです。
type WatermarkOptions struct {
	Text     string  `json:"text"`
	FontSize float64 `json:"fontSize,omitempty"`
	Rotation float64 `json:"rotation,omitempty"`
	Color    string  `json:"color,omitempty"`
	Opacity  float64 `json:"opacity,omitempty"`
}

// Anchor はヘッダー/フッターの配置位置です。
type Anchor string

const (
	AnchorTopLeft      Anchor = "top-left"
	AnchorTopCenter    Anchor = "top-center"
	AnchorTopRight     Anchor = "top-right"
	AnchorBottomLeft   Anchor = "bottom-left"
	AnchorBottomCenter Anchor = "bottom-center"
	AnchorBottomRight  Anchor = "bottom-right"
)

// Valid は6種類のいずれかであるかを返します。
func (a Anchor) Valid() bool {
	switch a {
	case AnchorTopLeft, AnchorTopCenter, AnchorTopRight,
		AnchorBottomLeft, AnchorBottomCenter, AnchorBottomRight:
		return true
	}
	return false
}

// HeaderFooter は全ページ共通の行です。Text 内の {page} と {total} は置換されます。
type HeaderFooter struct {
	Text     string  `json:"text"`
	Anchor   Anchor  `json:"anchor"`
	FontSize float64 `json:"fontSize,omitempty"`
	Margin   float64 `json:"margin,omitempty"`
	Color    string  `json:"color,omitempty"`
}

// PageNumberOptions はページ番号の設定です。
type PageNumberOptions struct {
	Anchor   Anchor  `json:"anchor"`
	Format   string  `json:"format,omitempty"`
	FontSize float64 `json:"fontSize,omitempty"`
	Margin   float64 `json:"margin,omitempty"`
	StartAt  int     `json:"startAt,omitempty"`
	// SkipPages は先頭から番号を振らないページ数です（表紙など）。
	SkipPages int `json:"skipPages,omitempty"`
}

type overlay struct {
	page int
	wm   *model.Watermark
}

// AnnotateText はテキストを前面に配置します。
func (m *Manipulator) AnnotateText(data []byte, items []TextPlacement) ([]byte, error) {
	return m.placeText(data, items, "Helvetica", "#000000")
}

// Stamp は太字の赤いスタンプ文字を前面に配置します。
func (m *Manipulator) Stamp(data []byte, items []TextPlacement) ([]byte, error) {
	return m.placeText(data, items, "Helvetica-Bold", "#C00000")
}

func (m *Manipulator) placeText(data []byte, items []TextPlacement, font, defaultColor string) ([]byte, error) {
	if len(items) == 0 {
		return nil, invalid("配置するテキストを指定してください。")
	}
	sizes, err := m.PageSizes(data)
	if err != nil {
		return nil, err
	}
	for i, it := range items {
		if err := validatePlacement(it, sizes); err != nil {
			return nil, fmt.Errorf("item %d: %w", i+1, err)
		}
	}

	overlays := make([]overlay, 0, len(items))
	for _, it := range items {
		text, err := stampText(it.Text)
		if err != nil {
			return nil, err
		}
		desc := textDesc(font, orDefault(it.FontSize, defaultFontSize), it.X, it.Y, it.Rotation,
			orColor(it.Color, defaultColor), orDefault(it.Opacity, 1))
		wm, err := pdfapi.TextWatermark(text, desc, true, false, types.POINTS)
		if err != nil {
			return nil, newError(CodeInvalidInput, "テキスト配置の設定が不正です。", err)
		}
		overlays = append(overlays, overlay{page: it.Page, wm: wm})
	}
	return applyOverlays(data, overlays)
}

func validatePlacement(it TextPlacement, sizes []PageSize) error {
	if strings.TrimSpace(it.Text) == "" {
		return invalid("テキストが空です。")
	}
	if _, err := stampText(it.Text); err != nil {
		return err
	}
	if it.Page < 1 || it.Page > len(sizes) {
		return invalid("ページ %d は存在しません（1〜%d）。", it.Page, len(sizes))
	}
	size := sizes[it.Page-1]
	if it.X < 0 || it.Y < 0 || it.X > size.Width || it.Y > size.Height {
		return invalid("座標 (%.1f, %.1f) がページ %d の範囲外です。", it.X, it.Y, it.Page)
	}
	if it.FontSize < 0 || it.FontSize > 300 {
		return invalid("フォントサイズ %.1f は範囲外です。", it.FontSize)
	}
	if it.Opacity < 0 || it.Opacity > 1 {
		return invalid("不透明度は0〜1で指定してください。")
	}
	if it.Color != "" && !validHexColor(it.Color) {
		return invalid("色は #RRGGBB 形式で指定してください: %q", it.Color)
	}
	return nil
}

// Highlight は半透明の矩形を重ねます。見た目だけの処理で、下の文字は抽出可能なまま残ります。
func (m *Manipulator) Highlight(data []byte, areas []HighlightArea) ([]byte, error) {
	if len(areas) == 0 {
		return nil, invalid("ハイライト範囲を指定してください。")
	}
	sizes, err := m.PageSizes(data)
	if err != nil {
		return nil, err
	}
	for i, a := range areas {
		if a.Page < 1 || a.Page > len(sizes) {
			return nil, invalid("ハイライト %d: ページ %d は存在しません。", i+1, a.Page)
		}
		size := sizes[a.Page-1]
		if a.Width <= 0 || a.Height <= 0 || a.X < 0 || a.Y < 0 ||
			a.X+a.Width > size.Width+0.5 || a.Y+a.Height > size.Height+0.5 {
			return nil, invalid("ハイライト %d の矩形がページの範囲外です。", i+1)
		}
		if a.Opacity < 0 || a.Opacity > 1 {
			return nil, invalid("ハイライト %d: 不透明度は0〜1で指定してください。", i+1)
		}
		if a.Color != "" && !validHexColor(a.Color) {
			return nil, invalid("ハイライト %d: 色は #RRGGBB 形式で指定してください。", i+1)
		}
	}

	overlays := make([]overlay, 0, len(areas))
	for _, a := range areas {
		img, err := solidPNG(orColor(a.Color, "#FFEB3B"), int(math.Ceil(a.Width)), int(math.Ceil(a.Height)))
		if err != nil {
			return nil, err
		}
		desc := fmt.Sprintf("position:bl, offset:%.2f %.2f, scalefactor:1 abs, rotation:0, opacity:%.2f",
			a.X, a.Y, orDefault(a.Opacity, 0.35))
		wm, err := pdfapi.ImageWatermarkForReader(bytes.NewReader(img), desc, true, false, types.POINTS)
		if err != nil {
			return nil, newError(CodeInvalidInput, "ハイライトの設定が不正です。", err)
		}
		overlays = append(overlays, overlay{page: a.Page, wm: wm})
	}
	return applyOverlays(data, overlays)
}

// Watermark は全ページの中央に大きく薄い回転テキストを背面に置きます。
func (m *Manipulator) Watermark(data []byte, opts WatermarkOptions) ([]byte, error) {
	if strings.TrimSpace(opts.Text) == "" {
		return nil, invalid("透かし文字を指定してください。")
	}
	text, err := stampText(opts.Text)
	if err != nil {
		return nil, err
	}
	if opts.Opacity < 0 || opts.Opacity > 1 {
		return nil, invalid("不透明度は0〜1で指定してください。")
	}
	if opts.Color != "" && !validHexColor(opts.Color) {
		return nil, invalid("色は #RRGGBB 形式で指定してください: %q", opts.Color)
	}
	if _, err := m.PageCount(data); err != nil {
		return nil, err
	}

	rotation := opts.Rotation
	if rotation == 0 {
		rotation = 45
	}
	desc := fmt.Sprintf("fontname:Helvetica-Bold, points:%d, position:c, scalefactor:0.7 rel, rotation:%.2f, fillcolor:%s, opacity:%.2f",
		int(math.Round(orDefault(opts.FontSize, 72))), rotation, orColor(opts.Color, "#808080"), orDefault(opts.Opacity, 0.15))
	wm, err := pdfapi.TextWatermark(text, desc, false, false, types.POINTS)
	if err != nil {
		return nil, newError(CodeInvalidInput, "透かしの設定が不正です。", err)
	}

	var out bytes.Buffer
	if err := pdfapi.AddWatermarks(bytes.NewReader(data), &out, nil, wm, newConfiguration()); err != nil {
		return nil, newError(CodeUnsupportedPDF, "透かしの追加に失敗しました。", err)
	}
	return out.Bytes(), nil
}

// AddPageNumbers はページ番号を振ります。
func (m *Manipulator) AddPageNumbers(data []byte, opts PageNumberOptions) ([]byte, error) {
	if !opts.Anchor.Valid() {
		return nil, invalid("配置位置 %q は不正です。", opts.Anchor)
	}
	if opts.SkipPages < 0 || opts.StartAt < 0 {
		return nil, invalid("ページ番号の開始位置が不正です。")
	}
	format := opts.Format
	if format == "" {
		format = "{page} / {total}"
	}
	startAt := opts.StartAt
	if startAt == 0 {
		startAt = 1
	}
	return m.addLines(data, []HeaderFooter{{
		Text:     format,
		Anchor:   opts.Anchor,
		FontSize: opts.FontSize,
		Margin:   opts.Margin,
	}}, opts.SkipPages, startAt)
}

// AddHeaderFooter は全ページにヘッダー/フッター行を追加します。
func (m *Manipulator) AddHeaderFooter(data []byte, lines []HeaderFooter) ([]byte, error) {
	if len(lines) == 0 {
		return nil, invalid("ヘッダー/フッターを指定してください。")
	}
	return m.addLines(data, lines, 0, 1)
}

func (m *Manipulator) addLines(data []byte, lines []HeaderFooter, skip, startAt int) ([]byte, error) {
	for i, l := range lines {
		if strings.TrimSpace(l.Text) == "" {
			return nil, invalid("行 %d のテキストが空です。", i+1)
		}
		if _, err := stampText(l.Text); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if !l.Anchor.Valid() {
			return nil, invalid("行 %d の配置位置 %q は不正です。", i+1, l.Anchor)
		}
		if l.FontSize < 0 || l.FontSize > 72 || l.Margin < 0 {
			return nil, invalid("行 %d のフォントサイズまたは余白が不正です。", i+1)
		}
		if l.Color != "" && !validHexColor(l.Color) {
			return nil, invalid("行 %d: 色は #RRGGBB 形式で指定してください。", i+1)
		}
	}
	sizes, err := m.PageSizes(data)
	if err != nil {
		return nil, err
	}
	if skip >= len(sizes) {
		return nil, invalid("番号を振るページがありません。")
	}

	total := len(sizes) - skip + startAt - 1
	var overlays []overlay
	for _, l := range lines {
		fontSize := orDefault(l.FontSize, 10)
		margin := orDefault(l.Margin, defaultMargin)
		for idx := skip; idx < len(sizes); idx++ {
			number := idx - skip + startAt
			text := strings.NewReplacer("{page}", strconv.Itoa(number), "{total}", strconv.Itoa(total)).Replace(l.Text)
			width := MeasureText(text, "Helvetica", "", fontSize)
			x, y := AnchorPosition(l.Anchor, sizes[idx], width, fontSize, margin)
			desc := textDesc("Helvetica", fontSize, x, y, 0, orColor(l.Color, "#000000"), 1)
			escaped, err := stampText(text)
			if err != nil {
				return nil, err
			}
			wm, err := pdfapi.TextWatermark(escaped, desc, true, false, types.POINTS)
			if err != nil {
				return nil, newError(CodeInvalidInput, "ヘッダー/フッターの設定が不正です。", err)
			}
			overlays = append(overlays, overlay{page: idx + 1, wm: wm})
		}
	}
	return applyOverlays(data, overlays)
}

// AnchorPosition は幅 textWidth の文字列をページ端で欠けないように置く左下座標を返します。
func AnchorPosition(anchor Anchor, page PageSize, textWidth, fontSize, margin float64) (x, y float64) {
	switch anchor {
	case AnchorTopLeft, AnchorBottomLeft:
		x = margin
	case AnchorTopCenter, AnchorBottomCenter:
		x = (page.Width - textWidth) / 2
	default:
		x = page.Width - margin - textWidth
	}
	if x < 0 {
		x = 0
	}

	switch anchor {
	case AnchorTopLeft, AnchorTopCenter, AnchorTopRight:
		y = page.Height - margin - fontSize
	default:
		y = margin
	}
	if y < 0 {
		y = 0
	}
	return x, y
}

// stampStyle は pdfcpu の1回の書き込みで全ページに共通して使われる設定です。
type stampStyle struct {
	opacity float64
	onTop   bool
}

type overlayPass struct {
	style stampStyle
	pages map[int]*model.Watermark
}

// planOverlayPasses は重ね合わせを書き込み回に割り当てます。
// 1回の書き込みには同じ stampStyle のものだけを入れ、1ページ1つまでとします。
// 同じページの重ね合わせは指定順に後の回へ割り当てます。
func planOverlayPasses(overlays []overlay) []overlayPass {
	var passes []overlayPass
	last := make(map[int]int)
	for _, o := range overlays {
		style := stampStyle{opacity: o.wm.Opacity, onTop: o.wm.OnTop}
		start := 0
		if j, ok := last[o.page]; ok {
			start = j + 1
		}
		idx := -1
		for j := start; j < len(passes); j++ {
			if passes[j].style == style {
				idx = j
				break
			}
		}
		if idx < 0 {
			passes = append(passes, overlayPass{style: style, pages: make(map[int]*model.Watermark)})
			idx = len(passes) - 1
		}
		passes[idx].pages[o.page] = o.wm
		last[o.page] = idx
	}
	return passes
}

// applyOverlays は planOverlayPasses の割り当て順に書き込みます。
func applyOverlays(data []byte, overlays []overlay) ([]byte, error) {
	current := data
	for _, pass := range planOverlayPasses(overlays) {
		var out bytes.Buffer
		if err := pdfapi.AddWatermarksMap(bytes.NewReader(current), &out, pass.pages, newConfiguration()); err != nil {
			return nil, newError(CodeUnsupportedPDF, "ページへの書き込みに失敗しました。", err)
		}
		current = out.Bytes()
	}
	return current, nil
}

var (
	percentRun     = regexp.MustCompile(`%+`)
	stampDirective = regexp.MustCompile(`%[pPtv]`)
)

// stampText は pdfcpu がページ番号などに置換する % の並びを文字どおりに出力される形にします。
// pdfcpu は %% を % 1文字として出力したあとも次の1文字を置換対象として読むため、
// % の直後の p, P, t, v は表現できずエラーにします。
func stampText(s string) (string, error) {
	if d := stampDirective.FindString(s); d != "" {
		return "", invalid("テキストに %q は書き込めません。%% の直後に p, P, t, v は置けません。", d)
	}
	return percentRun.ReplaceAllString(s, "${0}%"), nil
}

func textDesc(font string, size, x, y, rotation float64, fill string, opacity float64) string {
	return fmt.Sprintf("fontname:%s, points:%d, position:bl, offset:%.2f %.2f, scalefactor:1 abs, rotation:%.2f, fillcolor:%s, opacity:%.2f",
		font, int(math.Round(size)), x, y, rotation, fill, opacity)
}

func solidPNG(hex string, w, h int) ([]byte, error) {
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	c, err := parseHexColor(hex)
	if err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode highlight image: %w", err)
	}
	return buf.Bytes(), nil
}

func validHexColor(s string) bool {
	_, err := parseHexColor(s)
	return err == nil
}

func parseHexColor(s string) (color.RGBA, error) {
	if len(s) != 7 || s[0] != '#' {
		return color.RGBA{}, invalid("色は #RRGGBB 形式で指定してください: %q", s)
	}
	v, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return color.RGBA{}, invalid("色は #RRGGBB 形式で指定してください: %q", s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func orColor(v, def string) string {
	if v == "" {
		return def
	}
	return strings.ToUpper(v)
}
