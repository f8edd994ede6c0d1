package pdf

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/go-pdf/fpdf"
	"golang.org/x/image/draw"
)

const (
	MinDensity     = 36
	MaxDensity     = 600
	DefaultDensity = 150
)

// Rasterizer はPDFの全ページを画像にします。戻り値はページ順です。
type Rasterizer interface {
	Rasterize(ctx context.Context, data []byte, density int) ([]image.Image, error)
}

// GhostscriptRasterizer は Ghostscript の png16m デバイスでページを描画します。
type GhostscriptRasterizer struct {
	Path    string
	WorkDir string
}

// Rasterize は作業ディレクトリにPDFを書き出して Ghostscript を実行し、生成されたPNGを読み込みます。
func (g *GhostscriptRasterizer) Rasterize(ctx context.Context, data []byte, density int) (_ []image.Image, err error) {
	ws, err := newWorkspace(g.WorkDir, "raster")
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := ws.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	input, err := ws.writeFile("input.pdf", data)
	if err != nil {
		return nil, err
	}

	bin := g.Path
	if bin == "" {
		bin = "gs"
	}
	args := []string{
		"-dSAFER",
		"-dBATCH",
		"-dNOPAUSE",
		"-dQUIET",
		"-sDEVICE=png16m",
		"-dTextAlphaBits=4",
		"-dGraphicsAlphaBits=4",
		"-r" + strconv.Itoa(density),
		"-sOutputFile=" + ws.path("page-%04d.png"),
		input,
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, newError(CodeRenderFailed, fmt.Sprintf("Ghostscriptによる描画に失敗しました: %s", stderr.String()), err)
	}

	files, err := filepath.Glob(ws.path("page-*.png"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	images := make([]image.Image, 0, len(files))
	for _, f := range files {
		img, err := decodePNGFile(f)
		if err != nil {
			return nil, newError(CodeRenderFailed, "描画結果の読み込みに失敗しました。", err)
		}
		images = append(images, img)
	}
	return images, nil
}

func decodePNGFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return png.Decode(f)
}

// Redaction は黒塗り範囲です。座標はページに対する 0〜1 の割合で、原点は左上です。
type Redaction struct {
	Page   int     `json:"page"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

const coordEpsilon = 1e-9

// ValidateRedactions はページ数を読む前に判定できる範囲を検証します。
func ValidateRedactions(redactions []Redaction) error {
	for i, r := range redactions {
		if r.Page < 1 {
			return invalid("黒塗り %d: ページ番号は1以上で指定してください。", i+1)
		}
		for _, v := range []float64{r.X, r.Y, r.Width, r.Height} {
			if v < 0 || v > 1 {
				return invalid("黒塗り %d: 座標とサイズは0〜1の割合で指定してください。", i+1)
			}
		}
		if r.Width == 0 || r.Height == 0 {
			return invalid("黒塗り %d: 幅と高さは0より大きくしてください。", i+1)
		}
		if r.X+r.Width > 1+coordEpsilon || r.Y+r.Height > 1+coordEpsilon {
			return invalid("黒塗り %d: 範囲がページからはみ出しています。", i+1)
		}
	}
	return nil
}

// ValidateDensity は解像度（DPI）を検証します。0 は既定値です。
func ValidateDensity(density int) (int, error) {
	if density == 0 {
		return DefaultDensity, nil
	}
	if density < MinDensity || density > MaxDensity {
		return 0, invalid("解像度は %d〜%d DPI で指定してください（received: %d）。", MinDensity, MaxDensity, density)
	}
	return density, nil
}

// RedactByRasterize は全ページを画像化し、黒塗りを画素に合成してから1ページ1画像で組み直します。
// 黒塗りのないページも画像化するため、出力には文字や図形のレイヤーが残りません。
func (m *Manipulator) RedactByRasterize(ctx context.Context, data []byte, redactions []Redaction, density int) ([]byte, error) {
	if err := ValidateRedactions(redactions); err != nil {
		return nil, err
	}
	density, err := ValidateDensity(density)
	if err != nil {
		return nil, err
	}
	sizes, err := m.PageSizes(data)
	if err != nil {
		return nil, err
	}
	for i, r := range redactions {
		if r.Page > len(sizes) {
			return nil, invalid("黒塗り %d: ページ %d は存在しません（1〜%d）。", i+1, r.Page, len(sizes))
		}
	}

	pages, err := m.rasterize(ctx, data, density, len(sizes))
	if err != nil {
		return nil, err
	}

	byPage := make(map[int][]Redaction)
	for _, r := range redactions {
		byPage[r.Page] = append(byPage[r.Page], r)
	}

	encoded := make([]rasterPage, len(pages))
	for i, src := range pages {
		canvas := toRGBA(src)
		for _, r := range byPage[i+1] {
			draw.Draw(canvas, RedactionRect(r, canvas.Bounds()), image.Black, image.Point{}, draw.Src)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, canvas); err != nil {
			return nil, newError(CodeRenderFailed, "黒塗り画像の生成に失敗しました。", err)
		}
		encoded[i] = rasterPage{data: buf.Bytes(), imageType: "PNG", size: sizes[i]}
	}
	return m.reassemble(encoded)
}

// RedactionRect は割合指定の矩形を画像の画素座標に変換します。
func RedactionRect(r Redaction, bounds image.Rectangle) image.Rectangle {
	w := float64(bounds.Dx())
	h := float64(bounds.Dy())
	x0 := bounds.Min.X + int(r.X*w)
	y0 := bounds.Min.Y + int(r.Y*h)
	x1 := bounds.Min.X + int(math.Ceil((r.X+r.Width)*w))
	y1 := bounds.Min.Y + int(math.Ceil((r.Y+r.Height)*h))
	return image.Rect(x0, y0, x1, y1).Intersect(bounds)
}

// CompressOptions は圧縮の設定です。
type CompressOptions struct {
	// Rasterize が true の場合、全ページを JPEG 画像として組み直します（非可逆）。
	Rasterize   bool `json:"rasterize,omitempty"`
	Density     int  `json:"density,omitempty"`
	JPEGQuality int  `json:"jpegQuality,omitempty"`
	// Preset を指定すると Ghostscript の pdfwrite で再圧縮します（standard/aggressive）。
	Preset OptimizePreset `json:"preset,omitempty"`
}

// Validate は設定を検証し、既定値を補います。
func (o CompressOptions) Validate() (CompressOptions, error) {
	if o.Rasterize {
		density, err := ValidateDensity(o.Density)
		if err != nil {
			return o, err
		}
		o.Density = density
		if o.JPEGQuality == 0 {
			o.JPEGQuality = 75
		}
		if o.JPEGQuality < 1 || o.JPEGQuality > 100 {
			return o, invalid("JPEG品質は1〜100で指定してください（received: %d）。", o.JPEGQuality)
		}
		return o, nil
	}
	if o.Preset != "" {
		preset, err := normalizePreset(o.Preset)
		if err != nil {
			return o, err
		}
		o.Preset = preset
	}
	return o, nil
}

// Compress はPDFを圧縮します。Rasterize 指定時は全ページを画像化し、元のページ寸法で組み直します。
func (m *Manipulator) Compress(ctx context.Context, data []byte, opts CompressOptions) ([]byte, error) {
	opts, err := opts.Validate()
	if err != nil {
		return nil, err
	}
	if !opts.Rasterize {
		if opts.Preset != "" {
			return m.optimizeWithGhostscript(ctx, data, opts.Preset)
		}
		return m.optimize(data)
	}

	sizes, err := m.PageSizes(data)
	if err != nil {
		return nil, err
	}
	pages, err := m.rasterize(ctx, data, opts.Density, len(sizes))
	if err != nil {
		return nil, err
	}

	encoded := make([]rasterPage, len(pages))
	for i, src := range pages {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, toRGBA(src), &jpeg.Options{Quality: opts.JPEGQuality}); err != nil {
			return nil, newError(CodeRenderFailed, "JPEGの生成に失敗しました。", err)
		}
		encoded[i] = rasterPage{data: buf.Bytes(), imageType: "JPG", size: sizes[i]}
	}
	return m.reassemble(encoded)
}

func (m *Manipulator) rasterize(ctx context.Context, data []byte, density, pageCount int) ([]image.Image, error) {
	if m.rasterizer == nil {
		return nil, newError(CodeRenderFailed, "ラスタライザが設定されていません。", nil)
	}
	pages, err := m.rasterizer.Rasterize(ctx, data, density)
	if err != nil {
		return nil, err
	}
	if len(pages) != pageCount {
		return nil, newError(CodeRenderFailed, fmt.Sprintf("描画されたページ数（%d）が元のページ数（%d）と一致しません。", len(pages), pageCount), nil)
	}
	return pages, nil
}

type rasterPage struct {
	data      []byte
	imageType string
	size      PageSize
}

// reassemble は1ページに1枚の画像を全面に配置した新しいPDFを作ります。ページ寸法は元のままです。
func (m *Manipulator) reassemble(pages []rasterPage) ([]byte, error) {
	if len(pages) == 0 {
		return nil, invalid("ページがありません。")
	}
	doc := NewDocument(m.now())
	for i, p := range pages {
		// fpdf は縦向きの寸法を受け取り、横向きなら入れ替えて使う
		if p.size.Width > p.size.Height {
			doc.AddPageFormat("L", fpdf.SizeType{Wd: p.size.Height, Ht: p.size.Width})
		} else {
			doc.AddPageFormat("P", fpdf.SizeType{Wd: p.size.Width, Ht: p.size.Height})
		}
		name := "page-" + strconv.Itoa(i+1)
		opts := fpdf.ImageOptions{ImageType: p.imageType}
		doc.RegisterImageOptionsReader(name, opts, bytes.NewReader(p.data))
		doc.ImageOptions(name, 0, 0, p.size.Width, p.size.Height, false, opts, 0, "")
	}
	return Output(doc)
}

func toRGBA(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok {
		return rgba
	}
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)
	return dst
}
