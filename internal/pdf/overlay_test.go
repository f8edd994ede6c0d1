package pdf_test

import (
	"bytes"
	"math"
	"regexp"
	"strconv"
	"testing"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/docvault/internal/pdf"
	"github.com/yourusername/docvault/internal/pdf/pdftest"
)

// stampOp はページの content stream に追加される重ね合わせの描画命令です。
var stampOp = regexp.MustCompile(`q ([-\d.]+) ([-\d.]+) ([-\d.]+) ([-\d.]+) ([-\d.]+) ([-\d.]+) cm /(\w+) gs /(\w+) Do`)

type renderedStamp struct {
	opacity float64
	x, y    float64
	content string
}

// readStamps は各ページに描画された重ね合わせを content stream の順に読み出します。
func readStamps(t *testing.T, data []byte) map[int][]renderedStamp {
	t.Helper()
	pdfapi.DisableConfigDir()
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	ctx, err := pdfapi.ReadAndValidate(bytes.NewReader(data), conf)
	require.NoError(t, err)

	stamps := make(map[int][]renderedStamp)
	for page := 1; page <= ctx.PageCount; page++ {
		d, _, inherited, err := ctx.PageDict(page, false)
		require.NoError(t, err)
		content, err := ctx.PageContent(d)
		require.NoError(t, err)

		for _, m := range stampOp.FindAllStringSubmatch(string(content), -1) {
			require.NotNil(t, inherited.Resources, "page %d", page)
			states, err := ctx.DereferenceDict(inherited.Resources["ExtGState"])
			require.NoError(t, err)
			state, err := ctx.DereferenceDict(states[m[7]])
			require.NoError(t, err)
			opacity, err := ctx.DereferenceNumber(state["ca"])
			require.NoError(t, err)

			forms, err := ctx.DereferenceDict(inherited.Resources["XObject"])
			require.NoError(t, err)
			form, _, err := ctx.DereferenceStreamDict(forms[m[8]])
			require.NoError(t, err)
			require.NoError(t, form.Decode())

			x, err := strconv.ParseFloat(m[5], 64)
			require.NoError(t, err)
			y, err := strconv.ParseFloat(m[6], 64)
			require.NoError(t, err)
			stamps[page] = append(stamps[page], renderedStamp{
				opacity: math.Round(opacity*100) / 100,
				x:       x,
				y:       y,
				content: string(form.Content),
			})
		}
	}
	return stamps
}

func opacities(stamps []renderedStamp) []float64 {
	out := make([]float64, len(stamps))
	for i, s := range stamps {
		out[i] = s.opacity
	}
	return out
}

func TestHighlightKeepsOpacityPerArea(t *testing.T) {
	m := pdf.NewManipulator()
	src := pdftest.Document(t, 3)

	for i := 0; i < 4; i++ {
		out, err := m.Highlight(src, []pdf.HighlightArea{
			{Page: 1, X: 40, Y: 40, Width: 100, Height: 20, Opacity: 0.2},
			{Page: 2, X: 40, Y: 40, Width: 100, Height: 20, Opacity: 0.9},
			{Page: 1, X: 40, Y: 80, Width: 100, Height: 20, Opacity: 0.9},
		})
		require.NoError(t, err)

		stamps := readStamps(t, out)
		assert.Equal(t, []float64{0.2, 0.9}, opacities(stamps[1]), "run %d", i)
		assert.Equal(t, []float64{0.9}, opacities(stamps[2]), "run %d", i)
		assert.Empty(t, stamps[3], "run %d", i)
		for _, s := range append(stamps[1], stamps[2]...) {
			assert.Contains(t, s.content, "/Im0 Do")
		}
	}
}

func TestHighlightDefaultOpacity(t *testing.T) {
	m := pdf.NewManipulator()
	out, err := m.Highlight(pdftest.Document(t, 1), []pdf.HighlightArea{{Page: 1, X: 10, Y: 10, Width: 50, Height: 10}})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.35}, opacities(readStamps(t, out)[1]))
}

func TestAnnotateTextRendersTextAndColorOnPage(t *testing.T) {
	m := pdf.NewManipulator()
	src := pdftest.Document(t, 2)

	out, err := m.AnnotateText(src, []pdf.TextPlacement{
		{Page: 2, X: 100, Y: 200, Text: "Reviewed", Color: "#0000FF", Opacity: 0.5},
		{Page: 2, X: 100, Y: 300, Text: "Signed", Opacity: 1},
	})
	require.NoError(t, err)

	stamps := readStamps(t, out)
	assert.Empty(t, stamps[1])
	require.Len(t, stamps[2], 2)
	assert.Contains(t, stamps[2][0].content, "(Reviewed) Tj")
	assert.Contains(t, stamps[2][0].content, "0.00 0.00 1.00 rg")
	assert.Equal(t, 0.5, stamps[2][0].opacity)
	assert.Contains(t, stamps[2][1].content, "(Signed) Tj")
	assert.Contains(t, stamps[2][1].content, "0.00 0.00 0.00 rg")
	assert.Equal(t, 1.0, stamps[2][1].opacity)
}

func TestStampUsesRed(t *testing.T) {
	m := pdf.NewManipulator()
	out, err := m.Stamp(pdftest.Document(t, 1), []pdf.TextPlacement{{Page: 1, X: 50, Y: 50, Text: "APPROVED"}})
	require.NoError(t, err)

	stamps := readStamps(t, out)
	require.Len(t, stamps[1], 1)
	assert.Contains(t, stamps[1][0].content, "(APPROVED) Tj")
	assert.Contains(t, stamps[1][0].content, "0.75 0.00 0.00 rg")
}

func TestWatermarkOnEveryPage(t *testing.T) {
	m := pdf.NewManipulator()
	out, err := m.Watermark(pdftest.Document(t, 2), pdf.WatermarkOptions{Text: "DRAFT"})
	require.NoError(t, err)

	stamps := readStamps(t, out)
	for page := 1; page <= 2; page++ {
		require.Len(t, stamps[page], 1, "page %d", page)
		assert.Contains(t, stamps[page][0].content, "(DRAFT) Tj")
		assert.Contains(t, stamps[page][0].content, "0.50 0.50 0.50 rg")
		assert.Equal(t, 0.15, stamps[page][0].opacity)
	}
}

func TestAddPageNumbersTextAndAnchor(t *testing.T) {
	m := pdf.NewManipulator()
	src := pdftest.Document(t, 3)

	out, err := m.AddPageNumbers(src, pdf.PageNumberOptions{Anchor: pdf.AnchorBottomRight, SkipPages: 1})
	require.NoError(t, err)

	stamps := readStamps(t, out)
	assert.Empty(t, stamps[1])
	for page, want := range map[int]string{2: "(1 / 2) Tj", 3: "(2 / 2) Tj"} {
		require.Len(t, stamps[page], 1, "page %d", page)
		s := stamps[page][0]
		assert.Contains(t, s.content, want)
		assert.Greater(t, s.x, pdf.A4Width/2, "page %d", page)
		assert.Less(t, s.y, pdf.A4Height/2, "page %d", page)
	}
}

func TestAddHeaderFooterPlacesEachLine(t *testing.T) {
	m := pdf.NewManipulator()
	src := pdftest.Document(t, 2)

	out, err := m.AddHeaderFooter(src, []pdf.HeaderFooter{
		{Text: "Case 50% final", Anchor: pdf.AnchorTopLeft},
		{Text: "Page {page} of {total}", Anchor: pdf.AnchorBottomCenter, Color: "#FF0000"},
	})
	require.NoError(t, err)

	stamps := readStamps(t, out)
	for page := 1; page <= 2; page++ {
		require.Len(t, stamps[page], 2, "page %d", page)
		header, footer := stamps[page][0], stamps[page][1]
		assert.Contains(t, header.content, "(Case 50% final) Tj")
		assert.Less(t, header.x, pdf.A4Width/2)
		assert.Greater(t, header.y, pdf.A4Height/2)

		assert.Contains(t, footer.content, "(Page "+strconv.Itoa(page)+" of 2) Tj")
		assert.Contains(t, footer.content, "1.00 0.00 0.00 rg")
		assert.Less(t, footer.y, pdf.A4Height/2)
	}
}

func TestOverlayTextKeepsPercentLiteral(t *testing.T) {
	m := pdf.NewManipulator()
	src := pdftest.Document(t, 1)

	out, err := m.AnnotateText(src, []pdf.TextPlacement{
		{Page: 1, X: 10, Y: 10, Text: "100%% done %"},
		{Page: 1, X: 10, Y: 40, Text: "rate 5%/yr"},
	})
	require.NoError(t, err)

	stamps := readStamps(t, out)
	require.Len(t, stamps[1], 2)
	assert.Contains(t, stamps[1][0].content, "(100%% done %) Tj")
	assert.Contains(t, stamps[1][1].content, "(rate 5%/yr) Tj")
}

func TestOverlayTextRejectsPlaceholderSequence(t *testing.T) {
	m := pdf.NewManipulator()
	src := pdftest.Document(t, 2)

	for _, text := range []string{"50%pass", "%P total", "at %t", "%%v"} {
		_, err := m.AnnotateText(src, []pdf.TextPlacement{{Page: 1, X: 10, Y: 10, Text: text}})
		assert.True(t, pdf.IsValidation(err), "text %q", text)
	}

	_, err := m.AddHeaderFooter(src, []pdf.HeaderFooter{{Text: "page %p", Anchor: pdf.AnchorTopLeft}})
	assert.True(t, pdf.IsValidation(err))

	_, err = m.Watermark(src, pdf.WatermarkOptions{Text: "%p"})
	assert.True(t, pdf.IsValidation(err))
}
