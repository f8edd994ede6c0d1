// Package pdftest はテスト用のPDF生成とラスタライザを提供します。
package pdftest

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/yourusername/docvault/internal/pdf"
)

// Document は "PAGE n" と書かれた A4 のPDFを pages ページ分作ります。
func Document(t testing.TB, pages int) []byte {
	t.Helper()
	sizes := make([]pdf.PageSize, pages)
	for i := range sizes {
		sizes[i] = pdf.PageSize{Width: pdf.A4Width, Height: pdf.A4Height}
	}
	return DocumentWithSizes(t, sizes...)
}

// DocumentWithSizes はページごとに寸法を指定してPDFを作ります。幅で各ページを識別できます。
func DocumentWithSizes(t testing.TB, sizes ...pdf.PageSize) []byte {
	t.Helper()
	if len(sizes) == 0 {
		t.Fatal("pdftest: at least one page is required")
	}
	doc := pdf.NewDocument(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	doc.SetFont("Helvetica", "", 14)
	for i, s := range sizes {
		if s.Width > s.Height {
			doc.AddPageFormat("L", fpdf.SizeType{Wd: s.Height, Ht: s.Width})
		} else {
			doc.AddPageFormat("P", fpdf.SizeType{Wd: s.Width, Ht: s.Height})
		}
		doc.Text(40, 60, fmt.Sprintf("PAGE %d", i+1))
	}
	data, err := pdf.Output(doc)
	if err != nil {
		t.Fatalf("pdftest: %v", err)
	}
	return data
}

// Rasterizer はページ寸法と解像度から白紙の画像を返す偽物です。
type Rasterizer struct {
	Calls atomic.Int32
	Err   error
}

// Rasterize は各ページを白い画像として返します。
func (r *Rasterizer) Rasterize(ctx context.Context, data []byte, density int) ([]image.Image, error) {
	r.Calls.Add(1)
	if r.Err != nil {
		return nil, r.Err
	}
	sizes, err := pdf.NewManipulator().PageSizes(data)
	if err != nil {
		return nil, err
	}
	images := make([]image.Image, len(sizes))
	for i, s := range sizes {
		w := int(math.Round(s.Width * float64(density) / 72))
		h := int(math.Round(s.Height * float64(density) / 72))
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.Set(x, y, color.White)
			}
		}
		images[i] = img
	}
	return images, nil
}
