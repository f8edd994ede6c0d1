package pdf

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// OptimizePreset は Ghostscript 圧縮のプリセットです。
type OptimizePreset string

const (
	OptimizePresetStandard   OptimizePreset = "standard"
	OptimizePresetAggressive OptimizePreset = "aggressive"
)

// optimize は pdfcpu で重複オブジェクトの除去などを行います。ページ内容は変わりません。
func (m *Manipulator) optimize(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, invalid("PDFデータが空です。")
	}
	var out bytes.Buffer
	if err := pdfapi.Optimize(bytes.NewReader(data), &out, newConfiguration()); err != nil {
		return nil, newError(CodeUnsupportedPDF, "PDFの最適化に失敗しました。", err)
	}
	return out.Bytes(), nil
}

func (m *Manipulator) optimizeWithGhostscript(ctx context.Context, data []byte, preset OptimizePreset) (_ []byte, err error) {
	if m.ghostscriptPath == "" {
		return nil, invalid("Ghostscript が設定されていないためプリセット圧縮は利用できません。")
	}
	if _, err := m.PageCount(data); err != nil {
		return nil, err
	}

	ws, err := newWorkspace("", "optimize")
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := ws.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	inputPath, err := ws.writeFile("input.pdf", data)
	if err != nil {
		return nil, err
	}
	outputPath := ws.path("optimized.pdf")

	cmd := exec.CommandContext(ctx, m.ghostscriptPath, ghostscriptArgs(outputPath, inputPath, preset)...)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, newError(CodeRenderFailed, fmt.Sprintf("Ghostscriptによる圧縮に失敗しました: %s", stderr.String()), err)
	}

	out, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("圧縮後ファイルの読み込みに失敗しました: %w", err)
	}
	return out, nil
}

func normalizePreset(p OptimizePreset) (OptimizePreset, error) {
	switch strings.ToLower(string(p)) {
	case "", string(OptimizePresetStandard):
		return OptimizePresetStandard, nil
	case string(OptimizePresetAggressive):
		return OptimizePresetAggressive, nil
	default:
		return "", invalid("presetには standard または aggressive を指定してください (received: %s)", p)
	}
}

func ghostscriptArgs(outputPath, inputPath string, preset OptimizePreset) []string {
	setting := "/printer"
	if preset == OptimizePresetAggressive {
		setting = "/screen"
	}

	return []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.5",
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
		"-dSAFER",
		fmt.Sprintf("-dPDFSETTINGS=%s", setting),
		fmt.Sprintf("-sOutputFile=%s", outputPath),
		inputPath,
	}
}

// SavedPercent は圧縮による削減率（%）を返します。
func SavedPercent(before, after int) float64 {
	if before == 0 {
		return 0
	}
	return float64(before-after) / float64(before) * 100
}
