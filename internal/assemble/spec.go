// Package assemble は監査パッケージ（表紙・目次・区切りページ・原本・しおり）を1つのPDFに組み上げます。
package assemble

import (
	"fmt"
	"strings"

	"github.com/yourusername/docvault/internal/pdf"
)

const (
	maxSections   = 100
	maxReferences = 1000
	maxTitleRunes = 200
)

// DocumentRef はセクションに含める文書です。Label が空なら文書のファイル名を表示します。
type DocumentRef struct {
	DocumentID string `json:"documentId"`
	Label      string `json:"label,omitempty"`
}

// Section は区切りページから始まる文書のまとまりです。
type Section struct {
	Title     string        `json:"title"`
	Documents []DocumentRef `json:"documents"`
}

// Spec は監査パッケージの構成です。
type Spec struct {
	Title        string    `json:"title"`
	Sections     []Section `json:"sections"`
	IncludeIndex bool      `json:"includeIndex,omitempty"`
}

// Validate は構成を検証します。文書IDはセクションをまたいで重複してもかまいません。
func (s Spec) Validate() error {
	if len([]rune(s.Title)) > maxTitleRunes {
		return invalid("タイトルは%d文字以内で指定してください。", maxTitleRunes)
	}
	if len(s.Sections) == 0 {
		return invalid("セクションを1つ以上指定してください。")
	}
	if len(s.Sections) > maxSections {
		return invalid("セクションは%d個以内で指定してください。", maxSections)
	}
	total := 0
	for i, sec := range s.Sections {
		if strings.TrimSpace(sec.Title) == "" {
			return invalid("セクション %d のタイトルが空です。", i+1)
		}
		if len([]rune(sec.Title)) > maxTitleRunes {
			return invalid("セクション %d のタイトルが長すぎます。", i+1)
		}
		if len(sec.Documents) == 0 {
			return invalid("セクション %d に文書を1つ以上指定してください。", i+1)
		}
		for j, ref := range sec.Documents {
			if strings.TrimSpace(ref.DocumentID) == "" {
				return invalid("セクション %d の文書 %d に documentId がありません。", i+1, j+1)
			}
			if len([]rune(ref.Label)) > maxTitleRunes {
				return invalid("セクション %d の文書 %d のラベルが長すぎます。", i+1, j+1)
			}
		}
		total += len(sec.Documents)
	}
	if total > maxReferences {
		return invalid("文書は合計%d件以内で指定してください。", maxReferences)
	}
	return nil
}

// DocumentIDs は参照される文書IDを初出順に重複なく返します。
func (s Spec) DocumentIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, sec := range s.Sections {
		for _, ref := range sec.Documents {
			if _, ok := seen[ref.DocumentID]; ok {
				continue
			}
			seen[ref.DocumentID] = struct{}{}
			ids = append(ids, ref.DocumentID)
		}
	}
	return ids
}

func (s Spec) title() string {
	if t := strings.TrimSpace(s.Title); t != "" {
		return t
	}
	return "Audit Package"
}

func invalid(format string, args ...any) error {
	return pdf.NewError(pdf.CodeInvalidInput, fmt.Sprintf(format, args...), nil)
}
