package pdf

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"unicode/utf16"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// none は arena 内で「参照なし」を表す添字です。
const none = -1

// OutlineNode はしおり1件です。親子と兄弟は arena の添字で指します。
type OutlineNode struct {
	Title     string
	PageIndex int // 0 始まり
	Parent    int
	First     int
	Last      int
	Prev      int
	Next      int
}

// Outline はしおりの arena です。PDF のオブジェクト参照と同じく、各ノードは添字で安定して識別されます。
type Outline struct {
	nodes []OutlineNode
	first int
	last  int
}

// NewOutline は空の Outline を作ります。
func NewOutline() *Outline {
	return &Outline{first: none, last: none}
}

// Add は parent の末尾の子としてノードを追加し、その添字を返します。parent が -1 ならトップレベルです。
func (o *Outline) Add(parent int, title string, pageIndex int) int {
	idx := len(o.nodes)
	node := OutlineNode{
		Title:     title,
		PageIndex: pageIndex,
		Parent:    parent,
		First:     none,
		Last:      none,
		Prev:      none,
		Next:      none,
	}

	var last *int
	var first *int
	if parent == none {
		first, last = &o.first, &o.last
	} else {
		first, last = &o.nodes[parent].First, &o.nodes[parent].Last
	}
	if *last != none {
		node.Prev = *last
		o.nodes[*last].Next = idx
	}
	if *first == none {
		*first = idx
	}
	*last = idx

	o.nodes = append(o.nodes, node)
	return idx
}

// Len はノード数です。
func (o *Outline) Len() int {
	return len(o.nodes)
}

// Node は添字のノードを返します。
func (o *Outline) Node(i int) OutlineNode {
	return o.nodes[i]
}

// descendants は i の子孫の数です（すべて展開状態として数えます）。
func (o *Outline) descendants(i int) int {
	n := 0
	for c := o.nodes[i].First; c != none; c = o.nodes[c].Next {
		n += 1 + o.descendants(c)
	}
	return n
}

// OutlineEntry は読み出したしおりです。
type OutlineEntry struct {
	Title     string `json:"title"`
	PageIndex int    `json:"pageIndex"`
	Level     int    `json:"level"`
}

// Entries は深さ優先の順にしおりを返します。
func (o *Outline) Entries() []OutlineEntry {
	var out []OutlineEntry
	var walk func(i, level int)
	walk = func(i, level int) {
		for ; i != none; i = o.nodes[i].Next {
			out = append(out, OutlineEntry{Title: o.nodes[i].Title, PageIndex: o.nodes[i].PageIndex, Level: level})
			walk(o.nodes[i].First, level+1)
		}
	}
	walk(o.first, 0)
	return out
}

// ApplyOutline は文書のしおりを outline で置き換えます。
// ルートの /Outlines 辞書と各ノードの辞書を間接オブジェクトとして作り、First/Last/Prev/Next/Parent を参照で結びます。
func (m *Manipulator) ApplyOutline(data []byte, outline *Outline) ([]byte, error) {
	if outline == nil || outline.Len() == 0 {
		return nil, invalid("しおりが空です。")
	}
	ctx, err := readContext(data)
	if err != nil {
		return nil, err
	}
	for i, n := range outline.nodes {
		if n.PageIndex < 0 || n.PageIndex >= ctx.PageCount {
			return nil, invalid("しおり %d の参照先ページ %d が存在しません。", i+1, n.PageIndex+1)
		}
	}

	pageRefs := make(map[int]types.IndirectRef)
	pageHeights := make(map[int]float64)
	sizes, err := m.PageSizes(data)
	if err != nil {
		return nil, err
	}
	for _, n := range outline.nodes {
		if _, ok := pageRefs[n.PageIndex]; ok {
			continue
		}
		_, ref, _, err := ctx.PageDict(n.PageIndex+1, false)
		if err != nil || ref == nil {
			return nil, newError(CodeUnsupportedPDF, fmt.Sprintf("ページ %d の参照を取得できません。", n.PageIndex+1), err)
		}
		pageRefs[n.PageIndex] = *ref
		pageHeights[n.PageIndex] = sizes[n.PageIndex].Height
	}

	rootDict := types.Dict(map[string]types.Object{"Type": types.Name("Outlines")})
	rootRef, err := ctx.IndRefForNewObject(rootDict)
	if err != nil {
		return nil, newError(CodeUnsupportedPDF, "しおりの作成に失敗しました。", err)
	}

	dicts := make([]types.Dict, len(outline.nodes))
	refs := make([]types.IndirectRef, len(outline.nodes))
	for i := range outline.nodes {
		dicts[i] = types.Dict(map[string]types.Object{})
		ref, err := ctx.IndRefForNewObject(dicts[i])
		if err != nil {
			return nil, newError(CodeUnsupportedPDF, "しおりの作成に失敗しました。", err)
		}
		refs[i] = *ref
	}

	for i, n := range outline.nodes {
		d := dicts[i]
		d["Title"] = encodeTextString(n.Title)
		if n.Parent == none {
			d["Parent"] = *rootRef
		} else {
			d["Parent"] = refs[n.Parent]
		}
		if n.Prev != none {
			d["Prev"] = refs[n.Prev]
		}
		if n.Next != none {
			d["Next"] = refs[n.Next]
		}
		if n.First != none {
			d["First"] = refs[n.First]
			d["Last"] = refs[n.Last]
			d["Count"] = types.Integer(outline.descendants(i))
		}
		d["Dest"] = types.Array{
			pageRefs[n.PageIndex],
			types.Name("XYZ"),
			types.Float(0),
			types.Float(pageHeights[n.PageIndex]),
			types.Float(0),
		}
	}

	rootDict["First"] = refs[outline.first]
	rootDict["Last"] = refs[outline.last]
	rootDict["Count"] = types.Integer(outline.Len())

	catalog, err := ctx.Catalog()
	if err != nil {
		return nil, newError(CodeUnsupportedPDF, "カタログ辞書を取得できません。", err)
	}
	catalog["Outlines"] = *rootRef
	catalog["PageMode"] = types.Name("UseOutlines")

	var out bytes.Buffer
	if err := pdfapi.WriteContext(ctx, &out); err != nil {
		return nil, newError(CodeUnsupportedPDF, "しおり付きPDFの書き出しに失敗しました。", err)
	}
	return out.Bytes(), nil
}

// ReadOutline は文書のしおりを深さ優先の順に読み出します。
func (m *Manipulator) ReadOutline(data []byte) ([]OutlineEntry, error) {
	ctx, err := readContext(data)
	if err != nil {
		return nil, err
	}
	catalog, err := ctx.Catalog()
	if err != nil {
		return nil, newError(CodeUnsupportedPDF, "カタログ辞書を取得できません。", err)
	}
	obj, ok := catalog.Find("Outlines")
	if !ok {
		return nil, nil
	}
	root, err := ctx.DereferenceDict(obj)
	if err != nil || root == nil {
		return nil, nil
	}

	pageIndex := make(map[int]int, ctx.PageCount)
	for p := 1; p <= ctx.PageCount; p++ {
		_, ref, _, err := ctx.PageDict(p, false)
		if err != nil || ref == nil {
			continue
		}
		pageIndex[ref.ObjectNumber.Value()] = p - 1
	}

	var out []OutlineEntry
	var walk func(obj types.Object, level, depth int) error
	walk = func(obj types.Object, level, depth int) error {
		// 壊れた相互参照でループしないよう深さを制限する
		for steps := 0; obj != nil && steps < 10000; steps++ {
			if depth > 64 {
				return nil
			}
			item, err := ctx.DereferenceDict(obj)
			if err != nil || item == nil {
				return err
			}
			entry := OutlineEntry{Title: decodeTextString(item["Title"]), PageIndex: none, Level: level}
			if dest := destinationArray(ctx, item); len(dest) > 0 {
				if ref, ok := dest[0].(types.IndirectRef); ok {
					if idx, ok := pageIndex[ref.ObjectNumber.Value()]; ok {
						entry.PageIndex = idx
					}
				}
			}
			out = append(out, entry)
			if first, ok := item.Find("First"); ok {
				if err := walk(first, level+1, depth+1); err != nil {
					return err
				}
			}
			next, ok := item.Find("Next")
			if !ok {
				return nil
			}
			obj = next
		}
		return nil
	}
	if first, ok := root.Find("First"); ok {
		if err := walk(first, 0, 0); err != nil {
			return nil, newError(CodeUnsupportedPDF, "しおりの読み込みに失敗しました。", err)
		}
	}
	return out, nil
}

func destinationArray(ctx *model.Context, item types.Dict) types.Array {
	if obj, ok := item.Find("Dest"); ok {
		if arr, err := ctx.DereferenceArray(obj); err == nil {
			return arr
		}
	}
	if obj, ok := item.Find("A"); ok {
		action, err := ctx.DereferenceDict(obj)
		if err != nil || action == nil {
			return nil
		}
		if d, ok := action.Find("D"); ok {
			if arr, err := ctx.DereferenceArray(d); err == nil {
				return arr
			}
		}
	}
	return nil
}

func readContext(data []byte) (*model.Context, error) {
	if len(data) == 0 {
		return nil, invalid("PDFデータが空です。")
	}
	ctx, err := pdfapi.ReadContext(bytes.NewReader(data), newConfiguration())
	if err != nil {
		return nil, newError(CodeUnsupportedPDF, "PDFの解析に失敗しました。", err)
	}
	if err := pdfapi.ValidateContext(ctx); err != nil {
		return nil, newError(CodeUnsupportedPDF, "PDFの検証に失敗しました。", err)
	}
	return ctx, nil
}

// encodeTextString は UTF-16BE（BOM付き）の16進文字列にします。ASCII 以外のタイトルも扱えます。
func encodeTextString(s string) types.HexLiteral {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, 0, 2+2*len(units))
	buf = append(buf, 0xFE, 0xFF)
	for _, u := range units {
		buf = append(buf, byte(u>>8), byte(u))
	}
	return types.HexLiteral(hex.EncodeToString(buf))
}

func decodeTextString(obj types.Object) string {
	var raw []byte
	switch v := obj.(type) {
	case types.HexLiteral:
		b, err := hex.DecodeString(string(v))
		if err != nil {
			return ""
		}
		raw = b
	case types.StringLiteral:
		raw = []byte(string(v))
	default:
		return ""
	}
	if len(raw) >= 2 && raw[0] == 0xFE && raw[1] == 0xFF {
		units := make([]uint16, 0, (len(raw)-2)/2)
		for i := 2; i+1 < len(raw); i += 2 {
			units = append(units, uint16(raw[i])<<8|uint16(raw[i+1]))
		}
		return string(utf16.Decode(units))
	}
	return string(raw)
}
