package convert

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/fumiama/go-docx"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/net/html"
)

// block は組版前の段落です。level が 1〜6 なら見出しです。
type block struct {
	level int
	text  string
	mono  bool
}

func parseMarkdown(src []byte) []block {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var blocks []block
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			blocks = appendBlock(blocks, block{level: node.Level, text: string(node.Text(src))})
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			blocks = appendBlock(blocks, block{text: linesText(n, src), mono: true})
		case *ast.List:
			for item := node.FirstChild(); item != nil; item = item.NextSibling() {
				blocks = appendBlock(blocks, block{text: "- " + inlineText(item, src)})
			}
		default:
			blocks = appendBlock(blocks, block{text: inlineText(n, src)})
		}
	}
	return blocks
}

func linesText(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		buf.Write(line.Value(src))
	}
	return strings.TrimRight(buf.String(), "\n")
}

// inlineText はブロック内の文字列を改行を保って連結します。
func inlineText(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	if n.Type() == ast.TypeBlock && n.FirstChild() == nil {
		buf.WriteString(linesText(n, src))
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Value(src))
			if t.HardLineBreak() || t.SoftLineBreak() {
				buf.WriteByte('\n')
			}
			continue
		}
		if c.Type() == ast.TypeBlock && buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(inlineText(c, src))
	}
	return strings.TrimSpace(buf.String())
}

func parseDOCX(data []byte) ([]block, error) {
	doc, err := docx.Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parse docx: %w", err)
	}
	var blocks []block
	for _, item := range doc.Document.Body.Items {
		para, ok := item.(*docx.Paragraph)
		if !ok {
			continue
		}
		blocks = appendBlock(blocks, block{level: docxHeadingLevel(para), text: docxParagraphText(para)})
	}
	return blocks, nil
}

func docxHeadingLevel(para *docx.Paragraph) int {
	if para.Properties == nil || para.Properties.Style == nil {
		return 0
	}
	return headingFromStyle(para.Properties.Style.Val)
}

// headingFromStyle は "Heading1" や "heading 1" のような段落スタイル名から見出しレベルを返します。
func headingFromStyle(name string) int {
	style := strings.ToLower(strings.ReplaceAll(name, " ", ""))
	if strings.HasPrefix(style, "heading") && len(style) == len("heading")+1 {
		if d := style[len(style)-1]; d >= '1' && d <= '6' {
			return int(d - '0')
		}
	}
	if style == "title" {
		return 1
	}
	return 0
}

func docxParagraphText(para *docx.Paragraph) string {
	var buf strings.Builder
	for _, child := range para.Children {
		run, ok := child.(*docx.Run)
		if !ok {
			continue
		}
		for _, rc := range run.Children {
			if t, ok := rc.(*docx.Text); ok {
				buf.WriteString(t.Text)
			}
		}
	}
	return strings.TrimSpace(buf.String())
}

func parseHTML(data []byte) ([]block, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var blocks []block
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if level := headingLevel(n.Data); level > 0 {
				blocks = appendBlock(blocks, block{level: level, text: textContent(n)})
				return
			}
			switch n.Data {
			case "script", "style", "nav", "head":
				return
			case "pre":
				blocks = appendBlock(blocks, block{text: strings.Trim(rawText(n), "\n"), mono: true})
				return
			case "li":
				blocks = appendBlock(blocks, block{text: "- " + textContent(n)})
				return
			case "p", "td", "blockquote":
				blocks = appendBlock(blocks, block{text: textContent(n)})
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return blocks, nil
}

func headingLevel(tag string) int {
	if len(tag) == 2 && tag[0] == 'h' && tag[1] >= '1' && tag[1] <= '6' {
		return int(tag[1] - '0')
	}
	return 0
}

// textContent は空白を詰めた本文を返します。
func textContent(n *html.Node) string {
	return strings.Join(strings.Fields(rawText(n)), " ")
}

func rawText(n *html.Node) string {
	var buf strings.Builder
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}
		if n.Type == html.ElementNode && n.Data == "br" {
			buf.WriteByte('\n')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(n)
	return buf.String()
}

// parseText は空行区切りで段落に分けます。
func parseText(r io.Reader) ([]block, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var blocks []block
	var current strings.Builder
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			blocks = appendBlock(blocks, block{text: current.String()})
			current.Reset()
			continue
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return appendBlock(blocks, block{text: current.String()}), nil
}

// parseCSV は1行を " | " 区切りの1段落にします。先頭行は見出し扱いです。
func parseCSV(data []byte) ([]block, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	var blocks []block
	for i, rec := range records {
		level := 0
		if i == 0 {
			level = 3
		}
		blocks = appendBlock(blocks, block{level: level, text: strings.Join(rec, " | ")})
	}
	return blocks, nil
}

func appendBlock(blocks []block, b block) []block {
	if strings.TrimSpace(b.text) == "" {
		return blocks
	}
	return append(blocks, b)
}
