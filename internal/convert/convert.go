// Package convert turns a note's JSON record into a Markdown document. Only
// the transcription HTML of records marked ready for publication is
// converted; anything else is a permanent failure for the document stage.
package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"zkarchive/internal/archive"
	"zkarchive/internal/ident"
)

// archiveBase is prepended to internal archive links so documents work
// outside the site.
const archiveBase = "https://niklas-luhmann-archiv.de"

type record struct {
	Transcription struct {
		HTML                string `json:"html"`
		ReadyForPublication bool   `json:"readyForPublication"`
	} `json:"transcription"`
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Markdown converts a JSON record to a Markdown document. Records without a
// publication-ready transcription fail permanently.
func Markdown(data []byte) (string, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", archive.Permanent(fmt.Errorf("decode record json: %w", err))
	}
	if !rec.Transcription.ReadyForPublication {
		return "", archive.Permanent(fmt.Errorf("transcription not ready for publication"))
	}
	if rec.Transcription.HTML == "" {
		return "", archive.Permanent(fmt.Errorf("record has no transcription html"))
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rec.Transcription.HTML))
	if err != nil {
		return "", archive.Permanent(fmt.Errorf("parse transcription html: %w", err))
	}

	var b strings.Builder
	doc.Selection.Each(func(_ int, sel *goquery.Selection) {
		for _, node := range sel.Nodes {
			renderNode(&b, node)
		}
	})

	out := blankRuns.ReplaceAllString(b.String(), "\n\n")
	return strings.TrimSpace(out) + "\n", nil
}

func nodeAttr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func renderChildren(b *strings.Builder, n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderNode(b, c)
	}
}

func childText(n *html.Node) string {
	var b strings.Builder
	renderChildren(&b, n)
	return b.String()
}

func renderNode(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
	default:
		renderChildren(b, n)
		return
	}

	switch n.Data {
	case "br":
		b.WriteString("\n")
	case "p", "div":
		b.WriteString("\n\n")
		renderChildren(b, n)
		b.WriteString("\n\n")
	case "h1", "h2", "h3", "h4", "h5", "h6":
		level := int(n.Data[1] - '0')
		b.WriteString("\n\n")
		b.WriteString(strings.Repeat("#", level))
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(childText(n)))
		b.WriteString("\n\n")
	case "b", "strong":
		b.WriteString("**")
		renderChildren(b, n)
		b.WriteString("**")
	case "i", "em":
		b.WriteString("*")
		renderChildren(b, n)
		b.WriteString("*")
	case "span":
		if strings.Contains(nodeAttr(n, "class"), "underline") {
			b.WriteString("__")
			renderChildren(b, n)
			b.WriteString("__")
			return
		}
		renderChildren(b, n)
	case "a":
		href := nodeAttr(n, "href")
		if strings.HasPrefix(href, "/bestand") {
			href = archiveBase + href
		}
		text := strings.TrimSpace(childText(n))
		if href == "" {
			b.WriteString(text)
			return
		}
		fmt.Fprintf(b, "[%s](%s)", text, href)
	case "ul", "ol":
		b.WriteString("\n")
		renderChildren(b, n)
		b.WriteString("\n")
	case "li":
		b.WriteString("- ")
		b.WriteString(strings.TrimSpace(childText(n)))
		b.WriteString("\n")
	case "tr":
		var cells []string
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
				cells = append(cells, strings.TrimSpace(childText(c)))
			}
		}
		b.WriteString("| ")
		b.WriteString(strings.Join(cells, " | "))
		b.WriteString(" |\n")
	case "table", "thead", "tbody":
		b.WriteString("\n")
		renderChildren(b, n)
		b.WriteString("\n")
	case "img", "script", "style":
		// dropped
	default:
		renderChildren(b, n)
	}
}

// NewStage returns the document-stage work function: loads the identifier's
// JSON record, converts the transcription to Markdown, and stores the
// document artifact.
func NewStage(blobs archive.BlobStore, recordPrefix, documentPrefix string) archive.StageFunc {
	return func(ctx context.Context, id ident.Identifier) (string, error) {
		recPath := fmt.Sprintf("%s/%s.json", recordPrefix, id.Format())
		data, err := blobs.GetObject(ctx, recPath)
		if err != nil {
			return "", archive.Transient(fmt.Errorf("load record %s: %w", recPath, err))
		}
		md, err := Markdown(data)
		if err != nil {
			return "", fmt.Errorf("convert %s: %w", id.Format(), err)
		}
		ref, err := blobs.PutObject(ctx, fmt.Sprintf("%s/%s.md", documentPrefix, id.Format()),
			"text/markdown; charset=utf-8", []byte(md))
		if err != nil {
			return "", archive.Transient(fmt.Errorf("store document: %w", err))
		}
		return ref, nil
	}
}
