package browser

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rohanthewiz/serr"
	"golang.org/x/net/html"
)

// ExtractKind selects one structured view of the current page.
type ExtractKind string

const (
	ExtractText       ExtractKind = "text"
	ExtractHTML       ExtractKind = "html"
	ExtractLinks      ExtractKind = "links"
	ExtractImages     ExtractKind = "images"
	ExtractTables     ExtractKind = "tables"
	ExtractStructured ExtractKind = "structured"
)

const truncationMarker = "\n[output truncated at %d bytes]"

// extract parses the page markup into the requested view. Output longer
// than maxBytes is cut with an explicit marker, never silently.
func extract(markup string, kind ExtractKind, maxBytes int) (string, error) {
	if kind == ExtractHTML {
		return truncate(markup, maxBytes), nil
	}

	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return "", serr.Wrap(err, "failed to parse page markup")
	}

	var out string
	switch kind {
	case ExtractText:
		out = strings.TrimSpace(visibleText(doc))
	case ExtractLinks:
		out = renderPairs(collectLinks(doc))
	case ExtractImages:
		out = renderPairs(collectImages(doc))
	case ExtractTables:
		out = renderTables(collectTables(doc))
	case ExtractStructured:
		out = renderStructured(doc)
	default:
		return "", serr.F("unknown extract kind %q", string(kind))
	}
	return truncate(out, maxBytes), nil
}

func truncate(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multi-byte
	// character.
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf(truncationMarker, maxBytes)
}

// visibleText walks the DOM collecting rendered text, skipping script
// and style subtrees.
func visibleText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template":
				return
			case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "section", "article":
				sb.WriteString("\n")
			}
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				sb.WriteString(text)
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return collapseBlankLines(sb.String())
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var kept []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

type pair struct {
	label string
	value string
}

func collectLinks(doc *html.Node) []pair {
	var links []pair
	forEachElement(doc, "a", func(n *html.Node) {
		href := attr(n, "href")
		if href == "" || strings.HasPrefix(href, "javascript:") {
			return
		}
		links = append(links, pair{label: nodeText(n), value: href})
	})
	return links
}

func collectImages(doc *html.Node) []pair {
	var images []pair
	forEachElement(doc, "img", func(n *html.Node) {
		src := attr(n, "src")
		if src == "" {
			return
		}
		images = append(images, pair{label: attr(n, "alt"), value: src})
	})
	return images
}

func renderPairs(pairs []pair) string {
	if len(pairs) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for i, p := range pairs {
		label := p.label
		if label == "" {
			label = "(no text)"
		}
		fmt.Fprintf(&sb, "%d. %s -> %s\n", i+1, label, p.value)
	}
	return strings.TrimRight(sb.String(), "\n")
}

type table struct {
	headers []string
	rows    [][]string
}

func collectTables(doc *html.Node) []table {
	var tables []table
	forEachElement(doc, "table", func(tn *html.Node) {
		var t table
		forEachElement(tn, "tr", func(tr *html.Node) {
			var cells []string
			isHeader := false
			for c := range elementChildren(tr, "th", "td") {
				if c.Data == "th" {
					isHeader = true
				}
				cells = append(cells, nodeText(c))
			}
			if len(cells) == 0 {
				return
			}
			if isHeader && t.headers == nil {
				t.headers = cells
				return
			}
			t.rows = append(t.rows, cells)
		})
		tables = append(tables, t)
	})
	return tables
}

func renderTables(tables []table) string {
	if len(tables) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for i, t := range tables {
		fmt.Fprintf(&sb, "Table %d:\n", i+1)
		if len(t.headers) > 0 {
			sb.WriteString("  " + strings.Join(t.headers, " | ") + "\n")
		}
		for _, row := range t.rows {
			sb.WriteString("  " + strings.Join(row, " | ") + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// renderStructured produces the summary view: title, canonical URL,
// metadata tags, heading outline, and main-content text.
func renderStructured(doc *html.Node) string {
	var sb strings.Builder

	if title := firstElementText(doc, "title"); title != "" {
		sb.WriteString("Title: " + title + "\n")
	}

	forEachElement(doc, "link", func(n *html.Node) {
		if attr(n, "rel") == "canonical" {
			sb.WriteString("Canonical: " + attr(n, "href") + "\n")
		}
	})

	var meta []string
	forEachElement(doc, "meta", func(n *html.Node) {
		name := attr(n, "name")
		if name == "" {
			name = attr(n, "property")
		}
		content := attr(n, "content")
		if name != "" && content != "" {
			meta = append(meta, "  "+name+": "+content)
		}
	})
	if len(meta) > 0 {
		sb.WriteString("Metadata:\n" + strings.Join(meta, "\n") + "\n")
	}

	var outline []string
	for _, level := range []string{"h1", "h2", "h3"} {
		lvl := level
		forEachElement(doc, lvl, func(n *html.Node) {
			indent := strings.Repeat("  ", int(lvl[1]-'1'))
			outline = append(outline, indent+"- "+nodeText(n))
		})
	}
	if len(outline) > 0 {
		sb.WriteString("Outline:\n" + strings.Join(outline, "\n") + "\n")
	}

	body := mainContent(doc)
	if body != "" {
		sb.WriteString("Content:\n" + body)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// mainContent prefers <main>/<article> text and falls back to the body.
func mainContent(doc *html.Node) string {
	for _, tag := range []string{"main", "article", "body"} {
		if n := firstElement(doc, tag); n != nil {
			if text := strings.TrimSpace(visibleText(n)); text != "" {
				return text
			}
		}
	}
	return ""
}

// DOM walking helpers.

func forEachElement(n *html.Node, tag string, fn func(*html.Node)) {
	if n.Type == html.ElementNode && n.Data == tag {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		forEachElement(c, tag, fn)
	}
}

func firstElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := firstElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func firstElementText(n *html.Node, tag string) string {
	if el := firstElement(n, tag); el != nil {
		return nodeText(el)
	}
	return ""
}

// elementChildren yields direct children matching any of the tags.
func elementChildren(n *html.Node, tags ...string) func(func(*html.Node) bool) {
	return func(yield func(*html.Node) bool) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			for _, tag := range tags {
				if c.Data == tag {
					if !yield(c) {
						return
					}
					break
				}
			}
		}
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
