package requests

import (
	"bytes"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

var (
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
)

// noiseTags never carry response content worth asserting on.
var noiseTags = map[string]bool{
	"nav": true, "header": true, "footer": true, "aside": true,
	"script": true, "style": true, "noscript": true, "iframe": true,
	"form": true, "button": true, "svg": true,
}

// htmlConverter turns text/html responses into markdown so request
// assertions and interpolations see readable text instead of markup.
type htmlConverter struct {
	md *md.Converter
}

func newHTMLConverter() *htmlConverter {
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	return &htmlConverter{md: conv}
}

// Convert returns the markdown rendering of the document's main content.
func (c *htmlConverter) Convert(body []byte) (string, error) {
	out, err := c.md.ConvertString(mainContent(body))
	if err != nil {
		return "", err
	}
	return tidyMarkdown(out), nil
}

// mainContent picks <main>, <article> or [role=main] when present and
// otherwise strips noise elements from <body>.
func mainContent(body []byte) string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return scriptStyleRe.ReplaceAllString(string(body), "")
	}

	if n := findNode(doc, func(n *html.Node) bool {
		return n.Data == "main" || n.Data == "article" || attr(n, "role") == "main"
	}); n != nil {
		return render(n)
	}

	prune(doc)
	if b := findNode(doc, func(n *html.Node) bool { return n.Data == "body" }); b != nil {
		return render(b)
	}
	return string(body)
}

func findNode(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, match); found != nil {
			return found
		}
	}
	return nil
}

func prune(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && noiseTags[c.Data] {
			n.RemoveChild(c)
		} else {
			prune(c)
		}
		c = next
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

func render(n *html.Node) string {
	var sb strings.Builder
	_ = html.Render(&sb, n)
	return sb.String()
}

func tidyMarkdown(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(blankRunRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}
