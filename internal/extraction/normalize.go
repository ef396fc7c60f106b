package extraction

import (
	"bytes"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Normalize collapses whitespace runs to single spaces, keeping paragraph
// breaks, and returns the text with its word count.
func Normalize(raw string) (string, int) {
	raw = strings.ToValidUTF8(raw, "")
	raw = strings.ReplaceAll(raw, "\r\n", "\n")

	var paragraphs []string
	words := 0
	for _, block := range strings.Split(raw, "\n\n") {
		fields := strings.Fields(block)
		if len(fields) == 0 {
			continue
		}
		words += len(fields)
		paragraphs = append(paragraphs, strings.Join(fields, " "))
	}
	return strings.Join(paragraphs, "\n\n"), words
}

// skipped elements never contribute visible text.
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Head:     true,
	atom.Svg:      true,
}

// block elements end a paragraph.
var block = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Blockquote: true, atom.Pre: true,
	atom.Tr: true, atom.Title: true,
}

// HTMLText returns the visible text of an HTML document.
func HTMLText(body []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipped[n.DataAtom] {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && block[n.DataAtom] {
			b.WriteString("\n\n")
		}
	}
	walk(doc)
	return b.String(), nil
}

// commonEnglish is a small stop-word list for telling English apart from
// other Latin-script text.
var commonEnglish = map[string]bool{
	"the": true, "and": true, "of": true, "to": true, "a": true, "in": true,
	"is": true, "it": true, "that": true, "for": true, "on": true, "with": true,
	"as": true, "this": true, "are": true, "was": true, "be": true, "by": true,
}

// DetectLanguage guesses an ISO 639-1 code from the dominant script.
// It returns "und" when unsure.
func DetectLanguage(text string) string {
	counts := map[string]int{}
	letters := 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		switch {
		case unicode.Is(unicode.Hiragana, r), unicode.Is(unicode.Katakana, r):
			counts["ja"]++
		case unicode.Is(unicode.Han, r):
			counts["zh"]++
		case unicode.Is(unicode.Hangul, r):
			counts["ko"]++
		case unicode.Is(unicode.Cyrillic, r):
			counts["ru"]++
		case unicode.Is(unicode.Arabic, r):
			counts["ar"]++
		case unicode.Is(unicode.Greek, r):
			counts["el"]++
		case unicode.Is(unicode.Latin, r):
			counts["latin"]++
		}
	}
	if letters == 0 {
		return "und"
	}
	// Japanese text mixes kana with Han.
	if counts["ja"] > 0 && counts["ja"]+counts["zh"] > letters/2 {
		return "ja"
	}

	best, bestCount := "", 0
	for lang, n := range counts {
		if n > bestCount {
			best, bestCount = lang, n
		}
	}
	if bestCount*2 < letters {
		return "und"
	}
	if best != "latin" {
		return best
	}

	words := strings.Fields(strings.ToLower(text))
	hits := 0
	for _, w := range words {
		if commonEnglish[strings.Trim(w, ".,;:!?\"'()")] {
			hits++
		}
	}
	if len(words) > 0 && hits*10 >= len(words) {
		return "en"
	}
	return "und"
}

// isText reports whether body looks like UTF-8 text.
func isText(body []byte) bool {
	if !utf8.Valid(body) {
		return false
	}
	return bytes.IndexByte(body, 0) < 0
}
