package source

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/go-shiori/go-readability"
)

var excessiveLinesRe = regexp.MustCompile(`\n{4,}`)

// Converter extracts the readable content of a page and renders it as
// markdown.
type Converter struct {
	converter *md.Converter
}

// NewConverter creates a converter with GitHub-flavored output.
func NewConverter() *Converter {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &Converter{converter: converter}
}

// Convert runs readability extraction over the raw HTML and converts the
// article body to markdown. pageURL resolves relative links.
func (c *Converter) Convert(rawHTML []byte, pageURL string) (title, markdown string, err error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", "", fmt.Errorf("parse url: %w", err)
	}

	article, err := readability.FromReader(bytes.NewReader(rawHTML), parsed)
	if err != nil {
		return "", "", fmt.Errorf("extract content: %w", err)
	}

	markdown, err = c.converter.ConvertString(article.Content)
	if err != nil {
		return "", "", fmt.Errorf("convert to markdown: %w", err)
	}

	markdown = excessiveLinesRe.ReplaceAllString(markdown, "\n\n\n")
	markdown = strings.TrimSpace(markdown)
	return article.Title, markdown, nil
}
