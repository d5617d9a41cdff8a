package parser

import (
	"encoding/xml"
	"io"
	"strings"

	"github.com/antchfx/xmlquery"
)

// parseTree builds a generic tree from already decoded text. Any encoding
// named in the XML declaration is ignored since the text is UTF-8 by now.
// Lenient mode tolerates the unescaped ampersands and undeclared namespace
// prefixes common in syndication feeds. HTML auto-closing is never enabled
// because it would close <link> before its text.
func parseTree(text string, strict bool) (*xmlquery.Node, error) {
	opts := xmlquery.ParserOptions{
		Decoder: &xmlquery.DecoderOptions{
			Strict: strict,
			Entity: xml.HTMLEntity,
			CharsetReader: func(_ string, r io.Reader) (io.Reader, error) {
				return r, nil
			},
		},
	}
	return xmlquery.ParseWithOptions(strings.NewReader(text), opts)
}

// Element lookups below match on local names so prefixed and unprefixed
// variants of a tag are treated alike.

func children(n *xmlquery.Node, local string) []*xmlquery.Node {
	if n == nil {
		return nil
	}
	var out []*xmlquery.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode && c.Data == local {
			out = append(out, c)
		}
	}
	return out
}

func child(n *xmlquery.Node, local string) *xmlquery.Node {
	if n == nil {
		return nil
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode && c.Data == local {
			return c
		}
	}
	return nil
}

func childText(n *xmlquery.Node, local string) string {
	c := child(n, local)
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.InnerText())
}

// walk visits element nodes below n in document order until fn returns false.
func walk(n *xmlquery.Node, fn func(*xmlquery.Node) bool) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode && !fn(c) {
			return false
		}
		if !walk(c, fn) {
			return false
		}
	}
	return true
}

func find(n *xmlquery.Node, local string) *xmlquery.Node {
	var found *xmlquery.Node
	walk(n, func(e *xmlquery.Node) bool {
		if e.Data == local {
			found = e
			return false
		}
		return true
	})
	return found
}

func findAll(n *xmlquery.Node, local string) []*xmlquery.Node {
	var out []*xmlquery.Node
	walk(n, func(e *xmlquery.Node) bool {
		if e.Data == local {
			out = append(out, e)
		}
		return true
	})
	return out
}

func attr(n *xmlquery.Node, local string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
