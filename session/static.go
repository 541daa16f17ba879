package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/pagepack/resolve"
	"github.com/hazyhaar/pagepack/resource"
)

// StaticEnvironment reads a page through a Fetcher and walks its markup with
// the HTML tokenizer. Elements are reported as the tokenizer reaches them, so
// processing order is document order. It executes no script, so elements a
// loader would inject at run time are not seen; use BrowserEnvironment for
// such pages.
type StaticEnvironment struct {
	fetcher resolve.Fetcher
	logger  *slog.Logger
}

// NewStaticEnvironment creates a StaticEnvironment.
func NewStaticEnvironment(f resolve.Fetcher, logger *slog.Logger) *StaticEnvironment {
	if logger == nil {
		logger = slog.Default()
	}
	return &StaticEnvironment{fetcher: f, logger: logger}
}

// Load implements Environment.
func (e *StaticEnvironment) Load(ctx context.Context, pageURL string, hooks Hooks) error {
	src, err := e.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return err
	}
	e.logger.Debug("session: static page read", "url", pageURL, "size", len(src))
	return Walk(ctx, strings.NewReader(src), hooks)
}

// Walk tokenizes markup from r and fires hooks in document order.
func Walk(ctx context.Context, r io.Reader, hooks Hooks) error {
	z := html.NewTokenizer(r)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return nil
			}
			return fmt.Errorf("tokenize: %w", z.Err())

		case html.StartTagToken, html.SelfClosingTagToken:
			if err := ctx.Err(); err != nil {
				return err
			}
			tok := z.Token()
			attrs := attrMap(tok.Attr)
			selfClosing := tt == html.SelfClosingTagToken

			switch tok.DataAtom {
			case atom.Script:
				text, err := rawText(z, tok.Data, selfClosing)
				if err != nil {
					return err
				}
				if strings.EqualFold(strings.TrimSpace(attrs["type"]), DeclarationsType) {
					if err := declare(text, hooks); err != nil {
						return err
					}
					continue
				}
				if err := hooks.Element(Element{Tag: tok.Data, Attrs: attrs, Text: text}); err != nil {
					return err
				}

			case atom.Style:
				text, err := rawText(z, tok.Data, selfClosing)
				if err != nil {
					return err
				}
				if err := hooks.Element(Element{Tag: tok.Data, Attrs: attrs, Text: text}); err != nil {
					return err
				}

			case atom.Link:
				if err := hooks.Element(Element{Tag: tok.Data, Attrs: attrs}); err != nil {
					return err
				}

			default:
				if _, tagged := attrs[resource.TypeAttr]; !tagged {
					continue
				}
				text := ""
				if !selfClosing && !isVoid(tok.DataAtom) {
					var err error
					if text, err = innerText(z, tok.Data); err != nil {
						return err
					}
				}
				if err := hooks.Element(Element{Tag: tok.Data, Attrs: attrs, Text: text}); err != nil {
					return err
				}
			}
		}
	}
}

// rawText reads the raw text content of a script or style element up to its
// end tag. An element left open at end of input is malformed markup.
func rawText(z *html.Tokenizer, tag string, selfClosing bool) (string, error) {
	if selfClosing {
		return "", nil
	}
	var sb strings.Builder
	for {
		switch z.Next() {
		case html.TextToken:
			sb.Write(z.Text())
		case html.EndTagToken:
			name, _ := z.TagName()
			if strings.EqualFold(string(name), tag) {
				return sb.String(), nil
			}
			sb.Write(z.Raw())
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return "", fmt.Errorf("unterminated <%s> element", tag)
			}
			return "", fmt.Errorf("tokenize: %w", z.Err())
		default:
			sb.Write(z.Raw())
		}
	}
}

// innerText collects the text inside a tagged element, tracking nested
// elements with the same name.
func innerText(z *html.Tokenizer, tag string) (string, error) {
	var sb strings.Builder
	depth := 1
	for {
		switch z.Next() {
		case html.TextToken:
			sb.Write(z.Text())
		case html.StartTagToken:
			if name, _ := z.TagName(); strings.EqualFold(string(name), tag) {
				depth++
			}
			sb.Write(z.Raw())
		case html.EndTagToken:
			if name, _ := z.TagName(); strings.EqualFold(string(name), tag) {
				depth--
				if depth == 0 {
					return sb.String(), nil
				}
			}
			sb.Write(z.Raw())
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return "", fmt.Errorf("unterminated <%s> element", tag)
			}
			return "", fmt.Errorf("tokenize: %w", z.Err())
		default:
			sb.Write(z.Raw())
		}
	}
}

// declare parses a declarations block. Two shapes are accepted:
//
//	[{"type": "text/x-a", "as": "template"}]
//	{"text/x-a": {"as": "template", "engine": "a"}}
func declare(text string, hooks Hooks) error {
	decls, err := ParseDeclarations(text)
	if err != nil {
		return err
	}
	for _, d := range decls {
		if err := hooks.Declare(d); err != nil {
			return err
		}
	}
	return nil
}

// ParseDeclarations decodes the body of a declarations block.
func ParseDeclarations(text string) ([]resolve.Declaration, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	var list []resolve.Declaration
	if strings.HasPrefix(text, "[") {
		if err := json.Unmarshal([]byte(text), &list); err != nil {
			return nil, fmt.Errorf("declarations: %w", err)
		}
		return list, nil
	}
	var byType map[string]resolve.Declaration
	if err := json.Unmarshal([]byte(text), &byType); err != nil {
		return nil, fmt.Errorf("declarations: %w", err)
	}
	for typ, d := range byType {
		d.Type = typ
		list = append(list, d)
	}
	// Map order is random; keep registration deterministic.
	slices.SortFunc(list, func(a, b resolve.Declaration) int { return strings.Compare(a.Type, b.Type) })
	return list, nil
}

func attrMap(attrs []html.Attribute) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[strings.ToLower(a.Key)] = a.Val
	}
	return m
}

func isVoid(a atom.Atom) bool {
	switch a {
	case atom.Area, atom.Base, atom.Br, atom.Col, atom.Embed, atom.Hr, atom.Img,
		atom.Input, atom.Link, atom.Meta, atom.Source, atom.Track, atom.Wbr:
		return true
	}
	return false
}
