// Package canonical parses GraphQL executable documents under a token cap
// and renders them to a byte-deterministic textual form, so that signature
// admission (pkg/admission) computes a stable HMAC regardless of the
// formatting the client happened to send.
package canonical

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/lexer"
	"github.com/vektah/gqlparser/v2/parser"

	lru "github.com/hashicorp/golang-lru"
)

// FailureKind distinguishes why parse failed. Both kinds surface to the
// client as 403 — the policy deliberately collapses them so parser
// internals never leak.
type FailureKind int

const (
	Syntax FailureKind = iota
	TokenLimit
)

type ParseFailure struct {
	Kind FailureKind
	Err  error
}

func (f *ParseFailure) Error() string {
	if f.Kind == TokenLimit {
		return "token limit exceeded"
	}
	return fmt.Sprintf("syntax error: %v", f.Err)
}

// Document wraps a parsed executable GraphQL document. Identity (pointer
// equality) is what the canonical-form memo keys on.
type Document struct {
	raw string
	ast *ast.QueryDocument
}

// Cache memoizes parse (keyed on raw input text) and canonical (keyed on
// document identity) separately, per §4.1/§9. Both are bounded LRUs rather
// than the reference implementation's unbounded maps, so a deployment with
// unbounded distinct query texts cannot be turned into a memory exhaustion
// vector. A nil *Cache disables memoization entirely.
type Cache struct {
	mu        sync.Mutex
	parses    *lru.Cache
	canonicals *lru.Cache
}

// NewCache builds a Cache bounding each memo to size entries. size <= 0
// disables that memo.
func NewCache(size int) *Cache {
	c := &Cache{}
	if size > 0 {
		if l, err := lru.New(size); err == nil {
			c.parses = l
		}
		if l, err := lru.New(size); err == nil {
			c.canonicals = l
		}
	}
	return c
}

// Parse tokenizes text and, if the token count stays within maxTokens,
// builds its AST. The token scan runs to completion (or failure) before any
// parse tree is built, per the "fail fast before any I/O or crypto" policy
// of §4.1.
func Parse(text string, maxTokens int, cache *Cache) (*Document, *ParseFailure) {
	if cache != nil && cache.parses != nil {
		if v, ok := cache.parses.Get(text); ok {
			if doc, ok := v.(*Document); ok {
				return doc, nil
			}
			return nil, v.(*ParseFailure)
		}
	}

	doc, failure := parse(text, maxTokens)

	if cache != nil && cache.parses != nil {
		if failure != nil {
			cache.parses.Add(text, failure)
		} else {
			cache.parses.Add(text, doc)
		}
	}

	return doc, failure
}

func parse(text string, maxTokens int) (*Document, *ParseFailure) {
	src := &ast.Source{Name: "query", Input: text}

	if maxTokens > 0 {
		lx := lexer.New(src)
		count := 0
		for {
			tok, err := lx.ReadToken()
			if err != nil {
				return nil, &ParseFailure{Kind: Syntax, Err: err}
			}
			if tok.Kind == lexer.EOF {
				break
			}
			count++
			if count > maxTokens {
				return nil, &ParseFailure{Kind: TokenLimit}
			}
		}
	}

	parsed, err := parser.ParseQuery(src)
	if err != nil {
		return nil, &ParseFailure{Kind: Syntax, Err: err}
	}

	return &Document{raw: text, ast: parsed}, nil
}

// Canonical renders doc's executable definitions to a deterministic textual
// form: fixed whitespace, sorted directive arguments, no comments or
// descriptions, and field order as written.
func Canonical(doc *Document, cache *Cache) []byte {
	if cache != nil && cache.canonicals != nil {
		if v, ok := cache.canonicals.Get(doc); ok {
			return v.([]byte)
		}
	}

	p := &printer{}
	p.printDocument(doc.ast)
	out := []byte(p.buf.String())

	if cache != nil && cache.canonicals != nil {
		cache.canonicals.Add(doc, out)
	}

	return out
}

type printer struct {
	buf strings.Builder
}

func (p *printer) w(s string) { p.buf.WriteString(s) }

func (p *printer) printDocument(doc *ast.QueryDocument) {
	for i, op := range doc.Operations {
		if i > 0 {
			p.w(" ")
		}
		p.printOperation(op)
	}
	names := make([]string, 0, len(doc.Fragments))
	byName := make(map[string]*ast.FragmentDefinition, len(doc.Fragments))
	for _, f := range doc.Fragments {
		names = append(names, f.Name)
		byName[f.Name] = f
	}
	sort.Strings(names)
	for _, n := range names {
		p.w(" ")
		p.printFragmentDefinition(byName[n])
	}
}

func (p *printer) printOperation(op *ast.OperationDefinition) {
	p.w(string(op.Operation))
	if op.Name != "" {
		p.w(" ")
		p.w(op.Name)
	}
	if len(op.VariableDefinitions) > 0 {
		p.w("(")
		for i, v := range op.VariableDefinitions {
			if i > 0 {
				p.w(", ")
			}
			p.w("$")
			p.w(v.Variable)
			p.w(": ")
			p.w(v.Type.String())
			if v.DefaultValue != nil {
				p.w(" = ")
				p.printValue(v.DefaultValue)
			}
			p.printDirectives(v.Directives)
		}
		p.w(")")
	}
	p.printDirectives(op.Directives)
	p.w(" ")
	p.printSelectionSet(op.SelectionSet)
}

func (p *printer) printFragmentDefinition(f *ast.FragmentDefinition) {
	p.w("fragment ")
	p.w(f.Name)
	p.w(" on ")
	p.w(f.TypeCondition)
	p.printDirectives(f.Directives)
	p.w(" ")
	p.printSelectionSet(f.SelectionSet)
}

func (p *printer) printSelectionSet(set ast.SelectionSet) {
	p.w("{ ")
	for i, sel := range set {
		if i > 0 {
			p.w(" ")
		}
		p.printSelection(sel)
	}
	p.w(" }")
}

func (p *printer) printSelection(sel ast.Selection) {
	switch s := sel.(type) {
	case *ast.Field:
		if s.Alias != "" && s.Alias != s.Name {
			p.w(s.Alias)
			p.w(": ")
		}
		p.w(s.Name)
		p.printArguments(s.Arguments)
		p.printDirectives(s.Directives)
		if len(s.SelectionSet) > 0 {
			p.w(" ")
			p.printSelectionSet(s.SelectionSet)
		}
	case *ast.FragmentSpread:
		p.w("...")
		p.w(s.Name)
		p.printDirectives(s.Directives)
	case *ast.InlineFragment:
		p.w("...")
		if s.TypeCondition != "" {
			p.w(" on ")
			p.w(s.TypeCondition)
		}
		p.printDirectives(s.Directives)
		p.w(" ")
		p.printSelectionSet(s.SelectionSet)
	}
}

func (p *printer) printArguments(args ast.ArgumentList) {
	if len(args) == 0 {
		return
	}
	p.w("(")
	for i, a := range args {
		if i > 0 {
			p.w(", ")
		}
		p.w(a.Name)
		p.w(": ")
		p.printValue(a.Value)
	}
	p.w(")")
}

// printDirectives sorts by name: the one piece of structure the spec
// mandates re-ordering, since client-visible directive argument order
// otherwise carries no executable meaning but defeats signature stability.
func (p *printer) printDirectives(dirs ast.DirectiveList) {
	if len(dirs) == 0 {
		return
	}
	sorted := make([]*ast.Directive, len(dirs))
	copy(sorted, dirs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, d := range sorted {
		p.w(" @")
		p.w(d.Name)
		args := make([]*ast.Argument, len(d.Arguments))
		copy(args, d.Arguments)
		sort.Slice(args, func(i, j int) bool { return args[i].Name < args[j].Name })
		p.printArguments(args)
	}
}

func (p *printer) printValue(v *ast.Value) {
	if v == nil {
		p.w("null")
		return
	}
	switch v.Kind {
	case ast.Variable:
		p.w("$")
		p.w(v.Raw)
	case ast.IntValue, ast.FloatValue, ast.EnumValue, ast.BooleanValue:
		p.w(v.Raw)
	case ast.NullValue:
		p.w("null")
	case ast.StringValue, ast.BlockValue:
		p.w(strconv.Quote(v.Raw))
	case ast.ListValue:
		p.w("[")
		for i, c := range v.Children {
			if i > 0 {
				p.w(", ")
			}
			p.printValue(c.Value)
		}
		p.w("]")
	case ast.ObjectValue:
		p.w("{")
		for i, c := range v.Children {
			if i > 0 {
				p.w(", ")
			}
			p.w(c.Name)
			p.w(": ")
			p.printValue(c.Value)
		}
		p.w("}")
	default:
		p.w(v.Raw)
	}
}
