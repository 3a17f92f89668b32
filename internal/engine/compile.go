package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"juttled/internal/protocol"
)

// DefaultImplicitSink is the view appended to flowgraphs that lack one.
const DefaultImplicitSink = "table"

// CompileOptions control compilation.
type CompileOptions struct {
	ImplicitSink string
	Inputs       protocol.Inputs
	Now          func() time.Time
}

// InputDesc describes one declared program input.
type InputDesc struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Static  bool           `json:"static"`
	Value   any            `json:"value"`
	Options map[string]any `json:"options"`
}

// Program is a compiled, runnable program.
type Program struct {
	sinks  []protocol.Sink
	inputs []InputDesc
	graphs []*graph
}

// Sinks lists the program's views in source order.
func (p *Program) Sinks() []protocol.Sink {
	return p.sinks
}

// Inputs lists the program's declared inputs with their resolved values.
func (p *Program) Inputs() []InputDesc {
	return p.inputs
}

type compiler struct {
	bundle protocol.Bundle
	opts   CompileOptions
	values map[string]any
	sinkN  int
}

// Compile parses and checks a bundle. Errors in the program are returned as
// *Error.
func Compile(bundle protocol.Bundle, opts CompileOptions) (*Program, error) {
	if opts.ImplicitSink == "" {
		opts.ImplicitSink = DefaultImplicitSink
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &compiler{bundle: bundle, opts: opts, values: map[string]any{}}

	ast, err := parse(bundle.Program, MainFilename)
	if err != nil {
		return nil, err
	}
	if err := c.resolveImports(ast.imports, map[string]bool{}); err != nil {
		return nil, err
	}

	prog := &Program{}
	for _, in := range ast.inputs {
		desc, err := c.input(in)
		if err != nil {
			return nil, err
		}
		prog.inputs = append(prog.inputs, desc)
	}

	if len(ast.graphs) == 0 {
		origin := Position{Offset: 0, Line: 1, Column: 1}
		loc := Location{Filename: MainFilename, Start: origin, End: origin}
		return nil, newError(CodeNoFlowgraph, loc, "Error: Cannot run a program without a flowgraph.", nil)
	}

	for _, gn := range ast.graphs {
		g, err := c.graph(gn)
		if err != nil {
			return nil, err
		}
		prog.graphs = append(prog.graphs, g)
		prog.sinks = append(prog.sinks, g.sink.desc)
	}
	return prog, nil
}

// Import is one import statement of a program or module.
type Import struct {
	Module   string
	Location Location
}

// Imports parses src and returns its import statements in source order.
// filename names src in error locations. A proc name the engine does not know
// is reported as a syntax error, as Compile would.
func Imports(src, filename string) ([]Import, error) {
	ast, err := parse(src, filename)
	if err != nil {
		return nil, err
	}
	if err := checkProcNames(ast); err != nil {
		return nil, err
	}
	out := make([]Import, len(ast.imports))
	for i, imp := range ast.imports {
		out[i] = Import{Module: imp.module, Location: imp.loc}
	}
	return out, nil
}

func checkProcNames(ast *programNode) error {
	for _, g := range ast.graphs {
		for _, pn := range g.procs {
			if _, known := procNames[pn.name]; !known {
				return syntaxError(pn.loc, "proc name", pn.name)
			}
		}
	}
	return nil
}

// ModuleNotFound reports an import that names no known module.
func ModuleNotFound(imp Import) *Error {
	return newError(CodeModuleNotFound, imp.Location,
		fmt.Sprintf("Error: could not find module %q", imp.Module),
		map[string]any{"module": imp.Module})
}

func (c *compiler) resolveImports(imports []importNode, seen map[string]bool) error {
	for _, imp := range imports {
		src, ok := c.bundle.Modules[imp.module]
		if !ok {
			return ModuleNotFound(Import{Module: imp.module, Location: imp.loc})
		}
		if seen[imp.module] {
			continue
		}
		seen[imp.module] = true

		mod, err := parse(src, imp.module)
		if err != nil {
			return err
		}
		if err := c.resolveImports(mod.imports, seen); err != nil {
			return err
		}
	}
	return nil
}

func (c *compiler) input(in inputNode) (InputDesc, error) {
	desc := InputDesc{Type: in.typ, ID: in.name, Static: true, Options: map[string]any{}}
	for _, opt := range in.options {
		v, err := c.literal(opt.value)
		if err != nil {
			return InputDesc{}, err
		}
		setNested(desc.Options, opt.name, v)
	}

	if raw, ok := c.opts.Inputs[in.name]; ok {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return InputDesc{}, newError(CodeInvalidOption, in.loc,
				fmt.Sprintf("Error: invalid value for input %s.", in.name),
				map[string]any{"input": in.name})
		}
		desc.Value = v
	} else {
		desc.Value = desc.Options["default"]
	}
	c.values[in.name] = desc.Value
	return desc, nil
}

// literal evaluates a value token. Words other than true, false and null
// evaluate to their own text.
func (c *compiler) literal(tok token) (any, error) {
	switch tok.kind {
	case tokNumber:
		if f, err := strconv.ParseFloat(tok.value, 64); err == nil {
			return f, nil
		}
		return tok.value, nil
	case tokWord:
		switch tok.value {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		}
		return tok.value, nil
	case tokInput:
		v, ok := c.values[tok.value]
		if !ok {
			return nil, newError(CodeInputNotFound, tok.loc,
				fmt.Sprintf("Error: input %s is not defined.", tok.value),
				map[string]any{"input": tok.value})
		}
		return v, nil
	default:
		return tok.value, nil
	}
}

func unknownOption(proc string, opt optionNode) error {
	return newError(CodeUnknownOption, opt.loc,
		fmt.Sprintf("Error: unknown %s option -%s.", proc, opt.name),
		map[string]any{"proc": proc, "option": opt.name})
}

func invalidOption(proc string, opt optionNode) error {
	return newError(CodeInvalidOption, opt.loc,
		fmt.Sprintf("Error: invalid value for %s option -%s.", proc, opt.name),
		map[string]any{"proc": proc, "option": opt.name})
}

func invalidFlowgraph(loc Location, msg string) error {
	return newError(CodeInvalidFlowgraph, loc, "Error: "+msg, nil)
}

func (c *compiler) graph(gn graphNode) (*graph, error) {
	first := gn.procs[0]
	if first.name != "emit" {
		if _, known := procNames[first.name]; !known {
			return nil, syntaxError(first.loc, "proc name", first.name)
		}
		return nil, invalidFlowgraph(first.loc, "a flowgraph must begin with a source such as emit.")
	}
	src, err := c.emit(first)
	if err != nil {
		return nil, err
	}

	g := &graph{source: src}
	for i, pn := range gn.procs[1:] {
		last := i == len(gn.procs)-2
		switch pn.name {
		case "emit":
			return nil, invalidFlowgraph(pn.loc, "emit can only be used as the first proc.")
		case "view":
			if !last {
				return nil, invalidFlowgraph(pn.loc, "view must be the last proc in a flowgraph.")
			}
			s, err := c.view(pn)
			if err != nil {
				return nil, err
			}
			g.sink = s
		case "put":
			st, err := c.put(pn)
			if err != nil {
				return nil, err
			}
			g.stages = append(g.stages, st)
		case "head":
			st, err := c.head(pn)
			if err != nil {
				return nil, err
			}
			g.stages = append(g.stages, st)
		case "batch":
			st, err := c.batch(pn)
			if err != nil {
				return nil, err
			}
			g.stages = append(g.stages, st)
		default:
			return nil, syntaxError(pn.loc, "proc name", pn.name)
		}
	}

	if g.sink == nil {
		g.sink = c.newSink(c.opts.ImplicitSink, map[string]any{})
	}
	return g, nil
}

var procNames = map[string]struct{}{
	"emit": {}, "put": {}, "head": {}, "batch": {}, "view": {},
}

func (c *compiler) emit(pn procNode) (*emitSource, error) {
	src := &emitSource{limit: -1, from: c.opts.Now().UTC()}
	limitSet := false
	for _, opt := range pn.options {
		switch opt.name {
		case "limit":
			v, err := c.literal(opt.value)
			if err != nil {
				return nil, err
			}
			n, ok := v.(float64)
			if !ok || n < 0 || n != float64(int(n)) {
				return nil, invalidOption("emit", opt)
			}
			src.limit = int(n)
			limitSet = true
		case "every":
			d, err := c.duration(opt.value)
			if err != nil || d <= 0 {
				return nil, invalidOption("emit", opt)
			}
			src.every = d
		case "from":
			v, err := c.literal(opt.value)
			if err != nil {
				return nil, err
			}
			s, ok := v.(string)
			if !ok {
				return nil, invalidOption("emit", opt)
			}
			t, err := parseMoment(s, c.opts.Now())
			if err != nil {
				return nil, invalidOption("emit", opt)
			}
			src.from = t.UTC()
		default:
			return nil, unknownOption("emit", opt)
		}
	}
	if len(pn.args) > 0 {
		return nil, syntaxError(pn.args[0].loc, `";", "|" or option`, pn.args[0].text)
	}
	if len(pn.assigns) > 0 {
		return nil, syntaxError(pn.assigns[0].loc, `";", "|" or option`, pn.assigns[0].field)
	}
	if !limitSet && src.every == 0 {
		src.limit = 1
	}
	return src, nil
}

func (c *compiler) put(pn procNode) (*putStage, error) {
	if len(pn.options) > 0 {
		return nil, unknownOption("put", pn.options[0])
	}
	if len(pn.args) > 0 {
		return nil, syntaxError(pn.args[0].loc, `"="`, pn.args[0].text)
	}
	if len(pn.assigns) == 0 {
		return nil, syntaxError(pn.loc, "assignment", "")
	}

	st := &putStage{}
	for _, a := range pn.assigns {
		asg := assignment{field: a.field, loc: a.loc}
		if a.value.kind == tokWord && !isKeyword(a.value.value) {
			asg.ref = a.value.value
		} else {
			v, err := c.literal(a.value)
			if err != nil {
				return nil, err
			}
			asg.value = v
		}
		st.assigns = append(st.assigns, asg)
	}
	return st, nil
}

func isKeyword(w string) bool {
	return w == "true" || w == "false" || w == "null"
}

func (c *compiler) head(pn procNode) (*headStage, error) {
	if len(pn.options) > 0 {
		return nil, unknownOption("head", pn.options[0])
	}
	st := &headStage{n: 1}
	switch len(pn.args) {
	case 0:
	case 1:
		v, err := c.literal(pn.args[0])
		if err != nil {
			return nil, err
		}
		n, ok := v.(float64)
		if !ok || n < 0 || n != float64(int(n)) {
			return nil, newError(CodeInvalidOption, pn.args[0].loc,
				"Error: head expects a non-negative integer.", map[string]any{"proc": "head"})
		}
		st.n = int(n)
	default:
		return nil, syntaxError(pn.args[1].loc, `";" or "|"`, pn.args[1].text)
	}
	return st, nil
}

func (c *compiler) batch(pn procNode) (*batchStage, error) {
	st := &batchStage{}
	for _, opt := range pn.options {
		if opt.name != "every" {
			return nil, unknownOption("batch", opt)
		}
		d, err := c.duration(opt.value)
		if err != nil || d <= 0 {
			return nil, invalidOption("batch", opt)
		}
		st.every = d
	}
	if len(pn.args) == 1 && st.every == 0 {
		d, err := c.duration(pn.args[0])
		if err != nil || d <= 0 {
			return nil, newError(CodeInvalidOption, pn.args[0].loc,
				"Error: batch expects a duration.", map[string]any{"proc": "batch"})
		}
		st.every = d
	}
	if st.every == 0 {
		return nil, newError(CodeInvalidOption, pn.loc,
			"Error: batch requires -every.", map[string]any{"proc": "batch"})
	}
	return st, nil
}

func (c *compiler) view(pn procNode) (*sink, error) {
	if len(pn.args) == 0 {
		return nil, syntaxError(pn.loc, "view name", "")
	}
	if len(pn.args) > 1 {
		return nil, syntaxError(pn.args[1].loc, `";", "|" or option`, pn.args[1].text)
	}
	if pn.args[0].kind != tokWord {
		return nil, syntaxError(pn.args[0].loc, "view name", pn.args[0].text)
	}

	options := map[string]any{}
	for _, opt := range pn.options {
		v, err := c.literal(opt.value)
		if err != nil {
			return nil, err
		}
		setNested(options, opt.name, v)
	}
	return c.newSink(pn.args[0].value, options), nil
}

func (c *compiler) newSink(typ string, options map[string]any) *sink {
	id := fmt.Sprintf("sink%d", c.sinkN)
	c.sinkN++
	return &sink{desc: protocol.Sink{Type: typ, SinkID: id, Options: options}}
}

func (c *compiler) duration(tok token) (time.Duration, error) {
	v, err := c.literal(tok)
	if err != nil {
		return 0, err
	}
	switch d := v.(type) {
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	case string:
		return parseDuration(d)
	}
	return 0, fmt.Errorf("not a duration: %v", v)
}

// setNested stores v under a dotted key, creating intermediate maps.
func setNested(m map[string]any, key string, v any) {
	parts := strings.Split(key, ".")
	for _, p := range parts[:len(parts)-1] {
		child, ok := m[p].(map[string]any)
		if !ok {
			child = map[string]any{}
			m[p] = child
		}
		m = child
	}
	m[parts[len(parts)-1]] = v
}
