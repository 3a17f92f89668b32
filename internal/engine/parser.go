package engine

type optionNode struct {
	name  string
	value token
	loc   Location
}

type assignNode struct {
	field string
	value token
	loc   Location
}

type procNode struct {
	name    string
	loc     Location
	options []optionNode
	assigns []assignNode
	args    []token
}

type graphNode struct {
	procs []procNode
}

type importNode struct {
	module string
	loc    Location
}

type inputNode struct {
	name    string
	typ     string
	options []optionNode
	loc     Location
}

type programNode struct {
	imports []importNode
	inputs  []inputNode
	graphs  []graphNode
}

type parser struct {
	toks []token
	i    int
}

// parse turns program source into a syntax tree.
func parse(src, filename string) (*programNode, error) {
	toks, err := lex(src, filename)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	return p.program()
}

func (p *parser) peek() token {
	return p.toks[p.i]
}

func (p *parser) next() token {
	tok := p.toks[p.i]
	if tok.kind != tokEOF {
		p.i++
	}
	return tok
}

func (p *parser) expect(kind tokenKind, expected string) (token, error) {
	tok := p.next()
	if tok.kind != kind {
		return tok, syntaxError(tok.loc, expected, tok.text)
	}
	return tok, nil
}

func (p *parser) program() (*programNode, error) {
	prog := &programNode{}
	for {
		tok := p.peek()
		switch {
		case tok.kind == tokEOF:
			return prog, nil
		case tok.kind == tokSemi:
			p.next()
			continue
		case tok.kind == tokWord && tok.value == "import":
			imp, err := p.importStmt()
			if err != nil {
				return nil, err
			}
			prog.imports = append(prog.imports, imp)
		case tok.kind == tokWord && tok.value == "input":
			in, err := p.inputStmt()
			if err != nil {
				return nil, err
			}
			prog.inputs = append(prog.inputs, in)
		case tok.kind == tokWord:
			g, err := p.graph()
			if err != nil {
				return nil, err
			}
			prog.graphs = append(prog.graphs, g)
		default:
			return nil, syntaxError(tok.loc, "statement", tok.text)
		}

		if tok := p.peek(); tok.kind != tokSemi && tok.kind != tokEOF {
			return nil, syntaxError(tok.loc, `";"`, tok.text)
		}
	}
}

func (p *parser) importStmt() (importNode, error) {
	kw := p.next()
	mod, err := p.expect(tokString, "module name")
	if err != nil {
		return importNode{}, err
	}
	end := mod.loc.End
	if tok := p.peek(); tok.kind == tokWord && tok.value == "as" {
		p.next()
		alias, err := p.expect(tokWord, "module alias")
		if err != nil {
			return importNode{}, err
		}
		end = alias.loc.End
	}
	loc := kw.loc
	loc.End = end
	return importNode{module: mod.value, loc: loc}, nil
}

func (p *parser) inputStmt() (inputNode, error) {
	kw := p.next()
	name, err := p.expect(tokWord, "input name")
	if err != nil {
		return inputNode{}, err
	}
	if _, err := p.expect(tokColon, `":"`); err != nil {
		return inputNode{}, err
	}
	typ, err := p.expect(tokWord, "input type")
	if err != nil {
		return inputNode{}, err
	}

	in := inputNode{name: name.value, typ: typ.value, loc: kw.loc}
	for p.peek().kind == tokOption {
		opt, err := p.option()
		if err != nil {
			return inputNode{}, err
		}
		in.options = append(in.options, opt)
	}
	in.loc.End = p.toks[p.i-1].loc.End
	return in, nil
}

func (p *parser) graph() (graphNode, error) {
	var g graphNode
	for {
		proc, err := p.proc()
		if err != nil {
			return graphNode{}, err
		}
		g.procs = append(g.procs, proc)
		if p.peek().kind != tokPipe {
			return g, nil
		}
		p.next()
	}
}

func (p *parser) option() (optionNode, error) {
	name := p.next()
	val := p.next()
	if !val.isValue() {
		return optionNode{}, syntaxError(val.loc, "option value", val.text)
	}
	loc := name.loc
	loc.End = val.loc.End
	return optionNode{name: name.value, value: val, loc: loc}, nil
}

func (p *parser) proc() (procNode, error) {
	name, err := p.expect(tokWord, "proc name")
	if err != nil {
		return procNode{}, err
	}
	proc := procNode{name: name.value, loc: name.loc}

	for {
		tok := p.peek()
		switch {
		case tok.kind == tokPipe || tok.kind == tokSemi || tok.kind == tokEOF:
			return proc, nil
		case tok.kind == tokOption:
			opt, err := p.option()
			if err != nil {
				return procNode{}, err
			}
			proc.options = append(proc.options, opt)
		case tok.kind == tokWord && p.toks[p.i+1].kind == tokEquals:
			field := p.next()
			p.next()
			val := p.next()
			if !val.isValue() {
				return procNode{}, syntaxError(val.loc, "expression", val.text)
			}
			loc := field.loc
			loc.End = val.loc.End
			proc.assigns = append(proc.assigns, assignNode{field: field.value, value: val, loc: loc})
			if p.peek().kind == tokComma {
				p.next()
			}
		case tok.isValue():
			proc.args = append(proc.args, p.next())
		default:
			return procNode{}, syntaxError(tok.loc, `";", "|" or option`, tok.text)
		}
	}
}
