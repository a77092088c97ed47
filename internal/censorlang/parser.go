package censorlang

import (
	"strconv"
	"strings"

	cerrors "censorlab.dev/censorlab/internal/errors"
)

// Parse compiles CensorLang source text into a Program, per SPEC_FULL.md
// §4.6's grammar. An operation whose destination register's bank does not
// match the kind of value written to it is rejected at parse time;
// conditions are not type-checked here, and a comparison between
// incompatible operands fails at run time instead.
func Parse(src string) (*Program, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}

	p := &parser{toks: toks}
	prog := &Program{}

	for !p.atEnd() {
		line, err := p.parseLine()
		if err != nil {
			return nil, err
		}
		if line != nil {
			prog.Lines = append(prog.Lines, *line)
		}
	}

	maxF, maxI, maxB := -1, -1, -1
	trackMax := func(in Input) {
		if in.Kind != InputRegister {
			return
		}
		switch in.RegKind {
		case RegF:
			if in.Index > maxF {
				maxF = in.Index
			}
		case RegI:
			if in.Index > maxI {
				maxI = in.Index
			}
		case RegB:
			if in.Index > maxB {
				maxB = in.Index
			}
		}
	}
	for _, l := range prog.Lines {
		if l.Cond != nil {
			trackMax(l.Cond.Left)
			trackMax(l.Cond.Right)
		}
		trackMax(l.Op.Dst)
		for _, s := range l.Op.Src {
			trackMax(s)
		}
	}
	prog.NumF, prog.NumI, prog.NumB = maxF+1, maxI+1, maxB+1

	if err := typeCheck(prog); err != nil {
		return nil, err
	}

	return prog, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) atEnd() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.atEnd() {
		return token{kind: tokEOL}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	if !p.atEnd() {
		p.pos++
	}
	return t
}

// parseLine consumes tokens up to and including the line's tokEOL,
// returning nil if the line carried no tokens (shouldn't occur since lex
// skips blank lines, kept defensively).
func (p *parser) parseLine() (*Line, error) {
	if p.peek().kind == tokEOL {
		p.next()
		return nil, nil
	}

	line := &Line{}
	lineNo := p.peek().line

	if p.peek().kind == tokWord && strings.EqualFold(p.peek().text, "if") {
		p.next()
		left, err := p.parseInput()
		if err != nil {
			return nil, err
		}
		opTok := p.next()
		op, ok := namesToOperator[strings.ToLower(opTok.text)]
		if !ok {
			return nil, lexError(opTok.line, "unknown operator %q", opTok.text)
		}
		right, err := p.parseInput()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokColon {
			return nil, lexError(lineNo, "expected ':' after condition")
		}
		p.next()
		line.Cond = &Condition{Left: left, Right: right, Op: op}
	}

	op, err := p.parseOperation(lineNo)
	if err != nil {
		return nil, err
	}
	line.Op = op

	if p.peek().kind != tokEOL {
		return nil, lexError(lineNo, "unexpected trailing token %q", p.peek().text)
	}
	p.next()

	return line, nil
}

func (p *parser) parseOperation(lineNo int) (Operation, error) {
	tok := p.next()
	if tok.kind != tokWord {
		return Operation{}, lexError(lineNo, "expected operation keyword, got %q", tok.text)
	}
	kind, ok := namesToOpKind[strings.ToUpper(tok.text)]
	if !ok {
		return Operation{}, lexError(lineNo, "unknown operation %q", tok.text)
	}

	switch kind {
	case OpNoop:
		return Operation{Kind: OpNoop}, nil

	case OpReturn:
		actionTok := p.next()
		action, ok := namesToReturnAction[strings.ToLower(actionTok.text)]
		if !ok {
			return Operation{}, lexError(actionTok.line, "unknown RETURN action %q", actionTok.text)
		}
		return Operation{Kind: OpReturn, Action: action}, nil

	case OpCopy:
		dst, err := p.parseInput()
		if err != nil {
			return Operation{}, err
		}
		src, err := p.parseInput()
		if err != nil {
			return Operation{}, err
		}
		return Operation{Kind: kind, Dst: dst, Src: []Input{src}}, nil

	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpBitAnd, OpBitOr, OpBitXor:
		dst, err := p.parseInput()
		if err != nil {
			return Operation{}, err
		}
		src1, err := p.parseInput()
		if err != nil {
			return Operation{}, err
		}
		src2, err := p.parseInput()
		if err != nil {
			return Operation{}, err
		}
		return Operation{Kind: kind, Dst: dst, Src: []Input{src1, src2}}, nil

	case OpModel:
		nameTok := p.next()
		if nameTok.kind != tokWord {
			return Operation{}, lexError(nameTok.line, "expected model name")
		}
		dst, err := p.parseInput()
		if err != nil {
			return Operation{}, err
		}
		var inputs []Input
		for p.peek().kind != tokEOL {
			in, err := p.parseInput()
			if err != nil {
				return Operation{}, err
			}
			inputs = append(inputs, in)
		}
		return Operation{Kind: OpModel, Dst: dst, Src: inputs, ModelName: nameTok.text}, nil

	default:
		return Operation{}, lexError(lineNo, "unsupported operation %q", tok.text)
	}
}

func (p *parser) parseInput() (Input, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		return parseNumberLiteral(tok)
	case tokWord:
		lower := strings.ToLower(tok.text)
		switch lower {
		case "true":
			return Input{Kind: InputLiteral, LitKind: RegB, LitB: true}, nil
		case "false":
			return Input{Kind: InputLiteral, LitKind: RegB, LitB: false}, nil
		}
		if strings.HasPrefix(tok.text, "reg:") {
			return parseRegisterRef(tok)
		}
		if _, ok := FieldKind(tok.text); ok {
			return Input{Kind: InputField, Field: tok.text}, nil
		}
		return Input{}, lexError(tok.line, "unrecognized field reference %q", tok.text)
	default:
		return Input{}, lexError(tok.line, "expected an input, got %q", tok.text)
	}
}

func parseNumberLiteral(tok token) (Input, error) {
	if strings.ContainsAny(tok.text, ".") {
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return Input{}, lexError(tok.line, "invalid float literal %q", tok.text)
		}
		return Input{Kind: InputLiteral, LitKind: RegF, LitF: f}, nil
	}
	i, err := strconv.ParseInt(tok.text, 10, 64)
	if err != nil {
		return Input{}, lexError(tok.line, "invalid integer literal %q", tok.text)
	}
	return Input{Kind: InputLiteral, LitKind: RegI, LitI: i}, nil
}

// parseRegisterRef parses `reg:{f|i|b}.<index>`.
func parseRegisterRef(tok token) (Input, error) {
	rest := strings.TrimPrefix(tok.text, "reg:")
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 {
		return Input{}, lexError(tok.line, "malformed register reference %q", tok.text)
	}
	var kind RegKind
	switch parts[0] {
	case "f":
		kind = RegF
	case "i":
		kind = RegI
	case "b":
		kind = RegB
	default:
		return Input{}, lexError(tok.line, "unknown register bank %q", parts[0])
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil || idx < 0 {
		return Input{}, lexError(tok.line, "invalid register index in %q", tok.text)
	}
	return Input{Kind: InputRegister, RegKind: kind, Index: idx}, nil
}

// typeCheck rejects cross-type register writes, per SPEC_FULL.md §4.6.
// Line conditions are not checked.
func typeCheck(prog *Program) error {
	kindOf := func(in Input, pkt bool) (RegKind, bool) {
		switch in.Kind {
		case InputRegister:
			return in.RegKind, true
		case InputLiteral:
			return in.LitKind, true
		case InputField:
			k, ok := FieldKind(in.Field)
			return k, ok
		}
		return 0, false
	}

	for _, l := range prog.Lines {
		switch l.Op.Kind {
		case OpCopy:
			dstKind, _ := kindOf(l.Op.Dst, false)
			srcKind, ok := kindOf(l.Op.Src[0], false)
			if ok && dstKind != srcKind {
				return cerrors.Errorf(cerrors.KindProgramLoad, "COPY destination register bank %s does not match source bank %s", dstKind, srcKind)
			}
		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			if l.Op.Dst.Kind == InputRegister && l.Op.Dst.RegKind != RegF && l.Op.Dst.RegKind != RegI {
				return cerrors.Errorf(cerrors.KindProgramLoad, "arithmetic destination must be an f or i register, got %s", l.Op.Dst.RegKind)
			}
		case OpBitAnd, OpBitOr, OpBitXor:
			if l.Op.Dst.Kind == InputRegister && l.Op.Dst.RegKind != RegB {
				return cerrors.Errorf(cerrors.KindProgramLoad, "logic destination must be a b register, got %s", l.Op.Dst.RegKind)
			}
		case OpModel:
			if l.Op.Dst.Kind == InputRegister && l.Op.Dst.RegKind != RegF {
				return cerrors.Errorf(cerrors.KindProgramLoad, "MODEL destination must be an f register, got %s", l.Op.Dst.RegKind)
			}
		}
	}
	return nil
}
