package censorlang

import (
	"fmt"
	"strconv"
	"strings"
)

// Print renders prog back to canonical CensorLang text. Parsing Print's
// output must reproduce an equivalent Program (SPEC_FULL.md §8's
// parse-print-parse round-trip property); formatting choices here (one
// space between tokens, lowercase operators, no comments) are the
// canonical form, not the only form Parse accepts.
func Print(prog *Program) string {
	var b strings.Builder
	for _, line := range prog.Lines {
		if line.Cond != nil {
			b.WriteString("if ")
			b.WriteString(printInput(line.Cond.Left))
			b.WriteByte(' ')
			b.WriteString(line.Cond.Op.String())
			b.WriteByte(' ')
			b.WriteString(printInput(line.Cond.Right))
			b.WriteString(": ")
		}
		b.WriteString(printOperation(line.Op))
		b.WriteByte('\n')
	}
	return b.String()
}

func printInput(in Input) string {
	switch in.Kind {
	case InputField:
		return in.Field
	case InputRegister:
		return fmt.Sprintf("reg:%s.%d", in.RegKind, in.Index)
	case InputLiteral:
		switch in.LitKind {
		case RegF:
			// Always print a '.', so the literal re-parses as a float.
			s := strconv.FormatFloat(in.LitF, 'f', -1, 64)
			if !strings.Contains(s, ".") {
				s += ".0"
			}
			return s
		case RegI:
			return strconv.FormatInt(in.LitI, 10)
		case RegB:
			if in.LitB {
				return "true"
			}
			return "false"
		}
	}
	return "?"
}

func printOperation(op Operation) string {
	switch op.Kind {
	case OpNoop:
		return "NOOP"
	case OpReturn:
		return "RETURN " + op.Action.String()
	case OpCopy:
		return fmt.Sprintf("COPY %s %s", printInput(op.Dst), printInput(op.Src[0]))
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpBitAnd, OpBitOr, OpBitXor:
		return fmt.Sprintf("%s %s %s %s", op.Kind, printInput(op.Dst), printInput(op.Src[0]), printInput(op.Src[1]))
	case OpModel:
		parts := make([]string, len(op.Src))
		for i, s := range op.Src {
			parts[i] = printInput(s)
		}
		return fmt.Sprintf("MODEL %s %s %s", op.ModelName, printInput(op.Dst), strings.Join(parts, " "))
	}
	return "?"
}
