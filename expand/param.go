// Copyright (c) 2017, Daniel Martí <mvdan@mvdan.cc>
// See LICENSE for licensing information

package expand

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"shellrunner/syntax"
)

func anyOfLit(v interface{}, vals ...string) string {
	word, _ := v.(*syntax.Word)
	if word == nil || len(word.Parts) != 1 {
		return ""
	}
	lit, ok := word.Parts[0].(*syntax.Lit)
	if !ok {
		return ""
	}
	for _, val := range vals {
		if lit.Value == val {
			return val
		}
	}
	return ""
}

func (cfg *Config) paramExp(ctx context.Context, pe *syntax.ParamExp) string {
	oldParam := cfg.curParam
	cfg.curParam = pe
	defer func() { cfg.curParam = oldParam }()

	name := pe.Param.Value
	index := pe.Index
	switch name {
	case "@", "*":
		index = &syntax.Word{Parts: []syntax.WordPart{&syntax.Lit{Value: name}}}
	}
	var vr Variable
	switch name {
	case "LINENO":
		// the only parameter expansion the environment interface cannot
		// satisfy on its own, since it depends on the AST node's position.
		line := uint64(cfg.curParam.Pos().Line())
		vr = Variable{Set: true, Kind: String, Str: strconv.FormatUint(line, 10)}
	default:
		vr = cfg.environ().Get(name)
	}
	set := vr.IsSet()
	str := cfg.varStr(vr, 0)
	if index != nil {
		str = cfg.varInd(ctx, vr, index, 0)
	}
	slicePos := func(expr syntax.ArithmExpr) int {
		p, err := Arithm(cfg, expr)
		cfg.reportErr(err)
		if p < 0 {
			p = len(str) + p
			if p < 0 {
				p = 0
			}
		} else if p > len(str) {
			p = len(str)
		}
		return p
	}
	elems := []string{str}
	if anyOfLit(index, "@", "*") != "" {
		switch vr.Kind {
		case Unknown:
			elems = nil
		case Indexed:
			elems = vr.List
		}
	}
	switch {
	case pe.Length:
		n := len(elems)
		if anyOfLit(index, "@", "*") == "" {
			n = utf8.RuneCountInString(str)
		}
		str = strconv.Itoa(n)
	case pe.Excl:
		var strs []string
		if pe.Names != 0 {
			strs = cfg.namesByPrefix(pe.Param.Value)
		} else if vr.Kind == NameRef {
			strs = append(strs, vr.Str)
		} else if vr.Kind == Indexed {
			for i, e := range vr.List {
				if e != "" {
					strs = append(strs, strconv.Itoa(i))
				}
			}
		} else if vr.Kind == Associative {
			for k := range vr.Map {
				strs = append(strs, k)
			}
		} else if str != "" {
			vr = cfg.environ().Get(str)
			strs = append(strs, cfg.varStr(vr, 0))
		}
		slices.Sort(strs)
		str = strings.Join(strs, " ")
	case pe.Slice != nil:
		if pe.Slice.Offset != nil {
			offset := slicePos(pe.Slice.Offset)
			str = str[offset:]
		}
		if pe.Slice.Length != nil {
			length := slicePos(pe.Slice.Length)
			if length > len(str) {
				length = len(str)
			}
			str = str[:length]
		}
	case pe.Repl != nil:
		orig, err := Pattern(cfg, pe.Repl.Orig)
		cfg.reportErr(err)
		with, err := Literal(cfg, pe.Repl.With)
		cfg.reportErr(err)
		n := 1
		if pe.Repl.All {
			n = -1
		}
		locs := findAllIndex(orig, str, n)
		buf := cfg.strBuilder()
		last := 0
		for _, loc := range locs {
			buf.WriteString(str[last:loc[0]])
			buf.WriteString(with)
			last = loc[1]
		}
		buf.WriteString(str[last:])
		str = buf.String()
	case pe.Exp != nil:
		arg, err := Literal(cfg, pe.Exp.Word)
		cfg.reportErr(err)
		switch op := pe.Exp.Op; op {
		case syntax.SubstColPlus:
			if str == "" {
				break
			}
			fallthrough
		case syntax.SubstPlus:
			if set {
				str = arg
			}
		case syntax.SubstMinus:
			if set {
				break
			}
			fallthrough
		case syntax.SubstColMinus:
			if str == "" {
				str = arg
			}
		case syntax.SubstQuest:
			if set {
				break
			}
			fallthrough
		case syntax.SubstColQuest:
			if str == "" {
				cfg.reportErr(UnsetParameterError{Expr: pe, Message: arg})
			}
		case syntax.SubstAssgn:
			if set {
				break
			}
			fallthrough
		case syntax.SubstColAssgn:
			if str == "" {
				cfg.reportErr(cfg.envSet(name, arg))
				str = arg
			}
		case syntax.RemSmallPrefix, syntax.RemLargePrefix,
			syntax.RemSmallSuffix, syntax.RemLargeSuffix:
			suffix := op == syntax.RemSmallSuffix || op == syntax.RemLargeSuffix
			large := op == syntax.RemLargePrefix || op == syntax.RemLargeSuffix
			for i, elem := range elems {
				elems[i] = removePattern(elem, arg, suffix, large)
			}
			str = strings.Join(elems, " ")
		case syntax.UpperFirst, syntax.UpperAll,
			syntax.LowerFirst, syntax.LowerAll:

			caseFunc := unicode.ToLower
			if op == syntax.UpperFirst || op == syntax.UpperAll {
				caseFunc = unicode.ToUpper
			}
			all := op == syntax.UpperAll || op == syntax.LowerAll

			// an empty arg means '?', matching any rune
			expr, err := syntax.TranslatePattern(arg, false)
			if err != nil {
				return str
			}
			rx := regexp.MustCompile(expr)

			for i, elem := range elems {
				rs := []rune(elem)
				for ri, r := range rs {
					if rx.MatchString(string(r)) {
						rs[ri] = caseFunc(r)
						if !all {
							break
						}
					}
				}
				elems[i] = string(rs)
			}
			str = strings.Join(elems, " ")
		case syntax.OtherParamOps:
			switch arg {
			case "Q":
				str = strconv.Quote(str)
			case "E":
				tail := str
				var rns []rune
				for tail != "" {
					var rn rune
					rn, _, tail, _ = strconv.UnquoteChar(tail, 0)
					rns = append(rns, rn)
				}
				str = string(rns)
			case "a":
				str = attrString(vr)
			case "A":
				str = fmt.Sprintf("%s=%s", name, quoteAssignment(vr))
			case "K":
				str = strings.Join(elems, " ")
			case "k":
				str = strings.Join(elems, " ")
			case "P":
				str = cfg.envGet(str)
			default:
				cfg.reportErr(fmt.Errorf("unexpected @%s param expansion", arg))
			}
		}
	}
	return str
}

// attrString implements ${name@a}: a compact letter summary of a variable's
// declared attributes, mirroring the flags accepted by declare.
func attrString(vr Variable) string {
	var sb strings.Builder
	if vr.Exported {
		sb.WriteByte('x')
	}
	if vr.ReadOnly {
		sb.WriteByte('r')
	}
	switch vr.Kind {
	case Indexed:
		sb.WriteByte('a')
	case Associative:
		sb.WriteByte('A')
	case NameRef:
		sb.WriteByte('n')
	}
	return sb.String()
}

func quoteAssignment(vr Variable) string {
	switch vr.Kind {
	case Indexed:
		parts := make([]string, len(vr.List))
		for i, s := range vr.List {
			parts[i] = "[" + strconv.Itoa(i) + "]=" + strconv.Quote(s)
		}
		return "(" + strings.Join(parts, " ") + ")"
	case Associative:
		keys := make([]string, 0, len(vr.Map))
		for k := range vr.Map {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = "[" + strconv.Quote(k) + "]=" + strconv.Quote(vr.Map[k])
		}
		return "(" + strings.Join(parts, " ") + ")"
	default:
		return strconv.Quote(vr.Str)
	}
}

func removePattern(str, pattern string, fromEnd, greedy bool) string {
	expr, err := syntax.TranslatePattern(pattern, greedy)
	if err != nil {
		return str
	}
	switch {
	case fromEnd && !greedy:
		expr = ".*(" + expr + ")$"
	case fromEnd:
		expr = "(" + expr + ")$"
	default:
		expr = "^(" + expr + ")"
	}
	rx := regexp.MustCompile(expr)
	if loc := rx.FindStringSubmatchIndex(str); loc != nil {
		str = str[:loc[2]] + str[loc[3]:]
	}
	return str
}

func (cfg *Config) varStr(vr Variable, depth int) string {
	if !vr.IsSet() || depth > maxNameRefDepth {
		return ""
	}
	if vr.Kind == NameRef {
		vr = cfg.environ().Get(vr.Str)
		return cfg.varStr(vr, depth+1)
	}
	return vr.String()
}

func (cfg *Config) varInd(ctx context.Context, vr Variable, idx syntax.ArithmExpr, depth int) string {
	if depth > maxNameRefDepth {
		return ""
	}
	switch vr.Kind {
	case NameRef:
		vr = cfg.environ().Get(vr.Str)
		return cfg.varInd(ctx, vr, idx, depth+1)
	case String, Unknown:
		n, err := Arithm(cfg, idx)
		cfg.reportErr(err)
		if n == 0 {
			return vr.Str
		}
	case Indexed:
		switch anyOfLit(idx, "@", "*") {
		case "@":
			return strings.Join(vr.List, " ")
		case "*":
			return cfg.ifsJoin(vr.List)
		}
		i, err := Arithm(cfg, idx)
		cfg.reportErr(err)
		if i >= 0 && i < len(vr.List) {
			return vr.List[i]
		}
	case Associative:
		if lit := anyOfLit(idx, "@", "*"); lit != "" {
			keys := make([]string, 0, len(vr.Map))
			for k := range vr.Map {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			strs := make([]string, len(keys))
			for i, k := range keys {
				strs[i] = vr.Map[k]
			}
			if lit == "*" {
				return cfg.ifsJoin(strs)
			}
			return strings.Join(strs, " ")
		}
		key, err := Literal(cfg, idx.(*syntax.Word))
		cfg.reportErr(err)
		return vr.Map[key]
	}
	return ""
}

func (cfg *Config) namesByPrefix(prefix string) []string {
	var names []string
	cfg.environ().Each(func(name string, vr Variable) bool {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return true
	})
	return names
}
