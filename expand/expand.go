// Copyright (c) 2017, Daniel Martí <mvdan@mvdan.cc>
// See LICENSE for licensing information

package expand

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"shellrunner/syntax"
)

// Config controls how words are expanded in terms of fields, literal
// strings, patterns and arithmetic. The zero value is usable: with a nil
// Env, no variables are set.
type Config struct {
	Env WriteEnviron // variable lookup and mutation

	// CmdSubst expands a command substitution node, writing its captured
	// standard output to w. The caller trims exactly one trailing
	// newline, matching bash.
	CmdSubst func(w io.Writer, cs *syntax.CmdSubst) error

	// ProcSubst expands a process substitution node, returning the path
	// that should be spliced into the resulting field, typically a FIFO.
	ProcSubst func(ps *syntax.ProcSubst) (string, error)

	// ReadDir2 lists the entries of a directory for globbing. A nil
	// value disables pathname expansion entirely, matching noglob.
	ReadDir2 func(string) ([]fs.DirEntry, error)

	NoUnset    bool // error out when expanding an unset parameter
	GlobStar   bool // ** matches arbitrarily deep during glob expansion
	NoCaseGlob bool // glob matching ignores case
	NullGlob   bool // a glob with no matches expands to zero fields

	bufferAlloc bytes.Buffer
	fieldAlloc  [4]fieldPart
	fieldsAlloc [4][]fieldPart

	ifs string
	// curParam points at the parameter expansion node currently being
	// evaluated, so LINENO can report its position.
	curParam *syntax.ParamExp

	// errDst receives the first error encountered during the expansion
	// call currently in progress; set up by each exported entry point.
	errDst *error
}

func (cfg *Config) beginCall(dst *error) {
	*dst = nil
	cfg.errDst = dst
}

func (cfg *Config) reportErr(err error) {
	if err == nil || cfg.errDst == nil || *cfg.errDst != nil {
		return
	}
	*cfg.errDst = err
}

// environ returns a non-nil Environ even when the Config or its Env field is
// the zero value, so that expanding against an empty Config never panics.
func (cfg *Config) environ() WriteEnviron {
	if cfg == nil || cfg.Env == nil {
		return nilEnviron{}
	}
	return cfg.Env
}

type nilEnviron struct{}

func (nilEnviron) Get(string) Variable                 { return Variable{} }
func (nilEnviron) Each(func(string, Variable) bool)     {}
func (nilEnviron) Set(string, Variable) error           { return nil }

func (cfg *Config) ifsStr() string {
	vr := cfg.environ().Get("IFS")
	if !vr.IsSet() {
		return " \t\n"
	}
	return vr.String()
}

func (cfg *Config) prepareIFS() {
	cfg.ifs = cfg.ifsStr()
}

func (cfg *Config) ifsRune(r rune) bool {
	for _, r2 := range cfg.ifs {
		if r == r2 {
			return true
		}
	}
	return false
}

func (cfg *Config) ifsJoin(strs []string) string {
	sep := ""
	if cfg.ifs != "" {
		sep = cfg.ifs[:1]
	}
	return strings.Join(strs, sep)
}

func (cfg *Config) strBuilder() *bytes.Buffer {
	b := &cfg.bufferAlloc
	b.Reset()
	return b
}

func (cfg *Config) envGet(name string) string {
	return cfg.environ().Get(name).String()
}

func (cfg *Config) envSet(name, value string) error {
	return cfg.environ().Set(name, Variable{Set: true, Kind: String, Str: value})
}

// UnsetParameterError is reported by [Fields], [Literal] and similar
// entry points when a nounset expansion or ${name:?msg} form fails.
type UnsetParameterError struct {
	Expr    *syntax.ParamExp
	Message string
}

func (u UnsetParameterError) Error() string {
	return u.Message
}

type fieldPart struct {
	val   string
	quote quoteLevel
}

type quoteLevel uint

const (
	quoteNone quoteLevel = iota
	quoteDouble
	quoteSingle
)

func (cfg *Config) fieldJoin(parts []fieldPart) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0].val
	}
	buf := cfg.strBuilder()
	for _, part := range parts {
		buf.WriteString(part.val)
	}
	return buf.String()
}

func (cfg *Config) escapedGlobField(parts []fieldPart) (escaped string, glob bool) {
	buf := cfg.strBuilder()
	for _, part := range parts {
		if part.quote > quoteNone {
			buf.WriteString(syntax.QuotePattern(part.val))
			continue
		}
		buf.WriteString(part.val)
		if syntax.HasPattern(part.val) {
			glob = true
		}
	}
	if glob {
		escaped = buf.String()
	}
	return escaped, glob
}

// Literal expands a word into a single string, honoring quoting but never
// performing word-splitting or pathname expansion. It backs assignment
// right-hand sides and redirection targets.
func Literal(cfg *Config, word *syntax.Word) (string, error) {
	if word == nil {
		return "", nil
	}
	if cfg == nil {
		cfg = &Config{}
	}
	var errOut error
	cfg.beginCall(&errOut)
	field := cfg.wordField(context.Background(), word.Parts, quoteDouble)
	return cfg.fieldJoin(field), errOut
}

// Document expands a heredoc body. An unquoted heredoc delimiter expands its
// body the same way a double-quoted string would, so this shares Literal's
// implementation; a quoted delimiter skips expansion before this is ever
// called.
func Document(cfg *Config, word *syntax.Word) (string, error) {
	return Literal(cfg, word)
}

// Pattern expands a word for use as a glob pattern: quoted sections are
// escaped so that they are matched literally rather than as metacharacters.
func Pattern(cfg *Config, word *syntax.Word) (string, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var errOut error
	cfg.beginCall(&errOut)
	field := cfg.wordField(context.Background(), word.Parts, quoteSingle)
	buf := cfg.strBuilder()
	for _, part := range field {
		if part.quote > quoteNone {
			buf.WriteString(syntax.QuotePattern(part.val))
		} else {
			buf.WriteString(part.val)
		}
	}
	return buf.String(), errOut
}

// Fields expands words into fields: brace expansion, then per-word
// expansion with word-splitting, followed by pathname expansion.
func Fields(cfg *Config, words ...*syntax.Word) ([]string, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var errOut error
	cfg.beginCall(&errOut)
	cfg.prepareIFS()

	ctx := context.Background()
	fields := make([]string, 0, len(words))
	dir := cfg.envGet("PWD")
	if dir == "" {
		dir, _ = os.Getwd()
	}
	baseDir := syntax.QuotePattern(dir)
	for _, word := range words {
		for _, expWord := range syntax.ExpandBraces(word) {
			for _, field := range cfg.wordFields(ctx, expWord.Parts) {
				path, doGlob := cfg.escapedGlobField(field)
				var matches []string
				abs := filepath.IsAbs(path)
				if doGlob && cfg.ReadDir2 != nil {
					if !abs {
						path = filepath.Join(baseDir, path)
					}
					var err error
					matches, err = cfg.globPath(path)
					cfg.reportErr(err)
				}
				if len(matches) == 0 {
					if doGlob && cfg.NullGlob {
						continue
					}
					fields = append(fields, cfg.fieldJoin(field))
					continue
				}
				for _, match := range matches {
					if !abs {
						endSeparator := strings.HasSuffix(match, string(filepath.Separator))
						match, _ = filepath.Rel(dir, match)
						if endSeparator {
							match += string(filepath.Separator)
						}
					}
					fields = append(fields, match)
				}
			}
		}
	}
	return fields, errOut
}

func (cfg *Config) wordField(ctx context.Context, wps []syntax.WordPart, ql quoteLevel) []fieldPart {
	var field []fieldPart
	for i, wp := range wps {
		switch x := wp.(type) {
		case *syntax.Lit:
			s := x.Value
			if i == 0 {
				s = cfg.expandUser(s)
			}
			if ql == quoteDouble && strings.Contains(s, "\\") {
				buf := cfg.strBuilder()
				for i := 0; i < len(s); i++ {
					b := s[i]
					if b == '\\' && i+1 < len(s) {
						switch s[i+1] {
						case '\n':
							i++
							continue
						case '"', '\\', '$', '`':
							continue
						}
					}
					buf.WriteByte(b)
				}
				s = buf.String()
			}
			field = append(field, fieldPart{val: s})
		case *syntax.SglQuoted:
			fp := fieldPart{quote: quoteSingle, val: x.Value}
			if x.Dollar {
				fp.val, _, _ = Format(cfg, fp.val, nil)
			}
			field = append(field, fp)
		case *syntax.DblQuoted:
			for _, part := range cfg.wordField(ctx, x.Parts, quoteDouble) {
				part.quote = quoteDouble
				field = append(field, part)
			}
		case *syntax.ParamExp:
			field = append(field, fieldPart{val: cfg.paramExp(ctx, x)})
		case *syntax.CmdSubst:
			field = append(field, fieldPart{val: cfg.cmdSubst(ctx, x)})
		case *syntax.ArithmExp:
			n, err := Arithm(cfg, x.X)
			cfg.reportErr(err)
			field = append(field, fieldPart{val: strconv.Itoa(n)})
		case *syntax.ProcSubst:
			field = append(field, fieldPart{val: cfg.procSubst(x)})
		default:
			cfg.reportErr(fmt.Errorf("unhandled word part: %T", x))
		}
	}
	return field
}

func (cfg *Config) cmdSubst(ctx context.Context, cs *syntax.CmdSubst) string {
	_ = ctx
	out := new(bytes.Buffer)
	if cfg.CmdSubst != nil {
		if err := cfg.CmdSubst(out, cs); err != nil {
			cfg.reportErr(err)
		}
	}
	return strings.TrimSuffix(out.String(), "\n")
}

func (cfg *Config) procSubst(ps *syntax.ProcSubst) string {
	if cfg.ProcSubst == nil {
		cfg.reportErr(fmt.Errorf("process substitution is not supported"))
		return ""
	}
	path, err := cfg.ProcSubst(ps)
	cfg.reportErr(err)
	return path
}

func (cfg *Config) wordFields(ctx context.Context, wps []syntax.WordPart) [][]fieldPart {
	fields := cfg.fieldsAlloc[:0]
	curField := cfg.fieldAlloc[:0]
	allowEmpty := false
	flush := func() {
		if len(curField) == 0 {
			return
		}
		fields = append(fields, curField)
		curField = nil
	}
	splitAdd := func(val string) {
		for i, field := range strings.FieldsFunc(val, cfg.ifsRune) {
			if i > 0 {
				flush()
			}
			curField = append(curField, fieldPart{val: field})
		}
	}
	for i, wp := range wps {
		switch x := wp.(type) {
		case *syntax.Lit:
			s := x.Value
			if i == 0 {
				s = cfg.expandUser(s)
			}
			if strings.Contains(s, "\\") {
				buf := cfg.strBuilder()
				for i := 0; i < len(s); i++ {
					b := s[i]
					if b == '\\' && i+1 < len(s) {
						i++
						b = s[i]
					}
					buf.WriteByte(b)
				}
				s = buf.String()
			}
			curField = append(curField, fieldPart{val: s})
		case *syntax.SglQuoted:
			allowEmpty = true
			fp := fieldPart{quote: quoteSingle, val: x.Value}
			if x.Dollar {
				fp.val, _, _ = Format(cfg, fp.val, nil)
			}
			curField = append(curField, fp)
		case *syntax.DblQuoted:
			allowEmpty = true
			if len(x.Parts) == 1 {
				pe, _ := x.Parts[0].(*syntax.ParamExp)
				if elems := cfg.quotedElems(pe); elems != nil {
					for i, elem := range elems {
						if i > 0 {
							flush()
						}
						curField = append(curField, fieldPart{quote: quoteDouble, val: elem})
					}
					continue
				}
			}
			for _, part := range cfg.wordField(ctx, x.Parts, quoteDouble) {
				part.quote = quoteDouble
				curField = append(curField, part)
			}
		case *syntax.ParamExp:
			splitAdd(cfg.paramExp(ctx, x))
		case *syntax.CmdSubst:
			splitAdd(cfg.cmdSubst(ctx, x))
		case *syntax.ArithmExp:
			n, err := Arithm(cfg, x.X)
			cfg.reportErr(err)
			curField = append(curField, fieldPart{val: strconv.Itoa(n)})
		case *syntax.ProcSubst:
			curField = append(curField, fieldPart{val: cfg.procSubst(x)})
		default:
			cfg.reportErr(fmt.Errorf("unhandled word part: %T", x))
		}
	}
	flush()
	if allowEmpty && len(fields) == 0 {
		fields = append(fields, curField)
	}
	return fields
}

// quotedElems reports the individual elements of a parameter expansion that
// is exactly "${@}" or "${name[@]}", so double-quoted contexts can keep them
// as separate fields instead of joining them into one.
func (cfg *Config) quotedElems(pe *syntax.ParamExp) []string {
	if pe == nil || pe.Excl || pe.Length || pe.Width {
		return nil
	}
	if pe.Param.Value == "@" {
		return slices.Clone(cfg.environ().Get("@").List)
	}
	if anyOfLit(pe.Index, "@") == "" {
		return nil
	}
	vr := cfg.environ().Get(pe.Param.Value)
	if vr.Kind == Indexed {
		return vr.List
	}
	return nil
}

func (cfg *Config) expandUser(field string) string {
	if len(field) == 0 || field[0] != '~' {
		return field
	}
	name := field[1:]
	rest := ""
	if i := strings.Index(name, "/"); i >= 0 {
		rest = name[i:]
		name = name[:i]
	}
	switch name {
	case "":
		return cfg.envGet("HOME") + rest
	case "+":
		return cfg.envGet("PWD") + rest
	case "-":
		return cfg.envGet("OLDPWD") + rest
	}
	u, err := user.Lookup(name)
	if err != nil {
		return field
	}
	return u.HomeDir + rest
}

func findAllIndex(pattern, name string, n int) [][]int {
	expr, err := syntax.TranslatePattern(pattern, true)
	if err != nil {
		return nil
	}
	rx := regexp.MustCompile(expr)
	return rx.FindAllStringIndex(name, n)
}

func hasGlobMagic(path string) bool {
	magicChars := `*?[`
	if runtime.GOOS != "windows" {
		magicChars = `*?[\`
	}
	return strings.ContainsAny(path, magicChars)
}

// glob matches pattern, a single path component with no separators, against
// the entries of dir. It reports entry names, not full paths.
func (cfg *Config) glob(dir, pattern string) ([]string, error) {
	expr, err := syntax.TranslatePattern(pattern, true)
	if err != nil {
		return nil, err
	}
	if cfg.NoCaseGlob {
		expr = "(?i)" + expr
	}
	rx := regexp.MustCompile("^" + expr + "$")
	if cfg.ReadDir2 == nil {
		return nil, nil
	}
	entries, err := cfg.ReadDir2(dir)
	if err != nil {
		return nil, nil
	}
	dotRx := strings.HasPrefix(rx.String(), `^\.`) || strings.HasPrefix(rx.String(), `^(?i)\.`)
	var matches []string
	for _, ent := range entries {
		name := ent.Name()
		if !dotRx && strings.HasPrefix(name, ".") {
			continue
		}
		if rx.MatchString(name) {
			matches = append(matches, name)
		}
	}
	return matches, nil
}

// globPath expands a full pathname pattern, splitting it on path separators
// and matching each component against the directories found by the previous
// one, so that "a/*/c" only descends into directories that exist.
func (cfg *Config) globPath(pattern string) ([]string, error) {
	parts := strings.Split(pattern, string(filepath.Separator))
	matches := []string{"."}
	if filepath.IsAbs(pattern) {
		if parts[0] == "" {
			matches[0] = string(filepath.Separator)
		} else {
			matches[0] = parts[0] + string(filepath.Separator)
		}
		parts = parts[1:]
	}
	for _, part := range parts {
		if part == "**" && cfg.GlobStar {
			for i := range matches {
				// "a/**" matches "a/ a/b a/b/c ...": the zero-match
				// case carries a trailing separator.
				matches[i] += string(filepath.Separator)
			}
			latest := matches
			for {
				var newMatches []string
				for _, dir := range latest {
					names, err := cfg.glob(dir, "*")
					if err != nil {
						return nil, err
					}
					for _, name := range names {
						newMatches = append(newMatches, filepath.Join(dir, name))
					}
				}
				if len(newMatches) == 0 {
					break
				}
				matches = append(matches, newMatches...)
				latest = newMatches
			}
			continue
		}
		var newMatches []string
		for _, dir := range matches {
			names, err := cfg.glob(dir, part)
			if err != nil {
				return nil, err
			}
			for _, name := range names {
				newMatches = append(newMatches, filepath.Join(dir, name))
			}
		}
		matches = newMatches
	}
	return matches, nil
}

// Format implements the shell's printf-style directives, shared by the
// printf builtin and $'...' ANSI-C quoting.
func Format(cfg *Config, format string, args []string) (string, int, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	buf := cfg.strBuilder()
	esc := false
	var fmts []rune
	initialArgs := len(args)

	for _, c := range format {
		switch {
		case esc:
			esc = false
			switch c {
			case 'n':
				buf.WriteRune('\n')
			case 'r':
				buf.WriteRune('\r')
			case 't':
				buf.WriteRune('\t')
			case '\\':
				buf.WriteRune('\\')
			default:
				buf.WriteRune('\\')
				buf.WriteRune(c)
			}
		case len(fmts) > 0:
			switch c {
			case '%':
				buf.WriteByte('%')
				fmts = nil
			case 'c':
				var b byte
				if len(args) > 0 {
					arg := ""
					arg, args = args[0], args[1:]
					if len(arg) > 0 {
						b = arg[0]
					}
				}
				buf.WriteByte(b)
				fmts = nil
			case '+', '-', ' ':
				if len(fmts) > 1 {
					return "", 0, fmt.Errorf("invalid format char: %c", c)
				}
				fmts = append(fmts, c)
			case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
				fmts = append(fmts, c)
			case 's', 'd', 'i', 'u', 'o', 'x':
				arg := ""
				if len(args) > 0 {
					arg, args = args[0], args[1:]
				}
				var farg interface{} = arg
				if c != 's' {
					n, _ := strconv.ParseInt(arg, 0, 0)
					if c == 'i' || c == 'd' {
						farg = int(n)
					} else {
						farg = uint(n)
					}
					if c == 'i' || c == 'u' {
						c = 'd'
					}
				}
				fmts = append(fmts, c)
				fmt.Fprintf(buf, string(fmts), farg)
				fmts = nil
			default:
				return "", 0, fmt.Errorf("invalid format char: %c", c)
			}
		case c == '\\':
			esc = true
		case args != nil && c == '%':
			fmts = []rune{c}
		default:
			buf.WriteRune(c)
		}
	}
	if len(fmts) > 0 {
		return "", 0, fmt.Errorf("missing format char")
	}
	return buf.String(), initialArgs - len(args), nil
}

// ReadFields splits s on runs of IFS, as used by the read builtin. n caps
// the number of fields, with the final field absorbing the remainder; -1
// means unlimited. raw disables backslash escaping, matching `read -r`.
func ReadFields(cfg *Config, s string, n int, raw bool) []string {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.prepareIFS()
	type pos struct{ start, end int }
	var fpos []pos

	runes := make([]rune, 0, len(s))
	infield := false
	esc := false
	for _, r := range s {
		if infield {
			if cfg.ifsRune(r) && (raw || !esc) {
				fpos[len(fpos)-1].end = len(runes)
				infield = false
			}
		} else {
			if !cfg.ifsRune(r) && (raw || !esc) {
				fpos = append(fpos, pos{start: len(runes), end: -1})
				infield = true
			}
		}
		if r == '\\' {
			if raw || esc {
				runes = append(runes, r)
			}
			esc = !esc
			continue
		}
		runes = append(runes, r)
		esc = false
	}
	if len(fpos) == 0 {
		return nil
	}
	if infield {
		fpos[len(fpos)-1].end = len(runes)
	}

	switch {
	case n == 1:
		fpos[0].start, fpos[0].end = 0, len(runes)
		fpos = fpos[:1]
	case n != -1 && n < len(fpos):
		fpos[n-1].end = fpos[len(fpos)-1].end
		fpos = fpos[:n]
	}

	fields := make([]string, len(fpos))
	for i, p := range fpos {
		fields[i] = string(runes[p.start:p.end])
	}
	return fields
}
