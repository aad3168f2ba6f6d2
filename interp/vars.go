// Copyright (c) 2017, Daniel Martí <mvdan@mvdan.cc>
// See LICENSE for licensing information

package interp

import (
	"fmt"
	"maps"
	"os"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"shellrunner/expand"
	"shellrunner/syntax"
)

// overlayEnviron layers writable variables on top of a read-only parent,
// so that subshells and function calls can each get their own view of the
// shell's variables without copying the entire set up front.
//
// A name that maps to an unset, attribute-less [expand.Variable] in values
// is a tombstone: it shadows whatever the parent reports for that name,
// which is how "unset" can hide a variable inherited from the OS
// environment or an enclosing scope.
type overlayEnviron struct {
	parent expand.Environ
	values map[string]expand.Variable

	// funcScope marks the overlay pushed when entering a function body, so
	// that "local" has a scope to attach new variables to. Reassigning a
	// variable that already exists further up the chain, without the Local
	// bit set, still climbs past this boundary to modify the original.
	funcScope bool

	// subshell marks the layer of a foreground subshell: it reads through
	// to its parent, but keeps every assignment and unset to itself.
	subshell bool
}

var _ expand.WriteEnviron = (*overlayEnviron)(nil)

// newOverlayEnviron builds the environment for a subshell. Foreground
// subshells (e.g. `(cmd)` or `$(cmd)`) run synchronously, so they read the
// parent's live variables, while their own assignments and unsets stay in
// their own layer. Background ones run concurrently with the parent shell,
// so their variables are snapshotted up front to avoid racing on the
// parent's map.
func newOverlayEnviron(parent expand.WriteEnviron, background bool) *overlayEnviron {
	if !background {
		return &overlayEnviron{parent: parent, subshell: true}
	}
	env := &overlayEnviron{values: make(map[string]expand.Variable)}
	parent.Each(func(name string, vr expand.Variable) bool {
		env.values[name] = vr
		return true
	})
	return env
}

func (o *overlayEnviron) Get(name string) expand.Variable {
	if vr, ok := o.values[name]; ok {
		return vr
	}
	if o.parent == nil {
		return expand.Variable{}
	}
	return o.parent.Get(name)
}

// declared reports whether name is known anywhere from this overlay
// outwards, used to decide whether a plain reassignment should climb to an
// existing binding rather than shadow it.
func (o *overlayEnviron) declared(name string) bool {
	if vr, ok := o.values[name]; ok {
		return vr.Declared()
	}
	if p, ok := o.parent.(*overlayEnviron); ok {
		return p.declared(name)
	}
	if o.parent != nil {
		return o.parent.Get(name).Declared()
	}
	return false
}

func (o *overlayEnviron) Set(name string, vr expand.Variable) error {
	if prev := o.Get(name); prev.ReadOnly && vr.Kind != expand.KeepValue {
		return fmt.Errorf("%s: readonly variable", name)
	}
	if vr.Kind == expand.KeepValue {
		prev := o.Get(name)
		prev.Exported = prev.Exported || vr.Exported
		prev.ReadOnly = prev.ReadOnly || vr.ReadOnly
		prev.Local = prev.Local || vr.Local
		vr = prev
	}
	if o.values == nil {
		o.values = make(map[string]expand.Variable)
	}
	if !vr.IsSet() && vr.Kind == expand.Unknown {
		// Unsetting: drop our own shadow if we have one, otherwise forward
		// the unset to whichever overlay actually owns the variable so
		// that scope is exposed again once we return.
		if _, here := o.values[name]; here && !o.subshell {
			delete(o.values, name)
			return nil
		}
		if p, ok := o.parent.(*overlayEnviron); ok && !o.subshell {
			return p.Set(name, vr)
		}
		// The parent is a read-only base environment (e.g. the OS env), or
		// this is a subshell's layer; shadow the parent with a tombstone
		// rather than leaving it visible.
		o.values[name] = expand.Variable{}
		return nil
	}
	if !vr.Local {
		if _, here := o.values[name]; !here {
			if p, ok := o.parent.(*overlayEnviron); ok && !o.subshell && p.declared(name) {
				return p.Set(name, vr)
			}
		}
	}
	o.values[name] = vr
	return nil
}

func (o *overlayEnviron) Each(fn func(name string, vr expand.Variable) bool) {
	seen := make(map[string]bool, len(o.values))
	for name, vr := range o.values {
		seen[name] = true
		if !vr.IsSet() {
			continue
		}
		if !fn(name, vr) {
			return
		}
	}
	if o.parent == nil {
		return
	}
	o.parent.Each(func(name string, vr expand.Variable) bool {
		if seen[name] {
			return true
		}
		return fn(name, vr)
	})
}

// execEnv builds the "key=value" list passed to spawned programs, including
// only variables marked for export, matching Bash.
func execEnv(env expand.Environ) []string {
	list := make([]string, 0, 64)
	env.Each(func(name string, vr expand.Variable) bool {
		if vr.Exported {
			list = append(list, name+"="+vr.String())
		}
		return true
	})
	return list
}

// lookupVar resolves name to its current value, first checking the special
// shell parameters ($#, $@, $?, positional params, ...) and otherwise
// deferring to the overlay chain.
func (r *Runner) lookupVar(name string) expand.Variable {
	if name == "" {
		panic("variable name must not be empty")
	}
	switch name {
	case "#":
		return expand.Variable{Set: true, Kind: expand.String, Str: strconv.Itoa(len(r.Params))}
	case "@", "*":
		return expand.Variable{Set: true, Kind: expand.Indexed, List: r.Params}
	case "?":
		return expand.Variable{Set: true, Kind: expand.String, Str: strconv.Itoa(int(r.exit.code))}
	case "$":
		return expand.Variable{Set: true, Kind: expand.String, Str: strconv.Itoa(os.Getpid())}
	case "PPID":
		return expand.Variable{Set: true, Kind: expand.String, Str: strconv.Itoa(os.Getppid())}
	case "DIRSTACK":
		return expand.Variable{Set: true, Kind: expand.Indexed, List: r.dirStack}
	case "0":
		name := r.filename
		if name == "" {
			name = "gosh"
		}
		return expand.Variable{Set: true, Kind: expand.String, Str: name}
	case "1", "2", "3", "4", "5", "6", "7", "8", "9":
		i := int(name[0] - '1')
		str := ""
		if i < len(r.Params) {
			str = r.Params[i]
		}
		return expand.Variable{Set: true, Kind: expand.String, Str: str}
	}
	vr := r.writeEnv.Get(name)
	if !vr.IsSet() && runtime.GOOS == "windows" {
		if upper := strings.ToUpper(name); upper != name {
			if vr2 := r.writeEnv.Get(upper); vr2.IsSet() {
				return vr2
			}
		}
	}
	return vr
}

// envGet is a convenience wrapper for callers that only want a variable's
// string value, such as path handling for "cd" and "pwd".
func (r *Runner) envGet(name string) string {
	return r.lookupVar(name).String()
}

func (r *Runner) setVar(name string, vr expand.Variable) {
	if name == "" {
		panic("variable name must not be empty")
	}
	if r.opts[optAllExport] && vr.Kind == expand.String {
		vr.Exported = true
	}
	if err := r.writeEnv.Set(name, vr); err != nil {
		r.errf("%s\n", err)
		r.exit.code = 1
	}
}

func (r *Runner) setVarString(name, value string) {
	r.setVar(name, expand.Variable{Set: true, Kind: expand.String, Str: value})
}

func (r *Runner) delVar(name string) {
	if vr := r.lookupVar(name); vr.ReadOnly {
		r.errf("%s: readonly variable\n", name)
		r.exit.code = 1
		return
	}
	if err := r.writeEnv.Set(name, expand.Variable{}); err != nil {
		r.errf("%s\n", err)
		r.exit.code = 1
	}
}

func (r *Runner) setFunc(name string, body *syntax.Stmt) {
	if r.Funcs == nil {
		r.Funcs = make(map[string]*syntax.Stmt, 4)
	}
	r.Funcs[name] = body
}

// stringIndex reports whether an array element's index is a quoted literal,
// which is how Bash tells "arr=([a]=x)" (associative) apart from
// "arr=([0]=x)" (indexed) when -a/-A wasn't given explicitly.
func stringIndex(index syntax.ArithmExpr) bool {
	w, ok := index.(*syntax.Word)
	if !ok || len(w.Parts) != 1 {
		return false
	}
	switch w.Parts[0].(type) {
	case *syntax.DblQuoted, *syntax.SglQuoted:
		return true
	}
	return false
}

// assignVal computes the new value of a variable from an assignment,
// given its previous value. valType carries an explicit "-a"/"-A"/"-n"
// kind from "declare", overriding the inference done for a bare "x=(...)".
func (r *Runner) assignVal(prev expand.Variable, as *syntax.Assign, valType string) expand.Variable {
	if as.Naked {
		return prev
	}
	if as.Value != nil {
		s := r.literal(as.Value)
		kind := expand.String
		if valType == "-n" {
			kind = expand.NameRef
		}
		if !as.Append || !prev.IsSet() {
			vr := prev
			vr.Set, vr.Kind, vr.Str, vr.List, vr.Map = true, kind, s, nil, nil
			return vr
		}
		vr := prev
		switch prev.Kind {
		case expand.Indexed:
			list := slices.Clone(prev.List)
			if len(list) == 0 {
				list = append(list, "")
			}
			list[0] += s
			vr.List = list
		case expand.Associative:
			// Bash rejects appending a scalar onto an associative array.
		default:
			vr.Set, vr.Kind, vr.Str = true, expand.String, prev.Str+s
		}
		return vr
	}
	if as.Array == nil {
		return expand.Variable{Set: true, Kind: expand.String, Str: ""}
	}
	elems := as.Array.Elems
	if valType == "" {
		if len(elems) == 0 || !stringIndex(elems[0].Index) {
			valType = "-a"
		} else {
			valType = "-A"
		}
	}
	if valType == "-A" {
		amap := make(map[string]string, len(elems))
		if as.Append && prev.Kind == expand.Associative {
			maps.Copy(amap, prev.Map)
		}
		for _, elem := range elems {
			k := r.literal(elem.Index.(*syntax.Word))
			amap[k] = r.literal(elem.Value)
		}
		vr := prev
		vr.Set, vr.Kind, vr.Map, vr.Str, vr.List = true, expand.Associative, amap, "", nil
		return vr
	}
	maxIndex := len(elems) - 1
	indexes := make([]int, len(elems))
	for i, elem := range elems {
		if elem.Index == nil {
			indexes[i] = i
			continue
		}
		k := r.arithm(elem.Index)
		indexes[i] = k
		if k > maxIndex {
			maxIndex = k
		}
	}
	strs := make([]string, maxIndex+1)
	for i, elem := range elems {
		strs[indexes[i]] = r.literal(elem.Value)
	}
	if as.Append {
		switch prev.Kind {
		case expand.String:
			strs = append([]string{prev.Str}, strs...)
		case expand.Indexed:
			strs = append(slices.Clone(prev.List), strs...)
		}
	}
	vr := prev
	vr.Set, vr.Kind, vr.List, vr.Str, vr.Map = true, expand.Indexed, strs, "", nil
	return vr
}

// setVarWithIndex applies an assignment to a single array element, or falls
// back to a plain [Runner.setVar] when there is no index to apply, mirroring
// how Bash turns "arr=v" into "arr[0]=v" once arr is already an array.
func (r *Runner) setVarWithIndex(prev expand.Variable, name string, index syntax.ArithmExpr, vr expand.Variable) {
	if vr.Kind == expand.String && index == nil {
		switch prev.Kind {
		case expand.Indexed:
			index = &syntax.Word{Parts: []syntax.WordPart{&syntax.Lit{Value: "0"}}}
		case expand.Associative:
			index = &syntax.Word{Parts: []syntax.WordPart{&syntax.DblQuoted{}}}
		}
	}
	if index == nil {
		r.setVar(name, vr)
		return
	}
	valStr := vr.Str

	if prev.Kind == expand.Associative {
		w, ok := index.(*syntax.Word)
		if !ok {
			return
		}
		k := r.literal(w)
		amap := maps.Clone(prev.Map)
		if amap == nil {
			amap = make(map[string]string)
		}
		amap[k] = valStr
		cur := prev
		cur.Set, cur.Kind, cur.Map, cur.Str, cur.List = true, expand.Associative, amap, "", nil
		r.setVar(name, cur)
		return
	}

	var list []string
	switch prev.Kind {
	case expand.String:
		list = []string{prev.Str}
	case expand.Indexed:
		list = slices.Clone(prev.List)
	}
	k := r.arithm(index)
	for len(list) < k+1 {
		list = append(list, "")
	}
	list[k] = valStr
	cur := prev
	cur.Set, cur.Kind, cur.List, cur.Str, cur.Map = true, expand.Indexed, list, "", nil
	r.setVar(name, cur)
}
