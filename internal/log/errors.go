package log

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/keithlinneman/paf-admin/internal/xerrors"
)

// errorFields expands err into the attributes logged with Error:
// the error itself, its surface and root types, the distinct messages down
// the chain and, when links > 0, up to links wrap sites.
func errorFields(err error, links int) []any {
	surface, root := errorTypes(err)
	kv := []any{
		"err", err,
		"error_type", surface,
		"cause_type", root,
	}
	if chain := errorChain(err); len(chain) > 0 {
		kv = append(kv, "error_chain", chain)
	}
	if links > 0 {
		kv = append(kv, "error_links", errorLinks(err, links))
	}
	return kv
}

// errorTypes names the first type in the chain that is not an annotation
// or a fmt.Errorf wrapper, and the type of the innermost error.
func errorTypes(err error) (surface, root string) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if surface == "" && !isWrapper(e) {
			surface = fmt.Sprintf("%T", e)
		}
		root = fmt.Sprintf("%T", e)
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, root
}

func isWrapper(e error) bool {
	if _, ok := e.(xerrors.Annotation); ok {
		return true
	}
	switch fmt.Sprintf("%T", e) {
	case "*fmt.wrapError", "*fmt.wrapErrors":
		return true
	}
	return false
}

// errorChain lists each distinct message from outermost to innermost. An
// errors.Join at the top contributes its members after the first pass.
func errorChain(err error) []string {
	var out []string
	add := func(msg string) {
		if len(out) == 0 || out[len(out)-1] != msg {
			out = append(out, msg)
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e.Error())
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			add(e.Error())
		}
	}
	return out
}

// errorLinks records where each layer of err was created or wrapped. The
// outermost layer is always listed. Deeper layers appear only when they
// carry a location.
func errorLinks(err error, limit int) []map[string]any {
	var out []map[string]any
	depth := 0
	for e := err; e != nil && depth < limit; e = errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}
		located := false

		var fr runtime.Frame
		switch v := e.(type) {
		case xerrors.Located:
			// the wrap site itself, even inside this module
			if pc := v.PC(); pc != 0 {
				fr, _ = runtime.CallersFrames([]uintptr{pc}).Next()
				located = true
			}
		case xerrors.Stacked:
			fr, located = callSite(v.StackPCs())
		}
		if located {
			link["func"], link["file"], link["line"] = fr.Function, fr.File, fr.Line
		}
		if depth == 0 || located {
			out = append(out, link)
		}
		depth++
	}
	return out
}
