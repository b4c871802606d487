// Package params compiles a set_params tree into an ordered list of
// assignments and calls against a script-driven model.
package params

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/hubenschmidt/naas/internal/engine"
	"github.com/hubenschmidt/naas/internal/fault"
)

// FunctionsKey holds the calls of an object in the tree.
const FunctionsKey = "FUNCTIONS"

var (
	keyPattern   = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)((?:\[\d+\])*)$`)
	indexPattern = regexp.MustCompile(`\[(\d+)\]`)
	callPattern  = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*\((.*)\)\s*$`)
)

// Kind is what a step does.
type Kind int

const (
	Assign Kind = iota
	Invoke
)

func (k Kind) String() string {
	if k == Invoke {
		return "invoke"
	}
	return "assign"
}

// Step is one compiled operation.
type Step struct {
	Kind  Kind
	Path  engine.Path
	Value any
	Args  []any
}

func (s Step) String() string {
	if s.Kind == Invoke {
		args, _ := json.Marshal(s.Args)
		if len(args) >= 2 {
			args = args[1 : len(args)-1]
		}
		return fmt.Sprintf("%s(%s)", s.Path, args)
	}
	return fmt.Sprintf("%s = %v", s.Path, s.Value)
}

// Plan is a compiled parameter tree: assignments in discovery order, then
// calls in discovery order.
type Plan struct {
	Assigns []Step
	Calls   []Step
}

// Steps returns every step in execution order.
func (p *Plan) Steps() []Step {
	out := make([]Step, 0, len(p.Assigns)+len(p.Calls))
	out = append(out, p.Assigns...)
	return append(out, p.Calls...)
}

// Apply runs the plan through the engine, stopping at the first failure.
func (p *Plan) Apply(ctx context.Context, s engine.Scripting) error {
	for _, st := range p.Steps() {
		var err error
		switch st.Kind {
		case Assign:
			err = s.Assign(ctx, st.Path, st.Value)
		case Invoke:
			err = s.Invoke(ctx, st.Path, st.Args)
		}
		if err != nil {
			return fmt.Errorf("apply %s: %w", st, err)
		}
	}
	return nil
}

type object = orderedmap.OrderedMap[string, json.RawMessage]

// Compile parses a parameter tree. Top-level scalars are simulator globals;
// objects descend from the model root. Any malformed entry fails the whole
// tree before anything is applied.
func Compile(data []byte) (*Plan, error) {
	root, err := decodeObject(data)
	if err != nil {
		return nil, invalid(err, "parameter tree")
	}
	p := &Plan{}
	model := engine.Path{{Name: engine.ModelRoot}}
	for pair := root.Oldest(); pair != nil; pair = pair.Next() {
		key, raw := pair.Key, pair.Value
		switch {
		case key == FunctionsKey:
			if err = p.calls(model, raw); err != nil {
				return nil, err
			}
		case isObject(raw):
			elem, err := parseKey(key)
			if err != nil {
				return nil, err
			}
			if err = p.object(append(clone(model), elem), raw); err != nil {
				return nil, err
			}
		default:
			v, err := value(key, raw)
			if err != nil {
				return nil, err
			}
			p.Assigns = append(p.Assigns, Step{
				Kind:  Assign,
				Path:  engine.Path{{Name: engine.GlobalRoot}, {Name: key}},
				Value: v,
			})
		}
	}
	return p, nil
}

func (p *Plan) object(path engine.Path, data json.RawMessage) error {
	obj, err := decodeObject(data)
	if err != nil {
		return invalid(err, path.String())
	}
	for pair := obj.Oldest(); pair != nil; pair = pair.Next() {
		key, raw := pair.Key, pair.Value
		if key == FunctionsKey {
			if err = p.calls(path, raw); err != nil {
				return err
			}
			continue
		}
		elem, err := parseKey(key)
		if err != nil {
			return err
		}
		child := append(clone(path), elem)
		if isObject(raw) {
			if err = p.object(child, raw); err != nil {
				return err
			}
			continue
		}
		if len(elem.Index) > 0 {
			return fault.New(fault.RequestValidationError, "%s: indexed key needs an object value", child)
		}
		v, err := value(child.String(), raw)
		if err != nil {
			return err
		}
		p.Assigns = append(p.Assigns, Step{Kind: Assign, Path: child, Value: v})
	}
	return nil
}

func (p *Plan) calls(path engine.Path, raw json.RawMessage) error {
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var one string
		if err2 := json.Unmarshal(raw, &one); err2 != nil {
			return fault.New(fault.RequestValidationError, "%s.%s must be a call or a list of calls", path, FunctionsKey)
		}
		list = []string{one}
	}
	for _, c := range list {
		name, args, err := ParseCall(c)
		if err != nil {
			return err
		}
		p.Calls = append(p.Calls, Step{Kind: Invoke, Path: append(clone(path), engine.PathElem{Name: name}), Args: args})
	}
	return nil
}

// ParseCall splits "name(arg, ...)" into the name and its arguments. The
// argument list is read as the body of a JSON array.
func ParseCall(s string) (string, []any, error) {
	m := callPattern.FindStringSubmatch(s)
	if m == nil {
		return "", nil, fault.New(fault.RequestValidationError, "call %q is not name(args)", s)
	}
	args := []any{}
	if err := json.Unmarshal([]byte("["+m[2]+"]"), &args); err != nil {
		return "", nil, fault.New(fault.RequestValidationError, "call %q has unreadable arguments", s)
	}
	return m[1], args, nil
}

// parseKey reads "name" or "name[i][j]".
func parseKey(key string) (engine.PathElem, error) {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return engine.PathElem{}, fault.New(fault.RequestValidationError, "bad parameter key %q", key)
	}
	el := engine.PathElem{Name: m[1]}
	for _, im := range indexPattern.FindAllStringSubmatch(m[2], -1) {
		i, err := strconv.Atoi(im[1])
		if err != nil {
			return engine.PathElem{}, fault.New(fault.RequestValidationError, "bad index in key %q", key)
		}
		el.Index = append(el.Index, i)
	}
	return el, nil
}

// value decodes an assigned leaf: a number, bool, string or list.
func value(name string, raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, invalid(err, name)
	}
	switch v.(type) {
	case float64, bool, string, []any:
		return v, nil
	case nil:
		return nil, fault.New(fault.RequestValidationError, "%s: null value", name)
	}
	return nil, fault.New(fault.RequestValidationError, "%s: unsupported value", name)
}

func decodeObject(data []byte) (*object, error) {
	obj := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(data, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func isObject(raw json.RawMessage) bool {
	b := bytes.TrimSpace(raw)
	return len(b) > 0 && b[0] == '{'
}

func clone(p engine.Path) engine.Path {
	return append(engine.Path(nil), p...)
}

func invalid(err error, what string) error {
	return fault.Wrap(fault.RequestValidationError, err, what)
}
