package rt

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// MemberSpec names a struct member by type name, before resolution.
type MemberSpec struct {
	Name string
	Type string
}

// Registry is the set of types visible to one client. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	types   map[string]*Type
	arrays  map[string]*Type
	aliases map[string]string
}

// NewRegistry returns a registry preloaded with the builtin scalars and their
// aliases.
func NewRegistry() *Registry {
	r := &Registry{
		types:   make(map[string]*Type),
		arrays:  make(map[string]*Type),
		aliases: make(map[string]string),
	}
	for _, s := range builtinScalars {
		r.types[s.name] = newScalar(s)
	}
	for alias, target := range builtinAliases {
		r.aliases[alias] = target
	}
	return r
}

func (r *Registry) resolveLocked(name string) (*Type, bool) {
	base, isArray := splitArray(name)
	if target, ok := r.aliases[base]; ok {
		base = target
	}
	t, ok := r.types[base]
	if !ok {
		return nil, false
	}
	if !isArray {
		return t, true
	}
	if at, ok := r.arrays[base]; ok {
		return at, true
	}
	return nil, false
}

// Lookup resolves a type name, following aliases. "T[]" resolves to the array
// form of T.
func (r *Registry) Lookup(name string) (*Type, error) {
	r.mu.RLock()
	t, ok := r.resolveLocked(name)
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	base, isArray := splitArray(name)
	if !isArray {
		return nil, dgerr.New(dgerr.NotFound, "rt.Lookup", "type '%s' is not registered", name)
	}
	elem, err := r.Lookup(base)
	if err != nil {
		return nil, err
	}
	if elem.IsArray() {
		return nil, dgerr.New(dgerr.Unsupported, "rt.Lookup", "nested array type '%s' is not supported", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if at, ok := r.arrays[elem.Name]; ok {
		return at, nil
	}
	at := newArray(elem)
	r.arrays[elem.Name] = at
	return at, nil
}

// Has reports whether name resolves.
func (r *Registry) Has(name string) bool {
	_, err := r.Lookup(name)
	return err == nil
}

// RegisterStruct registers a struct type. Registering the same layout twice
// is a no-op; a different layout under an existing name is DuplicateName.
func (r *Registry) RegisterStruct(name string, specs []MemberSpec) (*Type, error) {
	return r.registerComposite("rt.RegisterStruct", name, specs, false)
}

// RegisterObject registers an object type: a struct whose values have no
// byte layout, so raw data access on them fails. Re-registration follows
// RegisterStruct, and a struct and an object never share a name.
func (r *Registry) RegisterObject(name string, specs []MemberSpec) (*Type, error) {
	return r.registerComposite("rt.RegisterObject", name, specs, true)
}

func (r *Registry) registerComposite(op, name string, specs []MemberSpec, object bool) (*Type, error) {
	if name == "" {
		return nil, dgerr.New(dgerr.Unsupported, op, "type name must not be empty")
	}
	if _, isArray := splitArray(name); isArray {
		return nil, dgerr.New(dgerr.Unsupported, op, "struct name '%s' must not carry the array suffix", name)
	}

	members := make([]Member, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		if _, dup := seen[s.Name]; dup {
			return nil, dgerr.New(dgerr.DuplicateName, op, "member '%s' declared twice in '%s'", s.Name, name)
		}
		seen[s.Name] = struct{}{}
		mt, err := r.Lookup(s.Type)
		if err != nil {
			return nil, fmt.Errorf("member '%s' of '%s': %w", s.Name, name, err)
		}
		members = append(members, Member{Name: s.Name, Type: mt})
	}
	candidate := newStruct(name, members)
	if object {
		candidate.Object = true
		candidate.Shallow = false
		candidate.Size = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, aliased := r.aliases[name]; aliased {
		return nil, dgerr.New(dgerr.DuplicateName, op, "'%s' is already an alias", name)
	}
	if existing, ok := r.types[name]; ok {
		if existing.IsStruct() && existing.Object == candidate.Object && existing.Cty.Equals(candidate.Cty) && sameMembers(existing, candidate) {
			return existing, nil
		}
		return nil, dgerr.New(dgerr.DuplicateName, op, "type '%s' is already registered", name)
	}
	r.types[name] = candidate
	return candidate, nil
}

func sameMembers(a, b *Type) bool {
	if len(a.Members) != len(b.Members) {
		return false
	}
	for i := range a.Members {
		if a.Members[i].Name != b.Members[i].Name || a.Members[i].Type != b.Members[i].Type {
			return false
		}
	}
	return true
}

// RegisterAlias makes alias resolve to target.
func (r *Registry) RegisterAlias(alias, target string) error {
	if _, err := r.Lookup(target); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[alias]; ok {
		return dgerr.New(dgerr.DuplicateName, "rt.RegisterAlias", "'%s' is already a registered type", alias)
	}
	r.aliases[alias] = target
	return nil
}

// AddMethod attaches fn to typeName under the given method name. The first
// parameter of fn receives the value the method is called on.
func (r *Registry) AddMethod(typeName, method string, fn function.Function) error {
	t, err := r.Lookup(typeName)
	if err != nil {
		return err
	}
	if len(fn.Params()) == 0 {
		return dgerr.New(dgerr.Unsupported, "rt.AddMethod", "method '%s.%s' must take the receiver as its first parameter", typeName, method)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := t.methods[method]; ok {
		return dgerr.New(dgerr.DuplicateName, "rt.AddMethod", "method '%s.%s' already exists", t.Name, method)
	}
	t.methods[method] = fn
	return nil
}

// Names returns every registered type name, aliases excluded, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Aliases returns a copy of the alias table.
func (r *Registry) Aliases() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.aliases))
	for k, v := range r.aliases {
		out[k] = v
	}
	return out
}

// MethodFunctions builds one dispatching function per method name. A call
// selects the implementation whose receiver type matches the first argument.
func (r *Registry) MethodFunctions() map[string]function.Function {
	r.mu.RLock()
	defer r.mu.RUnlock()

	impls := make(map[string][]*Type)
	for _, t := range r.types {
		for name := range t.methods {
			impls[name] = append(impls[name], t)
		}
	}

	out := make(map[string]function.Function, len(impls))
	for name, owners := range impls {
		sort.Slice(owners, func(i, j int) bool { return owners[i].Name < owners[j].Name })
		out[name] = dispatcher(name, owners)
	}
	return out
}

func dispatcher(name string, owners []*Type) function.Function {
	pick := func(args []cty.Value) (function.Function, error) {
		if len(args) == 0 {
			return function.Function{}, fmt.Errorf("method %s needs a receiver", name)
		}
		recv := args[0].Type()
		for _, t := range owners {
			if recv.Equals(t.Cty) {
				return t.methods[name], nil
			}
		}
		return function.Function{}, fmt.Errorf("no method %s for receiver of type %s", name, recv.FriendlyName())
	}

	return function.New(&function.Spec{
		Description: fmt.Sprintf("Dispatches the %s method on its receiver type.", name),
		VarParam: &function.Parameter{
			Name:             "args",
			Type:             cty.DynamicPseudoType,
			AllowDynamicType: true,
		},
		Type: func(args []cty.Value) (cty.Type, error) {
			impl, err := pick(args)
			if err != nil {
				return cty.NilType, err
			}
			return impl.ReturnType(typesOf(args))
		},
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			impl, err := pick(args)
			if err != nil {
				return cty.NilVal, err
			}
			return impl.Call(args)
		},
	})
}

func typesOf(args []cty.Value) []cty.Type {
	out := make([]cty.Type, len(args))
	for i, a := range args {
		out[i] = a.Type()
	}
	return out
}
