package extension

import (
	"errors"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/ext/userfunc"
	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/oplang"
	"github.com/vk/dgsplice/internal/rt"
)

// MethodLayer is the oplang layer holding the dispatchers of every type
// method of a registry.
const MethodLayer = "methods"

// LayerName is the oplang layer an extension's functions are installed in.
func LayerName(extension string) string { return "ext:" + extension }

// ApplyTypes registers the catalog's types and aliases into reg and
// installs their methods into env.
func (c *Catalog) ApplyTypes(reg *rt.Registry, env *oplang.Env) error {
	if err := registerTypes(reg, env, c.types, c.aliases); err != nil {
		return err
	}
	env.SetLayer(MethodLayer, reg.MethodFunctions())
	return nil
}

// ApplyExtension registers the named extension's types into reg and its
// functions into env.
func (c *Catalog) ApplyExtension(name string, reg *rt.Registry, env *oplang.Env) (*Extension, error) {
	ext, ok := c.extensions[name]
	if !ok {
		return nil, dgerr.New(dgerr.NotFound, "extension.Apply", "extension '%s' was not found in any extension folder", name)
	}
	if err := registerTypes(reg, env, ext.types, nil); err != nil {
		return nil, fmt.Errorf("extension '%s': %w", name, err)
	}
	env.SetLayer(MethodLayer, reg.MethodFunctions())

	funcs, _, diags := userfunc.DecodeUserFunctions(ext.body, "function", func() *hcl.EvalContext {
		return &hcl.EvalContext{Functions: env.Functions()}
	})
	if diags.HasErrors() {
		return nil, dgerr.Wrap(dgerr.CompileError, "extension.Apply", fmt.Errorf("extension '%s': %w", name, diags))
	}
	env.SetLayer(LayerName(name), funcs)
	return ext, nil
}

// registerTypes registers structs and aliases in dependency order. Each pass
// registers everything whose member types already resolve; a pass without
// progress reports the first remaining failure.
func registerTypes(reg *rt.Registry, env *oplang.Env, types []*typeBlock, aliases []*aliasBlock) error {
	pendingTypes := types
	pendingAliases := aliases
	for len(pendingTypes) > 0 || len(pendingAliases) > 0 {
		var firstErr error
		var nextTypes []*typeBlock
		var nextAliases []*aliasBlock

		for _, tb := range pendingTypes {
			if err := registerType(reg, env, tb); err != nil {
				if !errors.Is(err, dgerr.ErrNotFound) {
					return err
				}
				firstErr = errors.Join(firstErr, err)
				nextTypes = append(nextTypes, tb)
			}
		}
		for _, ab := range pendingAliases {
			if err := reg.RegisterAlias(ab.Name, ab.Target); err != nil {
				if !errors.Is(err, dgerr.ErrNotFound) {
					return fmt.Errorf("alias '%s': %w", ab.Name, err)
				}
				firstErr = errors.Join(firstErr, err)
				nextAliases = append(nextAliases, ab)
			}
		}

		if len(nextTypes) == len(pendingTypes) && len(nextAliases) == len(pendingAliases) {
			return firstErr
		}
		pendingTypes, pendingAliases = nextTypes, nextAliases
	}
	return nil
}

func registerType(reg *rt.Registry, env *oplang.Env, tb *typeBlock) error {
	specs := make([]rt.MemberSpec, len(tb.Members))
	for i, m := range tb.Members {
		specs[i] = rt.MemberSpec{Name: m.Name, Type: m.Type}
	}
	register := reg.RegisterStruct
	if tb.Object {
		register = reg.RegisterObject
	}
	t, err := register(tb.Name, specs)
	if err != nil {
		return err
	}
	have := make(map[string]struct{})
	for _, n := range t.MethodNames() {
		have[n] = struct{}{}
	}
	for _, mb := range tb.Methods {
		if _, ok := have[mb.Name]; ok {
			// The same definition was applied before; registration is idempotent.
			continue
		}
		fn, err := oplang.ExprMethodFromExpression(env, t.Cty, mb.Params, mb.Body)
		if err != nil {
			return fmt.Errorf("method '%s.%s': %w", tb.Name, mb.Name, err)
		}
		if err := reg.AddMethod(tb.Name, mb.Name, fn); err != nil {
			return err
		}
	}
	return nil
}
