// Package scene reads HCL scene files describing splice nodes and builds
// them in a splice.Host.
//
//	node "points" {
//	  size = 1024
//	  member "vec3" { type = "Vec3" }
//	  member "norm" {
//	    type    = "Float32"
//	    default = 0
//	  }
//	  port "norm" {
//	    mode  = "OUT"
//	    group = "results"
//	  }
//	  operator "testOp" { source = file("ops/norm.hcl") }
//	  depends_on = { upstream = "other" }
//	}
//
//	connection {
//	  from = "a.out"
//	  to   = "b.in"
//	}
package scene

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/dgsplice/internal/ctxlog"
	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/fsutil"
	"github.com/vk/dgsplice/internal/rt"
	"github.com/vk/dgsplice/internal/variant"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// fileRoot decodes every top-level block of a scene file.
type fileRoot struct {
	Nodes       []*nodeBlock       `hcl:"node,block"`
	Connections []*connectionBlock `hcl:"connection,block"`
	Remain      hcl.Body           `hcl:",remain"`
}

type nodeBlock struct {
	Name      string            `hcl:"name,label"`
	Size      *int              `hcl:"size,optional"`
	Members   []*memberBlock    `hcl:"member,block"`
	Ports     []*portBlock      `hcl:"port,block"`
	Operators []*operatorBlock  `hcl:"operator,block"`
	DependsOn map[string]string `hcl:"depends_on,optional"`
	DeclRange hcl.Range         `hcl:",def_range"`
}

type memberBlock struct {
	Name       string         `hcl:"name,label"`
	Type       string         `hcl:"type"`
	Default    hcl.Expression `hcl:"default,optional"`
	Persistent bool           `hcl:"persistent,optional"`
}

type portBlock struct {
	Name   string `hcl:"name,label"`
	Member string `hcl:"member,optional"`
	Mode   string `hcl:"mode"`
	Group  string `hcl:"group,optional"`
}

type operatorBlock struct {
	Name   string `hcl:"name,label"`
	Source string `hcl:"source,optional"`
	Path   string `hcl:"path,optional"`
}

type connectionBlock struct {
	From      string    `hcl:"from"`
	To        string    `hcl:"to"`
	DeclRange hcl.Range `hcl:",def_range"`
}

// Load parses every .hcl file under paths into one Model. Node names must
// be unique across files.
func Load(ctx context.Context, paths ...string) (*Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Scene loader started.", "path_count", len(paths))

	files, err := fsutil.CollectFiles(".hcl", paths...)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, dgerr.New(dgerr.NotFound, "scene.Load", "no .hcl files found in %v", paths)
	}

	model := &Model{}
	seen := make(map[string]string)
	parser := hclparse.NewParser()
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse scene file %s: %w", file, diags)
		}
		dir := filepath.Dir(file)
		evalCtx := evalContext(dir)

		var root fileRoot
		diags = gohcl.DecodeBody(hclFile.Body, evalCtx, &root)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode scene file %s: %w", file, diags)
		}

		for _, nb := range root.Nodes {
			if prev, dup := seen[nb.Name]; dup {
				return nil, dgerr.New(dgerr.DuplicateName, "scene.Load", "node '%s' in %s is already defined in %s", nb.Name, file, prev)
			}
			seen[nb.Name] = file
			n, err := translateNode(nb, dir, evalCtx)
			if err != nil {
				return nil, fmt.Errorf("scene file %s: %w", file, err)
			}
			model.Nodes = append(model.Nodes, n)
		}
		for _, cb := range root.Connections {
			model.Connections = append(model.Connections, Connection{From: cb.From, To: cb.To})
		}
	}

	logger.Debug("Scene loading complete.", "files", len(files), "nodes", len(model.Nodes), "connections", len(model.Connections))
	return model, nil
}

// evalContext offers file(path), reading relative to the scene file.
func evalContext(dir string) *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"file": function.New(&function.Spec{
				Params: []function.Parameter{{Name: "path", Type: cty.String}},
				Type:   function.StaticReturnType(cty.String),
				Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
					path := resolvePath(dir, args[0].AsString())
					buf, err := os.ReadFile(path)
					if err != nil {
						return cty.NilVal, fmt.Errorf("failed to read %s: %w", path, err)
					}
					return cty.StringVal(string(buf)), nil
				},
			}),
		},
	}
}

func resolvePath(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func translateNode(nb *nodeBlock, dir string, evalCtx *hcl.EvalContext) (*Node, error) {
	n := &Node{Name: nb.Name, Size: 1, DependsOn: nb.DependsOn}
	if nb.Size != nil {
		if *nb.Size < 0 {
			return nil, dgerr.New(dgerr.SizeMismatch, "scene.Load", "node '%s': size must not be negative", nb.Name)
		}
		n.Size = *nb.Size
	}
	for _, mb := range nb.Members {
		m := Member{Name: mb.Name, Type: mb.Type, Persistent: mb.Persistent}
		if mb.Default != nil {
			def, err := defaultValue(mb.Default, evalCtx)
			if err != nil {
				return nil, fmt.Errorf("node '%s', member '%s': %w", nb.Name, mb.Name, err)
			}
			m.Default = def
		}
		n.Members = append(n.Members, m)
	}
	for _, pb := range nb.Ports {
		member := pb.Member
		if member == "" {
			member = pb.Name
		}
		n.Ports = append(n.Ports, Port{Name: pb.Name, Member: member, Mode: pb.Mode, Group: pb.Group})
	}
	for _, ob := range nb.Operators {
		if (ob.Source == "") == (ob.Path == "") {
			return nil, dgerr.New(dgerr.Unsupported, "scene.Load", "node '%s', operator '%s': exactly one of source or path is required", nb.Name, ob.Name)
		}
		op := Operator{Name: ob.Name, Source: ob.Source}
		if ob.Path != "" {
			op.Path = resolvePath(dir, ob.Path)
		}
		n.Operators = append(n.Operators, op)
	}
	return n, nil
}

// defaultValue evaluates a default expression. A missing optional
// attribute decodes as a null expression.
func defaultValue(expr hcl.Expression, evalCtx *hcl.EvalContext) (variant.Variant, error) {
	val, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return variant.Variant{}, diags
	}
	return rt.VariantOf(val)
}
