// Package extension reads the type and extension folders registered on a
// process. Type folders contribute `type` and `alias` blocks that every client
// registers up front; extension folders contribute named `extension` blocks
// holding more types plus user functions, which a client loads on request.
//
//	type "Vec3" {
//	  member "x" { type = "Float32" }
//	  member "y" { type = "Float32" }
//	  member "z" { type = "Float32" }
//	  method "norm" {
//	    body = sqrt(this.x * this.x + this.y * this.y + this.z * this.z)
//	  }
//	}
//
//	extension "Lerp" {
//	  function "lerp" {
//	    params = [a, b, t]
//	    result = a + (b - a) * t
//	  }
//	}
package extension

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/dgsplice/internal/ctxlog"
	"github.com/vk/dgsplice/internal/fsutil"
)

// FilterFunc decides whether a named type or extension is visible. A nil
// FilterFunc admits everything.
type FilterFunc func(name string) bool

func (f FilterFunc) allows(name string) bool {
	return f == nil || f(name)
}

type rtFileRoot struct {
	Types   []*typeBlock  `hcl:"type,block"`
	Aliases []*aliasBlock `hcl:"alias,block"`
	Remain  hcl.Body      `hcl:",remain"`
}

type extFileRoot struct {
	Extensions []*extensionBlock `hcl:"extension,block"`
	Remain     hcl.Body          `hcl:",remain"`
}

type typeBlock struct {
	Name    string         `hcl:"name,label"`
	Object  bool           `hcl:"object,optional"`
	Members []*memberBlock `hcl:"member,block"`
	Methods []*methodBlock `hcl:"method,block"`
}

type memberBlock struct {
	Name string `hcl:"name,label"`
	Type string `hcl:"type"`
}

type methodBlock struct {
	Name   string         `hcl:"name,label"`
	Params []string       `hcl:"params,optional"`
	Body   hcl.Expression `hcl:"body"`
}

type aliasBlock struct {
	Name   string `hcl:"name,label"`
	Target string `hcl:"target"`
}

type extensionBlock struct {
	Name      string    `hcl:"name,label"`
	Body      hcl.Body  `hcl:",remain"`
	DeclRange hcl.Range `hcl:",def_range"`
}

type extensionContent struct {
	Version string       `hcl:"version,optional"`
	Types   []*typeBlock `hcl:"type,block"`
}

// Extension is one named extension found in an extension folder.
type Extension struct {
	Name    string
	Version string
	File    string
	types   []*typeBlock
	// body still holds the `function` blocks; they are decoded per client
	// because user functions close over the client's function table.
	body hcl.Body
}

// Catalog is everything discovered in a set of folders.
type Catalog struct {
	types      []*typeBlock
	aliases    []*aliasBlock
	extensions map[string]*Extension
}

// Load parses every .hcl file under rtFolders and extFolders. Types and
// extensions rejected by the filters are dropped here.
func Load(ctx context.Context, rtFolders, extFolders []string, rtFilter, extFilter FilterFunc) (*Catalog, error) {
	logger := ctxlog.FromContext(ctx)
	cat := &Catalog{extensions: make(map[string]*Extension)}
	parser := hclparse.NewParser()

	rtFiles, err := fsutil.CollectFiles(".hcl", rtFolders...)
	if err != nil {
		return nil, err
	}
	for _, file := range rtFiles {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse type file %s: %w", file, diags)
		}
		var root rtFileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode type file %s: %w", file, diags)
		}
		for _, t := range root.Types {
			if !rtFilter.allows(t.Name) {
				logger.Debug("Type filtered out.", "type", t.Name, "file", file)
				continue
			}
			cat.types = append(cat.types, t)
		}
		cat.aliases = append(cat.aliases, root.Aliases...)
	}

	extFiles, err := fsutil.CollectFiles(".hcl", extFolders...)
	if err != nil {
		return nil, err
	}
	for _, file := range extFiles {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse extension file %s: %w", file, diags)
		}
		var root extFileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode extension file %s: %w", file, diags)
		}
		for _, eb := range root.Extensions {
			if !extFilter.allows(eb.Name) {
				logger.Debug("Extension filtered out.", "extension", eb.Name, "file", file)
				continue
			}
			if prev, dup := cat.extensions[eb.Name]; dup {
				return nil, fmt.Errorf("extension '%s' in %s is already defined in %s", eb.Name, file, prev.File)
			}
			ext, err := decodeExtension(eb, file)
			if err != nil {
				return nil, err
			}
			cat.extensions[eb.Name] = ext
		}
	}

	logger.Debug("Extension folders loaded.", "types", len(cat.types), "aliases", len(cat.aliases), "extensions", len(cat.extensions))
	return cat, nil
}

func decodeExtension(eb *extensionBlock, file string) (*Extension, error) {
	schema := &hcl.BodySchema{Blocks: []hcl.BlockHeaderSchema{{Type: "function", LabelNames: []string{"name"}}}}
	_, rest, diags := eb.Body.PartialContent(schema)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode extension '%s' in %s: %w", eb.Name, file, diags)
	}
	var content extensionContent
	if diags := gohcl.DecodeBody(rest, nil, &content); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode extension '%s' in %s: %w", eb.Name, file, diags)
	}
	return &Extension{
		Name:    eb.Name,
		Version: content.Version,
		File:    file,
		types:   content.Types,
		body:    eb.Body,
	}, nil
}

// Extension returns the named extension.
func (c *Catalog) Extension(name string) (*Extension, bool) {
	ext, ok := c.extensions[name]
	return ext, ok
}

// TypeNames lists the types from the type folders, in load order.
func (c *Catalog) TypeNames() []string {
	names := make([]string, len(c.types))
	for i, t := range c.types {
		names[i] = t.Name
	}
	return names
}
