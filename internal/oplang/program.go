// Package oplang is the operator language: small HCL documents declaring
// one or more `operator` blocks whose expressions are evaluated with go-cty
// against container member values.
//
//	operator "normalize" {
//	  parameter "vec3" { mode = "in" }
//	  parameter "norm" { mode = "out" }
//	  exec = [report("normalizing")]
//	  result {
//	    norm = norm(vec3)
//	  }
//	}
//
// Parameters default to mode "io". Inside expressions every parameter is a
// variable, and `slice` is an object with the current slice `index` and the
// slice `count`.
package oplang

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
)

// Mode is the data-flow direction of an operator parameter.
type Mode int

const (
	ModeIO Mode = iota
	ModeIn
	ModeOut
)

func (m Mode) String() string {
	switch m {
	case ModeIn:
		return "in"
	case ModeOut:
		return "out"
	}
	return "io"
}

// Reads reports whether the parameter value is read before the call.
func (m Mode) Reads() bool { return m != ModeOut }

// Writes reports whether the parameter value is written back after the call.
func (m Mode) Writes() bool { return m != ModeIn }

// ParseMode accepts "in", "out" and "io" in any case; empty means io.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "io":
		return ModeIO, nil
	case "in":
		return ModeIn, nil
	case "out":
		return ModeOut, nil
	}
	return ModeIO, fmt.Errorf("invalid parameter mode %q: must be 'in', 'out' or 'io'", s)
}

// Param is one declared operator parameter.
type Param struct {
	Name string
	Mode Mode
	// Type optionally pins the registered type the bound member must have.
	Type  string
	Range hcl.Range
}

// SliceVar is the reserved variable holding the slice index and count.
const SliceVar = "slice"
