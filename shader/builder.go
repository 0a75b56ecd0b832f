// Package shader assembles the GLSL fragment and compute programs the
// inference engine compiles through gpu.Bank. Builder is a small textual
// assembler grounded on original_source/core/utils/string_builder.h's
// StringBuilder; Spatial and Activation are mixins ported from
// core/nnets/operation.h's SpatialFilteringMixin and
// ActivationFunctionMixin, generalized from C++ protected multiple
// inheritance to Go's embedding.
package shader

import (
	"fmt"
	"strings"

	"github.com/lnstadrum/beatmup-sub001/gpu/driver"
)

// Builder accumulates GLSL source text. Unlike strings.Builder it supports
// Replace, mirroring StringBuilder's templated placeholder substitution
// (operations render a skeleton shader once and patch in per-instance
// constants via Replace rather than re-deriving the whole template).
type Builder struct {
	buf strings.Builder
}

// NewBuilder starts an empty program, pre-seeded with the GLSL version
// header appropriate for glsl.
func NewBuilder(glsl driver.GLSLVersion) *Builder {
	b := &Builder{}
	b.Header(glsl)
	return b
}

// Header writes the `#version` pragma and default float precision
// qualifier the rest of the shader relies on.
func (b *Builder) Header(glsl driver.GLSLVersion) *Builder {
	switch glsl {
	case driver.GLSLES310:
		b.buf.WriteString("#version 310 es\n")
	default:
		b.buf.WriteString("#version 100\n")
	}
	b.buf.WriteString("precision highp float;\n")
	return b
}

// P appends a formatted line, without a trailing newline (callers that
// want one call NL or P with an explicit \n, matching StringBuilder's bare
// printf which never appends one on its own).
func (b *Builder) P(format string, args ...any) *Builder {
	fmt.Fprintf(&b.buf, format, args...)
	return b
}

// Raw appends s verbatim.
func (b *Builder) Raw(s string) *Builder {
	b.buf.WriteString(s)
	return b
}

// NL appends a newline.
func (b *Builder) NL() *Builder {
	b.buf.WriteString("\n")
	return b
}

// Replace substitutes every occurrence of search with replacement in the
// text accumulated so far.
func (b *Builder) Replace(search, replacement string) *Builder {
	s := strings.ReplaceAll(b.buf.String(), search, replacement)
	b.buf.Reset()
	b.buf.WriteString(s)
	return b
}

// String returns the accumulated GLSL source.
func (b *Builder) String() string { return b.buf.String() }
