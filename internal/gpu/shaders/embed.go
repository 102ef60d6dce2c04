// Package shaders embeds the WGSL kernel sources. Each module groups entry
// points that share one binding layout, since WGSL declares bindings at
// module scope.
package shaders

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// Module names.
const (
	BinaryOps = "binary_ops"
	UnaryOps  = "unary_ops"
	ReduceOps = "reduce_ops"
	MatrixOps = "matrix_ops"
)

//go:embed *.wgsl
var files embed.FS

// Source returns the WGSL text of a module.
func Source(module string) (string, error) {
	b, err := files.ReadFile(module + ".wgsl")
	if err != nil {
		return "", fmt.Errorf("shaders: unknown module %q", module)
	}
	return string(b), nil
}

// Modules lists the embedded module names in sorted order.
func Modules() []string {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".wgsl"))
	}
	sort.Strings(names)
	return names
}
