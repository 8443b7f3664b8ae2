// Package trace models the simulator input: the ordered command list of
// a traced application (host-to-device copies and kernel launches), the
// per-kernel instruction traces, and the kernel launch bookkeeping the
// timing model drives. Traces load from text files in the tracer's
// format; synthetic builders produce in-memory kernels for tests.
package trace

import "fmt"

// Dim is a three dimensional grid or block extent, or a block index
// within a grid.
type Dim struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// Size returns the number of points in the extent.
func (d Dim) Size() int {
	return d.X * d.Y * d.Z
}

// String formats the dimension in the trace header form "(x,y,z)".
func (d Dim) String() string {
	return fmt.Sprintf("(%d,%d,%d)", d.X, d.Y, d.Z)
}

// Linear returns the flat index of block d within grid, x fastest.
func (d Dim) Linear(grid Dim) int {
	return d.Z*grid.Y*grid.X + d.Y*grid.X + d.X
}

// blockAt returns the i-th block index of the grid in x-fastest order.
func blockAt(grid Dim, i int) Dim {
	x := i % grid.X
	y := (i / grid.X) % grid.Y
	z := i / (grid.X * grid.Y)
	return Dim{X: x, Y: y, Z: z}
}
