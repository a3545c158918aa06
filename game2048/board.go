// Package game2048 is the pure tile-merge engine behind the race: an
// immutable 4x4 board of power-of-two tiles, a directional merge transform,
// random tile spawning and terminal/target detection. The package holds no
// state; randomness comes from an injected *rand.Rand so callers control
// determinism.
package game2048

import "math/rand"

// Size is the board edge length.
const Size = 4

// DefaultTarget is the tile value that ends the race in a win.
const DefaultTarget = 2048

// Board is a 4x4 grid of tile values. Zero means empty; occupied cells hold
// powers of two starting at 2.
type Board [Size][Size]int

// Direction is a move direction.
type Direction int

const (
	DirUp Direction = iota
	DirDown
	DirLeft
	DirRight
)

func (d Direction) String() string {
	switch d {
	case DirUp:
		return "up"
	case DirDown:
		return "down"
	case DirLeft:
		return "left"
	case DirRight:
		return "right"
	}
	return "unknown"
}

// ParseDirection maps a wire direction name to a Direction.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "up":
		return DirUp, true
	case "down":
		return DirDown, true
	case "left":
		return DirLeft, true
	case "right":
		return DirRight, true
	}
	return 0, false
}

// NewBoard returns a board with exactly two starting tiles, each placed at a
// uniformly chosen empty cell and valued 2 (probability 0.9) or 4.
func NewBoard(rng *rand.Rand) Board {
	var b Board
	b, _ = SpawnTile(b, rng)
	b, _ = SpawnTile(b, rng)
	return b
}

// SpawnTile places one new tile at a uniformly chosen empty cell, using the
// same 90/10 value split as NewBoard. A full board is returned unchanged with
// ok=false.
func SpawnTile(b Board, rng *rand.Rand) (Board, bool) {
	var empty [Size * Size][2]int
	n := 0
	for i := 0; i < Size; i++ {
		for j := 0; j < Size; j++ {
			if b[i][j] == 0 {
				empty[n] = [2]int{i, j}
				n++
			}
		}
	}
	if n == 0 {
		return b, false
	}
	cell := empty[rng.Intn(n)]
	value := 2
	if rng.Float64() >= 0.9 {
		value = 4
	}
	b[cell[0]][cell[1]] = value
	return b, true
}

// IsTerminal reports whether no legal move remains in any direction: every
// cell is occupied and no two horizontally or vertically adjacent cells
// match.
func IsTerminal(b Board) bool {
	for i := 0; i < Size; i++ {
		for j := 0; j < Size; j++ {
			if b[i][j] == 0 {
				return false
			}
			if j < Size-1 && b[i][j] == b[i][j+1] {
				return false
			}
			if i < Size-1 && b[i][j] == b[i+1][j] {
				return false
			}
		}
	}
	return true
}

// HasReachedTarget reports whether any cell holds the target value.
func HasReachedTarget(b Board, target int) bool {
	for i := 0; i < Size; i++ {
		for j := 0; j < Size; j++ {
			if b[i][j] == target {
				return true
			}
		}
	}
	return false
}

// Cells returns the board as a nested slice with nil-able semantics flattened
// to zeroes, the shape the wire layer serializes.
func (b Board) Cells() [][]int {
	out := make([][]int, Size)
	for i := 0; i < Size; i++ {
		row := make([]int, Size)
		copy(row, b[i][:])
		out[i] = row
	}
	return out
}
