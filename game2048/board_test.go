package game2048

import (
	"math/rand"
	"testing"
)

func TestNewBoard_TwoStartingTiles(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 100; trial++ {
		b := NewBoard(rng)
		tiles := 0
		for i := 0; i < Size; i++ {
			for j := 0; j < Size; j++ {
				switch b[i][j] {
				case 0:
				case 2, 4:
					tiles++
				default:
					t.Fatalf("starting tile has value %d", b[i][j])
				}
			}
		}
		if tiles != 2 {
			t.Fatalf("expected 2 starting tiles, got %d", tiles)
		}
	}
}

func TestSpawnTile_FullBoardIsNoOp(t *testing.T) {
	b := packedAlternatingBoard()
	rng := rand.New(rand.NewSource(1))
	got, ok := SpawnTile(b, rng)
	if ok {
		t.Fatalf("spawn on full board reported ok")
	}
	if got != b {
		t.Fatalf("spawn on full board mutated it")
	}
}

func TestSpawnTile_FillsOnlyEmptyCell(t *testing.T) {
	b := packedAlternatingBoard()
	b[2][2] = 0
	rng := rand.New(rand.NewSource(1))
	got, ok := SpawnTile(b, rng)
	if !ok {
		t.Fatalf("spawn failed with one empty cell")
	}
	if got[2][2] != 2 && got[2][2] != 4 {
		t.Fatalf("spawned value %d at the empty cell", got[2][2])
	}
}

func TestIsTerminal(t *testing.T) {
	b := packedAlternatingBoard()
	if !IsTerminal(b) {
		t.Fatalf("strictly alternating full board should be terminal")
	}

	withPair := b
	withPair[0][1] = withPair[0][0]
	if IsTerminal(withPair) {
		t.Fatalf("board with one adjacent pair should not be terminal")
	}

	withHole := b
	withHole[3][3] = 0
	if IsTerminal(withHole) {
		t.Fatalf("board with an empty cell should not be terminal")
	}
}

func TestHasReachedTarget(t *testing.T) {
	var b Board
	b[1][2] = 1024
	if HasReachedTarget(b, DefaultTarget) {
		t.Fatalf("1024 should not reach the 2048 target")
	}
	b[3][0] = 2048
	if !HasReachedTarget(b, DefaultTarget) {
		t.Fatalf("2048 tile not detected")
	}
}

func TestParseDirection(t *testing.T) {
	for _, name := range []string{"up", "down", "left", "right"} {
		d, ok := ParseDirection(name)
		if !ok || d.String() != name {
			t.Fatalf("ParseDirection(%q) = %v, %v", name, d, ok)
		}
	}
	if _, ok := ParseDirection("sideways"); ok {
		t.Fatalf("ParseDirection accepted garbage")
	}
}

// packedAlternatingBoard is full with no two adjacent equal cells.
func packedAlternatingBoard() Board {
	return Board{
		{2, 4, 2, 4},
		{4, 2, 4, 2},
		{2, 4, 2, 4},
		{4, 2, 4, 2},
	}
}
