package game2048

// MoveResult is the outcome of applying one direction to a board.
type MoveResult struct {
	Board      Board
	ScoreDelta int
	Moved      bool
}

// Move collapses and merges the board toward dir. Each line is packed toward
// the move edge, then scanned once from the edge: two equal neighbours merge
// into their sum, and a tile produced by a merge never merges again within
// the same move. ScoreDelta is the sum of all merged values.
//
// Moved is false iff no cell changed; in that case the board and score are
// untouched and the caller must not spawn a tile.
//
// Right and down are the left algorithm under a horizontal mirror and a
// transpose respectively, with the transform undone afterwards.
func Move(b Board, dir Direction) MoveResult {
	switch dir {
	case DirLeft:
		return moveLeft(b)
	case DirRight:
		res := moveLeft(mirror(b))
		res.Board = mirror(res.Board)
		return res
	case DirUp:
		res := moveLeft(transpose(b))
		res.Board = transpose(res.Board)
		return res
	case DirDown:
		res := moveLeft(mirror(transpose(b)))
		res.Board = transpose(mirror(res.Board))
		return res
	}
	return MoveResult{Board: b}
}

func moveLeft(b Board) MoveResult {
	out := b
	delta := 0
	for i := 0; i < Size; i++ {
		var packed [Size]int
		n := 0
		for _, v := range b[i] {
			if v != 0 {
				packed[n] = v
				n++
			}
		}

		var row [Size]int
		k := 0
		for j := 0; j < n; {
			if j+1 < n && packed[j] == packed[j+1] {
				row[k] = packed[j] * 2
				delta += row[k]
				j += 2
			} else {
				row[k] = packed[j]
				j++
			}
			k++
		}
		out[i] = row
	}
	return MoveResult{Board: out, ScoreDelta: delta, Moved: out != b}
}

func mirror(b Board) Board {
	var out Board
	for i := 0; i < Size; i++ {
		for j := 0; j < Size; j++ {
			out[i][j] = b[i][Size-1-j]
		}
	}
	return out
}

func transpose(b Board) Board {
	var out Board
	for i := 0; i < Size; i++ {
		for j := 0; j < Size; j++ {
			out[i][j] = b[j][i]
		}
	}
	return out
}
