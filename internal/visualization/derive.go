package visualization

import (
	"github.com/tidwall/gjson"
)

// Visibility tells the caller what to do with the visualization panel.
type Visibility int

const (
	Unchanged Visibility = iota
	Show
)

// Update is what an AI payload says about the visualization. Both matrices
// are carried when present so switching dimension does not lose data.
type Update struct {
	Dimension  int
	Matrix2D   [][]float64
	Matrix3D   [][]float64
	Visibility Visibility
}

// State returns the matrix for the adopted dimension.
func (u Update) State() State {
	if u.Dimension == 3 {
		return State{Dimension: 3, Matrix: cloneMatrix(u.Matrix3D)}
	}
	return State{Dimension: 2, Matrix: cloneMatrix(u.Matrix2D)}
}

// Derive extracts visualization data from a raw ai_response payload. It
// returns false when the payload carries no usable matrix, in which case the
// caller must leave its current state and panel visibility alone.
//
// Recognized shapes:
//
//	{"visualizations": {"2d": {"matrix": [[..]]}, "3d": {"matrix": [[..]]}}}
//	{"visualizations": {"2d": [[..]], "3d": [[..]]}}
//	{"visualization": {"dimension": 3, "matrix": [[..]]}}
//
// When both 2D and 3D data are present, 2D is displayed.
func Derive(payload []byte) (Update, bool) {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return Update{}, false
	}
	root := gjson.ParseBytes(payload)

	var u Update
	if viz := root.Get("visualizations"); viz.IsObject() {
		u.Matrix2D = matrixAt(viz.Get("2d"), 2)
		u.Matrix3D = matrixAt(viz.Get("3d"), 3)
	}
	if u.Matrix2D == nil && u.Matrix3D == nil {
		if legacy := root.Get("visualization"); legacy.IsObject() {
			switch legacy.Get("dimension").Int() {
			case 2:
				u.Matrix2D = parseMatrix(legacy.Get("matrix"), 2)
			case 3:
				u.Matrix3D = parseMatrix(legacy.Get("matrix"), 3)
			}
		}
	}

	switch {
	case u.Matrix2D != nil:
		u.Dimension = 2
	case u.Matrix3D != nil:
		u.Dimension = 3
	default:
		return Update{}, false
	}
	u.Visibility = Show
	return u, true
}

func matrixAt(r gjson.Result, dim int) [][]float64 {
	if r.IsObject() {
		return parseMatrix(r.Get("matrix"), dim)
	}
	return parseMatrix(r, dim)
}

// parseMatrix accepts only a dim x dim array of numbers.
func parseMatrix(r gjson.Result, dim int) [][]float64 {
	if !r.IsArray() {
		return nil
	}
	rows := r.Array()
	if len(rows) != dim {
		return nil
	}
	m := make([][]float64, dim)
	for i, row := range rows {
		if !row.IsArray() {
			return nil
		}
		cells := row.Array()
		if len(cells) != dim {
			return nil
		}
		m[i] = make([]float64, dim)
		for j, c := range cells {
			if c.Type != gjson.Number {
				return nil
			}
			m[i][j] = c.Float()
		}
	}
	return m
}
