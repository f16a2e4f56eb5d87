package visualization

import (
	"fmt"
	"sync"
)

// State is what the visualization panel renders.
type State struct {
	Dimension int
	Matrix    [][]float64
}

// Identity returns the dim x dim identity matrix.
func Identity(dim int) [][]float64 {
	m := make([][]float64, dim)
	for i := range m {
		m[i] = make([]float64, dim)
		m[i][i] = 1
	}
	return m
}

func cloneMatrix(m [][]float64) [][]float64 {
	if m == nil {
		return nil
	}
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

func validDimension(dim int) bool {
	return dim == 2 || dim == 3
}

// PanelState is a read-only copy of a Panel.
type PanelState struct {
	State
	Visible bool
}

// Panel holds the visualization state across responses. A matrix is kept per
// dimension; a dimension that never received explicit data shows identity.
type Panel struct {
	mu        sync.Mutex
	dimension int
	matrices  map[int][][]float64
	visible   bool
}

func NewPanel() *Panel {
	return &Panel{
		dimension: 2,
		matrices:  make(map[int][][]float64),
	}
}

func (p *Panel) Snapshot() PanelState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PanelState{State: p.currentLocked(), Visible: p.visible}
}

func (p *Panel) currentLocked() State {
	if m, ok := p.matrices[p.dimension]; ok {
		return State{Dimension: p.dimension, Matrix: cloneMatrix(m)}
	}
	return State{Dimension: p.dimension, Matrix: Identity(p.dimension)}
}

// Apply adopts a derived update.
func (p *Panel) Apply(u Update) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if u.Matrix2D != nil {
		p.matrices[2] = cloneMatrix(u.Matrix2D)
	}
	if u.Matrix3D != nil {
		p.matrices[3] = cloneMatrix(u.Matrix3D)
	}
	if validDimension(u.Dimension) {
		p.dimension = u.Dimension
	}
	if u.Visibility == Show {
		p.visible = true
	}
}

// SetDimension switches the displayed dimension.
func (p *Panel) SetDimension(dim int) error {
	if !validDimension(dim) {
		return fmt.Errorf("unsupported dimension %d", dim)
	}
	p.mu.Lock()
	p.dimension = dim
	p.mu.Unlock()
	return nil
}

// SetMatrix replaces the matrix of the current dimension, e.g. after a user edit.
func (p *Panel) SetMatrix(m [][]float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(m) != p.dimension {
		return fmt.Errorf("matrix has %d rows, want %d", len(m), p.dimension)
	}
	for i, row := range m {
		if len(row) != p.dimension {
			return fmt.Errorf("matrix row %d has %d columns, want %d", i, len(row), p.dimension)
		}
	}
	p.matrices[p.dimension] = cloneMatrix(m)
	return nil
}

func (p *Panel) SetVisible(v bool) {
	p.mu.Lock()
	p.visible = v
	p.mu.Unlock()
}

func (p *Panel) Toggle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visible = !p.visible
	return p.visible
}
