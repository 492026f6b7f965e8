package sandbox

// MountOpKind identifies a DOM operation recorded on a mount handle.
type MountOpKind string

const (
	MountSetHTML MountOpKind = "set_html"
	MountAppend  MountOpKind = "append"
	MountClear   MountOpKind = "clear"
)

// MountOp is one recorded operation against a cell's mount element.
type MountOp struct {
	Kind  MountOpKind `json:"kind"`
	Value any         `json:"value,omitempty"`
}

// MountHandle is the pre-created, initially empty mount element reference
// injected into code cells as "dom". The engine records operations rather
// than touching a real DOM; the rendering layer replays them against the
// actual container for the cell.
type MountHandle struct {
	cellID string
	ops    []MountOp
}

// NewMountHandle creates an empty mount handle for a cell.
func NewMountHandle(cellID string) *MountHandle {
	return &MountHandle{cellID: cellID}
}

// CellID returns the owning cell's id.
func (m *MountHandle) CellID() string { return m.cellID }

// SetHTML replaces the mount content.
func (m *MountHandle) SetHTML(html string) any {
	m.ops = append(m.ops, MountOp{Kind: MountSetHTML, Value: html})
	return nil
}

// Append adds a child value to the mount content.
func (m *MountHandle) Append(value any) any {
	m.ops = append(m.ops, MountOp{Kind: MountAppend, Value: value})
	return nil
}

// Clear empties the mount content.
func (m *MountHandle) Clear() any {
	m.ops = append(m.ops, MountOp{Kind: MountClear})
	return nil
}

// Ops returns the recorded operations in call order.
func (m *MountHandle) Ops() []MountOp {
	return m.ops
}
