// Package session implements the Session: the authoritative in-memory model
// of one running notebook, mediating every edit and execution-result update
// through a single-writer lock, the same "one lock around the shared model"
// shape the teacher's Client uses in internal/dispatcher to serialize
// mutations to kernel/cell state across concurrent frontend requests.
package session

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/nimbusnb/nimbus/internal/notebook"
	"github.com/nimbusnb/nimbus/internal/workerproto"
)

// Session owns the Notebook and serializes every mutation behind mu. It is
// exactly one per running notebook process.
type Session struct {
	mu sync.Mutex
	nb *notebook.Notebook
}

// New wraps an already-loaded or freshly created notebook.
func New(nb *notebook.Notebook) *Session {
	return &Session{nb: nb}
}

// Load reads a notebook file from disk and wraps it in a new Session.
func Load(path string) (*Session, error) {
	nb, err := notebook.Load(path)
	if err != nil {
		return nil, err
	}
	return New(nb), nil
}

// Snapshot returns a copy of the current notebook with its own cell slice
// and top-level metadata map. It is not a deep copy: each cell's Outputs,
// Metadata and ExecCount still share storage with the session, whose
// mutations replace those values rather than modifying them in place.
func (s *Session) Snapshot() notebook.Notebook {
	s.mu.Lock()
	defer s.mu.Unlock()
	cells := make([]notebook.Cell, len(s.nb.Cells))
	copy(cells, s.nb.Cells)
	metadata := make(map[string]any, len(s.nb.Metadata))
	for k, v := range s.nb.Metadata {
		metadata[k] = v
	}
	return notebook.Notebook{
		Cells: cells, Metadata: metadata,
		NBFormat: s.nb.NBFormat, NBFormatMinor: s.nb.NBFormatMinor,
		Path: s.nb.Path,
	}
}

// UpdateCellSource edits a cell's source in place without persisting.
func (s *Session) UpdateCellSource(index int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.cellAt(index)
	if err != nil {
		return err
	}
	c.Source = text
	return nil
}

// AddCell inserts a cell at index. If full is non-nil it is restored
// verbatim (used for undo); otherwise a fresh identifier is generated.
// Auto-saves to the notebook's current path, if it has one.
func (s *Session) AddCell(index int, kind notebook.Kind, source string, full *notebook.Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index > len(s.nb.Cells) {
		return errors.Errorf("cell index %d out of range [0, %d]", index, len(s.nb.Cells))
	}
	var cell notebook.Cell
	if full != nil {
		cell = *full
	} else {
		cell = notebook.Cell{ID: notebook.NewCellID(), Kind: kind, Source: source, Metadata: map[string]any{}}
	}
	s.nb.Cells = append(s.nb.Cells, notebook.Cell{})
	copy(s.nb.Cells[index+1:], s.nb.Cells[index:])
	s.nb.Cells[index] = cell
	return s.autoSave()
}

// DeleteCell removes the cell at index. Auto-saves.
func (s *Session) DeleteCell(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.nb.Cells) {
		return errors.Errorf("cell index %d out of range", index)
	}
	s.nb.Cells = append(s.nb.Cells[:index], s.nb.Cells[index+1:]...)
	return s.autoSave()
}

// MoveCell reorders the cell at from to position to. Auto-saves.
func (s *Session) MoveCell(from, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.nb.Cells)
	if from < 0 || from >= n || to < 0 || to >= n {
		return errors.Errorf("move_cell indices out of range: from=%d to=%d len=%d", from, to, n)
	}
	c := s.nb.Cells[from]
	s.nb.Cells = append(s.nb.Cells[:from], s.nb.Cells[from+1:]...)
	s.nb.Cells = append(s.nb.Cells, notebook.Cell{})
	copy(s.nb.Cells[to+1:], s.nb.Cells[to:])
	s.nb.Cells[to] = c
	return s.autoSave()
}

// ClearAllOutputs wipes outputs and execution counts for every code cell;
// markdown cells are untouched since they never carry either. Idempotent.
func (s *Session) ClearAllOutputs() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.nb.Cells {
		c := &s.nb.Cells[i]
		if c.Kind != notebook.KindCode {
			continue
		}
		c.Outputs = nil
		c.ExecCount = nil
	}
	return s.autoSave()
}

// ApplyExecutionResult records the outputs and execution count produced by
// a completed execute_cell against the code cell at index.
func (s *Session) ApplyExecutionResult(index int, result workerproto.ExecutionResult, outputs []notebook.Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.cellAt(index)
	if err != nil {
		return err
	}
	if c.Kind != notebook.KindCode {
		return errors.Errorf("cell %d is not a code cell", index)
	}
	c.Outputs = outputs
	count := result.ExecutionCount
	c.ExecCount = &count
	return s.autoSave()
}

// Save persists the notebook to path, or to its current path if path is
// empty.
func (s *Session) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nb.Save(path)
}

// autoSave persists to the notebook's existing path; a notebook with no
// path yet (never saved) is left untouched until an explicit Save.
func (s *Session) autoSave() error {
	if s.nb.Path == "" {
		return nil
	}
	return s.nb.Save(s.nb.Path)
}

func (s *Session) cellAt(index int) (*notebook.Cell, error) {
	if index < 0 || index >= len(s.nb.Cells) {
		return nil, errors.Errorf("cell index %d out of range [0, %d)", index, len(s.nb.Cells))
	}
	return &s.nb.Cells[index], nil
}
