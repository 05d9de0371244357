// Package notebook implements the data model: Cell, Output, and Notebook,
// along with load/save to a structured document that tolerates unknown
// fields and missing cell identifiers. Identifiers are generated the same
// way the teacher mints message ids for its Jupyter wire protocol, with
// gofrs/uuid, since both need a collision-free opaque string minted once
// and carried forward from then on.
package notebook

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

// Kind distinguishes a code cell from a markdown cell.
type Kind string

const (
	KindCode     Kind = "code"
	KindMarkdown Kind = "markdown"
)

// CurrentNBFormat and CurrentNBFormatMinor are the schema version numbers
// written by Save; Load accepts any version and round-trips unknown ones.
const (
	CurrentNBFormat      = 4
	CurrentNBFormatMinor = 0
)

// Cell is one entry in a Notebook's ordered sequence.
type Cell struct {
	ID       string            `json:"id"`
	Kind     Kind              `json:"cell_type"`
	Source   string            `json:"source"`
	Metadata map[string]any    `json:"metadata"`
	Outputs  []Output          `json:"outputs,omitempty"`
	ExecCount *int             `json:"execution_count,omitempty"`
}

// Output is a tagged variant: Type selects which group of fields below is
// set; the others are left at their zero values.
type Output struct {
	Type string `json:"output_type"`

	// stream
	StreamName string `json:"name,omitempty"`
	Text       string `json:"text,omitempty"`

	// execute_result / display_data
	ExecutionCount int            `json:"execution_count,omitempty"`
	Data           map[string]any `json:"data,omitempty"`

	// error
	ErrorName      string   `json:"ename,omitempty"`
	ErrorValue     string   `json:"evalue,omitempty"`
	Traceback      []string `json:"traceback,omitempty"`
}

const (
	OutputStream        = "stream"
	OutputExecuteResult = "execute_result"
	OutputDisplayData   = "display_data"
	OutputError         = "error"
)

func StreamOutput(name, text string) Output {
	return Output{Type: OutputStream, StreamName: name, Text: text}
}

func ExecuteResultOutput(executionCount int, data map[string]any) Output {
	return Output{Type: OutputExecuteResult, ExecutionCount: executionCount, Data: data}
}

func DisplayDataOutput(data map[string]any) Output {
	return Output{Type: OutputDisplayData, Data: data}
}

func ErrorOutput(name, value string, traceback []string) Output {
	return Output{Type: OutputError, ErrorName: name, ErrorValue: value, Traceback: traceback}
}

// Notebook is an ordered sequence of cells plus free-form metadata and the
// path it was last loaded from or saved to.
type Notebook struct {
	Cells    []Cell         `json:"cells"`
	Metadata map[string]any `json:"metadata"`
	NBFormat int            `json:"nbformat"`
	NBFormatMinor int       `json:"nbformat_minor"`

	Path string `json:"-"`
}

// onDiskCell mirrors Cell but accepts source as either a string or a list
// of strings, normalizing to a single string; the notebook file format
// requires readers to accept both.
type onDiskCell struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"cell_type"`
	Source        json.RawMessage `json:"source"`
	Metadata      map[string]any  `json:"metadata"`
	Outputs       []Output        `json:"outputs,omitempty"`
	ExecCount     *int            `json:"execution_count,omitempty"`
}

type onDiskNotebook struct {
	Cells         []onDiskCell   `json:"cells"`
	Metadata      map[string]any `json:"metadata"`
	NBFormat      int            `json:"nbformat"`
	NBFormatMinor int            `json:"nbformat_minor"`
}

// New returns an empty notebook at path, ready to be populated and saved.
func New(path string) *Notebook {
	return &Notebook{
		Metadata:      map[string]any{},
		NBFormat:      CurrentNBFormat,
		NBFormatMinor: CurrentNBFormatMinor,
		Path:          path,
	}
}

// NewCellID mints a fresh opaque cell identifier.
func NewCellID() string {
	id, err := uuid.NewV4()
	if err != nil {
		// uuid.NewV4 only fails if the system RNG is unreadable; fall back
		// to a timestamp-derived id rather than panic over cell creation.
		return "cell-" + time.Now().UTC().Format("20060102T150405.000000000")
	}
	return id.String()
}

// Load reads and parses a notebook file, generating identifiers for any
// cell missing one and normalizing list-of-strings source to a string.
func Load(path string) (*Notebook, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read notebook %q", path)
	}
	var onDisk onDiskNotebook
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		return nil, errors.Wrapf(err, "failed to parse notebook %q", path)
	}
	nb := &Notebook{
		Metadata:      onDisk.Metadata,
		NBFormat:      onDisk.NBFormat,
		NBFormatMinor: onDisk.NBFormatMinor,
		Path:          path,
	}
	if nb.Metadata == nil {
		nb.Metadata = map[string]any{}
	}
	if nb.NBFormat == 0 {
		nb.NBFormat = CurrentNBFormat
		nb.NBFormatMinor = CurrentNBFormatMinor
	}
	nb.Cells = make([]Cell, len(onDisk.Cells))
	for i, c := range onDisk.Cells {
		source, err := normalizeSource(c.Source)
		if err != nil {
			return nil, errors.Wrapf(err, "notebook %q: cell %d has an invalid source field", path, i)
		}
		id := c.ID
		if id == "" {
			id = NewCellID()
		}
		metadata := c.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		cell := Cell{ID: id, Kind: c.Kind, Source: source, Metadata: metadata}
		if c.Kind == KindCode {
			cell.Outputs = c.Outputs
			cell.ExecCount = c.ExecCount
		}
		nb.Cells[i] = cell
	}
	return nb, nil
}

// normalizeSource accepts either a JSON string or a JSON array of strings
// (each typically a line with its trailing newline kept, matching how
// notebook tooling commonly stores multi-line source) and returns a single
// string.
func normalizeSource(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err != nil {
		return "", errors.New("source must be a string or an array of strings")
	}
	out := ""
	for _, l := range lines {
		out += l
	}
	return out, nil
}

// Save persists the notebook to its Path, or to path if non-empty,
// atomically (write to a temp file in the same directory, then rename).
func (n *Notebook) Save(path string) error {
	if path == "" {
		path = n.Path
	}
	if path == "" {
		return errors.New("notebook has no path to save to")
	}
	onDisk := onDiskNotebook{
		Metadata:      n.Metadata,
		NBFormat:      n.NBFormat,
		NBFormatMinor: n.NBFormatMinor,
		Cells:         make([]onDiskCell, len(n.Cells)),
	}
	for i, c := range n.Cells {
		sourceRaw, err := json.Marshal(c.Source)
		if err != nil {
			return errors.WithMessage(err, "failed to encode cell source")
		}
		cell := onDiskCell{ID: c.ID, Kind: c.Kind, Source: sourceRaw, Metadata: c.Metadata}
		if c.Kind == KindCode {
			cell.Outputs = c.Outputs
			cell.ExecCount = c.ExecCount
		}
		onDisk.Cells[i] = cell
	}
	raw, err := json.MarshalIndent(onDisk, "", " ")
	if err != nil {
		return errors.WithMessage(err, "failed to encode notebook")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create notebook directory %q", dir)
	}
	tmp, err := os.CreateTemp(dir, ".notebook-*.tmp")
	if err != nil {
		return errors.Wrapf(err, "failed to create temp file next to %q", path)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.WithMessage(err, "failed to write notebook")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.WithMessage(err, "failed to close temp notebook file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to replace notebook file %q", path)
	}
	n.Path = path
	return nil
}

// TimestampedPath returns a notebook filename of the form
// "notebook-20060102-150405.json" rooted at dir, used by the `new`
// sub-command to fabricate a fresh file without colliding on reruns.
func TimestampedPath(dir string) string {
	name := "notebook-" + time.Now().Format("20060102-150405") + ".json"
	return filepath.Join(dir, name)
}
