package chat

import "fmt"

// ChunkKind discriminates chunk payloads.
type ChunkKind uint8

// Chunk kinds. ChunkDone and ChunkError are terminal: a call's stream
// carries exactly one terminal chunk, always last.
const (
	ChunkText ChunkKind = iota
	ChunkDone
	ChunkError
)

// String returns the kind name.
func (k ChunkKind) String() string {
	switch k {
	case ChunkText:
		return "text"
	case ChunkDone:
		return "done"
	case ChunkError:
		return "error"
	default:
		return fmt.Sprintf("ChunkKind(%d)", k)
	}
}

// Chunk is one unit of plugin output. Seq is 1 for the first chunk of a
// call and increases by exactly one per chunk, terminal included.
type Chunk struct {
	Seq  int
	Kind ChunkKind
	Text string
	Err  error
}

// Terminal reports whether the chunk ends the stream.
func (c Chunk) Terminal() bool {
	return c.Kind == ChunkDone || c.Kind == ChunkError
}
