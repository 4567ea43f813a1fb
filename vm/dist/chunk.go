// Package dist persists compiled mu functions. A Function is flattened into
// a Chunk, encoded as canonical CBOR and content addressed by the SHA-256 of
// its encoding; a Store caches chunks in sqlite keyed by the source they
// were compiled from.
package dist

// ChunkVersion is the encoding version written into every chunk.
const ChunkVersion = 1

// ConstKind identifies the variant held by a Const.
type ConstKind uint8

const (
	ConstNil ConstKind = iota
	ConstTrue
	ConstNum
	ConstStr
	ConstFunc
)

// Const is one immediate of a compiled function.
type Const struct {
	Kind ConstKind `cbor:"1,keyasint"`
	Num  float64   `cbor:"2,keyasint,omitempty"`
	Str  string    `cbor:"3,keyasint,omitempty"`
	Fn   *Chunk    `cbor:"4,keyasint,omitempty"` // nested function prototype
}

// Chunk is the serialized form of a vm.Function. MaxStack is recorded so a
// loader can reject bytecode whose analysed depth disagrees with it.
type Chunk struct {
	Version  uint8   `cbor:"1,keyasint"`
	Name     string  `cbor:"2,keyasint,omitempty"`
	Code     []byte  `cbor:"3,keyasint"`
	MaxStack int     `cbor:"4,keyasint"`
	Arity    int     `cbor:"5,keyasint,omitempty"`
	Consts   []Const `cbor:"6,keyasint,omitempty"`
}
