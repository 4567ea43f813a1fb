package dist

import (
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/mu/vm"
)

// cborEncMode uses canonical mode so equal chunks encode to equal bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dist: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalChunk serializes a Chunk to CBOR bytes.
func MarshalChunk(c *Chunk) ([]byte, error) {
	return cborEncMode.Marshal(c)
}

// UnmarshalChunk deserializes a Chunk from CBOR bytes.
func UnmarshalChunk(data []byte) (*Chunk, error) {
	var c Chunk
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("dist: unmarshal chunk: %w", err)
	}
	return &c, nil
}

// Hash returns the content hash of a chunk: the SHA-256 of its canonical
// encoding.
func Hash(c *Chunk) ([32]byte, error) {
	data, err := MarshalChunk(c)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// EncodeFunction serializes fn.
func EncodeFunction(fn *vm.Function) ([]byte, error) {
	c, err := FromFunction(fn)
	if err != nil {
		return nil, err
	}
	return MarshalChunk(c)
}

// DecodeFunction deserializes and validates a function written by
// EncodeFunction.
func DecodeFunction(data []byte) (*vm.Function, error) {
	c, err := UnmarshalChunk(data)
	if err != nil {
		return nil, err
	}
	return c.Function()
}
