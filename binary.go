// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// BinaryKind classifies a binary payload so the receiving side can rebuild
// the same runtime type.
type BinaryKind uint8

const (
	BinaryUint8 BinaryKind = iota + 1
	BinaryUint16
	BinaryUint32
	BinaryBuffer
)

func (k BinaryKind) String() string {
	switch k {
	case BinaryUint8:
		return "uint8"
	case BinaryUint16:
		return "uint16"
	case BinaryUint32:
		return "uint32"
	case BinaryBuffer:
		return "buffer"
	default:
		return fmt.Sprintf("binary(%d)", uint8(k))
	}
}

// ParseBinaryKind maps a marker value back to its BinaryKind.
func ParseBinaryKind(marker string) (BinaryKind, error) {
	switch marker {
	case "uint8":
		return BinaryUint8, nil
	case "uint16":
		return BinaryUint16, nil
	case "uint32":
		return BinaryUint32, nil
	case "buffer":
		return BinaryBuffer, nil
	default:
		return 0, fmt.Errorf("%w: unknown marker %q", ErrMalformedValue, marker)
	}
}

// Buffer is an untyped byte buffer. It is kept distinct from []byte, which
// travels as an unsigned 8-bit array.
type Buffer []byte

// classifyBinary reports whether v is one of the binary runtime types and
// returns its classification and little-endian byte image.
func classifyBinary(v any) (BinaryKind, []byte, bool) {
	switch x := v.(type) {
	case []byte:
		return BinaryUint8, x, true
	case Buffer:
		return BinaryBuffer, []byte(x), true
	case []uint16:
		out := make([]byte, 2*len(x))
		for i, n := range x {
			binary.LittleEndian.PutUint16(out[2*i:], n)
		}
		return BinaryUint16, out, true
	case []uint32:
		out := make([]byte, 4*len(x))
		for i, n := range x {
			binary.LittleEndian.PutUint32(out[4*i:], n)
		}
		return BinaryUint32, out, true
	default:
		return 0, nil, false
	}
}

// reconstructBinary rebuilds the runtime value implied by kind.
func reconstructBinary(kind BinaryKind, data []byte) (any, error) {
	switch kind {
	case BinaryUint8:
		return append([]byte{}, data...), nil
	case BinaryBuffer:
		return Buffer(append([]byte{}, data...)), nil
	case BinaryUint16:
		if len(data)%2 != 0 {
			return nil, fmt.Errorf("%w: uint16 payload of %d bytes", ErrMalformedValue, len(data))
		}
		out := make([]uint16, len(data)/2)
		for i := range out {
			out[i] = binary.LittleEndian.Uint16(data[2*i:])
		}
		return out, nil
	case BinaryUint32:
		if len(data)%4 != 0 {
			return nil, fmt.Errorf("%w: uint32 payload of %d bytes", ErrMalformedValue, len(data))
		}
		out := make([]uint32, len(data)/4)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(data[4*i:])
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrMalformedValue, kind)
	}
}

// BlobStore materializes binary payloads behind retrievable references for
// channels that cannot carry bytes inline. Both sides of a bridge must
// share the store. A reference is read once: the receiving side revokes
// it after a successful Get.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Revoke(ref string)
}

// MemoryBlobStore is an in-process BlobStore keyed by blob: references.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Put(_ context.Context, data []byte) (string, error) {
	ref := "blob:portbridge/" + uuid.NewString()
	s.mu.Lock()
	s.blobs[ref] = append([]byte{}, data...)
	s.mu.Unlock()
	return ref, nil
}

func (s *MemoryBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.blobs[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, ref)
	}
	return append([]byte{}, data...), nil
}

// Revoke releases a reference. Later Gets fail with ErrBlobNotFound.
func (s *MemoryBlobStore) Revoke(ref string) {
	s.mu.Lock()
	delete(s.blobs, ref)
	s.mu.Unlock()
}

// Len returns the number of live references.
func (s *MemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
