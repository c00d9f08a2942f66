package event

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ID is a 16-byte time-sortable event identifier (UUIDv7). Ids generated
// by the same process are strictly increasing: the 48-bit millisecond
// prefix sorts by creation time, and the uuid library's sub-millisecond
// sequence orders ids created within the same millisecond.
type ID [16]byte

// NewID returns a fresh time-sortable id.
func NewID() ID {
	return ID(uuid.Must(uuid.NewV7()))
}

// Bytes returns the raw 16 bytes of the id.
func (id ID) Bytes() []byte {
	b := make([]byte, len(id))
	copy(b, id[:])
	return b
}

// Hex returns the id as a lowercase hex string.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

// Base64 returns the id in unpadded URL-safe base64.
func (id ID) Base64() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

func (id ID) String() string {
	return id.Hex()
}

// IsZero reports whether the id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// IDFromBytes builds an ID from raw bytes.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != len(id) {
		return id, fmt.Errorf("event id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseID parses an id from its hex or base64 encoding.
func ParseID(s string) (ID, error) {
	if len(s) == hex.EncodedLen(len(ID{})) {
		b, err := hex.DecodeString(s)
		if err == nil {
			return IDFromBytes(b)
		}
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("parse event id %q: %w", s, err)
	}
	return IDFromBytes(b)
}

// AggregateIDSize is the fixed width of an aggregate identifier.
const AggregateIDSize = 13

// AggregateID identifies a consistency boundary. The 13-byte width comes
// from the persistence schema; callers may embed any scheme they like
// (random, hashed, time-prefixed) as long as it is unique.
type AggregateID [AggregateIDSize]byte

// NewAggregateID returns a random aggregate id.
func NewAggregateID() AggregateID {
	var id AggregateID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("event: reading random bytes: %v", err))
	}
	return id
}

// Bytes returns the raw 13 bytes of the id.
func (id AggregateID) Bytes() []byte {
	b := make([]byte, len(id))
	copy(b, id[:])
	return b
}

// Hex returns the id as a lowercase hex string.
func (id AggregateID) Hex() string {
	return hex.EncodeToString(id[:])
}

// Base64 returns the id in unpadded URL-safe base64. This is the cache
// key form used by the aggregate factory.
func (id AggregateID) Base64() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

func (id AggregateID) String() string {
	return id.Hex()
}

// AggregateIDFromBytes builds an AggregateID from raw bytes.
func AggregateIDFromBytes(b []byte) (AggregateID, error) {
	var id AggregateID
	if len(b) != len(id) {
		return id, fmt.Errorf("aggregate id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseAggregateID parses an aggregate id from its hex or base64 encoding.
func ParseAggregateID(s string) (AggregateID, error) {
	if len(s) == hex.EncodedLen(AggregateIDSize) {
		if b, err := hex.DecodeString(s); err == nil {
			return AggregateIDFromBytes(b)
		}
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return AggregateID{}, fmt.Errorf("parse aggregate id %q: %w", s, err)
	}
	return AggregateIDFromBytes(b)
}
