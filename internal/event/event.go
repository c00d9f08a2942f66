package event

import "time"

// MetaCtx is the metadata key carrying the partition key. Events that
// share a MetaCtx value land on the same partition and are delivered in
// order relative to each other, including across the broker fan-out.
const MetaCtx = "__ctx"

// AggregateRef points at a position in an aggregate's event log.
type AggregateRef struct {
	ID      AggregateID
	Version uint32
}

// Event is an immutable fact appended to an aggregate's log. Versions
// start at 1 and are strictly monotonic per aggregate with no gaps. Body
// and metadata values are opaque bytes; the runtime never interprets
// them (see the codec package for the canonical value encoding).
type Event struct {
	ID        ID
	Type      uint32
	Aggregate AggregateRef
	Body      []byte
	Meta      map[string][]byte
	Timestamp time.Time
}

// Draft is an event produced by a command handler before the engine
// assigns its id, version and timestamp.
type Draft struct {
	Type uint32
	Body []byte
	Meta map[string][]byte
}

// Snapshot captures the fold of an aggregate's events 1..Version.
type Snapshot struct {
	Aggregate AggregateRef
	State     []byte
	Timestamp time.Time
}

// Checkpoint is the durable high-water mark of a projection for one
// aggregate: the largest version known to have been processed.
type Checkpoint struct {
	Projection string
	Aggregate  AggregateRef
	Timestamp  time.Time
}

// PartitionKey returns the transport partition key for the event:
// Meta[MetaCtx] when present, else a neutral constant so unkeyed events
// still have a stable destination.
func (e *Event) PartitionKey() []byte {
	if key, ok := e.Meta[MetaCtx]; ok && len(key) > 0 {
		return key
	}
	return neutralKey
}

var neutralKey = []byte("arque")
