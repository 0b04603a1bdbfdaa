package ocppj

import (
	"strconv"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
)

// IDGenerator produces unique ids for outbound calls.
type IDGenerator func() string

// NewUniqueID returns a ULID. ulid.Make draws from a process-wide locked
// monotonic source, so ids never repeat within the process.
func NewUniqueID() string {
	return ulid.Make().String()
}

// SequentialIDs returns a generator yielding "1", "2", ... starting after
// start. Useful for tests and for peers that expect short numeric ids.
func SequentialIDs(start uint64) IDGenerator {
	var n atomic.Uint64
	n.Store(start)
	return func() string {
		return strconv.FormatUint(n.Add(1), 10)
	}
}
