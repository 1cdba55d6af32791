// Package uid generates identifiers for files and chunks.
package uid

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"
)

var (
	counter atomic.Uint32

	processOnce   sync.Once
	processUnique [5]byte
)

// New returns a 24-character hex identifier laid out like a document
// database object id: a 4-byte big-endian Unix timestamp, 5 random bytes
// fixed for the life of the process and a 3-byte counter. Ids from one
// process sort in creation order until the counter wraps.
func New() string {
	return newAt(time.Now())
}

func newAt(t time.Time) string {
	processOnce.Do(func() {
		if _, err := rand.Read(processUnique[:]); err != nil {
			// crypto/rand does not fail on supported platforms.
			binary.BigEndian.PutUint32(processUnique[1:], uint32(time.Now().UnixNano()))
		}
	})
	var b [12]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(t.Unix()))
	copy(b[4:9], processUnique[:])
	c := counter.Add(1)
	b[9] = byte(c >> 16)
	b[10] = byte(c >> 8)
	b[11] = byte(c)
	return hex.EncodeToString(b[:])
}

// Time extracts the creation time from an id produced by New. It returns
// false for ids of a different shape, such as caller-supplied ones.
func Time(id string) (time.Time, bool) {
	if len(id) != 24 {
		return time.Time{}, false
	}
	raw, err := hex.DecodeString(id[:8])
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(int64(binary.BigEndian.Uint32(raw)), 0).UTC(), true
}
