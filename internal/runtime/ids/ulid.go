package ids

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// TrackingPrefix prefixes every shipment tracking number.
const TrackingPrefix = "SHIP-"

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Used for message UUIDs and correlation ids.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// TrackingNumber returns a fresh shipment tracking number: the prefix followed by
// the first eight hex digits of a random UUID, upper-cased.
func TrackingNumber() string {
	id := uuid.New()
	return TrackingPrefix + strings.ToUpper(hex.EncodeToString(id[:4]))
}
