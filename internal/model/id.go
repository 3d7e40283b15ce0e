package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// IDKind is the prefix of a locally minted id. Product ids are UUIDs chosen
// by the client and do not use this scheme.
type IDKind string

const (
	// IDKindQueueEntry names an offline mutation in the sync queue.
	IDKindQueueEntry IDKind = "mq"
	// IDKindNotification names a scheduled reminder handle.
	IDKindNotification IDKind = "ntf"
	// IDKindDeadLetter names a mutation the remote store refused.
	IDKindDeadLetter IDKind = "dl"
)

// Local ids read <kind>_<unix millis, 13 digits>_<8 hex digits>. The
// millisecond stamp keeps queue entries minted back to back in order.
var localID = regexp.MustCompile(`^(mq|ntf|dl)_([0-9]{13})_([0-9a-f]{8})$`)

func (k IDKind) known() bool {
	switch k {
	case IDKindQueueEntry, IDKindNotification, IDKindDeadLetter:
		return true
	}
	return false
}

// NewID mints an id of the given kind stamped with the current time.
func NewID(kind IDKind) (string, error) {
	return newIDAt(kind, time.Now())
}

func newIDAt(kind IDKind, now time.Time) (string, error) {
	if !kind.known() {
		return "", fmt.Errorf("unknown id kind %q", kind)
	}
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("mint %s id: %w", kind, err)
	}
	return fmt.Sprintf("%s_%013d_%s", kind, now.UnixMilli(), hex.EncodeToString(suffix[:])), nil
}

// IsLocalID reports whether id is a well-formed queue entry, reminder
// handle or dead letter id.
func IsLocalID(id string) bool {
	return localID.MatchString(id)
}

// IDKindOf returns the kind prefix of a local id.
func IDKindOf(id string) (IDKind, error) {
	kind, _, err := splitLocalID(id)
	return kind, err
}

// IDTime returns the instant a local id was minted, to the millisecond.
func IDTime(id string) (time.Time, error) {
	_, ms, err := splitLocalID(id)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func splitLocalID(id string) (IDKind, int64, error) {
	m := localID.FindStringSubmatch(id)
	if m == nil {
		return "", 0, fmt.Errorf("not a local id: %q", id)
	}
	ms, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("id %q: bad timestamp: %w", id, err)
	}
	return IDKind(m[1]), ms, nil
}
