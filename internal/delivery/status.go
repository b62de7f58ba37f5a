// Package delivery holds the per-message delivery lifecycle shared by the
// server's read rows and the client's optimistic entries.
//
//	sending -> sent -> delivered -> read
//	sending -> failed
//
// Every transition is monotonic: merging an older status into a newer one
// keeps the newer one, so events may be applied in any order.
package delivery

import (
	"fmt"
	"strings"
)

type Status uint8

// Values are persisted; do not renumber.
const (
	StatusUnknown   Status = 0
	StatusSending   Status = 1
	StatusSent      Status = 2
	StatusDelivered Status = 3
	StatusRead      Status = 4
	StatusFailed    Status = 5
)

var names = map[Status]string{
	StatusSending:   "sending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
	StatusFailed:    "failed",
}

func (s Status) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return "unknown"
}

func Parse(v string) (Status, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for s, n := range names {
		if n == v {
			return s, nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown delivery status %q", v)
}

func (s Status) Valid() bool {
	_, ok := names[s]
	return ok
}

// Confirmed reports whether the server has persisted the message.
func (s Status) Confirmed() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusRead
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid delivery status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Merge returns the status after observing next while in cur.
//
// failed is only reachable from sending and, once entered, is left only by an
// explicit retry (see Retry). Among the other states the furthest one wins.
func Merge(cur, next Status) Status {
	switch {
	case !next.Valid():
		return cur
	case !cur.Valid():
		return next
	case cur == StatusFailed:
		return cur
	case next == StatusFailed:
		if cur == StatusSending {
			return StatusFailed
		}
		return cur
	}
	if next > cur {
		return next
	}
	return cur
}

// CanAdvance reports whether Merge(cur, next) changes cur.
func CanAdvance(cur, next Status) bool {
	return Merge(cur, next) != cur
}

// Retry moves a failed entry back to sending. Any other status is returned as is.
func Retry(cur Status) Status {
	if cur == StatusFailed {
		return StatusSending
	}
	return cur
}

// Aggregate is the status a sender observes for a message with several
// recipients: the least advanced one. An empty set means nobody else has
// a row yet, which a persisted message reports as sent.
func Aggregate(recipients []Status) Status {
	if len(recipients) == 0 {
		return StatusSent
	}
	min := StatusRead
	for _, s := range recipients {
		if s.Confirmed() && s < min {
			min = s
		}
	}
	return min
}
