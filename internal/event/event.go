// Package event defines the sequenced event record parsed from the event
// source stream and the reorder queue that restores sequence order.
package event

import (
	"fmt"
	"strconv"
	"strings"
)

// Code identifies the routing rule for an event.
type Code byte

const (
	Follow       Code = 'F'
	Unfollow     Code = 'U'
	Broadcast    Code = 'B'
	Private      Code = 'P'
	StatusUpdate Code = 'S'
)

// tokenCounts maps a command code to the exact number of pipe-delimited
// tokens its line must carry.
var tokenCounts = map[Code]int{
	Follow:       4,
	Unfollow:     4,
	Broadcast:    2,
	Private:      4,
	StatusUpdate: 3,
}

// Event is a single line received from the event source. Raw keeps the
// payload byte-for-byte, since clients must receive exactly what the source
// sent. From and To are empty when the command code does not carry them.
type Event struct {
	Raw  string
	Seq  uint64
	Code Code
	From string
	To   string
}

// Parse builds an Event from a pipe-delimited line such as "666|F|60|50".
// The line must carry a positive integer sequence number, a known command
// code, the exact token count for that code, and non-empty user ids.
func Parse(line string) (Event, error) {
	tokens := strings.Split(line, "|")
	if len(tokens) < 2 {
		return Event{}, fmt.Errorf("invalid command: %q", line)
	}
	seq, err := strconv.ParseUint(tokens[0], 10, 64)
	if err != nil || seq == 0 {
		return Event{}, fmt.Errorf("invalid sequence number: %q", line)
	}
	if len(tokens[1]) != 1 {
		return Event{}, fmt.Errorf("invalid command code: %q", line)
	}
	code := Code(tokens[1][0])
	want, ok := tokenCounts[code]
	if !ok {
		return Event{}, fmt.Errorf("invalid command code: %q", line)
	}
	if len(tokens) != want {
		return Event{}, fmt.Errorf("invalid command length: %q", line)
	}
	for _, id := range tokens[2:] {
		if id == "" {
			return Event{}, fmt.Errorf("empty user id: %q", line)
		}
	}
	ev := Event{Raw: line, Seq: seq, Code: code}
	if want > 2 {
		ev.From = tokens[2]
	}
	if want > 3 {
		ev.To = tokens[3]
	}
	return ev, nil
}
