package connection

import "fmt"

// Owner tells which side of the link a connection belongs to
type Owner uint8

const (
	OwnerServer Owner = iota
	OwnerClient
)

func (o Owner) String() string {
	if o == OwnerServer {
		return "server"
	}
	return "client"
}

// State is the position of one pump in its state machine.
//
// Read side:  Idle -> Connecting (client only) -> ReadingHeader <-> ReadingBody -> Closed
// Write side: WriteIdle -> WritingHeader <-> WritingBody -> WriteIdle
type State int32

const (
	Idle State = iota
	Connecting
	ReadingHeader
	ReadingBody
	Closed

	WriteIdle
	WritingHeader
	WritingBody
)

var stateNames = [...]string{
	Idle:          "idle",
	Connecting:    "connecting",
	ReadingHeader: "reading-header",
	ReadingBody:   "reading-body",
	Closed:        "closed",
	WriteIdle:     "write-idle",
	WritingHeader: "writing-header",
	WritingBody:   "writing-body",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}
