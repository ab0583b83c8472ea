// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package channel

import "fmt"

// State of a channel's link.
type State int32

const (
	// Disabled channels have not been started.
	Disabled State = iota
	Connecting
	Connected
	WaitAfterFailedConnect
	WaitAfterDisconnect
	Shutdown
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case WaitAfterFailedConnect:
		return "wait_after_failed_connect"
	case WaitAfterDisconnect:
		return "wait_after_disconnect"
	case Shutdown:
		return "shutdown"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Listener observes state transitions. It is called from the channel's
// own goroutine and must not block.
type Listener func(State)
