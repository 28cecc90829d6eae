package libsyncclient_session

import "sync"

// ConnectionState is the coarse connectivity of a session.
type ConnectionState int32

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	}
	return "unknown"
}

// ConnectionChangeCallback observes connectivity transitions.
type ConnectionChangeCallback func(oldState, newState ConnectionState)

type connectionChangeEntry struct {
	token    uint64
	callback ConnectionChangeCallback
}

const invocationIdle = -1

// ConnectionChangeNotifier broadcasts connectivity transitions to a
// set of subscribers. Removal is safe from within a callback that is
// currently being dispatched: the in-flight iteration index is
// adjusted instead of invalidating the walk.
type ConnectionChangeNotifier struct {
	mutex      sync.Mutex
	callbacks  []connectionChangeEntry
	nextToken  uint64
	startCount int
	// invocationIndex is the position currently being dispatched, or
	// invocationIdle outside of InvokeCallbacks.
	invocationIndex int
}

func CreateConnectionChangeNotifier() *ConnectionChangeNotifier {
	return &ConnectionChangeNotifier{invocationIndex: invocationIdle}
}

// AddCallback registers a subscriber and returns its removal token.
func (n *ConnectionChangeNotifier) AddCallback(callback ConnectionChangeCallback) uint64 {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	n.nextToken++
	n.callbacks = append(n.callbacks, connectionChangeEntry{token: n.nextToken, callback: callback})
	return n.nextToken
}

// RemoveCallback removes a subscriber. Idempotent, and safe to call
// from within a callback being dispatched.
func (n *ConnectionChangeNotifier) RemoveCallback(token uint64) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	index := -1
	for i := range n.callbacks {
		if n.callbacks[i].token == token {
			index = i
			break
		}
	}
	if index < 0 {
		return
	}

	n.callbacks = append(n.callbacks[:index], n.callbacks[index+1:]...)

	if n.invocationIndex != invocationIdle {
		if index <= n.invocationIndex {
			n.invocationIndex--
		}
		if index < n.startCount {
			n.startCount--
		}
	}
}

// CallbackCount returns the number of registered subscribers.
func (n *ConnectionChangeNotifier) CallbackCount() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return len(n.callbacks)
}

// InvokeCallbacks dispatches one transition to every subscriber that
// was registered when the dispatch started. The lock is released
// around each individual invocation, so callbacks may add or remove
// subscribers or re-enter the session.
func (n *ConnectionChangeNotifier) InvokeCallbacks(oldState, newState ConnectionState) {
	n.mutex.Lock()
	n.startCount = len(n.callbacks)
	for n.invocationIndex = 0; n.invocationIndex < n.startCount; n.invocationIndex++ {
		callback := n.callbacks[n.invocationIndex].callback
		n.mutex.Unlock()
		callback(oldState, newState)
		n.mutex.Lock()
	}
	n.invocationIndex = invocationIdle
	n.mutex.Unlock()
}
