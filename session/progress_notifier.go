package libsyncclient_session

import "sync"

// ProgressDirection selects which transfer a progress registration
// observes.
type ProgressDirection int32

const (
	ProgressDirectionUpload ProgressDirection = iota
	ProgressDirectionDownload
)

// ProgressCallback reports transferred bytes against the transferrable
// total for its direction.
type ProgressCallback func(transferred, transferrable uint64)

// Progress is the snapshot extracted from the most recent download
// message.
type Progress struct {
	UploadedBytes     uint64
	UploadableBytes   uint64
	DownloadedBytes   uint64
	DownloadableBytes uint64

	// SnapshotVersion is the latest local version covered by the
	// uploadable total.
	SnapshotVersion uint64
}

type progressRegistration struct {
	callback    ProgressCallback
	direction   ProgressDirection
	isStreaming bool

	// capturedTransferrable freezes the non-streaming baseline at the
	// first eligible invocation so the callback cannot under-fire
	// while local writes are still being processed.
	capturedTransferrable *uint64

	// snapshotVersion is the local transaction version at registration
	// time. Non-streaming upload registrations stay silent until the
	// uploadable total covers it.
	snapshotVersion uint64
}

// invocation is one computed callback firing, assembled under the lock
// and dispatched after release.
type progressInvocation struct {
	callback      ProgressCallback
	transferred   uint64
	transferrable uint64
}

// ProgressNotifier tracks transfer counters and services registered
// progress callbacks. Progress reported before the first download
// message is ignored: the session has not yet learned the server's
// state.
type ProgressNotifier struct {
	mutex        sync.Mutex
	tokenCounter uint64
	packages     map[uint64]*progressRegistration

	current      Progress
	hasProgress  bool
	localVersion uint64
}

func CreateProgressNotifier() *ProgressNotifier {
	return &ProgressNotifier{packages: make(map[uint64]*progressRegistration)}
}

// RegisterCallback adds a progress observer and returns its token. If
// a snapshot already exists the callback fires immediately; a
// registration that this first firing proves expired is not retained
// and the sentinel token 0 is returned.
func (n *ProgressNotifier) RegisterCallback(callback ProgressCallback,
	direction ProgressDirection, isStreaming bool) uint64 {
	n.mutex.Lock()

	registration := &progressRegistration{
		callback:        callback,
		direction:       direction,
		isStreaming:     isStreaming,
		snapshotVersion: n.localVersion,
	}

	if !n.hasProgress {
		n.tokenCounter++
		token := n.tokenCounter
		n.packages[token] = registration
		n.mutex.Unlock()
		return token
	}

	invocation, fires, expired := n.computeInvocation(registration)
	var token uint64
	if !expired {
		n.tokenCounter++
		token = n.tokenCounter
		n.packages[token] = registration
	}
	n.mutex.Unlock()

	if fires {
		invocation.callback(invocation.transferred, invocation.transferrable)
	}
	return token
}

// UnregisterCallback removes a registration. Idempotent; the sentinel
// token 0 is accepted and ignored.
func (n *ProgressNotifier) UnregisterCallback(token uint64) {
	n.mutex.Lock()
	delete(n.packages, token)
	n.mutex.Unlock()
}

// SetLocalVersion records the most recent local commit version. New
// non-streaming upload registrations will not fire until the
// uploadable total covers it.
func (n *ProgressNotifier) SetLocalVersion(version uint64) {
	n.mutex.Lock()
	n.localVersion = version
	n.mutex.Unlock()
}

// Update replaces the snapshot and services every registration.
// Ignored entirely while downloadVersion is zero. Callbacks run after
// the lock is released; all of them observe this same snapshot.
func (n *ProgressNotifier) Update(downloaded, downloadable, uploaded, uploadable,
	downloadVersion, snapshotVersion uint64) {
	if downloadVersion == 0 {
		return
	}

	n.mutex.Lock()
	n.current = Progress{
		DownloadedBytes:   downloaded,
		DownloadableBytes: downloadable,
		UploadedBytes:     uploaded,
		UploadableBytes:   uploadable,
		SnapshotVersion:   snapshotVersion,
	}
	n.hasProgress = true

	invocations := make([]progressInvocation, 0, len(n.packages))
	for token, registration := range n.packages {
		invocation, fires, expired := n.computeInvocation(registration)
		if fires {
			invocations = append(invocations, invocation)
		}
		if expired {
			delete(n.packages, token)
		}
	}
	n.mutex.Unlock()

	for _, invocation := range invocations {
		invocation.callback(invocation.transferred, invocation.transferrable)
	}
}

// computeInvocation evaluates one registration against the current
// snapshot. Caller holds the lock and guarantees a snapshot exists.
func (n *ProgressNotifier) computeInvocation(registration *progressRegistration) (progressInvocation, bool, bool) {
	var transferred, live uint64
	if registration.direction == ProgressDirectionUpload {
		transferred = n.current.UploadedBytes
		live = n.current.UploadableBytes

		// The uploadable total is not authoritative until the engine
		// has processed local writes up through the registration's
		// version.
		if !registration.isStreaming && registration.snapshotVersion > n.current.SnapshotVersion {
			return progressInvocation{}, false, false
		}
	} else {
		transferred = n.current.DownloadedBytes
		live = n.current.DownloadableBytes
	}

	transferrable := live
	if !registration.isStreaming {
		if registration.capturedTransferrable == nil {
			captured := live
			registration.capturedTransferrable = &captured
		}
		transferrable = *registration.capturedTransferrable
	}

	expired := !registration.isStreaming && transferred >= transferrable
	return progressInvocation{
		callback:      registration.callback,
		transferred:   transferred,
		transferrable: transferrable,
	}, true, expired
}
