package libsyncclient_session

import (
	"fmt"

	protocol "github.com/atframework/libsyncclient-go/protocol"
)

// UserInfo keys attached to errors that mark a local file for
// deletion.
const (
	ErrorInfoOriginalFilePath = "ORIGINAL_FILE_PATH"
	ErrorInfoRecoveryFilePath = "RECOVERY_FILE_PATH"
)

// SyncError is the user-visible form of a synchronization failure. It
// carries the raw category and code so applications can switch on them
// without string matching.
type SyncError struct {
	Category protocol.ErrorCategory
	Code     int32
	Message  string
	IsFatal  bool

	// IsUnrecognizedByClient marks codes outside the known vocabulary
	// that were still delivered.
	IsUnrecognizedByClient bool

	// UserInfo carries extra context such as file paths for errors
	// that mark the local file for deletion.
	UserInfo map[string]string
}

func (e *SyncError) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch e.Category {
	case protocol.CategoryProtocol:
		return fmt.Sprintf("sync: %s", protocol.ProtocolError(e.Code).Error())
	case protocol.CategoryClient:
		return fmt.Sprintf("sync: %s", protocol.ClientError(e.Code).Error())
	}
	return fmt.Sprintf("sync: code %d: %s", e.Code, e.Message)
}

// IsClientResetRequested reports whether this error asks the client to
// rebuild its local file from server state.
func (e *SyncError) IsClientResetRequested() bool {
	if e == nil || e.Category != protocol.CategoryProtocol {
		return false
	}
	return protocol.ProtocolError(e.Code).IsClientResetRequested()
}

func newProtocolSyncError(code protocol.ProtocolError, message string, isFatal bool) *SyncError {
	if message == "" {
		message = code.Error()
	}
	return &SyncError{
		Category: protocol.CategoryProtocol,
		Code:     int32(code),
		Message:  message,
		IsFatal:  isFatal,
	}
}

func newClientSyncError(code protocol.ClientError, message string, isFatal bool) *SyncError {
	if message == "" {
		message = code.Error()
	}
	return &SyncError{
		Category: protocol.CategoryClient,
		Code:     int32(code),
		Message:  message,
		IsFatal:  isFatal,
	}
}
