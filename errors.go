package adminchat

import "errors"

var (
	// Remote source errors.
	ErrConnectionUnavailable = errors.New("connection unavailable")
	ErrQueryFailed           = errors.New("query failed")
	ErrSendFailed            = errors.New("send failed")

	// Snapshot errors.
	ErrImportMalformed = errors.New("snapshot malformed")
	ErrEmptyStore      = errors.New("no data to export")

	// Session errors.
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrSnapshotMode         = errors.New("data source is not polling")
)
