package wal

import "errors"

var (
	// ErrLoggingDisabled is returned by AppendRecord when the log manager
	// has not been enabled yet.
	ErrLoggingDisabled = errors.New("wal: logging is not enabled")

	// ErrCorruptLogRecord is returned when a record read back from the
	// log file fails its internal length checks.
	ErrCorruptLogRecord = errors.New("wal: corrupt log record")

	// ErrLogClosed names the closed-log condition. LogManager does not
	// return it: after Close, AppendRecord reports ErrLoggingDisabled.
	ErrLogClosed = errors.New("wal: log manager is closed")

	// ErrUnknownRecordType is returned while decoding a record whose type
	// tag this version of the log manager does not recognize.
	ErrUnknownRecordType = errors.New("wal: unknown log record type")
)
