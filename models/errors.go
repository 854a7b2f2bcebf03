package models

import "errors"

// Error kinds the driver dispatches on. Backends and collaborators wrap
// their failures with one of these so the pipeline can decide between
// retry, flag, and abort without knowing driver internals.
var (
	ErrDecode         = errors.New("decode error")
	ErrDownload       = errors.New("download error")
	ErrIndexTransient = errors.New("transient index error")
	ErrIndexFatal     = errors.New("fatal index error")
)
