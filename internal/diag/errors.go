package diag

import (
	"errors"
	"fmt"

	"golang.org/x/xerrors"
)

var (
	ErrDeviceUnavailable  = xerrors.New("compute device unavailable")
	ErrSourceNotFound     = xerrors.New("kernel source not found")
	ErrIO                 = xerrors.New("i/o failure")
	ErrBuildFailed        = xerrors.New("program build failed")
	ErrEntryPointMissing  = xerrors.New("entry point missing")
	ErrInvalidImageFormat = xerrors.New("invalid image format")
	ErrOutOfMemory        = xerrors.New("out of memory")
)

// Site names a device call inside the pipeline. Failures are reported and
// handled per site.
type Site string

const (
	SiteCreateBuffer Site = "create_buffer"
	SiteUploadAtlas  Site = "upload_atlas"
	SiteUploadVideo  Site = "upload_video"
	SiteUploadDepth  Site = "upload_depth"
	SiteSetArg       Site = "set_arg"
	SiteDispatch     Site = "dispatch"
	SiteReadImage    Site = "read_image"
	SiteFlush        Site = "flush"
	SiteFinish       Site = "finish"
	SiteWorkGroup    Site = "work_group_info"
	SiteBinary       Site = "program_binary"
)

// CallError is the result of a failed device call.
type CallError struct {
	Site  Site
	Index int // argument index for SiteSetArg, -1 otherwise
	Code  Status
	Err   error
}

func (e *CallError) Error() string {
	if e.Site == SiteSetArg && e.Index >= 0 {
		return fmt.Sprintf("device call %s[%d] failed: %s", e.Site, e.Index, Describe(e.Code))
	}
	return fmt.Sprintf("device call %s failed: %s", e.Site, Describe(e.Code))
}

func (e *CallError) Unwrap() error { return e.Err }

// DeviceCallFailed wraps err as a CallError for site.
func DeviceCallFailed(site Site, err error) *CallError {
	return &CallError{Site: site, Index: -1, Code: StatusOf(err), Err: err}
}

// StatusOf extracts the runtime status carried by err. Errors that carry no
// status report InvalidOperation; nil reports Success.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return InvalidOperation
}
