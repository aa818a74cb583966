package frame

import (
	"go.uber.org/zap"

	"clgol/internal/diag"
)

// Action is what the executor does after a failed device call.
type Action int

const (
	// Continue logs the failure and carries on with the frame.
	Continue Action = iota
	// AbortFrame logs the failure and ends the frame with an error.
	AbortFrame
)

func (a Action) String() string {
	if a == AbortFrame {
		return "abort"
	}
	return "continue"
}

// Policy maps call sites to the action taken when they fail. Sites that are
// not listed continue.
type Policy map[diag.Site]Action

// DefaultPolicy continues past every failure.
func DefaultPolicy() Policy {
	return Policy{
		diag.SiteUploadAtlas: Continue,
		diag.SiteUploadVideo: Continue,
		diag.SiteUploadDepth: Continue,
		diag.SiteSetArg:      Continue,
		diag.SiteDispatch:    Continue,
		diag.SiteReadImage:   Continue,
		diag.SiteFlush:       Continue,
		diag.SiteFinish:      Continue,
	}
}

// check reports a failed call and applies the policy. It returns the
// *diag.CallError when the frame must stop, nil otherwise.
func (e *Executor) check(site diag.Site, index int, err error) error {
	if err == nil {
		return nil
	}
	ce := diag.DeviceCallFailed(site, err)
	ce.Index = index
	action := e.policy[site]

	fields := []zap.Field{
		zap.String("site", string(site)),
		zap.Int32("code", int32(ce.Code)),
		zap.String("status", diag.Describe(ce.Code)),
		zap.Stringer("action", action),
		zap.Error(err),
	}
	if index >= 0 {
		fields = append(fields, zap.Int("arg", index))
	}
	e.log.Error("device call failed", fields...)
	e.metrics.CallFailed(site)

	if action == AbortFrame {
		return ce
	}
	return nil
}
