// Package arena owns the persistent device buffers of one pipeline.
package arena

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"clgol/internal/compute"
	"clgol/internal/diag"
	"clgol/internal/logging"
)

// Role identifies one of the arena buffers.
type Role int

const (
	RoleImage Role = iota
	RoleState
	RoleAtlas
	RoleVideo
	RoleDepth
	numRoles
)

func (r Role) String() string {
	switch r {
	case RoleImage:
		return "image"
	case RoleState:
		return "state"
	case RoleAtlas:
		return "atlas"
	case RoleVideo:
		return "video"
	case RoleDepth:
		return "depth"
	}
	return "unknown"
}

// Fixed sensor frame geometry.
const (
	VideoWidth  = 640
	VideoHeight = 480
	DepthWidth  = 320
	DepthHeight = 240

	VideoBytes = VideoWidth * VideoHeight * 4
	DepthBytes = DepthWidth * DepthHeight * 2

	// CellBytes is one RGBA float32 cell of simulation state.
	CellBytes = 16
)

var ErrAlreadyInitialized = xerrors.New("arena already initialized")

// Arena allocates the buffers once and releases each exactly once.
type Arena struct {
	device     compute.Device
	atlasBytes int
	log        *zap.Logger

	width, height int
	buffers       [numRoles]compute.Buffer
	initialized   bool
}

// New returns an arena on device whose atlas buffer holds atlasBytes.
func New(device compute.Device, atlasBytes int, log *zap.Logger) *Arena {
	return &Arena{device: device, atlasBytes: atlasBytes, log: logging.OrNop(log)}
}

type allocation struct {
	role Role
	mode compute.AccessMode
	size int
}

func (a *Arena) plan(width, height int) []allocation {
	return []allocation{
		{RoleImage, compute.WriteOnly, width * height * 4},
		{RoleState, compute.ReadWrite, 2 * width * height * CellBytes},
		{RoleAtlas, compute.ReadOnly, a.atlasBytes},
		{RoleVideo, compute.ReadOnly, VideoBytes},
		{RoleDepth, compute.ReadOnly, DepthBytes},
	}
}

// Initialize allocates every buffer for a width x height image. On failure
// the buffers created so far are released and the error is returned.
func (a *Arena) Initialize(width, height int) error {
	if a.initialized {
		return ErrAlreadyInitialized
	}
	if width <= 0 || height <= 0 {
		return xerrors.Errorf("invalid image size %dx%d", width, height)
	}
	for _, alloc := range a.plan(width, height) {
		buf, err := a.device.CreateBuffer(alloc.mode, alloc.size)
		if err != nil {
			ce := diag.DeviceCallFailed(diag.SiteCreateBuffer, err)
			a.log.Error("allocating device buffer",
				zap.Stringer("role", alloc.role),
				zap.Int("bytes", alloc.size),
				zap.String("status", diag.Describe(ce.Code)),
			)
			a.Release()
			if ce.Code == diag.MemObjectAllocationFailure || ce.Code == diag.OutOfHostMemory || ce.Code == diag.OutOfResources {
				// fmt: two %w verbs.
				return fmt.Errorf("allocating %s buffer: %w: %w", alloc.role, ce, diag.ErrOutOfMemory)
			}
			return xerrors.Errorf("allocating %s buffer: %w", alloc.role, ce)
		}
		a.buffers[alloc.role] = buf
	}
	a.width, a.height = width, height
	a.initialized = true
	a.log.Debug("arena initialized", zap.Int("width", width), zap.Int("height", height))
	return nil
}

// Release releases every buffer that exists, once. It tolerates missing
// buffers and repeated calls.
func (a *Arena) Release() {
	for i, buf := range a.buffers {
		if buf != nil {
			buf.Release()
			a.buffers[i] = nil
		}
	}
	a.initialized = false
}

// Buffer returns the buffer for role, or nil before Initialize.
func (a *Arena) Buffer(role Role) compute.Buffer {
	if role < 0 || role >= numRoles {
		return nil
	}
	return a.buffers[role]
}

// Size returns the image dimensions the arena was initialized for.
func (a *Arena) Size() (width, height int) {
	return a.width, a.height
}

func (a *Arena) Initialized() bool { return a.initialized }
