package diag

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		code Status
		want string
	}{
		{Success, "CL_SUCCESS"},
		{DeviceNotFound, "CL_DEVICE_NOT_FOUND"},
		{BuildProgramFailure, "CL_BUILD_PROGRAM_FAILURE"},
		{InvalidKernelName, "CL_INVALID_KERNEL_NAME"},
		{InvalidMipLevel, "CL_INVALID_MIP_LEVEL"},
		{Status(-9999), "UNKNOWN"},
		{Status(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Describe(tt.code))
	}
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, Success, StatusOf(nil))
	assert.Equal(t, InvalidOperation, StatusOf(errors.New("plain")))

	wrapped := xerrors.Errorf("writing atlas: %w", NewStatusError("clEnqueueWriteBuffer", OutOfResources))
	assert.Equal(t, OutOfResources, StatusOf(wrapped))
}

func TestCallError(t *testing.T) {
	cause := NewStatusError("clEnqueueNDRangeKernel", InvalidWorkGroupSize)
	ce := DeviceCallFailed(SiteDispatch, cause)

	assert.Equal(t, InvalidWorkGroupSize, ce.Code)
	assert.Contains(t, ce.Error(), "dispatch")
	assert.Contains(t, ce.Error(), "CL_INVALID_WORK_GROUP_SIZE")

	var se *StatusError
	require.True(t, errors.As(ce, &se))
	assert.Equal(t, "clEnqueueNDRangeKernel", se.Op)

	arg := &CallError{Site: SiteSetArg, Index: 7, Code: InvalidArgSize}
	assert.Contains(t, arg.Error(), "set_arg[7]")
}
