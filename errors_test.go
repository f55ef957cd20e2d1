package nvmectl

import (
	"errors"
	"syscall"
	"testing"

	"github.com/nvmectl/go-nvmectl/internal/errs"
)

func TestStructuredError(t *testing.T) {
	err := NewQueueError("ExecSync", "0000:01:00.0", 0, ErrCodeInvalidArgument, "invalid queue id")

	if err.Op != "ExecSync" {
		t.Errorf("Expected Op=ExecSync, got %s", err.Op)
	}

	if err.Code != ErrCodeInvalidArgument {
		t.Errorf("Expected Code=ErrCodeInvalidArgument, got %s", err.Code)
	}

	expected := "nvmectl: invalid queue id (op=ExecSync)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestWrapError(t *testing.T) {
	err := WrapError("Open", syscall.ENODEV)

	if err.Code != ErrCodeDeviceFailure {
		t.Errorf("Expected Code=ErrCodeDeviceFailure, got %s", err.Code)
	}

	if err.Errno != syscall.ENODEV {
		t.Errorf("Expected Errno=ENODEV, got %v", err.Errno)
	}

	if !errors.Is(err, syscall.ENODEV) {
		t.Error("Expected wrapped error to satisfy errors.Is for ENODEV")
	}
}

func TestWrapErrorPreservesStructuredCode(t *testing.T) {
	inner := NewError("waitReady", ErrCodeTimeout, "deadline exceeded")
	outer := WrapError("Open", inner)

	if outer.Code != ErrCodeTimeout {
		t.Errorf("Expected wrapping to preserve code, got %s", outer.Code)
	}
	if outer.Op != "Open" {
		t.Errorf("Expected wrapping to update op, got %s", outer.Op)
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("waitReady", ErrCodeTimeout, "operation timed out")

	if !IsCode(err, ErrCodeTimeout) {
		t.Error("IsCode should return true for matching code")
	}

	if IsCode(err, ErrCodeIOError) {
		t.Error("IsCode should return false for non-matching code")
	}

	if IsCode(nil, ErrCodeTimeout) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestIsErrno(t *testing.T) {
	err := WrapError("readReg", syscall.EFAULT)

	if !IsErrno(err, syscall.EFAULT) {
		t.Error("IsErrno should return true for matching errno")
	}

	if IsErrno(err, syscall.EPERM) {
		t.Error("IsErrno should return false for non-matching errno")
	}

	if IsErrno(nil, syscall.EFAULT) {
		t.Error("IsErrno should return false for nil error")
	}
}

func TestErrnoMapping(t *testing.T) {
	testCases := []struct {
		errno    syscall.Errno
		expected ErrorCode
	}{
		{syscall.ETIMEDOUT, ErrCodeTimeout},
		{syscall.ENOMEM, ErrCodeIoMappingFailed},
		{syscall.EFAULT, ErrCodeMmioUnavailable},
		{syscall.EACCES, ErrCodeMmioUnavailable},
		{syscall.ENODEV, ErrCodeDeviceFailure},
		{syscall.EBUSY, ErrCodeBusy},
		{syscall.EINVAL, ErrCodeInvalidArgument},
		{syscall.ENOSYS, ErrCodeIOError},
	}

	for _, tc := range testCases {
		code := errs.MapErrno(tc.errno)
		if code != tc.expected {
			t.Errorf("MapErrno(%v) = %s, want %s", tc.errno, code, tc.expected)
		}
	}
}
