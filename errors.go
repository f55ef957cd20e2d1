package nvmectl

import "github.com/nvmectl/go-nvmectl/internal/errs"

// Error is the structured error type returned throughout the public API
//. It is defined in internal/errs
// so internal packages can construct it without importing this package;
// this alias re-exports it at the module root.
type Error = errs.Error

// ErrorCode is the high-level error category a failure falls into.
type ErrorCode = errs.ErrorCode

const (
	ErrCodeInvalidArgument = errs.ErrCodeInvalidArgument
	ErrCodeBusy            = errs.ErrCodeBusy
	ErrCodeTimeout         = errs.ErrCodeTimeout
	ErrCodeIoMappingFailed = errs.ErrCodeIoMappingFailed
	ErrCodeDeviceFailure   = errs.ErrCodeDeviceFailure
	ErrCodeMmioUnavailable = errs.ErrCodeMmioUnavailable
	ErrCodeIOError         = errs.ErrCodeIOError
)

var (
	NewError           = errs.New
	NewErrorWithErrno  = errs.NewWithErrno
	NewControllerError = errs.NewController
	NewQueueError      = errs.NewQueue
	WrapError          = errs.Wrap
	IsCode             = errs.IsCode
	IsErrno            = errs.IsErrno
)
