package records

import (
	"errors"
	"fmt"

	"github.com/richardartoul/deferdb/store"
)

// Stage identifies the step of an operation that failed.
type Stage string

const (
	StageOpen        Stage = "open"
	StageUpgrade     Stage = "upgrade"
	StageRequest     Stage = "request"
	StageCursor      Stage = "cursor"
	StageTransaction Stage = "transaction"
)

var (
	_ NativeError = ConnectionError{}
	_ NativeError = WriteError{}
	_ NativeError = DeleteError{}
	_ NativeError = ReadError{}
)

// NativeError is implemented by every error returned by this package. Code and
// Message describe the underlying store failure: the innermost *store.Error in
// the chain, or CodeUnknown and the plain error text if there is none.
type NativeError interface {
	error
	Code() store.Code
	Message() string
}

func nativeCode(err error) store.Code {
	if root := store.RootCause(err); root != nil {
		return root.Code
	}
	return store.CodeUnknown
}

func nativeMessage(err error) string {
	if root := store.RootCause(err); root != nil {
		return root.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// ConnectionError indicates that opening or upgrading a database failed.
type ConnectionError struct {
	Name    string
	Version uint64
	Stage   Stage
	// UpgradeErr is the reason the caller's upgrade step failed, if it did.
	UpgradeErr error
	Err        error
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(name string, version uint64, stage Stage, upgradeErr, err error) error {
	if err == nil && upgradeErr == nil {
		panic("[invariant violated] ConnectionError requires a cause")
	}
	return ConnectionError{Name: name, Version: version, Stage: stage, UpgradeErr: upgradeErr, Err: err}
}

func (e ConnectionError) Error() string {
	msg := fmt.Sprintf("ConnectionError(Name:%s, Version:%d, Stage:%s)", e.Name, e.Version, e.Stage)
	if e.UpgradeErr != nil {
		msg += ": upgrade failed: " + e.UpgradeErr.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e ConnectionError) Unwrap() []error {
	return nonNil(e.UpgradeErr, e.Err)
}

func (e ConnectionError) Is(target error) bool {
	_, ok1 := target.(*ConnectionError)
	_, ok2 := target.(ConnectionError)
	return ok1 || ok2
}

func (e ConnectionError) Code() store.Code { return nativeCode(e.Err) }
func (e ConnectionError) Message() string  { return nativeMessage(e.Err) }

// IsConnectionError returns whether err was returned by Open.
func IsConnectionError(err error) bool {
	return errors.Is(err, ConnectionError{})
}

// WriteError indicates that AddRecord failed and nothing was written.
type WriteError struct {
	Store string
	// Key is the record's key if it could be determined.
	Key   store.Key
	Stage Stage
	Err   error
}

// NewWriteError creates a new WriteError.
func NewWriteError(storeName string, key store.Key, stage Stage, err error) error {
	if err == nil {
		panic("[invariant violated] WriteError requires a cause")
	}
	return WriteError{Store: storeName, Key: key, Stage: stage, Err: err}
}

func (e WriteError) Error() string {
	return fmt.Sprintf(
		"WriteError(Store:%s, Key:%v, Stage:%s): %s",
		e.Store, e.Key, e.Stage, e.Err.Error())
}

func (e WriteError) Unwrap() error {
	return e.Err
}

func (e WriteError) Is(target error) bool {
	_, ok1 := target.(*WriteError)
	_, ok2 := target.(WriteError)
	return ok1 || ok2
}

func (e WriteError) Code() store.Code { return nativeCode(e.Err) }
func (e WriteError) Message() string  { return nativeMessage(e.Err) }

// IsWriteError returns whether err was returned by AddRecord.
func IsWriteError(err error) bool {
	return errors.Is(err, WriteError{})
}

// DeleteError indicates that DeleteByIndex failed and nothing was deleted.
type DeleteError struct {
	Store string
	Index string
	Key   any
	Stage Stage
	Err   error
}

// NewDeleteError creates a new DeleteError.
func NewDeleteError(storeName, indexName string, key any, stage Stage, err error) error {
	if err == nil {
		panic("[invariant violated] DeleteError requires a cause")
	}
	return DeleteError{Store: storeName, Index: indexName, Key: key, Stage: stage, Err: err}
}

func (e DeleteError) Error() string {
	return fmt.Sprintf(
		"DeleteError(Store:%s, Index:%s, Key:%v, Stage:%s): %s",
		e.Store, e.Index, e.Key, e.Stage, e.Err.Error())
}

func (e DeleteError) Unwrap() error {
	return e.Err
}

func (e DeleteError) Is(target error) bool {
	_, ok1 := target.(*DeleteError)
	_, ok2 := target.(DeleteError)
	return ok1 || ok2
}

func (e DeleteError) Code() store.Code { return nativeCode(e.Err) }
func (e DeleteError) Message() string  { return nativeMessage(e.Err) }

// IsDeleteError returns whether err was returned by DeleteByIndex.
func IsDeleteError(err error) bool {
	return errors.Is(err, DeleteError{})
}

// ReadError indicates that GetByIndex failed.
type ReadError struct {
	Store string
	Index string
	Key   any
	Stage Stage
	Err   error
}

// NewReadError creates a new ReadError.
func NewReadError(storeName, indexName string, key any, stage Stage, err error) error {
	if err == nil {
		panic("[invariant violated] ReadError requires a cause")
	}
	return ReadError{Store: storeName, Index: indexName, Key: key, Stage: stage, Err: err}
}

func (e ReadError) Error() string {
	return fmt.Sprintf(
		"ReadError(Store:%s, Index:%s, Key:%v, Stage:%s): %s",
		e.Store, e.Index, e.Key, e.Stage, e.Err.Error())
}

func (e ReadError) Unwrap() error {
	return e.Err
}

func (e ReadError) Is(target error) bool {
	_, ok1 := target.(*ReadError)
	_, ok2 := target.(ReadError)
	return ok1 || ok2
}

func (e ReadError) Code() store.Code { return nativeCode(e.Err) }
func (e ReadError) Message() string  { return nativeMessage(e.Err) }

// IsReadError returns whether err was returned by GetByIndex.
func IsReadError(err error) bool {
	return errors.Is(err, ReadError{})
}

func nonNil(errs ...error) []error {
	out := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}
