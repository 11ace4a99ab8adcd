// Package protoerr defines the abstract error kinds of spec.md §7 as
// cockroachdb/errors sentinel markers, mirroring the teacher's
// pgwire/pgerror package (see _teacher_ref/pgerror_wrap.go,
// _teacher_ref/pgerror_flatten.go): every error raised anywhere in the
// core is classified by wrapping it with errors.Mark against one of the
// sentinels below, so a single top-level handler in engine can convert
// any error into an ErrorResponse frame without a type switch over
// concrete error structs.
package protoerr

import "github.com/cockroachdb/errors"

// Sentinel error kinds, per spec.md §7. Every error raised by the core is
// classified against exactly one of these via Wrap/Newf.
var (
	Protocol              = errors.New("ProtocolError")
	UnsupportedFeature     = errors.New("UnsupportedFeatureError")
	Authentication         = errors.New("AuthenticationError")
	Access                 = errors.New("AccessError")
	DisabledCapability     = errors.New("DisabledCapabilityError")
	TypeSpecNotFound       = errors.New("TypeSpecNotFoundError")
	Transaction            = errors.New("TransactionError")
	Backend                = errors.New("BackendError")
	BackendQueryCancelled  = errors.New("BackendQueryCancelledError")
	InternalServer         = errors.New("InternalServerError")
	ConnectionAborted      = errors.New("ConnectionAbortedError")
)

// Wrap marks err with kind, attaching msg as additional context, mirroring
// pgerror.Wrap's "annotate with a candidate code" idiom.
func Wrap(err error, kind error, msg string) error {
	if err == nil {
		return nil
	}
	if msg != "" {
		err = errors.Wrap(err, msg)
	}
	return errors.Mark(err, kind)
}

// Newf builds a new error of the given kind.
func Newf(kind error, format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), kind)
}

// Is reports whether err is marked with kind.
func Is(err error, kind error) bool {
	return errors.Is(err, kind)
}

// ErrorInfo is what the main loop needs to build an ErrorResponse frame:
// a short machine-discriminable type name and a human message, per
// spec.md §6's server-to-client ErrorResponse and §6's HTTP adapter error
// shape {message,type,code}.
type ErrorInfo struct {
	Type    string
	Message string
	Code    string
}

var kindNames = []struct {
	kind error
	name string
	code string
}{
	{Protocol, "ProtocolError", "03000"},
	{UnsupportedFeature, "UnsupportedFeatureError", "0A000"},
	{Authentication, "AuthenticationError", "28000"},
	{Access, "AccessError", "42501"},
	{DisabledCapability, "DisabledCapabilityError", "2BF01"},
	{TypeSpecNotFound, "TypeSpecNotFoundError", "42704"},
	{Transaction, "TransactionError", "25000"},
	{Backend, "BackendError", "58000"},
	{BackendQueryCancelled, "BackendQueryCancelledError", "57014"},
	{ConnectionAborted, "ConnectionAbortedError", "57P01"},
	{InternalServer, "InternalServerError", "XX000"},
}

// Classify flattens err into an ErrorInfo, defaulting to InternalServerError
// if no known kind matches, mirroring pgerror.Flatten's "best candidate
// code" fallback.
func Classify(err error) ErrorInfo {
	for _, k := range kindNames {
		if errors.Is(err, k.kind) {
			return ErrorInfo{Type: k.name, Message: err.Error(), Code: k.code}
		}
	}
	return ErrorInfo{Type: "InternalServerError", Message: err.Error(), Code: "XX000"}
}
