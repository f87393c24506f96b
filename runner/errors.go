package runner

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// The bridge classifies runner-boundary errors with gRPC status codes,
// matching what remote worker harnesses return natively. Both classes are
// operator-fatal; recovery belongs to the enclosing job's restart policy,
// never to the bridge.

// Failure marks a worker crash, a failed user function, or a lost
// transport.
func Failure(format string, args ...any) error {
	return status.Errorf(codes.Internal, format, args...)
}

// ProtocolViolation marks a contract breach on the runner boundary, such as
// a result arriving with no pending input or a malformed timer
// registration.
func ProtocolViolation(format string, args ...any) error {
	return status.Errorf(codes.FailedPrecondition, format, args...)
}

func IsFailure(err error) bool {
	return status.Code(err) == codes.Internal
}

func IsProtocolViolation(err error) bool {
	return status.Code(err) == codes.FailedPrecondition
}
