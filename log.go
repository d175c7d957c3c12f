package h2

import "go.uber.org/zap"

// newNopLogger stands in for a caller-supplied *zap.Logger so Connection
// fields are never nil-checked at every call site, the way the teacher
// checks nothing and just prints straight to stderr.
func newNopLogger() *zap.Logger {
	return zap.NewNop()
}
