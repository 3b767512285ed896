package track_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain sets up goroutine leak detection for the package.
func TestMain(m *testing.M) {
	// Skip leak check for idle keep-alive connections of httptest clients
	opts := []goleak.Option{
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	}

	goleak.VerifyTestMain(m, opts...)
}
