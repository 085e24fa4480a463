// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package imagegen

import (
	"context"
	"net"
	"os"

	"github.com/juju/errors"
)

// IsTimeout reports whether err is a connection-timeout class failure
// talking to the generation API. Only this class is retryable; any
// other error aborts the attempt immediately.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
