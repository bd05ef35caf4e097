// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dispatch

import (
	"net"

	gkerr "grimm.is/gatekeepd/internal/errors"
)

// ListenSpec is one listen directive: Host empty means "all addresses".
type ListenSpec struct {
	Host string
	Port string
}

// BuildListeners binds a TCP listener for each spec, in order. On any
// failure it closes every listener already opened before returning the
// error, so a partial bind never leaks file descriptors.
func BuildListeners(specs []ListenSpec) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, len(specs))
	for _, s := range specs {
		addr := net.JoinHostPort(s.Host, s.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			closeAll(listeners)
			return nil, gkerr.Wrapf(err, gkerr.KindKaboom, "cannot listen on %s", addr)
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

func closeAll(listeners []net.Listener) {
	for _, ln := range listeners {
		_ = ln.Close()
	}
}
