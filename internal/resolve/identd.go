// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package resolve

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"
)

const identdPort = 113

// Ident performs the RFC 1413 identd protocol against a connection
// described by its remote/local host and port, with a hard deadline.
// It returns the advertised user id, or "" if none can be determined —
// any protocol or network failure here degrades to "no answer", never
// an error the caller must handle.
func Ident(remoteHost string, remotePort int, localHost string, localPort int, timeout time.Duration) string {
	dialer := net.Dialer{
		Timeout:   timeout,
		LocalAddr: &net.TCPAddr{IP: net.ParseIP(localHost)},
	}
	deadline := time.Now().Add(timeout)
	conn, err := dialer.Dial("tcp", net.JoinHostPort(remoteHost, fmt.Sprintf("%d", identdPort)))
	if err != nil {
		return ""
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	if _, err := fmt.Fprintf(conn, "%d, %d\r\n", remotePort, localPort); err != nil {
		return ""
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return ""
	}
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Split(line, ":")
	if len(fields) != 4 {
		return ""
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if fields[1] != "USERID" {
		return ""
	}
	return fields[3]
}

// IdentForConn performs Ident using a connected TCP socket's own
// addresses, per sockident() in the reference implementation.
func IdentForConn(conn net.Conn, timeout time.Duration) string {
	remote, ok1 := conn.RemoteAddr().(*net.TCPAddr)
	local, ok2 := conn.LocalAddr().(*net.TCPAddr)
	if !ok1 || !ok2 {
		return ""
	}
	return Ident(remote.IP.String(), remote.Port, local.IP.String(), local.Port, timeout)
}
