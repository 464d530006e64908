//go:build linux

/*
listd - Mailing list manager.
Copyright © 2024 listd contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package master

import (
	"errors"
	"io"
	"net"
	"os"
	"strings"

	"github.com/foxcpp/listd/framework/log"
	"golang.org/x/sys/unix"
)

type sdStatus string

const (
	SDReady     sdStatus = "READY=1"
	SDReloading sdStatus = "RELOADING=1"
	SDStopping  sdStatus = "STOPPING=1"
)

var errNoNotifySock = errors.New("no systemd socket")

func notifySock() (*net.UnixConn, error) {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return nil, errNoNotifySock
	}
	if strings.HasPrefix(addr, "@") {
		addr = "\x00" + addr[1:]
	}
	return net.DialUnix("unixgram", nil, &net.UnixAddr{Name: addr, Net: "unixgram"})
}

func passCred(sock *net.UnixConn) error {
	raw, err := sock.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

// systemdStatus reports the state change to the service manager if listd
// runs as a Type=notify unit.
func systemdStatus(status sdStatus, desc string) {
	sock, err := notifySock()
	if err != nil {
		if !errors.Is(err, errNoNotifySock) {
			log.Println("systemd: cannot open the notify socket:", err)
		}
		return
	}
	defer sock.Close()

	if err := passCred(sock); err != nil {
		log.Println("systemd: cannot set SO_PASSCRED:", err)
	}

	msg := string(status)
	if desc != "" {
		msg += "\nSTATUS=" + desc
	}
	if _, err := io.WriteString(sock, msg); err != nil {
		log.Println("systemd: I/O error:", err)
		return
	}
	log.Debugf("systemd: %q", msg)
}
