//go:build unix

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

package lock

import (
	"errors"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

func linkCount(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Nlink), nil
}

// tryLink attempts to link the temporary file to the lock path. EEXIST
// means someone else holds the lock, any other error is returned unless
// the link exists anyway.
//
// link(2) may report failure over NFS even though the link was created, so
// the result is always checked through the link count.
func (l *Lock) tryLink() (bool, error) {
	linkErr := os.Link(l.tmpPath, l.path)
	n, err := linkCount(l.tmpPath)
	if err != nil {
		return false, err
	}
	if n == 2 {
		return true, nil
	}
	if linkErr != nil && !errors.Is(linkErr, fs.ErrExist) {
		return false, linkErr
	}
	return false, nil
}
