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

// Package archive implements archiver plugins receiving copies of list
// posts.
package archive

import (
	"context"
	"crypto/sha1"
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/foxcpp/listd/framework/config"
	"github.com/foxcpp/listd/framework/log"
	"github.com/foxcpp/listd/internal/mailmsg"
	"github.com/foxcpp/listd/internal/mlist"
)

type Archiver interface {
	Name() string
	ArchiveMessage(ctx context.Context, l *mlist.MailingList, msg *mailmsg.Message) error
}

// Linker is implemented by archivers that can reference archived messages.
type Linker interface {
	ListURL(l *mlist.MailingList) string
	Permalink(l *mlist.MailingList, msg *mailmsg.Message) string
}

// Factory creates the archiver from its configuration block.
type Factory func(cfg *config.Map, stateDir string, logger log.Logger) (Archiver, error)

var factories = map[string]Factory{
	"mbox":      newMbox,
	"prototype": newPrototype,
	"s3":        newS3,
}

// New creates the archiver configured by the "archiver <kind> [name]"
// directive.
func New(node config.Node, stateDir string, logger log.Logger) (Archiver, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "archiver: kind required")
	}
	f, ok := factories[node.Args[0]]
	if !ok {
		return nil, config.NodeErr(node, "archiver: unknown kind %s", node.Args[0])
	}
	name := node.Args[0]
	if len(node.Args) > 1 {
		name = node.Args[1]
	}
	a, err := f(config.NewMap(node), stateDir, logger.Sub("archive/"+name))
	if err != nil {
		return nil, config.NodeErr(node, "%v", err)
	}
	return a, nil
}

// MessageHash returns the RFC 5064-style identifier of the message used in
// permalinks: base32 of SHA-1 over the Message-ID.
func MessageHash(msg *mailmsg.Message) string {
	id := msg.MessageID()
	if id == "" {
		return ""
	}
	sum := sha1.Sum([]byte(id))
	return base32.StdEncoding.EncodeToString(sum[:])
}

// ArchivedAt returns the Archived-At header value for msg in the archiver
// or an empty string if the archiver does not produce links.
func ArchivedAt(a Archiver, l *mlist.MailingList, msg *mailmsg.Message) string {
	linker, ok := a.(Linker)
	if !ok {
		return ""
	}
	link := linker.Permalink(l, msg)
	if link == "" {
		return ""
	}
	return "<" + link + ">"
}

func safeName(list string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(list)
}

func errorf(kind, f string, args ...interface{}) error {
	return fmt.Errorf("%s archiver: %s", kind, fmt.Sprintf(f, args...))
}
