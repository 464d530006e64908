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

package mlist

import (
	"context"
	"errors"
)

var (
	ErrNoSuchList   = errors.New("mlist: no such list")
	ErrNoSuchMember = errors.New("mlist: no such member")
	ErrListExists   = errors.New("mlist: list already exists")
	ErrMemberExists = errors.New("mlist: member already exists")
)

// Store provides access to list records and rosters.
//
// Returned records are copies, modifications are persisted using SaveList
// and UpdateMember.
type Store interface {
	List(ctx context.Context, name string) (*MailingList, error)
	ListNames(ctx context.Context) ([]string, error)
	CreateList(ctx context.Context, l *MailingList) error
	SaveList(ctx context.Context, l *MailingList) error
	RemoveList(ctx context.Context, name string) error

	// Members returns the list roster for the role, sorted by address.
	Members(ctx context.Context, list string, role Role) ([]*Member, error)
	Member(ctx context.Context, list, addr string, role Role) (*Member, error)
	AddMember(ctx context.Context, list string, m *Member) error
	UpdateMember(ctx context.Context, list string, m *Member) error
	RemoveMember(ctx context.Context, list, addr string, role Role) error
}

// Tx is a Store whose modifications become visible to others only after
// Commit.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

// Manager is the list store as seen by runners: each queue entry is
// processed in its own transaction.
type Manager interface {
	Store
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// IsMember reports whether addr is a subscriber of the list.
func IsMember(ctx context.Context, s Store, list, addr string) (bool, error) {
	_, err := s.Member(ctx, list, addr, RoleMember)
	if err != nil {
		if errors.Is(err, ErrNoSuchMember) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Addresses returns addresses of members with the given role.
func Addresses(ctx context.Context, s Store, list string, role Role) ([]string, error) {
	members, err := s.Members(ctx, list, role)
	if err != nil {
		return nil, err
	}
	res := make([]string, 0, len(members))
	for _, m := range members {
		res = append(res, m.Address)
	}
	return res, nil
}

// Moderators returns owners and moderators of the list.
func Moderators(ctx context.Context, s Store, list string) ([]string, error) {
	owners, err := Addresses(ctx, s, list, RoleOwner)
	if err != nil {
		return nil, err
	}
	mods, err := Addresses(ctx, s, list, RoleModerator)
	if err != nil {
		return nil, err
	}
	return append(owners, mods...), nil
}

// DigestMembers returns enabled members receiving digests of the mode.
func DigestMembers(ctx context.Context, s Store, list string, mode DeliveryMode) ([]*Member, error) {
	members, err := s.Members(ctx, list, RoleMember)
	if err != nil {
		return nil, err
	}
	var res []*Member
	for _, m := range members {
		if m.Mode == mode && m.Enabled() {
			res = append(res, m)
		}
	}
	return res, nil
}

// FindMember looks addr up as a member, then as an owner, then as a
// moderator. It returns nil without an error if addr has no role.
func FindMember(ctx context.Context, s Store, list, addr string) (*Member, error) {
	for _, role := range []Role{RoleMember, RoleOwner, RoleModerator} {
		m, err := s.Member(ctx, list, addr, role)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrNoSuchMember) {
			return nil, err
		}
	}
	return nil, nil
}
