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

package testutils

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/foxcpp/listd/internal/mlist"
)

type memberKey struct {
	addr string
	role mlist.Role
}

type memState struct {
	lists   map[string]*mlist.MailingList
	members map[string]map[memberKey]*mlist.Member
}

func (s *memState) copy() *memState {
	c := &memState{
		lists:   make(map[string]*mlist.MailingList, len(s.lists)),
		members: make(map[string]map[memberKey]*mlist.Member, len(s.members)),
	}
	for k, v := range s.lists {
		c.lists[k] = v.Copy()
	}
	for k, roster := range s.members {
		cr := make(map[memberKey]*mlist.Member, len(roster))
		for mk, m := range roster {
			cr[mk] = m.Copy()
		}
		c.members[k] = cr
	}
	return c
}

// memStore implements mlist.Store over memState. Methods are not
// synchronized.
type memStore struct {
	st *memState
}

func (s memStore) List(_ context.Context, name string) (*mlist.MailingList, error) {
	l, ok := s.st.lists[strings.ToLower(name)]
	if !ok {
		return nil, mlist.ErrNoSuchList
	}
	return l.Copy(), nil
}

func (s memStore) ListNames(context.Context) ([]string, error) {
	names := make([]string, 0, len(s.st.lists))
	for name := range s.st.lists {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s memStore) CreateList(_ context.Context, l *mlist.MailingList) error {
	if _, ok := s.st.lists[l.Name]; ok {
		return mlist.ErrListExists
	}
	s.st.lists[l.Name] = l.Copy()
	s.st.members[l.Name] = map[memberKey]*mlist.Member{}
	return nil
}

func (s memStore) SaveList(_ context.Context, l *mlist.MailingList) error {
	if _, ok := s.st.lists[l.Name]; !ok {
		return mlist.ErrNoSuchList
	}
	s.st.lists[l.Name] = l.Copy()
	return nil
}

func (s memStore) RemoveList(_ context.Context, name string) error {
	if _, ok := s.st.lists[name]; !ok {
		return mlist.ErrNoSuchList
	}
	delete(s.st.lists, name)
	delete(s.st.members, name)
	return nil
}

func (s memStore) roster(list string) (map[memberKey]*mlist.Member, error) {
	r, ok := s.st.members[strings.ToLower(list)]
	if !ok {
		return nil, mlist.ErrNoSuchList
	}
	return r, nil
}

func (s memStore) Members(_ context.Context, list string, role mlist.Role) ([]*mlist.Member, error) {
	r, err := s.roster(list)
	if err != nil {
		return nil, err
	}
	var res []*mlist.Member
	for k, m := range r {
		if k.role == role {
			res = append(res, m.Copy())
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Address < res[j].Address })
	return res, nil
}

func (s memStore) Member(_ context.Context, list, addr string, role mlist.Role) (*mlist.Member, error) {
	r, err := s.roster(list)
	if err != nil {
		return nil, err
	}
	m, ok := r[memberKey{strings.ToLower(addr), role}]
	if !ok {
		return nil, mlist.ErrNoSuchMember
	}
	return m.Copy(), nil
}

func (s memStore) AddMember(_ context.Context, list string, m *mlist.Member) error {
	r, err := s.roster(list)
	if err != nil {
		return err
	}
	k := memberKey{strings.ToLower(m.Address), m.Role}
	if _, ok := r[k]; ok {
		return mlist.ErrMemberExists
	}
	c := m.Copy()
	c.Address = k.addr
	r[k] = c
	return nil
}

func (s memStore) UpdateMember(_ context.Context, list string, m *mlist.Member) error {
	r, err := s.roster(list)
	if err != nil {
		return err
	}
	k := memberKey{strings.ToLower(m.Address), m.Role}
	if _, ok := r[k]; !ok {
		return mlist.ErrNoSuchMember
	}
	r[k] = m.Copy()
	return nil
}

func (s memStore) RemoveMember(_ context.Context, list, addr string, role mlist.Role) error {
	r, err := s.roster(list)
	if err != nil {
		return err
	}
	k := memberKey{strings.ToLower(addr), role}
	if _, ok := r[k]; !ok {
		return mlist.ErrNoSuchMember
	}
	delete(r, k)
	return nil
}

// ListManager is an in-memory mlist.Manager. Transactions work on a
// snapshot that replaces the shared state on Commit.
type ListManager struct {
	mu sync.Mutex
	st *memState
}

func NewListManager() *ListManager {
	return &ListManager{st: &memState{
		lists:   map[string]*mlist.MailingList{},
		members: map[string]map[memberKey]*mlist.Member{},
	}}
}

func (lm *ListManager) locked(f func(s memStore) error) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return f(memStore{lm.st})
}

func (lm *ListManager) List(ctx context.Context, name string) (l *mlist.MailingList, err error) {
	err = lm.locked(func(s memStore) error { l, err = s.List(ctx, name); return err })
	return
}

func (lm *ListManager) ListNames(ctx context.Context) (names []string, err error) {
	err = lm.locked(func(s memStore) error { names, err = s.ListNames(ctx); return err })
	return
}

func (lm *ListManager) CreateList(ctx context.Context, l *mlist.MailingList) error {
	return lm.locked(func(s memStore) error { return s.CreateList(ctx, l) })
}

func (lm *ListManager) SaveList(ctx context.Context, l *mlist.MailingList) error {
	return lm.locked(func(s memStore) error { return s.SaveList(ctx, l) })
}

func (lm *ListManager) RemoveList(ctx context.Context, name string) error {
	return lm.locked(func(s memStore) error { return s.RemoveList(ctx, name) })
}

func (lm *ListManager) Members(ctx context.Context, list string, role mlist.Role) (res []*mlist.Member, err error) {
	err = lm.locked(func(s memStore) error { res, err = s.Members(ctx, list, role); return err })
	return
}

func (lm *ListManager) Member(ctx context.Context, list, addr string, role mlist.Role) (m *mlist.Member, err error) {
	err = lm.locked(func(s memStore) error { m, err = s.Member(ctx, list, addr, role); return err })
	return
}

func (lm *ListManager) AddMember(ctx context.Context, list string, m *mlist.Member) error {
	return lm.locked(func(s memStore) error { return s.AddMember(ctx, list, m) })
}

func (lm *ListManager) UpdateMember(ctx context.Context, list string, m *mlist.Member) error {
	return lm.locked(func(s memStore) error { return s.UpdateMember(ctx, list, m) })
}

func (lm *ListManager) RemoveMember(ctx context.Context, list, addr string, role mlist.Role) error {
	return lm.locked(func(s memStore) error { return s.RemoveMember(ctx, list, addr, role) })
}

func (lm *ListManager) Begin(context.Context) (mlist.Tx, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return &memTx{memStore: memStore{lm.st.copy()}, lm: lm}, nil
}

func (lm *ListManager) Close() error {
	return nil
}

type memTx struct {
	memStore
	lm   *ListManager
	done bool
}

func (tx *memTx) Commit() error {
	if tx.done {
		return errors.New("testutils: transaction already finished")
	}
	tx.done = true
	tx.lm.mu.Lock()
	defer tx.lm.mu.Unlock()
	tx.lm.st = tx.st
	return nil
}

func (tx *memTx) Rollback() error {
	tx.done = true
	return nil
}

// AddList is a shortcut that creates the list and its members, failing the
// test on errors.
func (lm *ListManager) AddList(t Fataler, l *mlist.MailingList, members ...*mlist.Member) {
	ctx := context.Background()
	if err := lm.CreateList(ctx, l); err != nil {
		t.Fatal(err)
	}
	for _, m := range members {
		if err := lm.AddMember(ctx, l.Name, m); err != nil {
			t.Fatal(err)
		}
	}
}

// Fataler is the subset of testing.TB used by helpers.
type Fataler interface {
	Fatal(args ...interface{})
}
