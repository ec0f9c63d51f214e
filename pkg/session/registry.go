// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package session

import (
	"sort"
	"sync"

	"github.com/lachlanorr/kscope/pkg/kscope"
)

// Registry tracks live sessions by id. Critical sections are map
// operations only.
type Registry struct {
	sessions map[string]*Session
	mtx      sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

func (reg *Registry) insert(sess *Session) error {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()

	if _, ok := reg.sessions[sess.id]; ok {
		return kscope.NewError(kscope.ErrSessionConflict, nil, "%s", sess.id)
	}
	reg.sessions[sess.id] = sess
	return nil
}

// remove reports whether id was registered, so concurrent removers agree
// on a single winner.
func (reg *Registry) remove(id string) (*Session, bool) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()

	sess, ok := reg.sessions[id]
	if ok {
		delete(reg.sessions, id)
	}
	return sess, ok
}

func (reg *Registry) Lookup(id string) (*Session, bool) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()

	sess, ok := reg.sessions[id]
	return sess, ok
}

func (reg *Registry) Ids() []string {
	reg.mtx.Lock()
	ids := make([]string, 0, len(reg.sessions))
	for id := range reg.sessions {
		ids = append(ids, id)
	}
	reg.mtx.Unlock()

	sort.Strings(ids)
	return ids
}

func (reg *Registry) Len() int {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	return len(reg.sessions)
}
