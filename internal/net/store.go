package net

import "sort"

// SessionStore tracks live sessions. Tick goroutine only.
type SessionStore struct {
	sessions map[uint64]*Session
	order    []uint64
	dirty    bool
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[uint64]*Session)}
}

func (st *SessionStore) Add(s *Session) {
	if _, ok := st.sessions[s.ID]; ok {
		return
	}
	st.sessions[s.ID] = s
	st.dirty = true
}

func (st *SessionStore) Remove(id uint64) *Session {
	s, ok := st.sessions[id]
	if !ok {
		return nil
	}
	delete(st.sessions, id)
	st.dirty = true
	return s
}

func (st *SessionStore) Get(id uint64) *Session { return st.sessions[id] }

func (st *SessionStore) Len() int { return len(st.sessions) }

// ForEach visits sessions in connection order.
func (st *SessionStore) ForEach(fn func(*Session)) {
	if st.dirty {
		st.order = st.order[:0]
		for id := range st.sessions {
			st.order = append(st.order, id)
		}
		sort.Slice(st.order, func(i, j int) bool { return st.order[i] < st.order[j] })
		st.dirty = false
	}
	for _, id := range st.order {
		if s, ok := st.sessions[id]; ok {
			fn(s)
		}
	}
}

// Subscribers counts sessions with an active subscription.
func (st *SessionStore) Subscribers() int {
	n := 0
	for _, s := range st.sessions {
		if s.Sub != nil && !s.IsClosed() {
			n++
		}
	}
	return n
}
