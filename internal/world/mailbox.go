package world

import "sync"

// DirectMessage is a private message waiting in a recipient's inbox.
type DirectMessage struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Mailbox holds per-agent inboxes. The tick writes, the control surface
// reads, so unlike the rest of State it is guarded by a mutex.
type Mailbox struct {
	mu    sync.Mutex
	limit int
	boxes map[string][]DirectMessage
}

func NewMailbox(limit int) *Mailbox {
	if limit <= 0 {
		limit = 32
	}
	return &Mailbox{limit: limit, boxes: make(map[string][]DirectMessage)}
}

// Put appends a message, discarding the oldest when the inbox is full.
func (m *Mailbox) Put(msg DirectMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	box := append(m.boxes[msg.To], msg)
	if over := len(box) - m.limit; over > 0 {
		box = append(box[:0:0], box[over:]...)
	}
	m.boxes[msg.To] = box
}

// Take returns and clears an agent's inbox, oldest first.
func (m *Mailbox) Take(agentID string) []DirectMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	box := m.boxes[agentID]
	delete(m.boxes, agentID)
	return box
}

func (m *Mailbox) Len(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.boxes[agentID])
}
