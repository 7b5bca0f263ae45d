package conversation

import (
	"time"

	"github.com/kitmage/jarvipy/internal/invariant"
)

const MaxExchanges = 10

// Exchange is one user/assistant pair.
type Exchange struct {
	UserText      string    `json:"user_text"`
	AssistantText string    `json:"assistant_text"`
	Timestamp     time.Time `json:"timestamp"`
}

// Memory keeps the most recent exchanges of one session, oldest first.
type Memory struct {
	limit     int
	exchanges []Exchange
}

func NewMemory(limit int) *Memory {
	if limit <= 0 || limit > MaxExchanges {
		limit = MaxExchanges
	}
	return &Memory{limit: limit, exchanges: make([]Exchange, 0, limit)}
}

// Add appends an exchange, evicting the oldest once the limit is exceeded.
func (m *Memory) Add(e Exchange) {
	m.exchanges = append(m.exchanges, e)
	if over := len(m.exchanges) - m.limit; over > 0 {
		copy(m.exchanges, m.exchanges[over:])
		m.exchanges = m.exchanges[:m.limit]
	}
	invariant.Check(len(m.exchanges) <= m.limit, "conversation memory holds %d exchanges, limit %d", len(m.exchanges), m.limit)
}

// Exchanges returns a copy of the stored exchanges, oldest first.
func (m *Memory) Exchanges() []Exchange {
	out := make([]Exchange, len(m.exchanges))
	copy(out, m.exchanges)
	return out
}

func (m *Memory) Len() int {
	return len(m.exchanges)
}
