package connections

import (
	"context"
	"errors"
	"sync"

	"github.com/wotw-multiverse/syncserver/internal/wire"
	"github.com/wotw-multiverse/syncserver/model"
)

type fakeSocket struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   int
	reason string
	fail   bool
}

func (s *fakeSocket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.fail {
		return ErrTransportFailure
	}
	s.frames = append(s.frames, data)
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.code = code
	s.reason = reason
	return nil
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSocket) messages() []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Message, 0, len(s.frames))
	for _, f := range s.frames {
		msg, err := wire.Unmarshal(f)
		if err == nil {
			out = append(out, msg)
		}
	}
	return out
}

var errUnknownPlayer = errors.New("unknown player")

type fakePopulation map[string]model.PopulationEntry

func (p fakePopulation) Get(_ context.Context, playerID string) (model.PopulationEntry, error) {
	entry, ok := p[playerID]
	if !ok {
		return model.PopulationEntry{}, errUnknownPlayer
	}
	return entry, nil
}

// Universe 10 (multiverse 1): alice and bob in world 100, carol in 101.
// Universe 11 (multiverse 1): dave in world 110.
func testPopulation() fakePopulation {
	red := []string{"alice", "bob", "carol"}
	return fakePopulation{
		"alice": model.NewPopulationEntry("alice", 100, 10, 1, red, []string{"alice", "bob"}),
		"bob":   model.NewPopulationEntry("bob", 100, 10, 1, red, []string{"alice", "bob"}),
		"carol": model.NewPopulationEntry("carol", 101, 10, 1, red, []string{"carol"}),
		"dave":  model.NewPopulationEntry("dave", 110, 11, 1, []string{"dave"}, []string{"dave"}),
	}
}
