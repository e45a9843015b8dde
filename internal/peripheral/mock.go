package peripheral

// Public API to easy create peripheral stubs to test your code.
import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
)

// MockUnit is scripted peripheral. Respond is called on every read with
// 1-based attempt number and last written request.
type MockUnit struct {
	Name     string
	Address  string
	Hidden   bool // not reported by Discover
	FailOpen int  // first N opens fail
	Hang     bool // reads block until ctx is done
	Respond  func(attempt int, request []byte) ([]byte, error)
}

type MockTransport struct {
	t           testing.TB
	mu          sync.Mutex
	units       map[string]*MockUnit
	order       []string
	DiscoverErr error
	NoDiscovery bool

	calls    []string
	opens    map[string]int
	reads    map[string]int
	writes   map[string][][]byte
	sessions int
}

func NewMockTransport(t testing.TB, units ...*MockUnit) *MockTransport {
	self := &MockTransport{
		t:      t,
		units:  make(map[string]*MockUnit),
		opens:  make(map[string]int),
		reads:  make(map[string]int),
		writes: make(map[string][][]byte),
	}
	for _, u := range units {
		self.Add(u)
	}
	return self
}

func (self *MockTransport) Add(u *MockUnit) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if u.Address == "" {
		u.Address = "mock:" + u.Name
	}
	if _, ok := self.units[u.Address]; !ok {
		self.order = append(self.order, u.Address)
	}
	self.units[u.Address] = u
}

func (self *MockTransport) Remove(name string) {
	self.mu.Lock()
	defer self.mu.Unlock()
	for addr, u := range self.units {
		if u.Name == name {
			delete(self.units, addr)
		}
	}
}

func (self *MockTransport) Discover(ctx context.Context, timeout time.Duration) ([]Advert, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.calls = append(self.calls, "discover")
	if self.NoDiscovery {
		return nil, ErrNoDiscovery
	}
	as := make([]Advert, 0, len(self.units))
	for _, addr := range self.order {
		if u, ok := self.units[addr]; ok && !u.Hidden {
			as = append(as, Advert{Name: u.Name, Address: u.Address})
		}
	}
	return as, self.DiscoverErr
}

func (self *MockTransport) Open(ctx context.Context, address string) (Session, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	u, ok := self.units[address]
	if !ok {
		self.calls = append(self.calls, "open "+address)
		return nil, errors.NotFoundf("mock address=%s", address)
	}
	self.calls = append(self.calls, "open "+u.Name)
	self.opens[u.Name]++
	if self.opens[u.Name] <= u.FailOpen {
		return nil, errors.Errorf("mock %s open failure %d", u.Name, self.opens[u.Name])
	}
	self.sessions++
	return &mockSession{m: self, u: u}, nil
}

func (self *MockTransport) Calls() []string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]string(nil), self.calls...)
}

func (self *MockTransport) Opens(name string) int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.opens[name]
}

func (self *MockTransport) Reads(name string) int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.reads[name]
}

func (self *MockTransport) Writes(name string) [][]byte {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([][]byte(nil), self.writes[name]...)
}

// OpenSessions is number of sessions not closed yet.
func (self *MockTransport) OpenSessions() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.sessions
}

type mockSession struct {
	m       *MockTransport
	u       *MockUnit
	request []byte
	closed  bool
}

func (self *mockSession) Write(ctx context.Context, b []byte) error {
	self.m.mu.Lock()
	defer self.m.mu.Unlock()
	self.m.calls = append(self.m.calls, "write "+self.u.Name)
	self.m.writes[self.u.Name] = append(self.m.writes[self.u.Name], append([]byte(nil), b...))
	self.request = b
	self.m.t.Logf("mock peripheral=%s write=%q", self.u.Name, b)
	return nil
}

func (self *mockSession) Read(ctx context.Context) ([]byte, error) {
	self.m.mu.Lock()
	self.m.calls = append(self.m.calls, "read "+self.u.Name)
	self.m.reads[self.u.Name]++
	attempt := self.m.reads[self.u.Name]
	respond := self.u.Respond
	hang := self.u.Hang
	self.m.mu.Unlock()
	if hang {
		<-ctx.Done()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if respond == nil {
		return nil, nil
	}
	return respond(attempt, self.request)
}

func (self *mockSession) Close() error {
	self.m.mu.Lock()
	defer self.m.mu.Unlock()
	if self.closed {
		return errors.New("mock session double close")
	}
	self.closed = true
	self.m.sessions--
	self.m.calls = append(self.m.calls, "close "+self.u.Name)
	return nil
}

// Respond helpers

func RespondConst(s string) func(int, []byte) ([]byte, error) {
	return func(int, []byte) ([]byte, error) { return []byte(s), nil }
}

func RespondFail(err error) func(int, []byte) ([]byte, error) {
	return func(int, []byte) ([]byte, error) { return nil, err }
}

// RespondAfter fails first n attempts then responds s.
func RespondAfter(n int, s string) func(int, []byte) ([]byte, error) {
	return func(attempt int, _ []byte) ([]byte, error) {
		if attempt <= n {
			return nil, errors.Errorf("mock read failure %d", attempt)
		}
		return []byte(s), nil
	}
}
