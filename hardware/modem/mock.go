package modem

// Public API to easy create modem stubs to test your code.
import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/smarthelmet/relay/log2"
)

// MockPort answers AT commands from a script. Unknown commands get ERROR.
// Reply text is sent verbatim, include final result code yourself.
type MockPort struct {
	mu      sync.Mutex
	t       testing.TB
	script  map[string][]string
	rbuf    bytes.Buffer
	partial []byte
	sent    []string
	closed  bool
}

func NewMockPort(t testing.TB) *MockPort {
	return &MockPort{t: t, script: make(map[string][]string)}
}

// Expect queues replies for command. Last reply repeats when queue is drained.
func (self *MockPort) Expect(command string, replies ...string) *MockPort {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.script[command] = append(self.script[command], replies...)
	return self
}

func (self *MockPort) Sent() []string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]string(nil), self.sent...)
}

func (self *MockPort) Count(command string) int {
	n := 0
	for _, s := range self.Sent() {
		if s == command {
			n++
		}
	}
	return n
}

func (self *MockPort) Read(p []byte) (int, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.rbuf.Len() == 0 {
		return 0, nil
	}
	return self.rbuf.Read(p)
}

func (self *MockPort) Write(p []byte) (int, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.partial = append(self.partial, p...)
	for {
		i := bytes.Index(self.partial, []byte("\r\n"))
		if i < 0 {
			break
		}
		cmd := string(self.partial[:i])
		self.partial = self.partial[i+2:]
		self.sent = append(self.sent, cmd)
		self.reply(cmd)
	}
	return len(p), nil
}

func (self *MockPort) reply(cmd string) {
	// echo like real module with ATE1
	self.rbuf.WriteString(cmd + "\r\n")
	q := self.script[cmd]
	if len(q) == 0 {
		self.t.Logf("modem mock unexpected command=%s", cmd)
		self.rbuf.WriteString("\r\nERROR\r\n")
		return
	}
	r := q[0]
	if len(q) > 1 {
		self.script[cmd] = q[1:]
	}
	if r == "" {
		// silent, caller expects timeout
		return
	}
	self.rbuf.WriteString(strings.Replace(r, "\n", "\r\n", -1))
}

func (self *MockPort) Flush() error {
	self.mu.Lock()
	self.rbuf.Reset()
	self.mu.Unlock()
	return nil
}

func (self *MockPort) Close() error {
	self.mu.Lock()
	self.closed = true
	self.mu.Unlock()
	return nil
}

func NewTestModem(t testing.TB, opt Options) (*Modem, *MockPort) {
	port := NewMockPort(t)
	log := log2.NewTest(t, log2.LDebug)
	log.SetFlags(log2.LTestFlags)
	return New(port, log, opt), port
}
