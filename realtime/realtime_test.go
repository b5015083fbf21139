package realtime

import (
	"context"
	"flag"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

const testSecret = "test-secret"

// in memory transport that records everything sent to it
type memoryTransport struct {
	stateLock   sync.Mutex
	open        bool
	sent        [][]byte
	pingCount   int
	pingErr     error
	sendErr     error
	closeCode   int
	closeReason string
}

func newMemoryTransport() *memoryTransport {
	return &memoryTransport{
		open: true,
	}
}

func (self *memoryTransport) Send(message []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if !self.open {
		return ErrTransportClosed
	}
	if self.sendErr != nil {
		return self.sendErr
	}
	self.sent = append(self.sent, message)
	return nil
}

func (self *memoryTransport) Ping() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.pingCount += 1
	return self.pingErr
}

func (self *memoryTransport) Close(code int, reason string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if !self.open {
		return nil
	}
	self.open = false
	self.closeCode = code
	self.closeReason = reason
	return nil
}

func (self *memoryTransport) IsOpen() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.open
}

// simulates the peer going away without a close handshake
func (self *memoryTransport) drop() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.open = false
}

func (self *memoryTransport) setSendErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.sendErr = err
}

func (self *memoryTransport) setPingErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.pingErr = err
}

func (self *memoryTransport) pings() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.pingCount
}

func (self *memoryTransport) closeStatus() (int, string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closeCode, self.closeReason
}

func (self *memoryTransport) envelopes(t *testing.T) []*Envelope {
	self.stateLock.Lock()
	sent := append([][]byte{}, self.sent...)
	self.stateLock.Unlock()

	envelopes := []*Envelope{}
	for _, message := range sent {
		envelope, err := ParseEnvelope(message)
		assert.Equal(t, err, nil)
		envelopes = append(envelopes, envelope)
	}
	return envelopes
}

func (self *memoryTransport) envelopesOfType(t *testing.T, eventType EventType) []*Envelope {
	matches := []*Envelope{}
	for _, envelope := range self.envelopes(t) {
		if envelope.Type() == eventType {
			matches = append(matches, envelope)
		}
	}
	return matches
}

func (self *memoryTransport) clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.sent = nil
}

// a clock that only moves when stepped
type testClock struct {
	stateLock sync.Mutex
	now       time.Time
}

func newTestClock() *testClock {
	return &testClock{
		now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (self *testClock) Now() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.now
}

func (self *testClock) Advance(d time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.now = self.now.Add(d)
}

// records board broadcasts
type captureBroadcaster struct {
	stateLock sync.Mutex
	boardIds  []string
	events    []Event
}

func (self *captureBroadcaster) BroadcastToBoard(boardId string, event Event) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.boardIds = append(self.boardIds, boardId)
	self.events = append(self.events, event)
	return 0
}

func (self *captureBroadcaster) count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.events)
}

func (self *captureBroadcaster) last() (string, Event) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if len(self.events) == 0 {
		return "", nil
	}
	return self.boardIds[len(self.boardIds)-1], self.events[len(self.events)-1]
}

func newTestHub(t *testing.T) (*Hub, *testClock) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clock := newTestClock()
	settings := DefaultHubSettings()
	settings.Now = clock.Now
	hub := NewHub(ctx, NewJwtVerifier(testSecret), settings)
	t.Cleanup(hub.Close)
	return hub, clock
}

func testToken(t *testing.T, userId string) string {
	token, err := SignUserJwt(testSecret, userId, time.Hour)
	assert.Equal(t, err, nil)
	return token
}

func connectTestClient(t *testing.T, hub *Hub, userId string) (*Client, *memoryTransport) {
	transport := newMemoryTransport()
	client, err := hub.Connect(transport, testToken(t, userId))
	assert.Equal(t, err, nil)
	assert.NotEqual(t, client, nil)
	return client, transport
}
