package devicelink

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// URLResolver looks up the device's current websocket address. The tunnel
// URL rotates, so the client re-resolves before every connection attempt.
type URLResolver interface {
	ResolveDeviceURL(ctx context.Context) (string, error)
}

// Settings carries the timing knobs for the device link.
type Settings struct {
	FallbackURL        string
	ConnectTimeout     time.Duration
	KeepaliveInterval  time.Duration
	HealthInterval     time.Duration
	URLRefreshInterval time.Duration
}

type pendingRequest struct {
	kind Kind
	ch   chan *Response
}

// Client maintains a single websocket connection to the dispenser and
// correlates request/response pairs over it. All requests of one kind are
// serialized; the background loops keep the link alive and follow URL
// rotations.
type Client struct {
	resolver URLResolver
	settings Settings

	writeMu sync.Mutex // serializes websocket writes

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	closed     bool
	generation int
	currentURL string
	lastFrame  time.Time
	pending    map[Kind]*pendingRequest

	onButtonPress      func()
	onDeviceID         func(string)
	onConnectionChange func(bool)
}

func NewClient(resolver URLResolver, settings Settings) *Client {
	return &Client{
		resolver: resolver,
		settings: settings,
		pending:  make(map[Kind]*pendingRequest),
	}
}

// OnButtonPress registers the handler for the device's physical button.
// Passing nil clears it.
func (c *Client) OnButtonPress(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onButtonPress = fn
}

// OnDeviceID registers the handler for the device's identity announcement.
func (c *Client) OnDeviceID(fn func(piUniqueID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDeviceID = fn
}

// OnConnectionChange registers the handler notified on connect/disconnect.
func (c *Client) OnConnectionChange(fn func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionChange = fn
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// CurrentURL returns the address of the live connection, empty when down.
func (c *Client) CurrentURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentURL
}

// Connect establishes the device link. Any previous connection and its
// background loops are superseded.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.closed = false
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	return c.connect(ctx, gen)
}

func (c *Client) connect(ctx context.Context, gen int) error {
	url := c.resolveURL(ctx)

	dialer := websocket.Dialer{HandshakeTimeout: c.settings.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.settings.ConnectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrConnectionTimeout, url)
		}
		return fmt.Errorf("%w: %v", ErrConnectionError, err)
	}

	c.mu.Lock()
	if gen != c.generation || c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.connected = true
	c.currentURL = url
	c.lastFrame = time.Now()
	notify := c.onConnectionChange
	c.mu.Unlock()

	log.Printf("🔌 Device connected at %s", url)
	if notify != nil {
		notify(true)
	}

	go c.readLoop(conn, gen)
	go c.keepaliveLoop(gen)
	go c.healthLoop(gen)
	go c.urlRefreshLoop(gen)

	return nil
}

// ConnectWithRetry keeps dialing with the reconnect backoff until the link
// comes up or the context ends. Used at startup when the device may still be
// booting.
func (c *Client) ConnectWithRetry(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		err := c.Connect(ctx)
		if err == nil {
			return
		}
		delay := reconnectDelay(attempt)
		log.Printf("❌ Device connect failed (attempt %d), retrying in %s: %v", attempt, delay, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Disconnect tears the link down and stays down. Pending requests fail with
// a connection error. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.generation++
	conn := c.conn
	wasConnected := c.connected
	c.conn = nil
	c.connected = false
	c.currentURL = ""
	pending := c.pending
	c.pending = make(map[Kind]*pendingRequest)
	notify := c.onConnectionChange
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, p := range pending {
		close(p.ch)
	}
	if wasConnected {
		log.Printf("🔌 Device disconnected (requested)")
		if notify != nil {
			notify(false)
		}
	}
}

// Request sends one frame and waits for the matching response. A second
// request of the same kind while the first is outstanding is rejected.
func (c *Client) Request(ctx context.Context, kind Kind, payload interface{}) (*Response, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if _, busy := c.pending[kind]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRequestInFlight, kind)
	}
	p := &pendingRequest{kind: kind, ch: make(chan *Response, 1)}
	c.pending[kind] = p
	conn := c.conn
	gen := c.generation
	c.mu.Unlock()

	if err := c.writeJSON(conn, payload); err != nil {
		c.removePending(kind, p)
		c.handleDisconnect(gen, fmt.Sprintf("write failed: %v", err))
		return nil, fmt.Errorf("%w: %v", ErrConnectionError, err)
	}

	timeout := timeoutFor(kind)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-p.ch:
		if !ok {
			return nil, fmt.Errorf("%w: link dropped while awaiting %s", ErrConnectionError, kind)
		}
		if !resp.OK() {
			return resp, &DeviceError{Kind: kind, Status: resp.Status, Message: resp.Message}
		}
		return resp, nil
	case <-timer.C:
		c.removePending(kind, p)
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, kind, timeout)
	case <-ctx.Done():
		c.removePending(kind, p)
		return nil, ctx.Err()
	}
}

// Dispense rotates servo 1 to the target angle, presenting the frame's
// pills at the drop gate.
func (c *Client) Dispense(ctx context.Context, req DispenseRequest) (*Response, error) {
	req.Type = string(KindDispense)
	return c.Request(ctx, KindDispense, req)
}

// Servo2Dispense fires the release servo and homes servo 1.
func (c *Client) Servo2Dispense(ctx context.Context, req Servo2DispenseRequest) (*Response, error) {
	req.Type = string(KindServo2Dispense)
	return c.Request(ctx, KindServo2Dispense, req)
}

// SendSMS relays a text through the device's GSM modem.
func (c *Client) SendSMS(ctx context.Context, req SMSRequest) (*Response, error) {
	req.Type = string(KindSendSMS)
	return c.Request(ctx, KindSendSMS, req)
}

// UpdateSchedules pushes the schedule lines shown on the device's display.
func (c *Client) UpdateSchedules(ctx context.Context, req UpdateSchedulesRequest) (*Response, error) {
	req.Type = string(KindUpdateSchedules)
	return c.Request(ctx, KindUpdateSchedules, req)
}

func (c *Client) writeJSON(conn *websocket.Conn, v interface{}) error {
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (c *Client) removePending(kind Kind, p *pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.pending[kind]; ok && current == p {
		delete(c.pending, kind)
	}
}

func (c *Client) resolveURL(ctx context.Context) string {
	if c.resolver != nil {
		if url, err := c.resolver.ResolveDeviceURL(ctx); err == nil && url != "" {
			return NormalizeURL(url)
		} else if err != nil {
			log.Printf("⚠️  Device URL lookup failed, using fallback: %v", err)
		}
	}
	return NormalizeURL(c.settings.FallbackURL)
}

func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		var frame Response
		if err := conn.ReadJSON(&frame); err != nil {
			c.handleDisconnect(gen, fmt.Sprintf("read error: %v", err))
			return
		}

		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()
			return
		}
		c.lastFrame = time.Now()
		c.mu.Unlock()

		c.dispatch(&frame)
	}
}

func (c *Client) dispatch(frame *Response) {
	switch frame.Type {
	case eventButtonPress:
		c.mu.Lock()
		handler := c.onButtonPress
		c.mu.Unlock()
		log.Printf("🔘 Device button pressed")
		if handler != nil {
			go handler()
		}
		return
	case eventDeviceID:
		c.mu.Lock()
		handler := c.onDeviceID
		c.mu.Unlock()
		log.Printf("🆔 Device announced id %s", frame.PiUniqueID)
		if handler != nil {
			go handler(frame.PiUniqueID)
		}
		return
	}

	// Some firmware answers a keepalive ping it does not recognize with an
	// untyped error frame mentioning "ping". That reply never belongs to a
	// pending request; attributing it would fail a real dispense in flight.
	if frame.Type == "" && !frame.OK() && strings.Contains(strings.ToLower(frame.Message), "ping") {
		return
	}

	kind := responseKind(frame.Type)

	c.mu.Lock()
	var p *pendingRequest
	if kind != "" {
		if waiting, ok := c.pending[kind]; ok {
			p = waiting
			delete(c.pending, kind)
		}
	} else if frame.Type == "" && len(c.pending) == 1 {
		// Untyped response: attribute it only when exactly one request is
		// outstanding, otherwise the pairing would be a guess.
		for k, waiting := range c.pending {
			p = waiting
			delete(c.pending, k)
		}
	}
	c.mu.Unlock()

	if p == nil {
		if kind != KindPing {
			log.Printf("⚠️  Dropping unmatched device frame (type=%q status=%q)", frame.Type, frame.Status)
		}
		return
	}
	p.ch <- frame
}

func (c *Client) keepaliveLoop(gen int) {
	ticker := time.NewTicker(c.settings.KeepaliveInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()
			return
		}
		conn := c.conn
		c.mu.Unlock()

		if err := c.writeJSON(conn, pingRequest{Type: string(KindPing)}); err != nil {
			c.handleDisconnect(gen, fmt.Sprintf("keepalive failed: %v", err))
			return
		}
	}
}

func (c *Client) healthLoop(gen int) {
	ticker := time.NewTicker(c.settings.HealthInterval)
	defer ticker.Stop()

	staleAfter := 3 * c.settings.KeepaliveInterval

	for range ticker.C {
		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()
			return
		}
		silent := time.Since(c.lastFrame)
		c.mu.Unlock()

		if silent > staleAfter {
			c.handleDisconnect(gen, fmt.Sprintf("no traffic for %s", silent.Round(time.Second)))
			return
		}
	}
}

func (c *Client) urlRefreshLoop(gen int) {
	if c.resolver == nil {
		return
	}

	ticker := time.NewTicker(c.settings.URLRefreshInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()
			return
		}
		current := c.currentURL
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.settings.ConnectTimeout)
		url, err := c.resolver.ResolveDeviceURL(ctx)
		cancel()
		if err != nil || url == "" {
			continue
		}

		if normalized := NormalizeURL(url); normalized != current {
			log.Printf("🔄 Device URL changed: %s -> %s", current, normalized)
			c.handleDisconnect(gen, "device url rotated")
			return
		}
	}
}

// handleDisconnect tears down one connection generation and, unless the
// client was closed, starts the reconnect loop.
func (c *Client) handleDisconnect(gen int, reason string) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.generation++
	newGen := c.generation
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.currentURL = ""
	pending := c.pending
	c.pending = make(map[Kind]*pendingRequest)
	closed := c.closed
	notify := c.onConnectionChange
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, p := range pending {
		close(p.ch)
	}

	log.Printf("❌ Device disconnected: %s", reason)
	if notify != nil {
		notify(false)
	}

	if !closed {
		go c.reconnectLoop(newGen)
	}
}

func (c *Client) reconnectLoop(gen int) {
	for attempt := 1; ; attempt++ {
		delay := reconnectDelay(attempt)
		log.Printf("🔁 Reconnecting to device in %s (attempt %d)", delay, attempt)
		time.Sleep(delay)

		c.mu.Lock()
		if gen != c.generation || c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		err := c.connect(context.Background(), gen)
		if err == nil {
			return
		}
		log.Printf("❌ Reconnect attempt %d failed: %v", attempt, err)
	}
}

// reconnectDelay ramps 1s per attempt, flattening at 3s through attempt
// three, then climbs 1s per attempt to a 30s ceiling.
func reconnectDelay(attempt int) time.Duration {
	var ms int
	if attempt <= 3 {
		ms = attempt * 1000
		if ms > 3000 {
			ms = 3000
		}
	} else {
		ms = 3000 + (attempt-3)*1000
		if ms > 30000 {
			ms = 30000
		}
	}
	return time.Duration(ms) * time.Millisecond
}
