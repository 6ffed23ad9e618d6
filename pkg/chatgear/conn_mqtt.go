package chatgear

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haivivi/palr/pkg/audio/opusrt"
	"github.com/haivivi/palr/pkg/mqtt0"
)

const frameVersion = opusrt.FrameVersion
const stampedHeaderSize = opusrt.StampedHeaderSize

// stampFrame and unstampFrame delegate to opusrt's stamped-frame wire format
// (1-byte version + 6-byte little-endian millisecond timestamp) so every
// transport in this package shares one encoding.

// stampFrame creates a stamped frame from a frame and timestamp.
func stampFrame(frame []byte, t time.Time) []byte {
	return opusrt.Stamp(opusrt.Frame(frame), opusrt.FromTime(t))
}

// unstampFrame extracts the frame and timestamp from stamped data.
// Returns ok=false if the data is invalid.
func unstampFrame(b []byte) (frame []byte, t time.Time, ok bool) {
	f, ts, ok := opusrt.FromStamped(b)
	if !ok {
		return nil, time.Time{}, false
	}
	return []byte(f), ts.Time(), true
}

// =============================================================================
// MQTT Client Connection
// =============================================================================

// MQTTClientConfig contains configuration for dialing an MQTT connection.
type MQTTClientConfig struct {
	// Addr is the MQTT broker address (e.g., "tcp://localhost:1883").
	Addr string

	// Scope is the topic prefix (e.g., "palr/cn").
	Scope string

	// GearID is the device identifier.
	GearID string

	// Logger is used for logging warnings and errors. If nil, DefaultLogger() is used.
	Logger Logger

	// ClientID is the MQTT client identifier. If empty, a default is generated.
	ClientID string

	// KeepAlive is the keep-alive interval in seconds. Default is 60.
	KeepAlive uint16

	// ConnectTimeout is the timeout for establishing a connection. Default is 30s.
	ConnectTimeout time.Duration

	// ReconnectBackoff is the initial delay before the first redial attempt
	// after the connection drops. It doubles (capped at 30s) on each
	// subsequent failure. Default is 500ms.
	ReconnectBackoff time.Duration
}

func (c *MQTTClientConfig) setDefaults() {
	if c.ClientID == "" {
		c.ClientID = fmt.Sprintf("chatgear-%s-%s", c.GearID, uuid.NewString())
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 60
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = DefaultLogger()
	}
	if c.Scope != "" && !strings.HasSuffix(c.Scope, "/") {
		c.Scope += "/"
	}
}

// parseAddr splits username/password out of the URL's userinfo if present,
// returning the userinfo-stripped address.
func (c *MQTTClientConfig) parseAddr() (addr, username string, password []byte, err error) {
	addr = c.Addr
	u, err := url.Parse(c.Addr)
	if err != nil {
		return "", "", nil, err
	}
	if u.User != nil {
		username = u.User.Username()
		if p, ok := u.User.Password(); ok {
			password = []byte(p)
		}
		u.User = nil
		addr = u.String()
	}
	return addr, username, password, nil
}

func (c *MQTTClientConfig) dial(ctx context.Context) (*mqtt0.Client, error) {
	addr, username, password, err := c.parseAddr()
	if err != nil {
		return nil, err
	}
	return mqtt0.Connect(ctx, mqtt0.ClientConfig{
		Addr:           addr,
		ClientID:       c.ClientID,
		Username:       username,
		Password:       password,
		KeepAlive:      c.KeepAlive,
		ConnectTimeout: c.ConnectTimeout,
	})
}

func (c *MQTTClientConfig) audioTopic() string {
	return fmt.Sprintf("%sdevice/%s/output_audio_stream", c.Scope, c.GearID)
}

func (c *MQTTClientConfig) commandTopic() string {
	return fmt.Sprintf("%sdevice/%s/command", c.Scope, c.GearID)
}

// DialMQTT connects to an MQTT broker and returns a client connection.
//
// The connection is supervised by a background goroutine: if the underlying
// MQTT client disconnects, DialMQTT redials and re-subscribes with
// exponential backoff rather than leaving the caller permanently
// disconnected. mqtt0.Client itself has no reconnect logic of its own.
func DialMQTT(ctx context.Context, cfg MQTTClientConfig) (*MQTTClientConn, error) {
	cfg.setDefaults()

	client, err := cfg.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("chatgear/mqtt: connect: %w", err)
	}
	if err := client.Subscribe(ctx, cfg.audioTopic(), cfg.commandTopic()); err != nil {
		client.Close()
		return nil, fmt.Errorf("chatgear/mqtt: subscribe: %w", err)
	}

	childCtx, cancel := context.WithCancel(ctx)
	conn := &MQTTClientConn{
		cfg:        cfg,
		client:     client,
		ctx:        childCtx,
		cancel:     cancel,
		logger:     cfg.Logger,
		opusFrames: make(chan []byte, 1024),
		commands:   make(chan *SessionCommandEvent, 32),
	}

	cfg.Logger.InfoPrintf("subscribed to MQTT topics: audio=%s, command=%s", cfg.audioTopic(), cfg.commandTopic())

	go conn.superviseLoop()

	return conn, nil
}

// MQTTClientConn represents a client-side connection to the server via MQTT.
// It implements both UplinkTx (send to server) and DownlinkRx (receive from server).
type MQTTClientConn struct {
	cfg    MQTTClientConfig
	logger Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	client *mqtt0.Client
	closed bool

	// Downlink channels
	opusFrames chan []byte
	commands   chan *SessionCommandEvent
}

func (c *MQTTClientConn) currentClient() *mqtt0.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// superviseLoop owns the MQTT client's lifetime: it drains messages from the
// current client and, when that client dies, redials and re-subscribes with
// exponential backoff until the connection is closed or the context is
// cancelled.
func (c *MQTTClientConn) superviseLoop() {
	backoff := c.cfg.ReconnectBackoff
	const maxBackoff = 30 * time.Second

	for {
		c.drain(c.currentClient())

		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return
		}

		c.logger.WarnPrintf("mqtt connection lost, reconnecting in %v", backoff)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		client, err := c.cfg.dial(c.ctx)
		if err != nil {
			c.logger.ErrorPrintf("mqtt reconnect failed: %v", err)
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		if err := client.Subscribe(c.ctx, c.cfg.audioTopic(), c.cfg.commandTopic()); err != nil {
			c.logger.ErrorPrintf("mqtt resubscribe failed: %v", err)
			client.Close()
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.InfoPrintf("mqtt reconnected and resubscribed")
		backoff = c.cfg.ReconnectBackoff

		c.mu.Lock()
		c.client = client
		c.mu.Unlock()
	}
}

// drain reads messages from client until it stops running or the context is
// cancelled, dispatching each to the appropriate downlink channel.
func (c *MQTTClientConn) drain(client *mqtt0.Client) {
	audioTopic := c.cfg.audioTopic()
	cmdTopic := c.cfg.commandTopic()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		msg, err := client.RecvTimeout(100 * time.Millisecond)
		if err != nil {
			if client.IsRunning() {
				c.logger.ErrorPrintf("mqtt recv error: %v", err)
			}
			return
		}
		if msg == nil {
			if !client.IsRunning() {
				return
			}
			continue // timeout, no message
		}

		switch msg.Topic {
		case audioTopic:
			select {
			case c.opusFrames <- msg.Payload:
			default:
				c.logger.WarnPrintf("opus frames channel full, dropping frame")
			}
		case cmdTopic:
			var evt SessionCommandEvent
			if err := unmarshalCommandEvent(msg.Payload, &evt); err != nil {
				c.logger.WarnPrintf("failed to unmarshal command: %v", err)
				continue
			}
			if evt.Payload == nil {
				c.logger.WarnPrintf("dropping command with unrecognized type %q", evt.Type)
				continue
			}
			select {
			case c.commands <- &evt:
			default:
				c.logger.WarnPrintf("commands channel full, dropping command")
			}
		}
	}
}

// --- UplinkTx implementation ---

func (c *MQTTClientConn) SendOpusFrames(ctx context.Context, stamp opusrt.EpochMillis, frames ...[]byte) error {
	topic := fmt.Sprintf("%sdevice/%s/input_audio_stream", c.cfg.Scope, c.cfg.GearID)
	client := c.currentClient()
	for _, frame := range frames {
		stamped := opusrt.Stamp(opusrt.Frame(frame), stamp)
		if err := client.Publish(ctx, topic, stamped); err != nil {
			return err
		}
		stamp += opusrt.EpochMillis(opusrt.Frame(frame).Duration().Milliseconds())
	}
	return nil
}

func (c *MQTTClientConn) SendState(ctx context.Context, state *GearStateEvent) error {
	topic := fmt.Sprintf("%sdevice/%s/state", c.cfg.Scope, c.cfg.GearID)
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return c.currentClient().Publish(ctx, topic, data)
}

func (c *MQTTClientConn) SendStats(ctx context.Context, stats *GearStatsEvent) error {
	topic := fmt.Sprintf("%sdevice/%s/stats", c.cfg.Scope, c.cfg.GearID)
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return c.currentClient().Publish(ctx, topic, data)
}

// --- DownlinkRx implementation ---

func (c *MQTTClientConn) OpusFrames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			select {
			case <-c.ctx.Done():
				return
			case frame, ok := <-c.opusFrames:
				if !ok {
					return
				}
				if !yield(frame, nil) {
					return
				}
			}
		}
	}
}

func (c *MQTTClientConn) Commands() iter.Seq2[*SessionCommandEvent, error] {
	return func(yield func(*SessionCommandEvent, error) bool) {
		for {
			select {
			case <-c.ctx.Done():
				return
			case cmd, ok := <-c.commands:
				if !ok {
					return
				}
				if !yield(cmd, nil) {
					return
				}
			}
		}
	}
}

// --- Lifecycle ---

func (c *MQTTClientConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	client := c.client
	c.mu.Unlock()

	c.cancel()
	return client.Close()
}

// GearID returns the gear ID for this connection.
func (c *MQTTClientConn) GearID() string {
	return c.cfg.GearID
}

// Compile-time interface assertions
var (
	_ UplinkTx   = (*MQTTClientConn)(nil)
	_ DownlinkRx = (*MQTTClientConn)(nil)
)
