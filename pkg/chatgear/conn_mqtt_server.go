package chatgear

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haivivi/palr/pkg/audio/opusrt"
	"github.com/haivivi/palr/pkg/mqtt0"
)

// =============================================================================
// Server Mux - shared message routing logic
// =============================================================================

// serverMux handles message routing for both Dial and Listen modes.
type serverMux struct {
	scope  string
	gearID string
	logger Logger

	// Uplink channels (from client)
	opusFrames chan []byte
	states     chan *GearStateEvent
	stats      chan *GearStatsEvent

	mu          sync.Mutex
	latestStats *GearStatsEvent
}

// newServerMux creates a new server mux with the given configuration.
func newServerMux(scope, gearID string, logger Logger) *serverMux {
	return &serverMux{
		scope:      scope,
		gearID:     gearID,
		logger:     logger,
		opusFrames: make(chan []byte, 1024),
		states:     make(chan *GearStateEvent, 32),
		stats:      make(chan *GearStatsEvent, 32),
	}
}

// topics returns the uplink topics for this gear.
func (m *serverMux) topics() (audio, state, stats string) {
	audio = fmt.Sprintf("%sdevice/%s/input_audio_stream", m.scope, m.gearID)
	state = fmt.Sprintf("%sdevice/%s/state", m.scope, m.gearID)
	stats = fmt.Sprintf("%sdevice/%s/stats", m.scope, m.gearID)
	return
}

// downlinkTopics returns the downlink topics for this gear.
func (m *serverMux) downlinkTopics() (audio, command string) {
	audio = fmt.Sprintf("%sdevice/%s/output_audio_stream", m.scope, m.gearID)
	command = fmt.Sprintf("%sdevice/%s/command", m.scope, m.gearID)
	return
}

// handleMessage routes incoming MQTT messages to appropriate channels.
func (m *serverMux) handleMessage(topic string, payload []byte) {
	audioTopic, stateTopic, statsTopic := m.topics()

	switch topic {
	case audioTopic:
		m.logger.DebugPrintf("MQTT RX audio: len=%d", len(payload))
		select {
		case m.opusFrames <- payload:
		default:
			m.logger.DebugPrintf("opusFrames channel full, dropping frame")
		}

	case stateTopic:
		m.logger.InfoPrintf("MQTT RX state: %s", string(payload))
		var evt GearStateEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			m.logger.WarnPrintf("failed to unmarshal state: %v", err)
			return
		}
		select {
		case m.states <- &evt:
		default:
			m.logger.WarnPrintf("states channel full, dropping state")
		}

	case statsTopic:
		m.logger.InfoPrintf("MQTT RX stats: %s", string(payload))
		var evt GearStatsEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			m.logger.WarnPrintf("failed to unmarshal stats: %v", err)
			return
		}
		m.mu.Lock()
		m.latestStats = &evt
		m.mu.Unlock()
		select {
		case m.stats <- &evt:
		default:
			m.logger.WarnPrintf("stats channel full, dropping stats")
		}
	}
}

// close closes all channels.
func (m *serverMux) close() {
	close(m.opusFrames)
	close(m.states)
	close(m.stats)
}

// =============================================================================
// MQTT Server Connection
// =============================================================================

// MQTTServerConfig contains configuration for an MQTT server connection.
type MQTTServerConfig struct {
	// Addr is the MQTT broker address for DialMQTTServer (e.g., "tcp://localhost:1883").
	// For ListenMQTTServer, this is the address to listen on (e.g., ":1883").
	Addr string

	// Scope is the topic prefix (e.g., "palr/cn").
	Scope string

	// GearID is the device identifier to listen for.
	GearID string

	// Logger is used for logging warnings and errors. If nil, DefaultLogger() is used.
	Logger Logger

	// ClientID is the MQTT client identifier (for DialMQTTServer only).
	// If empty, a default is generated.
	ClientID string

	// KeepAlive is the keep-alive interval in seconds (for DialMQTTServer only).
	// Default is 60.
	KeepAlive uint16

	// ConnectTimeout is the timeout for establishing a connection (for DialMQTTServer only).
	// Default is 30s.
	ConnectTimeout time.Duration

	// ReconnectBackoff is the initial redial delay after a dropped connection
	// (for DialMQTTServer only). Default is 500ms.
	ReconnectBackoff time.Duration
}

func (cfg *MQTTServerConfig) normalized() (scope, clientID string, keepAlive uint16, connectTimeout, reconnectBackoff time.Duration, logger Logger) {
	scope = cfg.Scope
	if scope != "" && !strings.HasSuffix(scope, "/") {
		scope += "/"
	}
	clientID = cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("chatgear-server-%s-%s", cfg.GearID, uuid.NewString())
	}
	keepAlive = cfg.KeepAlive
	if keepAlive == 0 {
		keepAlive = 60
	}
	connectTimeout = cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 30 * time.Second
	}
	reconnectBackoff = cfg.ReconnectBackoff
	if reconnectBackoff == 0 {
		reconnectBackoff = 500 * time.Millisecond
	}
	logger = cfg.Logger
	if logger == nil {
		logger = DefaultLogger()
	}
	return
}

// MQTTServerConn represents a server-side connection to the client via MQTT.
// It implements both UplinkRx (receive from client) and DownlinkTx (send to client).
type MQTTServerConn struct {
	mux *serverMux

	// For DialMQTTServer - MQTT client mode
	dialCfg          mqtt0.ClientConfig
	reconnectBackoff time.Duration
	clientMu         sync.RWMutex
	client           *mqtt0.Client

	// For ListenMQTTServer - embedded broker mode
	broker   *mqtt0.Broker
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// DialMQTTServer connects to an MQTT broker and returns a server connection.
// The server connection receives uplink data (audio, state, stats) from the client
// and sends downlink data (audio, commands) to the client.
//
// Like DialMQTT, the connection is supervised: a dropped broker connection is
// redialed and re-subscribed with exponential backoff.
func DialMQTTServer(ctx context.Context, cfg MQTTServerConfig) (*MQTTServerConn, error) {
	scope, clientID, keepAlive, connectTimeout, reconnectBackoff, logger := cfg.normalized()

	var username string
	var password []byte
	addr := cfg.Addr
	if u, err := url.Parse(cfg.Addr); err == nil && u.User != nil {
		username = u.User.Username()
		if p, ok := u.User.Password(); ok {
			password = []byte(p)
		}
		u.User = nil
		addr = u.String()
	}

	dialCfg := mqtt0.ClientConfig{
		Addr:           addr,
		ClientID:       clientID,
		Username:       username,
		Password:       password,
		KeepAlive:      keepAlive,
		ConnectTimeout: connectTimeout,
	}

	client, err := mqtt0.Connect(ctx, dialCfg)
	if err != nil {
		return nil, fmt.Errorf("chatgear/mqtt-server: connect: %w", err)
	}

	mux := newServerMux(scope, cfg.GearID, logger)
	childCtx, cancel := context.WithCancel(ctx)

	conn := &MQTTServerConn{
		mux:              mux,
		dialCfg:          dialCfg,
		reconnectBackoff: reconnectBackoff,
		client:           client,
		ctx:              childCtx,
		cancel:           cancel,
	}

	audioTopic, stateTopic, statsTopic := mux.topics()
	if err := client.Subscribe(ctx, audioTopic, stateTopic, statsTopic); err != nil {
		client.Close()
		cancel()
		return nil, fmt.Errorf("chatgear/mqtt-server: subscribe: %w", err)
	}

	logger.InfoPrintf("subscribed to MQTT topics: audio=%s, state=%s, stats=%s", audioTopic, stateTopic, statsTopic)

	go conn.superviseLoop()

	return conn, nil
}

// ListenMQTTServer starts an embedded MQTT broker and returns a server connection.
// The server handles messages internally without network overhead for the server side.
// Clients (like geartest) connect to cfg.Addr to communicate.
func ListenMQTTServer(ctx context.Context, cfg MQTTServerConfig) (*MQTTServerConn, error) {
	scope, _, _, _, _, logger := cfg.normalized()

	addr := cfg.Addr
	if addr == "" {
		addr = ":1883"
	}

	mux := newServerMux(scope, cfg.GearID, logger)

	broker := &mqtt0.Broker{
		Handler: mqtt0.HandlerFunc(func(clientID string, msg *mqtt0.Message) {
			mux.handleMessage(msg.Topic, msg.Payload)
		}),
	}

	ln, err := mqtt0.Listen("tcp", addr, nil)
	if err != nil {
		return nil, fmt.Errorf("chatgear/mqtt-server: listen: %w", err)
	}

	childCtx, cancel := context.WithCancel(ctx)

	conn := &MQTTServerConn{
		mux:      mux,
		broker:   broker,
		listener: ln,
		ctx:      childCtx,
		cancel:   cancel,
	}

	go func() {
		if err := broker.Serve(ln); err != nil {
			logger.ErrorPrintf("broker serve error: %v", err)
		}
	}()

	go func() {
		<-childCtx.Done()
		ln.Close()
		broker.Close()
	}()

	logger.InfoPrintf("MQTT broker listening on %s for gear %s", addr, cfg.GearID)

	return conn, nil
}

func (c *MQTTServerConn) currentClient() *mqtt0.Client {
	c.clientMu.RLock()
	defer c.clientMu.RUnlock()
	return c.client
}

// superviseLoop owns the client's lifetime for DialMQTTServer mode, redialing
// and re-subscribing with exponential backoff whenever the connection drops.
func (c *MQTTServerConn) superviseLoop() {
	backoff := c.reconnectBackoff
	const maxBackoff = 30 * time.Second

	audioTopic, stateTopic, statsTopic := c.mux.topics()

	for {
		c.drain(c.currentClient())

		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		c.mux.logger.WarnPrintf("mqtt connection lost, reconnecting in %v", backoff)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		client, err := mqtt0.Connect(c.ctx, c.dialCfg)
		if err != nil {
			c.mux.logger.ErrorPrintf("mqtt reconnect failed: %v", err)
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		if err := client.Subscribe(c.ctx, audioTopic, stateTopic, statsTopic); err != nil {
			c.mux.logger.ErrorPrintf("mqtt resubscribe failed: %v", err)
			client.Close()
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.mux.logger.InfoPrintf("mqtt reconnected and resubscribed")
		backoff = c.reconnectBackoff

		c.clientMu.Lock()
		c.client = client
		c.clientMu.Unlock()
	}
}

// drain receives messages from client (for DialMQTTServer mode) until it
// stops running or the context is cancelled.
func (c *MQTTServerConn) drain(client *mqtt0.Client) {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		msg, err := client.RecvTimeout(100 * time.Millisecond)
		if err != nil {
			if client.IsRunning() {
				c.mux.logger.ErrorPrintf("mqtt recv error: %v", err)
			}
			return
		}
		if msg == nil {
			if !client.IsRunning() {
				return
			}
			continue // timeout, no message
		}

		c.mux.handleMessage(msg.Topic, msg.Payload)
	}
}

// --- UplinkRx implementation (receive from client) ---

func (c *MQTTServerConn) OpusFrames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			select {
			case <-c.ctx.Done():
				return
			case frame, ok := <-c.mux.opusFrames:
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

func (c *MQTTServerConn) States() iter.Seq2[*GearStateEvent, error] {
	return func(yield func(*GearStateEvent, error) bool) {
		for {
			select {
			case <-c.ctx.Done():
				return
			case state, ok := <-c.mux.states:
				if !ok {
					return
				}
				if !yield(state, nil) {
					return
				}
			}
		}
	}
}

func (c *MQTTServerConn) Stats() iter.Seq2[*GearStatsEvent, error] {
	return func(yield func(*GearStatsEvent, error) bool) {
		for {
			select {
			case <-c.ctx.Done():
				return
			case stats, ok := <-c.mux.stats:
				if !ok {
					return
				}
				if !yield(stats, nil) {
					return
				}
			}
		}
	}
}

func (c *MQTTServerConn) GearStats() *GearStatsEvent {
	c.mux.mu.Lock()
	defer c.mux.mu.Unlock()
	return c.mux.latestStats
}

// --- DownlinkTx implementation (send to client) ---

func (c *MQTTServerConn) SendOpusFrames(ctx context.Context, stamp opusrt.EpochMillis, frames ...[]byte) error {
	audioTopic, _ := c.mux.downlinkTopics()
	for _, frame := range frames {
		stamped := opusrt.Stamp(opusrt.Frame(frame), stamp)
		c.mux.logger.DebugPrintf("MQTT TX audio: len=%d stamp=%v", len(frame), stamp)
		if err := c.publish(ctx, audioTopic, stamped); err != nil {
			return err
		}
		stamp += opusrt.EpochMillis(opusrt.Frame(frame).Duration().Milliseconds())
	}
	return nil
}

func (c *MQTTServerConn) IssueCommand(ctx context.Context, cmd SessionCommand, t time.Time) error {
	_, cmdTopic := c.mux.downlinkTopics()
	evt := NewSessionCommandEvent(cmd, t)
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	c.mux.logger.InfoPrintf("MQTT TX command: %s", string(data))
	return c.publish(ctx, cmdTopic, data)
}

// publish sends a message using either client or broker depending on mode.
func (c *MQTTServerConn) publish(ctx context.Context, topic string, payload []byte) error {
	if client := c.currentClient(); client != nil {
		return client.Publish(ctx, topic, payload)
	}
	if c.broker != nil {
		return c.broker.Publish(ctx, topic, payload)
	}
	return fmt.Errorf("no client or broker available")
}

// --- Lifecycle ---

func (c *MQTTServerConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.mux.close()

	if client := c.currentClient(); client != nil {
		return client.Close()
	}
	if c.listener != nil {
		c.listener.Close()
	}
	if c.broker != nil {
		c.broker.Close()
	}
	return nil
}

// GearID returns the gear ID for this connection.
func (c *MQTTServerConn) GearID() string {
	return c.mux.gearID
}

// ListenAddr returns the listener address (for ListenMQTTServer mode).
// Returns empty string for DialMQTTServer mode.
func (c *MQTTServerConn) ListenAddr() string {
	if c.listener != nil {
		return c.listener.Addr().String()
	}
	return ""
}

// Compile-time interface assertions
var (
	_ UplinkRx   = (*MQTTServerConn)(nil)
	_ DownlinkTx = (*MQTTServerConn)(nil)
)
