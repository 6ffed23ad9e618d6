package chatgear

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/haivivi/palr/pkg/audio/opusrt"
	"github.com/haivivi/palr/pkg/buffer"
	"github.com/haivivi/palr/pkg/genx"
)

// outboundFrame is a single Opus frame queued for delivery to the device,
// together with the silence duration (if any) that should precede it.
type outboundFrame struct {
	frame opusrt.Frame
	loss  time.Duration
}

// ServerPort implements a bidirectional audio port between a session's
// transformer chain and a device connection. It manages audio input
// buffering, an outbound Opus frame queue, state/stats tracking, and device
// commands.
type ServerPort struct {
	tx      DownlinkTx
	context context.Context
	cancel  context.CancelFunc
	logger  Logger

	// Input - audio from device
	input *opusrt.RealtimeBuffer

	// Output - queue of Opus frames produced by the transformer chain,
	// paced out to the device by streamingOutputLoop.
	output *buffer.Buffer[outboundFrame]

	// Stats & State
	mu        sync.RWMutex
	gearStats *GearStatsEvent
	gearState *GearStateEvent
	closed    bool // protected by mu, prevents sending to closed channels

	// Snapshot persistence (optional)
	gearID        string
	snapshotStore SnapshotStore

	// Events
	statsChanges chan *GearStatsChanges
	stateEvents  chan *GearStateEvent

	// Background goroutine tracking
	wg sync.WaitGroup
}

// NewServerPort creates a new ServerPort for the given DownlinkTx.
func NewServerPort(ctx context.Context, tx DownlinkTx) *ServerPort {
	ctx, cancel := context.WithCancel(ctx)
	p := &ServerPort{
		tx:      tx,
		context: ctx,
		cancel:  cancel,
		logger:  DefaultLogger(),

		input:        opusrt.RealtimeFrom(opusrt.NewBuffer(opusrt.Config{})),
		output:       buffer.N[outboundFrame](64),
		statsChanges: make(chan *GearStatsChanges, 32),
		stateEvents:  make(chan *GearStateEvent, 32),
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.streamingOutputLoop()
	}()
	return p
}

// UseSnapshotStore enables durable persistence of this port's last
// observed state/stats under gearID: a prior snapshot (if any) is loaded
// immediately, and the current state/stats are saved back to the store on
// Close. This lets "async getters keep returning the last observed state"
// survive a process restart, not just the lifetime of this ServerPort.
func (p *ServerPort) UseSnapshotStore(store SnapshotStore, gearID string) error {
	p.gearID = gearID
	p.snapshotStore = store

	state, stats, ok, err := LoadSnapshot(store, gearID)
	if err != nil {
		return err
	}
	if ok {
		p.mu.Lock()
		if state != nil {
			p.gearState = state
		}
		if stats != nil {
			p.gearStats = stats
		}
		p.mu.Unlock()
	}
	return nil
}

// EnqueueOpusFrame appends an Opus frame (produced by the session's
// transformer chain) to the outbound queue. If loss is non-zero, it
// represents a gap of silence that should be paced before the frame.
func (p *ServerPort) EnqueueOpusFrame(frame opusrt.Frame, loss time.Duration) error {
	return p.output.Add(outboundFrame{frame: frame, loss: loss})
}

// --- Handle (Input) ---

// Frame reads the next Opus frame from the device.
// Implements opusrt.FrameReader.
func (p *ServerPort) Frame() (opusrt.Frame, time.Duration, error) {
	return p.input.Frame()
}

// HandleOpusFrames handles incoming Opus frames from the device.
func (p *ServerPort) HandleOpusFrames(stampedOpusFrame []byte) {
	if _, err := p.input.Write(stampedOpusFrame); err != nil {
		p.logger.ErrorPrintf("handle opus frames: %v", err)
	}
}

// HandleGearStatsEvent handles incoming stats events from the device.
func (p *ServerPort) HandleGearStatsEvent(gse *GearStatsEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	var gsc *GearStatsChanges
	if p.gearStats != nil {
		gsc = p.gearStats.MergeWith(gse.Clone())
	} else {
		p.gearStats = gse.Clone()
	}

	if gsc == nil {
		return
	}

	select {
	case p.statsChanges <- gsc:
	default:
		p.logger.WarnPrintf("stats changes channel is full, drop stats event")
	}
}

// HandleGearStateEvent handles incoming state events from the device.
func (p *ServerPort) HandleGearStateEvent(gse *GearStateEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	// Filter out-of-order events
	if p.gearState != nil && gse.Time.Before(p.gearState.Time) {
		return
	}

	p.gearState = gse.Clone()

	select {
	case p.stateEvents <- gse.Clone(): // independent clone to avoid sharing with p.gearState
	default:
		p.logger.WarnPrintf("state events channel is full, drop state event")
	}
}

// Interrupt discards any frames currently queued for output, so that a new
// response can start speaking without waiting for stale audio to drain.
func (p *ServerPort) Interrupt() {
	p.output.Reset()
}

// --- Stats (getter) ---

// GearStatsChanges returns a channel that receives stats change events.
func (p *ServerPort) GearStatsChanges() <-chan *GearStatsChanges {
	return p.statsChanges
}

// StateEvents returns a channel that receives state events.
func (p *ServerPort) StateEvents() <-chan *GearStateEvent {
	return p.stateEvents
}

// Context returns the port's context.
func (p *ServerPort) Context() context.Context {
	return p.context
}

// GearStats returns the current gear stats.
func (p *ServerPort) GearStats() (*GearStatsEvent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.gearStats, p.gearStats != nil
}

// GearState returns the current gear state.
func (p *ServerPort) GearState() (*GearStateEvent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.gearState, p.gearState != nil
}

// Volume returns the current volume percentage.
func (p *ServerPort) Volume() (int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.gearStats != nil && p.gearStats.Volume != nil {
		return int(p.gearStats.Volume.Percentage), true
	}
	return 0, false
}

// LightMode returns the current light mode.
func (p *ServerPort) LightMode() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.gearStats != nil && p.gearStats.LightMode != nil {
		return p.gearStats.LightMode.Mode, true
	}
	return "", false
}

// Brightness returns the current brightness percentage.
func (p *ServerPort) Brightness() (int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.gearStats != nil && p.gearStats.Brightness != nil {
		return int(p.gearStats.Brightness.Percentage), true
	}
	return 0, false
}

// WifiNetwork returns the current connected WiFi network.
func (p *ServerPort) WifiNetwork() (*ConnectedWifi, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.gearStats != nil && p.gearStats.WifiNetwork != nil {
		return p.gearStats.WifiNetwork, true
	}
	return nil, false
}

// WifiStore returns the stored WiFi list.
func (p *ServerPort) WifiStore() (*StoredWifiList, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.gearStats != nil && p.gearStats.WifiStore != nil {
		return p.gearStats.WifiStore, true
	}
	return nil, false
}

// Battery returns the current battery status.
func (p *ServerPort) Battery() (pct int, isCharging bool, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.gearStats != nil && p.gearStats.Battery != nil {
		return int(p.gearStats.Battery.Percentage), p.gearStats.Battery.IsCharging, true
	}
	return 0, false, false
}

// SystemVersion returns the current system version.
func (p *ServerPort) SystemVersion() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.gearStats != nil && p.gearStats.SystemVersion != nil {
		return p.gearStats.SystemVersion.CurrentVersion, true
	}
	return "", false
}

// Cellular returns the current cellular network.
func (p *ServerPort) Cellular() (*ConnectedCellular, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.gearStats != nil && p.gearStats.Cellular != nil {
		return p.gearStats.Cellular, true
	}
	return nil, false
}

// PairStatus returns the current pair status.
func (p *ServerPort) PairStatus() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.gearStats != nil && p.gearStats.PairStatus != nil {
		return p.gearStats.PairStatus.PairWith, true
	}
	return "", false
}

// ReadNFCTag returns the last read NFC tags.
func (p *ServerPort) ReadNFCTag() (*ReadNFCTag, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.gearStats != nil && p.gearStats.ReadNFCTag != nil {
		return p.gearStats.ReadNFCTag, true
	}
	return nil, false
}

// Shaking returns the current shaking level.
func (p *ServerPort) Shaking() (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.gearStats != nil && p.gearStats.Shaking != nil {
		return p.gearStats.Shaking.Level, true
	}
	return 0, false
}

// --- Device Commands ---

// SetVolume sets the volume of the device.
func (p *ServerPort) SetVolume(volume int) error {
	cmd := SetVolume(volume)
	return p.tx.IssueCommand(p.context, &cmd, time.Now())
}

// SetLightMode sets the light mode of the device.
func (p *ServerPort) SetLightMode(mode string) error {
	cmd := SetLightMode(mode)
	return p.tx.IssueCommand(p.context, &cmd, time.Now())
}

// SetBrightness sets the brightness of the device.
func (p *ServerPort) SetBrightness(brightness int) error {
	cmd := SetBrightness(brightness)
	return p.tx.IssueCommand(p.context, &cmd, time.Now())
}

// SetWifi sets the WiFi network of the device.
func (p *ServerPort) SetWifi(ssid, password string) error {
	return p.tx.IssueCommand(p.context, &SetWifi{SSID: ssid, Password: password}, time.Now())
}

// DeleteWifi deletes a stored WiFi network.
func (p *ServerPort) DeleteWifi(ssid string) error {
	return p.tx.IssueCommand(p.context, &DeleteWifi{SSID: ssid}, time.Now())
}

// Reset resets the device.
func (p *ServerPort) Reset() error {
	return p.tx.IssueCommand(p.context, &Reset{}, time.Now())
}

// Unpair unpairs the device.
func (p *ServerPort) Unpair() error {
	return p.tx.IssueCommand(p.context, &Reset{Unpair: true}, time.Now())
}

// Sleep puts the device to sleep.
func (p *ServerPort) Sleep() error {
	return p.tx.IssueCommand(p.context, &Halt{Mode: "sleep"}, time.Now())
}

// Shutdown shuts down the device.
func (p *ServerPort) Shutdown() error {
	return p.tx.IssueCommand(p.context, &Halt{Mode: "shutdown"}, time.Now())
}

// InterruptDevice stops the device's current audio output without affecting
// its power state. Unlike Interrupt, which only discards this port's own
// outbound queue, this also tells the device to stop anything it may already
// have buffered locally.
func (p *ServerPort) InterruptDevice() error {
	p.output.Reset()
	return p.tx.IssueCommand(p.context, &Interrupt{}, time.Now())
}

// RaiseCall raises a call event on the device.
func (p *ServerPort) RaiseCall() error {
	return p.tx.IssueCommand(p.context, &Raise{Event: "call"}, time.Now())
}

// UpgradeFirmware initiates an OTA firmware upgrade.
func (p *ServerPort) UpgradeFirmware(ota OTA) error {
	return p.tx.IssueCommand(p.context, &ota, time.Now())
}

// --- Lifecycle ---

// Close closes the port.
func (p *ServerPort) Close() error {
	if p.snapshotStore != nil {
		p.mu.RLock()
		state, stats := p.gearState, p.gearStats
		p.mu.RUnlock()
		if err := SaveSnapshot(p.snapshotStore, p.gearID, state, stats); err != nil {
			p.logger.WarnPrintf("save snapshot for gear %s failed: %v", p.gearID, err)
		}
	}

	p.cancel()
	p.input.Close()
	p.output.Close()

	// Wait for background goroutines to finish
	p.wg.Wait()

	// Safely close channels under lock to prevent send-to-closed-channel panic
	p.mu.Lock()
	p.closed = true
	close(p.statsChanges)
	close(p.stateEvents)
	p.mu.Unlock()

	return p.tx.Close()
}

// RecvFrom receives data from the given UplinkRx until closed or error.
// This method blocks; use `go port.RecvFrom(rx)` for non-blocking operation.
// Returns the first error encountered, or nil if all iterators completed normally.
func (p *ServerPort) RecvFrom(rx UplinkRx) error {
	defer rx.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	setErr := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		for frame, err := range rx.OpusFrames() {
			if err != nil {
				setErr(err)
				return
			}
			p.HandleOpusFrames(frame)
		}
	}()
	go func() {
		defer wg.Done()
		for state, err := range rx.States() {
			if err != nil {
				setErr(err)
				return
			}
			p.HandleGearStateEvent(state)
		}
	}()
	go func() {
		defer wg.Done()
		for stats, err := range rx.Stats() {
			if err != nil {
				setErr(err)
				return
			}
			p.HandleGearStatsEvent(stats)
		}
	}()
	wg.Wait()
	return firstErr
}

// OpusChunks wraps the device's reordered, loss-concealed uplink audio as
// a genx.Stream, emitting each frame (real or synthesized silence) as a
// MessageChunk carrying an audio/opus Blob under the given role and name,
// per the reorder pipeline's emission contract.
func (p *ServerPort) OpusChunks(role genx.Role, name string) genx.Stream {
	return &opusChunkStream{port: p, role: role, name: name}
}

type opusChunkStream struct {
	port *ServerPort
	role genx.Role
	name string
}

func (s *opusChunkStream) Next() (*genx.MessageChunk, error) {
	for {
		frame, _, err := s.port.Frame()
		if errors.Is(err, opusrt.ErrNotReady) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		return &genx.MessageChunk{
			Role: s.role,
			Name: s.name,
			Part: &genx.Blob{MIMEType: "audio/opus", Data: []byte(frame)},
		}, nil
	}
}

func (s *opusChunkStream) Close() error { return nil }

func (s *opusChunkStream) CloseWithError(error) error { return nil }

const bufferingDuration = 360 * time.Millisecond

// streamingOutputLoop paces frames off the outbound queue and sends them to
// the device, keeping roughly bufferingDuration worth of audio in flight so
// the device never starves while still bounding end-to-end latency.
func (p *ServerPort) streamingOutputLoop() {
	var stamp time.Time
	for {
		out, err := p.output.Next()
		if err != nil {
			// Don't log error if context is cancelled (expected shutdown)
			if p.context.Err() == nil {
				p.logger.ErrorPrintf("read frame from output queue: %v", err)
			}
			return
		}

		now := time.Now()
		delay := stamp.Sub(now)

		if delay < 0 {
			// Behind schedule: reset timestamp
			stamp = now
		} else if delay < bufferingDuration {
			// Within buffering duration: fast buffering, minimal sleep
			time.Sleep(5 * time.Millisecond)
		} else {
			// Beyond buffering duration: sleep to maintain bufferingDuration buffer
			sleepDuration := delay - bufferingDuration
			time.Sleep(sleepDuration)
		}

		if out.loss > 0 {
			stamp = stamp.Add(out.loss)
		}

		if len(out.frame) == 0 {
			continue
		}

		if err := p.tx.SendOpusFrames(p.context, opusrt.FromTime(stamp), out.frame.Clone()); err != nil {
			// Don't log error if context is cancelled (expected shutdown)
			if p.context.Err() == nil {
				p.logger.ErrorPrintf("send opus frame: %v", err)
			}
			continue
		}
		stamp = stamp.Add(out.frame.Duration())
	}
}
