// Package indicator reads live weights from a scale indicator over a
// serial link, or from a built-in simulator. Acquisition faults are
// absorbed and reflected in the published sample, never raised to the
// ticket path.
package indicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strconv"
	"sync"
	"time"

	gserial "github.com/goburrow/serial"

	"weighline/internal/domain"
)

var (
	ErrConfiguration     = errors.New("invalid serial configuration")
	ErrDeviceUnavailable = errors.New("serial device unavailable")
)

// The indicator emits line-terminated frames with the weight as the
// first signed decimal field; everything around it is vendor noise.
var weightPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

var allowedBaudRates = map[int]bool{
	1200: true, 2400: true, 4800: true, 9600: true,
	19200: true, 38400: true, 57600: true, 115200: true,
}

// Reader owns the single device slot. Configure/Connect replace any
// previous connection; at most one acquisition loop runs at a time.
type Reader struct {
	Logger           *slog.Logger
	ReadTimeout      time.Duration // per-read bound, default 200ms
	SimulateInterval time.Duration // simulator cadence, default 500ms
	FailureStreak    int           // consecutive bad reads before the sample goes stale

	mu       sync.Mutex
	settings domain.SerialSettings
	port     gserial.Port
	cancel   context.CancelFunc
	done     chan struct{}

	stateMu    sync.RWMutex
	weight     *float64
	capturedAt *time.Time
	source     string
	connected  bool
}

func NewReader(logger *slog.Logger) *Reader {
	return &Reader{Logger: logger, source: domain.SourceIdle}
}

func (r *Reader) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Reader) readTimeout() time.Duration {
	if r.ReadTimeout > 0 {
		return r.ReadTimeout
	}
	return 200 * time.Millisecond
}

func (r *Reader) simulateInterval() time.Duration {
	if r.SimulateInterval > 0 {
		return r.SimulateInterval
	}
	return 500 * time.Millisecond
}

func (r *Reader) failureStreak() int {
	if r.FailureStreak > 0 {
		return r.FailureStreak
	}
	return 25
}

// Configure validates and applies new settings, tearing down any
// existing connection first.
func (r *Reader) Configure(s domain.SerialSettings) error {
	if err := Validate(s); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.settings = s
	return nil
}

// Validate checks settings against the indicator's supported line
// parameters.
func Validate(s domain.SerialSettings) error {
	if !s.Simulate && (s.Port == nil || *s.Port == "") {
		return fmt.Errorf("%w: port is required unless simulate is on", ErrConfiguration)
	}
	if !allowedBaudRates[s.BaudRate] {
		return fmt.Errorf("%w: unsupported baudrate %d", ErrConfiguration, s.BaudRate)
	}
	if s.DataBits != 7 && s.DataBits != 8 {
		return fmt.Errorf("%w: bytesize must be 7 or 8", ErrConfiguration)
	}
	switch s.Parity {
	case "N", "E", "O":
	default:
		return fmt.Errorf("%w: parity must be one of N, E, O", ErrConfiguration)
	}
	if s.StopBits != 1 && s.StopBits != 2 {
		return fmt.Errorf("%w: stopbits must be 1 or 2", ErrConfiguration)
	}
	return nil
}

// Settings returns the currently applied settings.
func (r *Reader) Settings() domain.SerialSettings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// Connect opens the configured device, or starts the simulator. A
// hardware failure leaves the reader disconnected and is reported as
// ErrDeviceUnavailable, never as a fatal condition.
func (r *Reader) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()

	s := r.settings
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	if s.Simulate {
		r.cancel, r.done = cancel, done
		r.setState(r.currentWeight(), domain.SourceSimulated, false)
		go r.simulateLoop(ctx, done)
		return nil
	}

	port, err := gserial.Open(&gserial.Config{
		Address:  *s.Port,
		BaudRate: s.BaudRate,
		DataBits: s.DataBits,
		StopBits: s.StopBits,
		Parity:   s.Parity,
		Timeout:  r.readTimeout(),
	})
	if err != nil {
		cancel()
		return fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, *s.Port, err)
	}
	r.port = port
	r.cancel, r.done = cancel, done
	r.markConnected()
	go r.readLoop(ctx, done, port)
	return nil
}

// Disconnect stops the acquisition loop and releases the device. The
// last known sample is retained, tagged idle. Never fails.
func (r *Reader) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Reader) stopLocked() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
		r.cancel, r.done = nil, nil
	}
	if r.port != nil {
		r.port.Close()
		r.port = nil
	}
	r.markStale()
}

// Latest returns an immutable snapshot of the most recent sample. It
// never blocks and never fails.
func (r *Reader) Latest() domain.WeightSample {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	sample := domain.WeightSample{Source: r.source, Connected: r.connected}
	if r.weight != nil {
		w := *r.weight
		sample.WeightKg = &w
	}
	if r.capturedAt != nil {
		ts := r.capturedAt.UTC().Format(time.RFC3339)
		sample.CapturedAt = &ts
	}
	return sample
}

func (r *Reader) currentWeight() *float64 {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	if r.weight == nil {
		return nil
	}
	w := *r.weight
	return &w
}

func (r *Reader) publish(weight float64, source string, connected bool) {
	now := time.Now()
	r.stateMu.Lock()
	r.weight = &weight
	r.capturedAt = &now
	r.source = source
	r.connected = connected
	r.stateMu.Unlock()
}

// markStale flips the reported source to the idle marker without
// discarding the last good value; a stale reading must never pass for
// a live one.
func (r *Reader) markStale() {
	r.stateMu.Lock()
	r.source = domain.SourceIdle
	r.connected = false
	r.stateMu.Unlock()
}

func (r *Reader) markConnected() {
	r.stateMu.Lock()
	r.source = domain.SourceLive
	r.connected = true
	r.stateMu.Unlock()
}

func (r *Reader) setState(weight *float64, source string, connected bool) {
	r.stateMu.Lock()
	r.weight = weight
	r.source = source
	r.connected = connected
	r.stateMu.Unlock()
}

func (r *Reader) readLoop(ctx context.Context, done chan struct{}, port gserial.Port) {
	defer close(done)
	buf := make([]byte, 256)
	var frame []byte
	streak := 0

	fail := func() {
		streak++
		if streak == r.failureStreak() {
			r.logger().Warn("indicator read failures exceeded threshold, marking sample stale")
			r.markStale()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := port.Read(buf)
		if err != nil {
			// Timeouts and transient faults alike: keep trying so the
			// reader recovers on its own when the device returns.
			fail()
			continue
		}
		frame = append(frame, buf[:n]...)
		for {
			idx := indexNewline(frame)
			if idx < 0 {
				break
			}
			line := string(frame[:idx])
			frame = frame[idx+1:]
			if line == "" {
				continue
			}
			w, ok := parseWeight(line)
			if !ok {
				r.logger().Debug("discarding malformed frame", "frame", line)
				fail()
				continue
			}
			if streak >= r.failureStreak() {
				r.logger().Info("indicator recovered")
			}
			streak = 0
			r.publish(w, domain.SourceLive, true)
		}
		if len(frame) > 1024 {
			// No terminator in sight; the stream is garbage.
			frame = frame[:0]
			fail()
		}
	}
}

func (r *Reader) simulateLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	weight := 1200 + rng.Float64()*300
	if w := r.currentWeight(); w != nil {
		weight = *w
	}

	emit := func() {
		weight += rng.Float64()*4 - 2
		if weight < 0 {
			weight = 0
		}
		r.publish(roundKg(weight), domain.SourceSimulated, false)
	}
	emit()

	ticker := time.NewTicker(r.simulateInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emit()
		}
	}
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' || c == '\r' {
			return i
		}
	}
	return -1
}

func parseWeight(line string) (float64, bool) {
	m := weightPattern.FindString(line)
	if m == "" {
		return 0, false
	}
	w, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return w, true
}

func roundKg(w float64) float64 {
	return float64(int64(w*100+0.5)) / 100
}
