package decoder

import (
	"bytes"
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/shannonlabs/shannon-mcp/internal/common/logger"
)

// Config bounds the decoder's buffering behavior.
type Config struct {
	// BufferMaxMessages caps the consumer channel; backpressure engages
	// at 80% fill.
	BufferMaxMessages int
	// PartialLineMaxAge bounds how long an unbalanced JSON fragment is
	// held before being flushed as a parse error.
	PartialLineMaxAge time.Duration
	// ReadTimeout is the per-read window after which child liveness is
	// checked: a dead child means end-of-stream, a live one means keep
	// waiting.
	ReadTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.BufferMaxMessages <= 0 {
		c.BufferMaxMessages = 1000
	}
	if c.PartialLineMaxAge <= 0 {
		c.PartialLineMaxAge = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
}

const readChunkSize = 32 * 1024

// Decoder reads a child's stdout and produces ordered typed messages.
type Decoder struct {
	r      io.Reader
	cfg    Config
	out    chan Message
	bp     *backpressure
	alive  func() bool
	logger *logger.Logger

	seq          int64
	lineBuf      []byte
	partial      string
	partialSince time.Time
}

// New creates a decoder over the given byte source. The alive probe may be
// nil, in which case read timeouts never end the stream.
func New(r io.Reader, cfg Config, alive func() bool, log *logger.Logger) *Decoder {
	cfg.applyDefaults()
	return &Decoder{
		r:      r,
		cfg:    cfg,
		out:    make(chan Message, cfg.BufferMaxMessages),
		bp:     newBackpressure(),
		alive:  alive,
		logger: log.WithFields(zap.String("component", "stream-decoder")),
	}
}

// Messages returns the ordered output stream. The channel is closed at
// end-of-stream.
func (d *Decoder) Messages() <-chan Message {
	return d.out
}

// Metrics reports the decoder's backpressure counters.
func (d *Decoder) Metrics() BackpressureMetrics {
	events, wait := d.bp.metrics()
	return BackpressureMetrics{
		Buffered:       len(d.out),
		Capacity:       cap(d.out),
		PressureEvents: events,
		TotalWait:      wait,
	}
}

type readResult struct {
	data []byte
	err  error
}

// Run decodes until end-of-stream or context cancellation, then closes the
// output channel. The returned error is nil on clean end-of-stream.
func (d *Decoder) Run(ctx context.Context) error {
	defer close(d.out)

	reads := make(chan readResult)
	go func() {
		defer close(reads)
		for {
			buf := make([]byte, readChunkSize)
			n, err := d.r.Read(buf)
			var data []byte
			if n > 0 {
				data = buf[:n]
			}
			select {
			case reads <- readResult{data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(d.cfg.ReadTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.cfg.ReadTimeout)

		select {
		case <-ctx.Done():
			return ctx.Err()

		case res, ok := <-reads:
			if !ok {
				d.finish(ctx)
				return nil
			}
			if len(res.data) > 0 {
				if err := d.consume(ctx, res.data); err != nil {
					return err
				}
			}
			if res.err != nil {
				if res.err != io.EOF {
					d.logger.Debug("stream read error", zap.Error(res.err))
				}
				d.finish(ctx)
				return nil
			}
			d.flushStalePartial(ctx)

		case <-timer.C:
			if d.alive != nil && !d.alive() {
				d.logger.Debug("child dead after read timeout, ending stream")
				d.finish(ctx)
				return nil
			}
			d.flushStalePartial(ctx)
		}
	}
}

// consume appends a chunk to the line buffer and emits every complete line.
func (d *Decoder) consume(ctx context.Context, data []byte) error {
	d.lineBuf = append(d.lineBuf, data...)
	for {
		idx := bytes.IndexByte(d.lineBuf, '\n')
		if idx < 0 {
			return nil
		}
		line := string(bytes.TrimSpace(d.lineBuf[:idx]))
		d.lineBuf = d.lineBuf[idx+1:]
		if line == "" {
			continue
		}
		if err := d.handleLine(ctx, line); err != nil {
			return err
		}
	}
}

func (d *Decoder) handleLine(ctx context.Context, line string) error {
	if d.partial != "" {
		line = d.partial + line
		d.partial = ""
	}

	msg, hold := decodeLine(line)
	if hold {
		d.partial = line
		d.partialSince = time.Now()
		return nil
	}
	return d.emit(ctx, msg)
}

// flushStalePartial emits a held fragment as a parse error once it exceeds
// the configured age.
func (d *Decoder) flushStalePartial(ctx context.Context) {
	if d.partial == "" || time.Since(d.partialSince) < d.cfg.PartialLineMaxAge {
		return
	}
	line := d.partial
	d.partial = ""
	_ = d.emit(ctx, Message{
		Type:       TypeParseError,
		Content:    truncateLine(line),
		ParseError: "incomplete JSON fragment exceeded reassembly window",
	})
}

// finish drains the line buffer and any held fragment at end-of-stream.
func (d *Decoder) finish(ctx context.Context) {
	if rest := string(bytes.TrimSpace(d.lineBuf)); rest != "" {
		d.lineBuf = nil
		_ = d.handleLine(ctx, rest)
	}
	if d.partial != "" {
		line := d.partial
		d.partial = ""
		_ = d.emit(ctx, Message{
			Type:       TypeParseError,
			Content:    truncateLine(line),
			ParseError: "incomplete JSON fragment at end of stream",
		})
	}
}

// emit delivers a message, pausing first when the consumer buffer is past
// the pressure threshold.
func (d *Decoder) emit(ctx context.Context, msg Message) error {
	if float64(len(d.out)) >= float64(cap(d.out))*pressureThreshold {
		d.bp.pause(ctx)
	} else {
		d.bp.relax()
	}

	d.seq++
	msg.Seq = d.seq
	msg.ReceivedAt = time.Now().UTC()

	select {
	case d.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
