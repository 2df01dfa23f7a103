package decoder

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shannonlabs/shannon-mcp/internal/common/logger"
)

// chunkedReader serves a fixed byte stream in caller-chosen chunk sizes.
type chunkedReader struct {
	data   []byte
	chunks []int
	pos    int
	idx    int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	size := len(r.data) - r.pos
	if r.idx < len(r.chunks) && r.chunks[r.idx] < size {
		size = r.chunks[r.idx]
	}
	r.idx++
	if size > len(p) {
		size = len(p)
	}
	n := copy(p, r.data[r.pos:r.pos+size])
	r.pos += n
	return n, nil
}

func decodeAll(t *testing.T, input string, chunks ...int) []Message {
	t.Helper()
	d := New(&chunkedReader{data: []byte(input), chunks: chunks},
		Config{ReadTimeout: time.Second}, nil, logger.NewNop())

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	var out []Message
	for msg := range d.Messages() {
		out = append(out, msg)
	}
	require.NoError(t, <-done)
	return out
}

func TestDecodeTypedMessages(t *testing.T) {
	input := `{"type":"partial","content":"Hello, "}
{"type":"partial","content":"world"}
{"type":"metric","input_tokens":12,"output_tokens":40}
{"type":"response","content":"Hello, world"}
`
	msgs := decodeAll(t, input)
	require.Len(t, msgs, 4)
	assert.Equal(t, TypePartial, msgs[0].Type)
	assert.Equal(t, "Hello, ", msgs[0].Content)
	assert.Equal(t, TypeMetric, msgs[2].Type)
	assert.Equal(t, float64(12), msgs[2].Fields["input_tokens"])
	assert.Equal(t, TypeResponse, msgs[3].Type)
}

func TestDecodeSequenceIsOrdered(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 50; i++ {
		sb.WriteString(`{"type":"partial","content":"x"}` + "\n")
	}
	msgs := decodeAll(t, sb.String())
	require.Len(t, msgs, 50)
	for i, msg := range msgs {
		assert.Equal(t, int64(i+1), msg.Seq)
	}
}

func TestDecodeUnknownTypeAndPlainText(t *testing.T) {
	input := `{"type":"telemetry","value":1}
just some plain output
`
	msgs := decodeAll(t, input)
	require.Len(t, msgs, 2)
	assert.Equal(t, TypeUnknown, msgs[0].Type)
	assert.Equal(t, "telemetry", msgs[0].Fields["type"])
	assert.Equal(t, TypeText, msgs[1].Type)
	assert.Equal(t, "just some plain output", msgs[1].Content)
}

func TestDecodeParseErrorOnBalancedGarbage(t *testing.T) {
	input := `{"type":"response" "content":"missing comma"}
`
	msgs := decodeAll(t, input)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeParseError, msgs[0].Type)
	assert.NotEmpty(t, msgs[0].ParseError)
	assert.Contains(t, msgs[0].Content, "missing comma")
}

func TestDecodeReassemblesSplitLine(t *testing.T) {
	// The child's write was flushed mid-object: the first physical line is
	// unbalanced, the second completes it.
	input := "{\"type\":\"response\",\"content\":\"split\n across lines\"}\n"
	msgs := decodeAll(t, input)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeResponse, msgs[0].Type)
	assert.Contains(t, msgs[0].Content, "split")
	assert.Contains(t, msgs[0].Content, "across lines")
}

func TestDecodeChunkBoundaryStability(t *testing.T) {
	input := `{"type":"partial","content":"a"}
{"type":"status","phase":"working"}
{"type":"response","content":"done"}
`
	want := decodeAll(t, input)

	// Splitting the identical byte stream at every position must yield the
	// identical message sequence.
	for split := 1; split < len(input)-1; split++ {
		got := decodeAll(t, input, split)
		require.Len(t, got, len(want), "split at %d", split)
		for i := range want {
			assert.Equal(t, want[i].Type, got[i].Type, "split at %d", split)
			assert.Equal(t, want[i].Content, got[i].Content, "split at %d", split)
		}
	}
}

func TestDecodeCommitsTrailingTextAtEOF(t *testing.T) {
	// No trailing newline on the final line.
	input := `{"type":"partial","content":"almost"}` + "\nfinal words"
	msgs := decodeAll(t, input)
	require.Len(t, msgs, 2)
	assert.Equal(t, TypeText, msgs[1].Type)
	assert.Equal(t, "final words", msgs[1].Content)
}

func TestDecodeFlushesIncompleteFragmentAtEOF(t *testing.T) {
	input := "{\"type\":\"response\",\"content\":\"never finished\n"
	msgs := decodeAll(t, input)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeParseError, msgs[0].Type)
}

func TestDecodeEndsStreamWhenChildDies(t *testing.T) {
	// A pipe that never delivers data; the liveness probe says the child
	// is gone, so the read timeout ends the stream.
	r, w := io.Pipe()
	defer w.Close()

	d := New(r, Config{ReadTimeout: 50 * time.Millisecond},
		func() bool { return false }, logger.NewNop())

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("decoder did not end stream after child death")
	}
}

func TestDecodeCancellation(t *testing.T) {
	r, _ := io.Pipe()
	d := New(r, Config{ReadTimeout: time.Hour}, nil, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("decoder did not observe cancellation")
	}
}

func TestBackpressureMetricsAccumulate(t *testing.T) {
	// A tiny buffer that the consumer never drains forces pressure pauses.
	var sb strings.Builder
	for i := 0; i < 10; i++ {
		sb.WriteString(`{"type":"partial","content":"x"}` + "\n")
	}
	d := New(strings.NewReader(sb.String()),
		Config{BufferMaxMessages: 4, ReadTimeout: time.Second}, nil, logger.NewNop())

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	var msgs []Message
	for msg := range d.Messages() {
		msgs = append(msgs, msg)
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, <-done)
	require.Len(t, msgs, 10)

	m := d.Metrics()
	assert.Equal(t, 4, m.Capacity)
	assert.Greater(t, m.PressureEvents, int64(0))
	assert.Greater(t, m.TotalWait, time.Duration(0))
}
