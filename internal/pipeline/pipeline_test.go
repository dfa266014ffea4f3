package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/satindergrewal/stemstream/internal/audio"
	"github.com/satindergrewal/stemstream/internal/live"
	"github.com/satindergrewal/stemstream/internal/mix"
	"github.com/satindergrewal/stemstream/internal/separator"
	"github.com/satindergrewal/stemstream/internal/stats"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// monoSpec keeps sample arithmetic readable: 1 sample = 10ms = 2 bytes.
var monoSpec = audio.SampleSpec{SampleRate: 100, Channels: 1, BitDepth: 16}

func newStore(t *testing.T, fn func(*live.Record)) *live.Store {
	t.Helper()
	rec := live.Defaults()
	rec.Checkpoint = "passthrough"
	if fn != nil {
		fn(rec)
	}
	if err := rec.Validate(); err != nil {
		t.Fatalf("test record invalid: %v", err)
	}
	return live.NewStore(filepath.Join(t.TempDir(), live.FileName), rec)
}

// ramp encodes n mono 16-bit samples with values 0..n-1.
func ramp(n int) []byte {
	out := make([]byte, 2*n)
	for i := range n {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(i)))
	}
	return out
}

// recorder is a passthrough model that keeps a copy of every input window.
type recorder struct {
	mu     sync.Mutex
	inputs []audio.Buffer
}

func (r *recorder) Separate(ctx context.Context, in audio.Buffer) (separator.Stems, error) {
	r.mu.Lock()
	r.inputs = append(r.inputs, in.Clone())
	r.mu.Unlock()
	return separator.Passthrough{Stem: separator.Other}.Separate(ctx, in)
}

func loaderFor(s separator.Separator) separator.Loader {
	return separator.LoaderFunc(func(context.Context, separator.Key) (separator.Separator, error) {
		return s, nil
	})
}

type chunkLog struct {
	mu     sync.Mutex
	chunks []*Chunk
}

func (l *chunkLog) add(c *Chunk) {
	l.mu.Lock()
	l.chunks = append(l.chunks, c)
	l.mu.Unlock()
}

func (l *chunkLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chunks)
}

func TestOverlapAndTruncation(t *testing.T) {
	// chunk 20 samples, overlap 5 samples
	store := newStore(t, func(r *live.Record) {
		r.ChunkSecs = 0.2
		r.OverlapSecs = 0.05
	})
	rec := &recorder{}
	var done chunkLog

	p, err := New(Config{Spec: monoSpec, FrameSamples: 8, Live: store, Loader: loaderFor(rec), OnChunkDone: done.add})
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := p.Run(context.Background(), bytes.NewReader(ramp(100)), &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(rec.inputs) != 4 {
		t.Fatalf("model saw %d chunks, want 4", len(rec.inputs))
	}
	const overlap = 5
	for n := 1; n < len(rec.inputs); n++ {
		prev, cur := rec.inputs[n-1][0], rec.inputs[n][0]
		for i := range overlap {
			if cur[i] != prev[len(prev)-overlap+i] {
				t.Fatalf("chunk %d head[%d] = %v, want previous tail %v", n, i, cur[i], prev[len(prev)-overlap+i])
			}
		}
	}

	if len(done.chunks) != 4 {
		t.Fatalf("completed %d chunks, want 4", len(done.chunks))
	}
	for _, c := range done.chunks {
		if got, want := c.Truncated.Len(), c.Processed.Len()-c.RemoveStart-c.RemoveEnd; got != want {
			t.Errorf("chunk %d: truncated %d, want %d", c.Seq, got, want)
		}
		if _, ok := c.Latency(); !ok {
			t.Errorf("chunk %d has no latency", c.Seq)
		}
	}
	if first := done.chunks[0]; first.RemoveStart != 0 || first.RemoveEnd != overlap {
		t.Errorf("chunk 0 removes %d/%d, want 0/%d", first.RemoveStart, first.RemoveEnd, overlap)
	}

	// Each chunk emits the 20 samples following its overlap head: chunk k
	// covers input positions [25k, 25k+20).
	got := audio.Decode(out.Bytes(), monoSpec)[0]
	if len(got) != 80 {
		t.Fatalf("output %d samples, want 80", len(got))
	}
	for k := range 4 {
		for i := range 20 {
			want := float64(25*k+i) / 32768
			if d := got[20*k+i] - want; d > 1.0/32768 || d < -1.0/32768 {
				t.Fatalf("output[%d] = %v, want %v", 20*k+i, got[20*k+i], want)
			}
		}
	}

	s := p.Stats().Snapshot()
	if s.InputBytes != 200 || s.ProcessedSamples != 80 || s.OutputBytes != 160 {
		t.Errorf("stats = %+v", s)
	}
	if s.Latency == nil {
		t.Error("latency not recorded")
	}
}

func TestEndToEndSilence(t *testing.T) {
	spec := audio.SampleSpec{SampleRate: 44100, Channels: 2, BitDepth: 16}

	tests := []struct {
		name      string
		overlap   float64
		inSecs    float64
		wantBytes int
	}{
		// 5s in 2s chunks: the third read is short and zero-padded.
		{"no overlap", 0, 5, spec.SecsToBytes(6)},
		// Every chunk reads 2.5s and emits 2s, so with overlap the output
		// is chunk/(chunk+overlap) of the input and does not stay within one
		// chunk of it on long streams. Only the no-overlap case keeps byte
		// counts equal.
		{"default overlap", 0.5, 10, spec.SecsToBytes(8)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t, func(r *live.Record) { r.OverlapSecs = tt.overlap })
			p, err := New(Config{Spec: spec, Live: store, Loader: separator.Dispatch{}})
			if err != nil {
				t.Fatal(err)
			}

			in := make([]byte, spec.SecsToBytes(tt.inSecs))
			var out bytes.Buffer
			if err := p.Run(context.Background(), bytes.NewReader(in), &out); err != nil {
				t.Fatalf("Run: %v", err)
			}

			if out.Len() != tt.wantBytes {
				t.Errorf("output %d bytes, want %d", out.Len(), tt.wantBytes)
			}
			if tt.overlap == 0 {
				if diff := out.Len() - len(in); diff < 0 || diff > spec.SecsToBytes(2) {
					t.Errorf("output differs from input by %d bytes, more than one chunk", diff)
				}
			}
			for i, b := range out.Bytes() {
				if b != 0 {
					t.Fatalf("output byte %d = %d, want silence", i, b)
				}
			}
		})
	}
}

func TestFramesAreUniform(t *testing.T) {
	store := newStore(t, func(r *live.Record) {
		r.ChunkSecs = 0.5
		r.OverlapSecs = 0
	})
	var sizes []int
	w := writerFunc(func(b []byte) (int, error) {
		sizes = append(sizes, len(b))
		return len(b), nil
	})
	p, _ := New(Config{Spec: monoSpec, FrameSamples: 16, Live: store, Loader: separator.Dispatch{}})
	if err := p.Run(context.Background(), bytes.NewReader(ramp(100)), w); err != nil {
		t.Fatal(err)
	}
	// two chunks of 50 samples: 16+16+16+2 each
	want := []int{32, 32, 32, 4, 32, 32, 32, 4}
	if len(sizes) != len(want) {
		t.Fatalf("writes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("writes = %v, want %v", sizes, want)
		}
	}
}

func TestHotReloadGainsAndModel(t *testing.T) {
	// 10-sample chunks of constant 0.5, no overlap.
	store := newStore(t, func(r *live.Record) {
		r.ChunkSecs = 0.1
		r.OverlapSecs = 0
	})

	var mu sync.Mutex
	var loads []separator.Key
	loader := separator.LoaderFunc(func(ctx context.Context, key separator.Key) (separator.Separator, error) {
		mu.Lock()
		loads = append(loads, key)
		mu.Unlock()
		return separator.Dispatch{}.Load(ctx, key)
	})

	var done chunkLog
	p, err := New(Config{Spec: monoSpec, Live: store, Loader: loader, OnChunkDone: done.add})
	if err != nil {
		t.Fatal(err)
	}

	pr, pw := io.Pipe()
	var out bytes.Buffer
	errc := make(chan error, 1)
	go func() { errc <- p.Run(context.Background(), pr, &out) }()

	chunk := audio.Encode(audio.Buffer{constant(10, 0.5)}, monoSpec)

	pw.Write(chunk)
	waitFor(t, func() bool { return done.len() == 1 })

	if _, err := store.Update(func(r *live.Record) error {
		r.SetGain(separator.Other, 50)
		r.Checkpoint = "passthrough:other"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	pw.Write(chunk)
	pw.Close()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := done.chunks[0].GainsApplied; got != (mix.Gains{100, 100, 100, 100}) {
		t.Errorf("chunk 0 gains = %v", got)
	}
	if got := done.chunks[1].GainsApplied; got != (mix.Gains{100, 100, 100, 50}) {
		t.Errorf("chunk 1 gains = %v, want other at 50", got)
	}

	samples := audio.Decode(out.Bytes(), monoSpec)[0]
	if len(samples) != 20 {
		t.Fatalf("output %d samples, want 20", len(samples))
	}
	near := func(got, want float64) bool { return got-want < 1e-4 && want-got < 1e-4 }
	if !near(samples[0], 0.5) || !near(samples[19], 0.25) {
		t.Errorf("samples[0] = %v, samples[19] = %v, want 0.5 then 0.25", samples[0], samples[19])
	}

	mu.Lock()
	defer mu.Unlock()
	if len(loads) != 2 || loads[1].Checkpoint != "passthrough:other" {
		t.Errorf("loads = %v, want initial load and one reload", loads)
	}
}

func TestNormalizeAgainstWholeInput(t *testing.T) {
	// One chunk: a 20-sample body at 0.1 and a 5-sample trailing overlap
	// at 0.8. Only the body is emitted, but the loudness reference is
	// everything the model was given.
	body := append(constant(20, 0.1), constant(5, 0.8)...)
	in := audio.Encode(audio.Buffer{body}, monoSpec)

	tests := []struct {
		name      string
		normalize bool
		want      float64
	}{
		{"off", false, 0.05},
		{"on", true, math.Sqrt((20*0.1*0.1 + 5*0.8*0.8) / 25)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t, func(r *live.Record) {
				r.ChunkSecs = 0.2
				r.OverlapSecs = 0.05
				r.Normalize = tt.normalize
				r.SetGain(separator.Other, 50)
			})
			p, err := New(Config{Spec: monoSpec, Live: store, Loader: separator.Dispatch{}})
			if err != nil {
				t.Fatal(err)
			}
			var out bytes.Buffer
			if err := p.Run(context.Background(), bytes.NewReader(in), &out); err != nil {
				t.Fatalf("Run: %v", err)
			}

			got := audio.Decode(out.Bytes(), monoSpec)[0]
			if len(got) != 20 {
				t.Fatalf("output %d samples, want 20", len(got))
			}
			for i, v := range got {
				if math.Abs(v-tt.want) > 1e-3 {
					t.Fatalf("output[%d] = %.4f, want %.4f", i, v, tt.want)
				}
			}
		})
	}
}

func TestReloadFailureKeepsModel(t *testing.T) {
	store := newStore(t, func(r *live.Record) {
		r.ChunkSecs = 0.1
		r.OverlapSecs = 0
	})
	p, _ := New(Config{Spec: monoSpec, Live: store, Loader: separator.Dispatch{}})
	ctx := context.Background()

	if err := p.ensureModel(ctx, store.Get()); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	bad := store.Get().Clone()
	bad.Checkpoint = "/models/needs-a-server.pt"
	if err := p.ensureModel(ctx, bad); err != nil {
		t.Fatalf("failed reload should not be fatal: %v", err)
	}
	if p.loaded.Checkpoint != "passthrough" {
		t.Errorf("loaded = %v, want previous model kept", p.loaded)
	}

	fresh, _ := New(Config{Spec: monoSpec, Live: store, Loader: separator.Dispatch{}})
	if err := fresh.ensureModel(ctx, bad); !errors.Is(err, separator.ErrNoServer) {
		t.Errorf("initial load error = %v, want ErrNoServer", err)
	}
}

func TestBrokenPipeIsCleanShutdown(t *testing.T) {
	store := newStore(t, func(r *live.Record) {
		r.ChunkSecs = 0.1
		r.OverlapSecs = 0
	})
	p, _ := New(Config{Spec: monoSpec, FrameSamples: 4, Live: store, Loader: separator.Dispatch{}})

	writes := 0
	w := writerFunc(func(b []byte) (int, error) {
		writes++
		if writes > 2 {
			return 0, &writeError{syscall.EPIPE}
		}
		return len(b), nil
	})
	if err := p.Run(context.Background(), bytes.NewReader(ramp(1000)), w); err != nil {
		t.Fatalf("Run() = %v, want nil on broken pipe", err)
	}
}

func TestModelFailureIsFatal(t *testing.T) {
	store := newStore(t, func(r *live.Record) { r.OverlapSecs = 0 })
	boom := errors.New("cuda out of memory")
	failing := separator.LoaderFunc(func(context.Context, separator.Key) (separator.Separator, error) {
		return separatorFunc(func(context.Context, audio.Buffer) (separator.Stems, error) {
			return separator.Stems{}, boom
		}), nil
	})
	p, _ := New(Config{Spec: monoSpec, Live: store, Loader: failing})

	err := p.Run(context.Background(), bytes.NewReader(ramp(500)), io.Discard)
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageInference || se.Op != "separate" {
		t.Fatalf("Run() = %v, want inference/separate StageError", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("error does not wrap the model failure: %v", err)
	}
}

func TestBadShapeIsFatal(t *testing.T) {
	store := newStore(t, func(r *live.Record) { r.OverlapSecs = 0 })
	short := separator.LoaderFunc(func(context.Context, separator.Key) (separator.Separator, error) {
		return separatorFunc(func(_ context.Context, in audio.Buffer) (separator.Stems, error) {
			var s separator.Stems
			for i := range s {
				s[i] = audio.NewBuffer(in.NumChannels(), in.Len()-1)
			}
			return s, nil
		}), nil
	})
	p, _ := New(Config{Spec: monoSpec, Live: store, Loader: short})

	err := p.Run(context.Background(), bytes.NewReader(ramp(500)), io.Discard)
	if !errors.Is(err, separator.ErrShape) {
		t.Fatalf("Run() = %v, want ErrShape", err)
	}
}

func TestCancelStops(t *testing.T) {
	store := newStore(t, nil)
	p, _ := New(Config{Spec: monoSpec, Live: store, Loader: separator.Dispatch{}})

	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx, pr, io.Discard) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	err := <-errc
	pw.Close() // releases the pending read
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Run() = %v, want ErrStopped", err)
	}
}

func TestEmptyQueues(t *testing.T) {
	store := newStore(t, nil)
	p, _ := New(Config{Spec: monoSpec, Live: store, Loader: separator.Dispatch{}})
	ctx := context.Background()

	if p.emptyQueues(ctx, store.Get()) {
		t.Fatal("drained without a request")
	}

	for i := range 3 {
		p.inputCh <- &Chunk{Seq: i}
	}
	p.outputCh <- item{frame: []byte{1, 2}}
	p.outputCh <- item{chunk: &Chunk{}}

	requested := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if _, err := store.Update(func(r *live.Record) error {
		r.RequestEmptyQueues(requested)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if !p.emptyQueues(ctx, store.Get()) {
		t.Fatal("pending request not honoured")
	}
	if in, out := p.QueueDepths(); in != 0 || out != 0 {
		t.Errorf("queue depths after drain = %d/%d, want 0/0", in, out)
	}
	if !store.Get().QueuesLastEmptiedAt.Equal(requested) {
		t.Errorf("last emptied = %v, want %v", store.Get().QueuesLastEmptiedAt, requested)
	}
	if store.Get().PendingEmptyQueues() {
		t.Error("request still pending after drain")
	}
	if p.emptyQueues(ctx, store.Get()) {
		t.Error("drained twice for one request")
	}
}

func TestDebugFlagRaisesLogLevel(t *testing.T) {
	store := newStore(t, func(r *live.Record) { r.Debug = true })
	var lv slog.LevelVar
	p, _ := New(Config{Spec: monoSpec, Live: store, Loader: separator.Dispatch{}, LogLevel: &lv, BaseLevel: slog.LevelWarn})

	p.applyLogLevel(store.Get())
	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want DEBUG", lv.Level())
	}
	if _, err := store.Update(func(r *live.Record) error { r.Debug = false; return nil }); err != nil {
		t.Fatal(err)
	}
	p.applyLogLevel(store.Get())
	if lv.Level() != slog.LevelWarn {
		t.Errorf("level = %v, want WARN", lv.Level())
	}
}

func TestStatsFoldedByEveryStage(t *testing.T) {
	store := newStore(t, func(r *live.Record) {
		r.ChunkSecs = 0.5
		r.OverlapSecs = 0
	})
	acc := stats.NewAccumulator()
	p, _ := New(Config{Spec: monoSpec, Live: store, Loader: separator.Dispatch{}, Stats: acc})
	if err := p.Run(context.Background(), bytes.NewReader(ramp(100)), io.Discard); err != nil {
		t.Fatal(err)
	}
	s := acc.Snapshot()
	if s.InputSamples != 100 || s.ProcessedSamples != 100 || s.OutputSamples != 100 {
		t.Errorf("samples in/processed/out = %d/%d/%d, want 100 each", s.InputSamples, s.ProcessedSamples, s.OutputSamples)
	}
	if s.InputSecs != 1 || s.OutputSecs != 1 {
		t.Errorf("secs in/out = %v/%v, want 1/1", s.InputSecs, s.OutputSecs)
	}
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) { return f(b) }

type separatorFunc func(context.Context, audio.Buffer) (separator.Stems, error)

func (f separatorFunc) Separate(ctx context.Context, in audio.Buffer) (separator.Stems, error) {
	return f(ctx, in)
}

// writeError mimics the *os.PathError a closed stdout returns.
type writeError struct{ err error }

func (e *writeError) Error() string { return "write /dev/stdout: " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
