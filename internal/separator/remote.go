package separator

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/satindergrewal/stemstream/internal/audio"
	"github.com/satindergrewal/stemstream/internal/mix"
)

// Request headers describing a planar float32 body.
const (
	HeaderChannels = "X-Channels"
	HeaderSamples  = "X-Samples"
)

// Remote talks to an inference server that hosts the separation model.
//
//	GET  /health     200 when ready
//	POST /load       {"checkpoint": ..., "device": ...}
//	POST /separate   planar float32 LE in, 4 x channels x samples float32 LE out
type Remote struct {
	baseURL string
	http    *http.Client

	mu     sync.Mutex
	loaded Key
}

// NewRemote creates a client for the server at baseURL.
func NewRemote(baseURL string) *Remote {
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// WaitForHealthy blocks until the server answers its health check.
func (r *Remote) WaitForHealthy(ctx context.Context, retry time.Duration) error {
	slog.Info("waiting for model server", "url", r.baseURL)
	for {
		if err := r.Healthy(ctx); err == nil {
			slog.Info("model server is healthy", "url", r.baseURL)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

// Healthy performs one health check.
func (r *Remote) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("separator: create request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("separator: health: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("separator: health: status %d", resp.StatusCode)
	}
	return nil
}

type loadRequest struct {
	Checkpoint string `json:"checkpoint"`
	Device     string `json:"device"`
}

// Load asks the server to place key's model and returns r bound to it.
func (r *Remote) Load(ctx context.Context, key Key) (Separator, error) {
	body, err := json.Marshal(loadRequest{Checkpoint: key.Checkpoint, Device: key.Device})
	if err != nil {
		return nil, fmt.Errorf("separator: marshal load: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/load", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("separator: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("separator: load %s: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("separator: load %s: status %d: %s", key, resp.StatusCode, bytes.TrimSpace(msg))
	}

	r.mu.Lock()
	r.loaded = key
	r.mu.Unlock()
	return r, nil
}

// Loaded returns the key of the last successful Load.
func (r *Remote) Loaded() Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// Separate implements [Separator].
func (r *Remote) Separate(ctx context.Context, in audio.Buffer) (Stems, error) {
	channels, samples := in.NumChannels(), in.Len()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/separate", bytes.NewReader(encodePlanar(in)))
	if err != nil {
		return Stems{}, fmt.Errorf("separator: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderChannels, strconv.Itoa(channels))
	req.Header.Set(HeaderSamples, strconv.Itoa(samples))

	resp, err := r.http.Do(req)
	if err != nil {
		return Stems{}, fmt.Errorf("separator: separate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Stems{}, fmt.Errorf("separator: separate: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Stems{}, fmt.Errorf("separator: read stems: %w", err)
	}
	want := mix.NumStems * channels * samples * 4
	if len(data) != want {
		return Stems{}, fmt.Errorf("%w: response has %d bytes, want %d", ErrShape, len(data), want)
	}

	var stems Stems
	per := channels * samples * 4
	for i := range stems {
		stems[i] = decodePlanar(data[i*per:(i+1)*per], channels, samples)
	}
	return stems, nil
}

// encodePlanar serialises buf channel by channel as float32 little-endian.
func encodePlanar(buf audio.Buffer) []byte {
	out := make([]byte, 0, buf.NumChannels()*buf.Len()*4)
	for c := range buf {
		for _, v := range buf[c] {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(v)))
		}
	}
	return out
}

func decodePlanar(data []byte, channels, samples int) audio.Buffer {
	buf := audio.NewBuffer(channels, samples)
	pos := 0
	for c := range channels {
		for i := range samples {
			buf[c][i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[pos:])))
			pos += 4
		}
	}
	return buf
}
