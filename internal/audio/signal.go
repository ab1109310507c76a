package audio

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/go-audio/wav"
)

const fullScale = 32767

// signal produces interleaved PCM16 samples for the capture driver.
type signal interface {
	fill(buf []int)
}

type silence struct{}

func (silence) fill(buf []int) {
	for i := range buf {
		buf[i] = 0
	}
}

type tone struct {
	freq       float64
	sampleRate int
	channels   int
	amplitude  float64
	phase      float64
}

func (t *tone) fill(buf []int) {
	step := 2 * math.Pi * t.freq / float64(t.sampleRate)
	for i := 0; i+t.channels <= len(buf); i += t.channels {
		v := int(t.amplitude * fullScale * math.Sin(t.phase))
		for c := 0; c < t.channels; c++ {
			buf[i+c] = v
		}
		t.phase += step
		if t.phase > 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
}

// loop replays the first channel of a WAV file on every capture channel.
type loop struct {
	samples  []int
	channels int
	pos      int
}

func (l *loop) fill(buf []int) {
	for i := 0; i+l.channels <= len(buf); i += l.channels {
		v := l.samples[l.pos]
		for c := 0; c < l.channels; c++ {
			buf[i+c] = v
		}
		l.pos = (l.pos + 1) % len(l.samples)
	}
}

// SourceInfo describes a capture source the WAV driver understands
type SourceInfo struct {
	Name        string
	Example     string
	Description string
}

// ListSources returns the capture sources supported by the WAV driver.
func ListSources() []SourceInfo {
	return []SourceInfo{
		{Name: "silence", Example: "silence", Description: "digital silence"},
		{Name: "tone", Example: "tone:440", Description: "sine tone at the given frequency in Hz (default 440)"},
		{Name: "file", Example: "file:/path/input.wav", Description: "loops the first channel of a PCM WAV file"},
	}
}

// newSignal parses a source specification such as "tone:440".
func newSignal(source string, sampleRate, channels int) (signal, error) {
	kind, arg, _ := strings.Cut(source, ":")
	switch strings.ToLower(kind) {
	case "", "silence":
		return silence{}, nil
	case "tone":
		freq := 440.0
		if arg != "" {
			f, err := strconv.ParseFloat(arg, 64)
			if err != nil || f <= 0 {
				return nil, fmt.Errorf("invalid tone frequency %q", arg)
			}
			freq = f
		}
		if freq >= float64(sampleRate)/2 {
			return nil, fmt.Errorf("tone frequency %.0f Hz exceeds Nyquist for %d Hz", freq, sampleRate)
		}
		return &tone{freq: freq, sampleRate: sampleRate, channels: channels, amplitude: 0.5}, nil
	case "file":
		return loadLoop(arg, channels)
	default:
		return nil, fmt.Errorf("unknown capture source %q", source)
	}
}

func loadLoop(path string, channels int) (signal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("source %s is not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode source file: %w", err)
	}

	srcChannels := buf.Format.NumChannels
	if srcChannels < 1 {
		srcChannels = 1
	}
	mono := make([]int, 0, len(buf.Data)/srcChannels)
	for i := 0; i < len(buf.Data); i += srcChannels {
		mono = append(mono, buf.Data[i])
	}
	if len(mono) == 0 {
		return nil, fmt.Errorf("source %s contains no samples", path)
	}
	return &loop{samples: mono, channels: channels}, nil
}
