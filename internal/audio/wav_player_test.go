package audio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestWAV writes a mono PCM16 WAV file of the given length.
func writeTestWAV(t *testing.T, path string, sampleRate int, length time.Duration) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	frames := int(int64(sampleRate) * int64(length) / int64(time.Second))
	data := make([]int, frames)
	for i := range data {
		data[i] = (i % 100) * 100
	}

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
}

func TestWAVPlayback_CompletesAtDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.wav")
	writeTestWAV(t, path, 8000, 100*time.Millisecond)

	done := make(chan struct{})
	driver := NewWAVPlaybackDriver(nil)
	dev, err := driver.Open(context.Background(), PlaybackRequest{
		Source:       path,
		OnCompletion: func() { close(done) },
	})
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, dev.Duration())

	require.NoError(t, dev.Prepare())
	require.NoError(t, dev.Start())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("playback did not complete")
	}
	assert.Equal(t, dev.Duration(), dev.Position())
	require.NoError(t, dev.Release())
}

func TestWAVPlayback_PauseSeekAndSpeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "long.wav")
	writeTestWAV(t, path, 8000, 2*time.Second)

	now := time.Unix(1000, 0)
	driver := NewWAVPlaybackDriver(nil)
	driver.now = func() time.Time { return now }

	dev, err := driver.Open(context.Background(), PlaybackRequest{Source: path})
	require.NoError(t, err)
	require.NoError(t, dev.Prepare())
	require.NoError(t, dev.Start())

	now = now.Add(300 * time.Millisecond)
	assert.Equal(t, 300*time.Millisecond, dev.Position())

	require.NoError(t, dev.Pause())
	now = now.Add(time.Second)
	assert.Equal(t, 300*time.Millisecond, dev.Position())

	require.NoError(t, dev.Seek(time.Second))
	assert.Equal(t, time.Second, dev.Position())

	require.NoError(t, dev.SetSpeed(2))
	require.NoError(t, dev.Start())
	now = now.Add(100 * time.Millisecond)
	assert.Equal(t, 1200*time.Millisecond, dev.Position())

	require.NoError(t, dev.Seek(10*time.Second))
	assert.Equal(t, 2*time.Second, dev.Position())

	require.Error(t, dev.SetVolume(1.5))
	require.Error(t, dev.SetSpeed(0))
	require.NoError(t, dev.Stop())
	require.NoError(t, dev.Release())
}

func TestWAVPlayback_RejectsInvalidSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.wav")
	require.NoError(t, os.WriteFile(path, []byte("not a wav file"), 0644))

	driver := NewWAVPlaybackDriver(nil)
	_, err := driver.Open(context.Background(), PlaybackRequest{Source: path})
	require.ErrorIs(t, err, ErrDeviceFailure)

	_, err = driver.Open(context.Background(), PlaybackRequest{Source: "https://example.invalid/a.wav"})
	require.ErrorIs(t, err, ErrDeviceFailure)
}

func TestWAVPlayback_FetchesRemoteSourceWithHeaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote.wav")
	writeTestWAV(t, path, 8000, 250*time.Millisecond)

	var authorized atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		authorized.Store(true)
		http.ServeFile(w, r, path)
	}))
	defer srv.Close()

	cache := t.TempDir()
	driver := NewWAVPlaybackDriver(NewFetcher(cache, 5*time.Second))

	_, err := driver.Open(context.Background(), PlaybackRequest{Source: srv.URL + "/track.wav"})
	require.ErrorIs(t, err, ErrDeviceFailure)

	dev, err := driver.Open(context.Background(), PlaybackRequest{
		Source:  srv.URL + "/track.wav",
		Headers: map[string]string{"Authorization": "Bearer token"},
	})
	require.NoError(t, err)
	assert.True(t, authorized.Load())
	assert.Equal(t, 250*time.Millisecond, dev.Duration())
	assert.Equal(t, cache, filepath.Dir(dev.Location()))

	require.NoError(t, dev.Release())
	_, err = os.Stat(dev.Location())
	assert.True(t, os.IsNotExist(err))
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend(BackendOptions{Type: "auto", OutputDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, BackendTypeWAV, b.GetType())
	assert.NotNil(t, b.CaptureDriver())
	assert.NotNil(t, b.PlaybackDriver())
	assert.Len(t, b.ListSources(), 3)

	_, err = NewBackend(BackendOptions{Type: "alsa"})
	require.Error(t, err)
}
