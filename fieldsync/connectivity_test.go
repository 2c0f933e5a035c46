package fieldsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectorStartsOffline(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig("http://127.0.0.1:0"), nil)
	require.True(t, d.IsOffline())
	require.True(t, d.LastOnlineAt().IsZero())
}

func TestDetectorOfflineSignalIsImmediate(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig(""), nil)
	d.markOnline()
	require.False(t, d.IsOffline())

	var events []bool
	d.Subscribe(func(online bool) { events = append(events, online) })

	d.SetNetworkAvailable(context.Background(), false)
	require.True(t, d.IsOffline())
	require.Equal(t, []bool{false}, events)
}

func TestDetectorOnlineSignalRequiresProbe(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDetector(DefaultDetectorConfig(srv.URL), nil)
	var events []bool
	d.Subscribe(func(online bool) { events = append(events, online) })

	// The platform claims connectivity but the probe fails: stay offline.
	d.SetNetworkAvailable(context.Background(), true)
	require.True(t, d.IsOffline())
	require.Empty(t, events)

	healthy.Store(true)
	d.SetNetworkAvailable(context.Background(), true)
	require.False(t, d.IsOffline())
	require.Equal(t, []bool{true}, events)
	require.False(t, d.LastOnlineAt().IsZero())
}

func TestDetectorSuppressesDuplicateTransitions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDetector(DefaultDetectorConfig(srv.URL), nil)
	var events int
	d.Subscribe(func(bool) { events++ })

	d.SetNetworkAvailable(context.Background(), true)
	d.SetNetworkAvailable(context.Background(), true)
	require.Equal(t, 1, events, "repeated online signals while online must not re-notify")

	d.SetNetworkAvailable(context.Background(), false)
	d.SetNetworkAvailable(context.Background(), false)
	require.Equal(t, 2, events)
}

func TestProbeErrors(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig(""), nil)
	err := d.Probe(context.Background())
	require.Error(t, err)
	require.True(t, IsNetworkError(err))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d = NewDetector(DefaultDetectorConfig(srv.URL), nil)
	err = d.Probe(context.Background())
	require.Error(t, err)
	require.True(t, IsNetworkError(err))
}
