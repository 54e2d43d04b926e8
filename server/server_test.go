package server

import (
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/maxpert/cdcsink/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, subscribers Attacher) *Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})
	RegisterProfiling(mux)

	s := NewServer(Config{
		Address:      "127.0.0.1",
		Port:         0,
		Handler:      mux,
		Subscribers:  subscribers,
		SniffTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func TestServer_HTTP(t *testing.T) {
	s := startServer(t, nil)

	resp, err := http.Get("http://" + s.Addr().String() + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))
}

func TestServer_SubscriberSession(t *testing.T) {
	sessions := transport.NewSessionTransport(transport.SocketOptions{HighWater: 4})
	defer sessions.Close()
	s := startServer(t, sessions)

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Accepted() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, sessions.Active())

	require.NoError(t, sessions.Write(transport.Frame{AckToken: "00000000000000aa", Records: 1, Payload: []byte("batch")}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	payload, err := transport.ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, "batch", string(payload))

	// HTTP keeps working next to the session
	resp, err := http.Get("http://" + s.Addr().String() + "/ping")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_RejectsSecondSubscriber(t *testing.T) {
	sessions := transport.NewSessionTransport(transport.SocketOptions{})
	defer sessions.Close()
	s := startServer(t, sessions)

	first, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, sessions.Active, time.Second, 5*time.Millisecond)

	second, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = second.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, uint64(1), s.Rejected())
	assert.Equal(t, uint64(1), sessions.Sessions())
}

func TestServer_NoSubscribers(t *testing.T) {
	s := startServer(t, nil)

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, uint64(1), s.Rejected())
}

func TestServer_StopBeforeStart(t *testing.T) {
	s := NewServer(Config{})
	assert.Nil(t, s.Addr())
	s.Stop()
}
