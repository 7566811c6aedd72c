package rga

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serialBridge accepts one connection and hands it to the test
func serialBridge(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	conns := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		conns <- c
	}()
	return "socket://" + l.Addr().String(), conns
}

func dialBridge(t *testing.T) (*Device, net.Conn) {
	t.Helper()
	link, conns := serialBridge(t)
	d, err := Dial(link)
	require.NoError(t, err)

	var peer net.Conn
	select {
	case peer = <-conns:
	case <-time.After(time.Second):
		t.Fatal("no connection on bridge")
	}
	t.Cleanup(func() { peer.Close() })
	return d, peer
}

func TestDeviceLines(t *testing.T) {
	d, peer := dialBridge(t)
	defer d.Close()

	_, err := d.Write(Encode(NewCalibrate()))
	require.NoError(t, err)
	cmd, err := bufio.NewReader(peer).ReadString('\r')
	require.NoError(t, err)
	assert.Equal(t, "CA\r", cmd)

	_, err = peer.Write([]byte("0\n\r1.5e-09\n\rSRSRGA"))
	require.NoError(t, err)
	_, err = peer.Write([]byte("200VER0.24SN19436\n\r"))
	require.NoError(t, err)

	l, err := d.ReadLine(time.Second)
	require.NoError(t, err)
	r, err := Decode(l, ReplyStatus)
	require.NoError(t, err)
	assert.Equal(t, byte(0), r.Status)

	l, err = d.ReadLine(time.Second)
	require.NoError(t, err)
	r, err = Decode(l, ReplyValue)
	require.NoError(t, err)
	assert.Equal(t, 1.5e-9, r.Value)

	l, err = d.ReadLine(time.Second)
	require.NoError(t, err)
	r, err = Decode(l, ReplyText)
	require.NoError(t, err)
	assert.Equal(t, "SRSRGA200VER0.24SN19436", r.Text)
}

func TestDeviceTimeout(t *testing.T) {
	d, _ := dialBridge(t)
	defer d.Close()

	start := time.Now()
	_, err := d.ReadLine(20 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, isTimeout(err))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// a timeout is not sticky
	_, err = d.ReadLine(time.Millisecond)
	assert.True(t, isTimeout(err))
}

func TestDeviceDrain(t *testing.T) {
	d, peer := dialBridge(t)
	defer d.Close()

	_, err := peer.Write([]byte("1\n\r2\n\r"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(d.lines) == 2 }, time.Second, time.Millisecond)

	require.NoError(t, d.Drain(0))
	_, err = d.ReadLine(10 * time.Millisecond)
	assert.True(t, isTimeout(err))
}

func TestDeviceDrainSettles(t *testing.T) {
	d, peer := dialBridge(t)
	defer d.Close()

	go func() {
		time.Sleep(30 * time.Millisecond)
		peer.Write([]byte("4\n\r"))
	}()
	start := time.Now()
	require.NoError(t, d.Drain(100*time.Millisecond))
	// quiet for a full window after the late line
	assert.GreaterOrEqual(t, time.Since(start), 130*time.Millisecond)
	_, err := d.ReadLine(10 * time.Millisecond)
	assert.True(t, isTimeout(err))
}

func TestDeviceDrainNeverSettles(t *testing.T) {
	d, peer := dialBridge(t)
	defer d.Close()

	go func() {
		for i := 0; i < 2*maxDrain; i++ {
			if _, err := peer.Write([]byte("0\n\r")); err != nil {
				return
			}
		}
	}()
	assert.ErrorIs(t, d.Drain(time.Second), ErrTransport)
}

// answer plays an RGA head on the bridge, delaying the replies listed in late
func answer(peer net.Conn, replies map[string]string, late map[string]time.Duration) {
	go func() {
		r := bufio.NewReader(peer)
		for {
			cmd, err := r.ReadString('\r')
			if err != nil {
				return
			}
			cmd = strings.TrimSuffix(cmd, "\r")
			reply, ok := replies[cmd]
			if !ok {
				continue
			}
			go func(delay time.Duration) {
				time.Sleep(delay)
				peer.Write([]byte(reply + "\n\r"))
			}(late[cmd])
		}
	}()
}

func TestSessionIgnoresLateReply(t *testing.T) {
	d, peer := dialBridge(t)
	answer(peer, map[string]string{
		"ID?": "SRSRGA200VER0.24SN19436",
		"MO?": "1",
		"FL?": "0",
		"NF?": "4",
		"EE?": "70",
	}, map[string]time.Duration{"NF?": 150 * time.Millisecond})

	log, _ := test.NewNullLogger()
	s := New(d, WithLogger(log), WithTimeout(100*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))
	defer s.Close()

	_, err := s.Get(ctx, "noise_floor")
	require.ErrorIs(t, err, ErrDeviceTimeout)

	// the noise floor answer arrives while the session waits for quiet
	v, err := s.Get(ctx, "electron_energy")
	require.NoError(t, err)
	assert.Equal(t, 70.0, v)
	v, err = s.Get(ctx, "electron_energy")
	require.NoError(t, err)
	assert.Equal(t, 70.0, v)
	assert.Equal(t, 70.0, s.Snapshot().Values["electron_energy"])
}

func TestDeviceClose(t *testing.T) {
	d, peer := dialBridge(t)

	require.NoError(t, d.Close())
	_, err := d.ReadLine(time.Second)
	assert.ErrorIs(t, err, io.EOF)
	_, err = d.Write([]byte("ID?\r"))
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, d.Close(), io.ErrClosedPipe)

	// the bridge sees the hangup
	peer.SetReadDeadline(time.Now().Add(time.Second))
	_, err = peer.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestDevicePeerHangup(t *testing.T) {
	d, peer := dialBridge(t)
	defer d.Close()

	require.NoError(t, peer.Close())
	_, err := d.ReadLine(time.Second)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, isTimeout(err))

	// the read error sticks until Reconnect
	_, err = d.ReadLine(time.Millisecond)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDeviceBadLink(t *testing.T) {
	_, err := Dial("modbus://localhost:502")
	assert.Error(t, err)
}
