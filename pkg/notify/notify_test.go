package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-relayer/pkg/db"
	"github.com/chainsafe/bridge-relayer/pkg/pgutil"
)

func TestMessages(t *testing.T) {
	ok := Success(db.ActionMint, "0xsrc", "0xdst")
	assert.Equal(t, MintSuccess, ok.Type)

	data, err := json.Marshal(ok)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"MINT_SUCCESS","data":{"targetToTxHash":"0xdst","sourceFromTxHash":"0xsrc"}}`, string(data))

	failed := Failure(db.ActionUnlock, "0xsrc", errors.New("insufficient funds"))
	assert.Equal(t, UnlockFailed, failed.Type)
	assert.Equal(t, "insufficient funds", failed.Data.Error)

	assert.Equal(t, UnlockSuccess, Success(db.ActionUnlock, "", "").Type)
	assert.Equal(t, MintFailed, Failure(db.ActionMint, "", nil).Type)
}

type recordingNotifier struct {
	got []string
	err error
}

func (r *recordingNotifier) Notify(_ context.Context, address string, msg Message) error {
	r.got = append(r.got, address+":"+string(msg.Type))
	return r.err
}

func TestMulti(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{err: errors.New("down")}
	c := &recordingNotifier{}

	err := Multi{a, b, c}.Notify(context.Background(), "0xabc", Message{Type: MintSuccess})
	assert.Error(t, err)
	assert.Equal(t, []string{"0xabc:MINT_SUCCESS"}, a.got)
	assert.Equal(t, []string{"0xabc:MINT_SUCCESS"}, c.got, "one failing notifier does not block the others")

	assert.NoError(t, Nop{}.Notify(context.Background(), "", Message{}))
}

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHub_DeliversByAddress(t *testing.T) {
	hub := NewHub(zap.NewNop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	alice := dialHub(t, srv, "?address=0xAbC0000000000000000000000000000000000001")
	bob := dialHub(t, srv, "?address=0xdef0000000000000000000000000000000000002")
	require.Eventually(t, func() bool {
		return hub.Connected("0xabc0000000000000000000000000000000000001") == 1 &&
			hub.Connected("0xDEF0000000000000000000000000000000000002") == 1
	}, 2*time.Second, 10*time.Millisecond)

	err := hub.Notify(context.Background(), "0xABC0000000000000000000000000000000000001",
		Success(db.ActionMint, "0x01", "0x02"))
	require.NoError(t, err)

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := alice.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, MintSuccess, msg.Type)
	assert.Equal(t, "0x02", msg.Data.TargetTxHash)

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = bob.ReadMessage()
	assert.Error(t, err, "other addresses receive nothing")

	assert.NoError(t, hub.Notify(context.Background(), "0xnobody", Message{Type: MintFailed}))
}

func TestHub_MissingAddress(t *testing.T) {
	hub := NewHub(zap.NewNop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv, "")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestHub_UnregistersOnDisconnect(t *testing.T) {
	hub := NewHub(zap.NewNop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv, "?address=0xabc")
	require.Eventually(t, func() bool { return hub.Connected("0xabc") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Connected("0xabc") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_SlowClientDoesNotBlockNotify(t *testing.T) {
	hub := NewHub(zap.NewNop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	// never reads, so its socket and queue fill up
	dialHub(t, srv, "?address=0xabc")
	require.Eventually(t, func() bool { return hub.Connected("0xabc") == 1 }, 2*time.Second, 10*time.Millisecond)

	big := Failure(db.ActionMint, "0x01", errors.New(strings.Repeat("x", 64*1024)))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_ = hub.Notify(context.Background(), "0xabc", big)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Notify blocked on a slow client")
	}
	assert.Eventually(t, func() bool { return hub.Connected("0xabc") == 0 }, 2*time.Second, 10*time.Millisecond,
		"a client whose queue overflows is dropped")
}

func TestHub_ReapsUnresponsiveClient(t *testing.T) {
	hub := NewHub(zap.NewNop(), WithKeepalive(200*time.Millisecond))
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	// gorilla answers pings only while the application reads
	alive := dialHub(t, srv, "?address=0xalive")
	go func() {
		for {
			if _, _, err := alive.ReadMessage(); err != nil {
				return
			}
		}
	}()
	dialHub(t, srv, "?address=0xsilent")

	require.Eventually(t, func() bool {
		return hub.Connected("0xalive") == 1 && hub.Connected("0xsilent") == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return hub.Connected("0xsilent") == 0 }, 2*time.Second, 20*time.Millisecond)
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, hub.Connected("0xalive"), "a client answering pings stays connected")
}

func TestRedisPublisher(t *testing.T) {
	pgutil.RequireDocker(t)
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	pub, err := NewRedisPublisher(fmt.Sprintf("redis://%s/0", endpoint), "bridge:notify:")
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.Ping(ctx))

	sub := redis.NewClient(&redis.Options{Addr: endpoint})
	defer sub.Close()
	ps := sub.Subscribe(ctx, pub.Channel("0xABC"))
	defer ps.Close()
	_, err = ps.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, pub.Notify(ctx, "0xAbc", Success(db.ActionUnlock, "0x01", "0x02")))

	select {
	case m := <-ps.Channel():
		assert.Equal(t, "bridge:notify:0xabc", m.Channel)
		var msg Message
		require.NoError(t, json.Unmarshal([]byte(m.Payload), &msg))
		assert.Equal(t, UnlockSuccess, msg.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no message published")
	}
}
