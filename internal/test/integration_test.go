package test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"math/rand"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cbeuw/connutil"
	"github.com/linkmux/linkmux/internal/common"
	"github.com/linkmux/linkmux/internal/config"
	mux "github.com/linkmux/linkmux/internal/multiplex"
	"github.com/linkmux/linkmux/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	log "github.com/sirupsen/logrus"
)

const numSessions = 20

const testKey = "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="

type echoParams struct {
	Text string `cbor:"text"`
}

type digestParams struct {
	Sum []byte `cbor:"sum"`
	Len int    `cbor:"len"`
}

func processConfig(t testing.TB, ssv string) config.Config {
	raw, err := config.ParseConfig(ssv)
	require.NoError(t, err)
	cfg, err := raw.Process(common.RealWorldState)
	require.NoError(t, err)
	return cfg
}

// serveSession answers Echo and reports a digest of every bulk message it receives as a
// notification
func serveSession(sesh *mux.Session, cfg config.Config) {
	conn, err := rpc.NewConn(sesh, cfg.RPC)
	if err != nil {
		log.Error(err)
		return
	}
	conn.Handle("Echo", func(req *rpc.Message) (interface{}, error) {
		var p echoParams
		err := req.Decode(&p)
		return p, err
	})

	bulk, err := sesh.OpenStream(mux.ServiceBulkData)
	if err != nil {
		log.Error(err)
		return
	}
	for {
		msg, err := bulk.ReadMessage()
		if err != nil {
			return
		}
		sum := sha256.Sum256(msg)
		if err := conn.Notify(context.Background(), "BulkDigest", digestParams{Sum: sum[:], Len: len(msg)}); err != nil {
			return
		}
	}
}

func serveResponder(l net.Listener, cfg config.Config) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go serveTransport(conn, cfg)
	}
}

func serveTransport(conn mux.Transport, cfg config.Config) {
	mc := cfg.Multiplexer
	mc.AcceptSessions = true
	m := mux.MakeMultiplexer(conn, mc)
	for {
		sesh, err := m.Accept(context.Background())
		if err != nil {
			return
		}
		go serveSession(sesh, cfg)
	}
}

func runSession(t testing.TB, m *mux.Multiplexer, cfg config.Config, bulkLen int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sesh, err := m.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer sesh.Close()

	conn, err := rpc.NewConn(sesh, cfg.RPC)
	if err != nil {
		return err
	}
	digests := make(chan digestParams, 1)
	conn.OnNotification(func(msg *rpc.Message) {
		var d digestParams
		if err := msg.Decode(&d); err == nil && msg.Name == "BulkDigest" {
			digests <- d
		}
	})

	text := strings.Repeat("echo ", rand.Intn(500))
	resp, err := conn.Call(ctx, "Echo", echoParams{Text: text})
	if err != nil {
		return fmt.Errorf("calling Echo: %w", err)
	}
	var p echoParams
	if err := resp.Decode(&p); err != nil {
		return err
	}
	if p.Text != text {
		return fmt.Errorf("echoed text differs")
	}

	data := make([]byte, bulkLen)
	rand.Read(data)
	bulk, err := sesh.OpenStream(mux.ServiceBulkData)
	if err != nil {
		return err
	}
	if err := bulk.SendFrom(ctx, bytes.NewReader(data)).Wait(ctx); err != nil {
		return fmt.Errorf("sending bulk data: %w", err)
	}
	select {
	case d := <-digests:
		sum := sha256.Sum256(data)
		if d.Len != bulkLen || !bytes.Equal(d.Sum, sum[:]) {
			return fmt.Errorf("bulk data corrupted")
		}
	case <-ctx.Done():
		return fmt.Errorf("no digest received: %w", ctx.Err())
	}
	return nil
}

func runSessions(t *testing.T, m *mux.Multiplexer, cfg config.Config) {
	var wg sync.WaitGroup
	for i := 0; i < numSessions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// we cannot call t.Fatalf in concurrent contexts
			if err := runSession(t, m, cfg, rand.Intn(200*1024)); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
}

func TestPipe(t *testing.T) {
	log.SetLevel(log.ErrorLevel)

	for name, ssv := range map[string]string{
		"plain":             "Addr=pipe;",
		"aes-gcm":           "Addr=pipe;EncryptionMethod=aes-gcm;Key=" + testKey,
		"chacha20-poly1305": "Addr=pipe;EncryptionMethod=chacha20-poly1305;Key=" + testKey + ";MaxFrameSize=512",
		"legacy":            "Addr=pipe;MaxProtocolVersion=0",
		"extended":          "Addr=pipe;MaxProtocolVersion=2;MaxFrameSize=16000;QueueDepth=4",
	} {
		t.Run(name, func(t *testing.T) {
			cfg := processConfig(t, ssv)
			dialer, l := connutil.DialerListener(10 * 1024)
			defer l.Close()
			go serveResponder(l, cfg)

			conn, err := common.DialTransport(dialer, "tcp", cfg.Addr)
			require.NoError(t, err)
			m := mux.MakeMultiplexer(conn, cfg.Multiplexer)
			defer m.Close()

			runSessions(t, m, cfg)
			assert.Empty(t, m.Stats(), "every session should be closed")
			assert.Positive(t, m.GetTx())
			assert.Positive(t, m.GetRx())
		})
	}
}

func TestWebSocket(t *testing.T) {
	log.SetLevel(log.ErrorLevel)

	cfg := processConfig(t, "Addr=ws;Transport=websocket;EncryptionMethod=aes-gcm;Key="+testKey)
	handler := common.NewWsAcceptHandler()
	srv := httptest.NewServer(handler)
	defer srv.Close()
	go func() {
		for conn := range handler.Conns() {
			go serveTransport(conn, cfg)
		}
	}()

	conn, err := common.DialTransport(&net.Dialer{}, cfg.Transport, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	m := mux.MakeMultiplexer(conn, cfg.Multiplexer)
	defer m.Close()

	runSessions(t, m, cfg)
}

func TestRateLimit(t *testing.T) {
	log.SetLevel(log.ErrorLevel)

	const rate = 64 * 1024
	cfg := processConfig(t, fmt.Sprintf("Addr=pipe;RateLimit=%v", rate))
	dialer, l := connutil.DialerListener(10 * 1024)
	defer l.Close()
	go serveResponder(l, processConfig(t, "Addr=pipe;"))

	conn, err := common.DialTransport(dialer, "tcp", cfg.Addr)
	require.NoError(t, err)
	m := mux.MakeMultiplexer(conn, cfg.Multiplexer)
	defer m.Close()

	start := time.Now()
	require.NoError(t, runSession(t, m, cfg, 3*rate))
	// the bucket starts full, so a little over two seconds' worth of tokens must be waited for
	assert.Greater(t, time.Since(start), time.Second)
}

func TestClosingTransport(t *testing.T) {
	log.SetLevel(log.ErrorLevel)

	cfg := processConfig(t, "Addr=pipe;")
	dialer, l := connutil.DialerListener(10 * 1024)
	defer l.Close()
	go serveResponder(l, cfg)

	conn, err := common.DialTransport(dialer, "tcp", cfg.Addr)
	require.NoError(t, err)
	m := mux.MakeMultiplexer(conn, cfg.Multiplexer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sesh, err := m.StartSession(ctx)
	require.NoError(t, err)
	rpcConn, err := rpc.NewConn(sesh, cfg.RPC)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	_, err = rpcConn.Call(ctx, "Echo", echoParams{Text: "too late"})
	assert.Error(t, err)
	assert.True(t, sesh.IsClosed())
}

func BenchmarkIntegration(b *testing.B) {
	log.SetLevel(log.ErrorLevel)

	for _, method := range []string{"plain", "aes-gcm", "chacha20-poly1305"} {
		b.Run(method, func(b *testing.B) {
			cfg := processConfig(b, "Addr=pipe;MaxFrameSize=16000;EncryptionMethod="+method+";Key="+testKey)
			dialer, l := connutil.DialerListener(10 * 1024)
			defer l.Close()
			go serveResponder(l, cfg)

			conn, _ := common.DialTransport(dialer, "tcp", cfg.Addr)
			m := mux.MakeMultiplexer(conn, cfg.Multiplexer)
			defer m.Close()

			const bulkLen = 1024 * 1024
			b.SetBytes(bulkLen)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := runSession(b, m, cfg, bulkLen); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
