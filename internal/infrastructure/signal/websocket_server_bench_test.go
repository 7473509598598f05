package signal

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"ringline/internal/core/domain"
)

// BenchmarkWebSocketServer_Relay measures offer round trips through the
// relay with many pairs of users signalling at once.
func BenchmarkWebSocketServer_Relay(b *testing.B) {
	for _, pairs := range []int{1, 10, 50} {
		b.Run(fmt.Sprintf("pairs=%d", pairs), func(b *testing.B) {
			benchmarkRelay(b, pairs)
		})
	}
}

func benchmarkRelay(b *testing.B, pairs int) {
	f := newRelayFixture(b, ServerConfig{MessagesPerSecond: 1e6, Burst: 1 << 20})

	dial := func(user domain.UserID, device domain.DeviceID) *websocket.Conn {
		token, err := f.auth.GenerateToken(user, device)
		require.NoError(b, err)
		conn, _, err := websocket.DefaultDialer.Dial(f.url()+"?token="+token, nil)
		require.NoError(b, err)
		b.Cleanup(func() { conn.Close() })
		return conn
	}

	type pair struct {
		caller, callee *websocket.Conn
		from, to       domain.UserID
	}
	conns := make([]pair, pairs)
	for i := range conns {
		from := domain.UserID(fmt.Sprintf("caller-%d", i))
		to := domain.UserID(fmt.Sprintf("callee-%d", i))
		conns[i] = pair{
			caller: dial(from, domain.DeviceID(from+"-phone")),
			callee: dial(to, domain.DeviceID(to+"-phone")),
			from:   from,
			to:     to,
		}
	}
	for f.server.ConnectionCount() < 2*pairs {
		time.Sleep(time.Millisecond)
	}

	perPair := b.N/pairs + 1
	b.ResetTimer()

	var wg sync.WaitGroup
	for _, p := range conns {
		wg.Add(1)
		go func(p pair) {
			defer wg.Done()
			msg := offer(p.from, p.to)
			for i := 0; i < perPair; i++ {
				if err := p.caller.WriteJSON(msg); err != nil {
					b.Error(err)
					return
				}
				if _, _, err := p.callee.ReadMessage(); err != nil {
					b.Error(err)
					return
				}
			}
		}(p)
	}
	wg.Wait()
}
