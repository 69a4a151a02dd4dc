package trade

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"

	"github.com/atmx/pool-markets/internal/model"
)

func TestMessageFor(t *testing.T) {
	who := common.HexToAddress("0x000000000000000000000000000000000000a11c")
	price := uint64(60)
	msg := messageFor(model.Event{
		MarketID:    "m1",
		Seq:         4,
		Type:        model.EventStaked,
		Participant: &who,
		Side:        model.SideYes,
		Amount:      uint256.NewInt(50),
		Shares:      uint256.NewInt(34),
		Price:       &price,
	})

	if msg.Type != "stake_placed" || msg.Seq != 4 || msg.Side != "YES" {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.Amount != "50" || msg.Shares != "34" || *msg.PriceYes != 60 {
		t.Errorf("unexpected amounts %+v", msg)
	}
	if msg.Participant != who.Hex() || msg.Outcome != "" {
		t.Errorf("unexpected participant/outcome %+v", msg)
	}
}

func TestWSHub_BroadcastsPublishedEvents(t *testing.T) {
	hub := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ev := model.Event{MarketID: "m1", Seq: 1, Type: model.EventCancelled}

	// Registration is asynchronous.
	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.mu.RLock()
		n := len(hub.clients)
		hub.mu.RUnlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := hub.Publish(context.Background(), []model.Event{ev}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got WSMessage
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != "market_cancelled" || got.MarketID != "m1" {
		t.Fatalf("expected cancellation frame, got %+v", got)
	}
}
