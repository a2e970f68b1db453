package telemetry

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/chele-s/ecosort-core/internal/model"
)

func TestWebSocketBroadcasterDeliversPublishedEvents(t *testing.T) {
	bus := NewBus(nil, zap.NewNop())
	wb := NewWebSocketBroadcaster(bus, zap.NewNop())

	srv := httptest.NewServer(wb)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { wb.Run(ctx); close(done) }()

	wsURL := "ws" + srv.URL[len("http"):]
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.CloseNow()

	// Give the connection a moment to register before publishing.
	time.Sleep(20 * time.Millisecond)
	bus.BinChanged(model.Bin{Category: model.CategoryMetal, FillFraction: 0.5})

	readCtx, readCancel := context.WithTimeout(ctx, time.Second)
	defer readCancel()
	_, data, err := c.Read(readCtx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty broadcast payload")
	}

	cancel()
	<-done
}
