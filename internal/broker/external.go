package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nitinkhare/tradingcore/internal/barfeed"
)

// ExternalConfig configures a brokerage connection. The wire protocol
// itself is informative only (spec §4.8) — these fields are the minimal
// generic shape any REST/websocket brokerage needs: a base URL for
// order-management calls and a websocket URL for bar/fill streaming.
type ExternalConfig struct {
	BaseURL      string
	WebsocketURL string
	APIKey       string
	DialTimeout  time.Duration
	HTTPTimeout  time.Duration
}

// ExternalBroker adapts a live brokerage to the Broker contract. Bars and
// fills arrive on the websocket read-pump goroutine — a thread foreign to
// the decision thread — exactly as spec §4.8 describes for a real
// brokerage; the coordinator must treat these callback invocations as
// async.
type ExternalBroker struct {
	cfg    ExternalConfig
	client *http.Client

	mu     sync.Mutex
	conn   *websocket.Conn
	onBar  OnBarFunc
	onFill OnFillFunc
	done   chan struct{}
}

// NewExternalBroker creates an ExternalBroker. Dialing happens in Start,
// not here, so construction never blocks on network I/O.
func NewExternalBroker(cfg ExternalConfig) *ExternalBroker {
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	return &ExternalBroker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

func (e *ExternalBroker) OnBar(fn OnBarFunc)   { e.onBar = fn }
func (e *ExternalBroker) OnFill(fn OnFillFunc) { e.onFill = fn }

func (e *ExternalBroker) SubscribeBars(symbols []string, timeframes []time.Duration) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("broker: not started")
	}
	return conn.WriteJSON(subscribeRequest{Symbols: symbols, TimeframesMs: durationsToMillis(timeframes)})
}

// Start dials the brokerage's websocket endpoint and begins a read pump
// on its own goroutine, dispatching streamMessage frames to onBar/onFill.
func (e *ExternalBroker) Start(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: e.cfg.DialTimeout}
	header := http.Header{}
	if e.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
	conn, _, err := dialer.DialContext(ctx, e.cfg.WebsocketURL, header)
	if err != nil {
		return fmt.Errorf("broker: dial %s: %w", e.cfg.WebsocketURL, err)
	}

	e.mu.Lock()
	e.conn = conn
	e.done = make(chan struct{})
	e.mu.Unlock()

	go e.readPump()
	return nil
}

// readPump runs on its own goroutine for the lifetime of the connection.
// Every message it decodes is dispatched on this goroutine — never the
// decision thread — matching the thread-foreign callback model of
// spec §4.8/§5.
func (e *ExternalBroker) readPump() {
	e.mu.Lock()
	conn := e.conn
	done := e.done
	e.mu.Unlock()

	defer close(done)
	for {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "bar":
			if e.onBar != nil && msg.Bar != nil {
				e.onBar(msg.Bar.Symbol, *msg.Bar)
			}
		case "fill":
			if e.onFill != nil && msg.Fill != nil {
				e.onFill(*msg.Fill)
			}
		}
	}
}

// Stop closes the websocket connection and waits for the read pump to
// exit or ctx to expire.
func (e *ExternalBroker) Stop(ctx context.Context) error {
	e.mu.Lock()
	conn := e.conn
	done := e.done
	e.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = conn.Close()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit posts the order to the brokerage's REST order endpoint. The
// brokerage is expected to de-duplicate retries on ClientOrderID (spec
// §4.8); this call may be retried safely.
func (e *ExternalBroker) Submit(ctx context.Context, order barfeed.Order) (string, error) {
	if err := order.Validate(); err != nil {
		return "", err
	}
	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := e.post(ctx, "/orders", order, &resp); err != nil {
		return "", err
	}
	return resp.OrderID, nil
}

func (e *ExternalBroker) Cancel(ctx context.Context, orderID string) error {
	return e.post(ctx, "/orders/"+orderID+"/cancel", nil, nil)
}

func (e *ExternalBroker) CancelAll(ctx context.Context) error {
	return e.post(ctx, "/orders/cancel_all", nil, nil)
}

// ReconcilePositions fetches the brokerage's authoritative position
// list, bounded by timeout.
func (e *ExternalBroker) ReconcilePositions(ctx context.Context, timeout time.Duration) (map[string]Position, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var resp struct {
		Positions []Position `json:"positions"`
	}
	if err := e.get(ctx, "/positions", &resp); err != nil {
		return nil, err
	}
	out := make(map[string]Position, len(resp.Positions))
	for _, p := range resp.Positions {
		out[p.Symbol] = p
	}
	return out, nil
}

func (e *ExternalBroker) post(ctx context.Context, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("broker: encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	return e.do(req, out)
}

func (e *ExternalBroker) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return e.do(req, out)
}

func (e *ExternalBroker) do(req *http.Request, out interface{}) error {
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("broker: request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("broker: %s returned status %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type subscribeRequest struct {
	Symbols      []string `json:"symbols"`
	TimeframesMs []int64  `json:"timeframes_ms"`
}

type streamMessage struct {
	Type string                    `json:"type"`
	Bar  *barfeed.Bar              `json:"bar,omitempty"`
	Fill *barfeed.ExecutionReport  `json:"fill,omitempty"`
}

func durationsToMillis(ds []time.Duration) []int64 {
	out := make([]int64, len(ds))
	for i, d := range ds {
		out[i] = d.Milliseconds()
	}
	return out
}
