package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"bybit-basis-sim/internal/bybit/ws"
	"bybit-basis-sim/internal/market"

	"go.uber.org/zap"
)

// TickerFeed owns one public ticker subscription and is the only writer of
// its Book. On any transport drop the book is reset to unknown so the
// control loop stops trading on stale prices.
type TickerFeed struct {
	client *ws.Client
	book   *market.Book
	symbol string
	name   string
	log    *zap.Logger
}

func NewTickerFeed(client *ws.Client, book *market.Book, symbol, name string, log *zap.Logger) *TickerFeed {
	return &TickerFeed{client: client, book: book, symbol: symbol, name: name, log: log}
}

// Start subscribes and runs the read loop until ctx is cancelled. Transport
// failures are retried inside the ws client and never returned as fatal.
func (f *TickerFeed) Start(ctx context.Context) error {
	f.client.OnDisconnect(func() {
		f.book.Reset()
		f.log.Info("feed disconnected, quote reset", zap.String("feed", f.name))
	})
	if err := f.client.Connect(ctx); err != nil {
		f.log.Warn("initial feed connect failed", zap.String("feed", f.name), zap.Error(err))
	}
	sub := map[string]any{"op": "subscribe", "args": []string{"tickers." + f.symbol}}
	if err := f.client.Subscribe(ctx, sub); err != nil {
		f.log.Warn("feed subscribe deferred to reconnect", zap.String("feed", f.name), zap.Error(err))
	}
	go func() {
		_ = f.client.Run(ctx, f.handleMessage)
	}()
	return nil
}

type tickerMessage struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// tickerData mirrors the fields of a Bybit V5 ticker we consume. Bybit
// sends numbers as strings; an empty string means the field was absent.
type tickerData struct {
	Bid1Price       string `json:"bid1Price"`
	Ask1Price       string `json:"ask1Price"`
	LastPrice       string `json:"lastPrice"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

func (f *TickerFeed) handleMessage(msg json.RawMessage) {
	var envelope tickerMessage
	if err := json.Unmarshal(msg, &envelope); err != nil {
		f.log.Debug("feed decode failed", zap.String("feed", f.name), zap.Error(err))
		return
	}
	// Subscription acks and pong frames carry no topic.
	if !strings.HasPrefix(envelope.Topic, "tickers.") {
		return
	}
	for _, item := range decodeTickerData(envelope.Data) {
		update, ok := tickerUpdate(item)
		if !ok {
			continue
		}
		f.book.Apply(update)
	}
}

func decodeTickerData(raw json.RawMessage) []tickerData {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '[' {
		var items []tickerData
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil
		}
		return items
	}
	var item tickerData
	if err := json.Unmarshal(trimmed, &item); err != nil {
		return nil
	}
	return []tickerData{item}
}

func tickerUpdate(data tickerData) (market.Update, bool) {
	var update market.Update
	present := false
	if v, ok := parsePrice(data.Bid1Price); ok {
		update.Bid = v
		update.HasBid = true
		present = true
	}
	if v, ok := parsePrice(data.Ask1Price); ok {
		update.Ask = v
		update.HasAsk = true
		present = true
	}
	if v, ok := parsePrice(data.LastPrice); ok {
		update.Last = v
		update.HasLast = true
		present = true
	}
	if v, ok := parsePrice(data.FundingRate); ok {
		update.FundingRate = v
		update.HasFunding = true
		present = true
	}
	if ms, ok := parseMillis(data.NextFundingTime); ok {
		update.NextFunding = time.UnixMilli(ms).UTC()
		update.HasNextFunding = true
		present = true
	}
	return update, present
}

func parsePrice(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseMillis(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
