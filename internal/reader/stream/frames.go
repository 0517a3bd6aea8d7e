package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"priceflow/internal/models"
)

// The push feed speaks two frame shapes: JSON objects for control traffic
// (heartbeat, systemStatus, subscriptionStatus, pong) and JSON arrays for
// channel data. A ticker frame is [channelID, payload, "ticker", pair].

type controlFrame struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	Pair         string `json:"pair"`
	ChannelName  string `json:"channelName"`
	ErrorMessage string `json:"errorMessage"`
	ReqID        int64  `json:"reqid"`
}

type subscribeRequest struct {
	Event        string       `json:"event"`
	Pair         []string     `json:"pair"`
	Subscription subscription `json:"subscription"`
}

type subscription struct {
	Name string `json:"name"`
}

// tickerPayload mirrors the exchange's ticker channel payload. Each field is
// an array of strings; index 1 of v/h/l/o holds the rolling 24h figure.
type tickerPayload struct {
	Ask    []json.Number `json:"a"`
	Bid    []json.Number `json:"b"`
	Close  []json.Number `json:"c"`
	Volume []json.Number `json:"v"`
	High   []json.Number `json:"h"`
	Low    []json.Number `json:"l"`
	Open   []json.Number `json:"o"`
}

// parseFrame classifies a raw websocket message. It returns the control
// event name for object frames, or the pair and payload for ticker frames.
// Malformed messages return an error and must be dropped by the caller.
func parseFrame(msg []byte) (event string, pair string, payload *tickerPayload, err error) {
	if len(msg) == 0 {
		return "", "", nil, fmt.Errorf("empty frame")
	}

	if msg[0] == '{' {
		var ctl controlFrame
		if err := json.Unmarshal(msg, &ctl); err != nil {
			return "", "", nil, fmt.Errorf("malformed control frame: %w", err)
		}
		if ctl.Event == "" {
			return "", "", nil, fmt.Errorf("control frame without event")
		}
		return ctl.Event, ctl.Pair, nil, nil
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(msg, &parts); err != nil {
		return "", "", nil, fmt.Errorf("malformed data frame: %w", err)
	}
	if len(parts) < 4 {
		return "", "", nil, fmt.Errorf("data frame with %d elements", len(parts))
	}

	var channel string
	if err := json.Unmarshal(parts[2], &channel); err != nil {
		return "", "", nil, fmt.Errorf("data frame channel name: %w", err)
	}
	if channel != "ticker" {
		// other channels are not subscribed; ignore defensively
		return "", "", nil, fmt.Errorf("unexpected channel %q", channel)
	}

	if err := json.Unmarshal(parts[3], &pair); err != nil {
		return "", "", nil, fmt.Errorf("data frame pair: %w", err)
	}

	var tk tickerPayload
	if err := json.Unmarshal(parts[1], &tk); err != nil {
		return "", "", nil, fmt.Errorf("ticker payload: %w", err)
	}
	return "", pair, &tk, nil
}

func numAt(vals []json.Number, i int) float64 {
	if i >= len(vals) {
		return 0
	}
	f, err := strconv.ParseFloat(vals[i].String(), 64)
	if err != nil {
		return 0
	}
	return f
}

// toUpdate converts a ticker payload into a PriceUpdate for the given
// canonical symbol. The 24h change is derived from the rolling 24h open.
func (tk *tickerPayload) toUpdate(symbol models.Symbol, now time.Time) models.PriceUpdate {
	price := numAt(tk.Close, 0)
	open24 := numAt(tk.Open, 1)
	changePct := 0.0
	if open24 > 0 {
		changePct = (price - open24) / open24 * 100
	}
	return models.PriceUpdate{
		Symbol:       symbol,
		Price:        price,
		Timestamp:    now,
		Volume:       numAt(tk.Volume, 1),
		Bid:          numAt(tk.Bid, 0),
		Ask:          numAt(tk.Ask, 0),
		High24h:      numAt(tk.High, 1),
		Low24h:       numAt(tk.Low, 1),
		ChangePct24h: changePct,
		Source:       models.SourceStreaming,
		QualityScore: models.QualityStreaming,
	}
}
