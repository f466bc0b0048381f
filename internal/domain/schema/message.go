package schema

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/pricewatch/errs"
)

// MessageType enumerates inbound stream message kinds.
type MessageType string

const (
	// MessageTrade carries one or more trade prints.
	MessageTrade MessageType = "trade"
	// MessageConnected acknowledges the stream session.
	MessageConnected MessageType = "connected"
	// MessageError carries a server side error description.
	MessageError MessageType = "error"
	// MessagePing is a keepalive.
	MessagePing MessageType = "ping"
)

// StreamMessage is a decoded inbound frame.
type StreamMessage struct {
	Type    MessageType
	Trades  []Quote
	Message string
	// Skipped counts invalid entries dropped from a batched trade frame.
	Skipped int
}

type wireTrade struct {
	Symbol    string   `json:"s"`
	Price     float64  `json:"p"`
	Timestamp int64    `json:"t"`
	Volume    *float64 `json:"v,omitempty"`
}

type wireMessage struct {
	Type      string      `json:"type"`
	Symbol    string      `json:"symbol,omitempty"`
	Price     *float64    `json:"price,omitempty"`
	Timestamp *int64      `json:"timestamp,omitempty"`
	Message   string      `json:"message,omitempty"`
	Msg       string      `json:"msg,omitempty"`
	Data      []wireTrade `json:"data,omitempty"`
}

// ParseStreamMessage decodes a raw frame. Both the flat form
// {type, symbol, price, timestamp} and the batched form {type, data:[{s,p,t}]}
// are accepted; timestamps are unix milliseconds. Invalid entries of a batch
// are skipped; the batch fails only when none is valid.
func ParseStreamMessage(raw []byte) (StreamMessage, error) {
	var wire wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return StreamMessage{}, errs.New("schema/message", errs.CodeInvalid, errs.WithMessage("malformed frame"), errs.WithCause(err))
	}
	msgType := MessageType(strings.ToLower(strings.TrimSpace(wire.Type)))
	switch msgType {
	case MessageConnected, MessagePing:
		return StreamMessage{Type: msgType}, nil
	case MessageError:
		text := wire.Message
		if text == "" {
			text = wire.Msg
		}
		return StreamMessage{Type: msgType, Message: strings.TrimSpace(text)}, nil
	case MessageTrade:
	default:
		return StreamMessage{}, errs.Invalid("schema/message", "unknown message type", errs.WithField("type", wire.Type))
	}

	out := StreamMessage{Type: MessageTrade}
	if len(wire.Data) > 0 {
		out.Trades = make([]Quote, 0, len(wire.Data))
		var firstErr error
		for _, trade := range wire.Data {
			q, err := tradeQuote(trade.Symbol, trade.Price, trade.Timestamp)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				out.Skipped++
				continue
			}
			out.Trades = append(out.Trades, q)
		}
		if len(out.Trades) == 0 {
			return StreamMessage{}, firstErr
		}
		return out, nil
	}
	if wire.Price == nil {
		return StreamMessage{}, errs.Invalid("schema/message", "trade without price", errs.WithSymbol(wire.Symbol))
	}
	var ts int64
	if wire.Timestamp != nil {
		ts = *wire.Timestamp
	}
	q, err := tradeQuote(wire.Symbol, *wire.Price, ts)
	if err != nil {
		return StreamMessage{}, err
	}
	out.Trades = []Quote{q}
	return out, nil
}

func tradeQuote(symbol string, price float64, tsMillis int64) (Quote, error) {
	if err := ValidateSymbol(symbol); err != nil {
		return Quote{}, err
	}
	q := Quote{
		Symbol: NormalizeSymbol(symbol),
		Price:  price,
		Source: SourceStream,
	}
	if tsMillis > 0 {
		q.Timestamp = time.UnixMilli(tsMillis).UTC()
	}
	if err := q.Validate(); err != nil {
		return Quote{}, err
	}
	return q, nil
}
