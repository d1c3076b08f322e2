package processor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bookscope/internal/symbols"
	"bookscope/models"
)

const (
	messageTypeSnapshot = "snapshot"
	messageTypeDelta    = "delta"
)

// feedMessage is the wire form of every message on the canonical feed.
// Numeric fields are pointers so missing values can be told apart from zero.
type feedMessage struct {
	Type     string              `json:"type"`
	Symbol   string              `json:"symbol"`
	Seq      *uint64             `json:"seq"`
	Checksum uint32              `json:"checksum"`
	TS       string              `json:"ts"`
	Bids     [][]json.RawMessage `json:"bids"`
	Asks     [][]json.RawMessage `json:"asks"`
	Side     string              `json:"side"`
	Price    json.RawMessage     `json:"price"`
	Volume   json.RawMessage     `json:"volume"`
}

// Normalize parses a raw feed payload. It returns nil and no error for
// well-formed messages of a type the book does not consume, such as
// heartbeats or subscription acknowledgements.
func Normalize(raw []byte) (*models.BookEvent, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, parseErr("", "payload is not a JSON object", nil)
	}

	var msg feedMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, parseErr("", "invalid JSON", err)
	}

	kind := strings.ToLower(strings.TrimSpace(msg.Type))
	switch kind {
	case "":
		return nil, parseErr("type", "missing", nil)
	case messageTypeSnapshot, messageTypeDelta:
	default:
		return nil, nil
	}

	inst := models.Instrument(symbols.Canonical(msg.Symbol))
	if inst == "" {
		return nil, parseErr("symbol", "missing", nil)
	}
	if msg.Seq == nil {
		return nil, parseErr("seq", "missing", nil)
	}

	ts, err := parseTimestamp(msg.TS)
	if err != nil {
		return nil, err
	}

	event := &models.BookEvent{
		Instrument: inst,
		Sequence:   *msg.Seq,
		Checksum:   msg.Checksum,
		Timestamp:  ts,
	}

	if kind == messageTypeSnapshot {
		event.Kind = models.EventSnapshot
		if event.Bids, err = parseLevels("bids", msg.Bids); err != nil {
			return nil, err
		}
		if event.Asks, err = parseLevels("asks", msg.Asks); err != nil {
			return nil, err
		}
		return event, nil
	}

	event.Kind = models.EventDelta
	switch models.Side(strings.ToLower(msg.Side)) {
	case models.SideBid:
		event.Side = models.SideBid
	case models.SideAsk:
		event.Side = models.SideAsk
	default:
		return nil, parseErr("side", fmt.Sprintf("unknown side %q", msg.Side), nil)
	}
	if event.Price, err = parsePrice("price", msg.Price); err != nil {
		return nil, err
	}
	if event.Volume, err = parseVolume("volume", msg.Volume); err != nil {
		return nil, err
	}
	return event, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, parseErr("ts", "invalid timestamp", err)
	}
	return ts, nil
}

func parseLevels(field string, raw [][]json.RawMessage) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for i, pair := range raw {
		name := fmt.Sprintf("%s[%d]", field, i)
		if len(pair) < 2 {
			return nil, parseErr(name, "expected [price, volume]", nil)
		}
		price, err := parsePrice(name, pair[0])
		if err != nil {
			return nil, err
		}
		volume, err := parseVolume(name, pair[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, models.PriceLevel{Price: price, Volume: volume})
	}
	return levels, nil
}

func parsePrice(field string, raw json.RawMessage) (decimal.Decimal, error) {
	d, err := parseDecimal(field, raw)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, parseErr(field, "price must be positive", nil)
	}
	return d, nil
}

func parseVolume(field string, raw json.RawMessage) (decimal.Decimal, error) {
	d, err := parseDecimal(field, raw)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, parseErr(field, "volume must not be negative", nil)
	}
	return d, nil
}

// parseDecimal accepts both quoted and bare JSON numbers.
func parseDecimal(field string, raw json.RawMessage) (decimal.Decimal, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return decimal.Zero, parseErr(field, "missing", nil)
	}
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Zero, parseErr(field, "invalid string", err)
		}
		text = strings.TrimSpace(s)
	}
	lower := strings.ToLower(strings.TrimLeft(text, "+-"))
	if strings.HasPrefix(lower, "nan") || strings.HasPrefix(lower, "inf") {
		return decimal.Zero, parseErr(field, "non-finite value", nil)
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, parseErr(field, "invalid number", err)
	}
	return d, nil
}
