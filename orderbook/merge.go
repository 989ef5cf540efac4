package orderbook

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"marketmux/models"
)

// ErrInvalidFormat reports an order book delta payload whose bid/ask levels
// are neither array-of-arrays nor array-of-objects.
var ErrInvalidFormat = errors.New("invalid order book delta format")

// MergeOptions selects the wire keys used when decoding a delta message.
// Zero values fall back to the conventional "bids"/"asks" envelope with
// "price"/"amount" object keys.
type MergeOptions struct {
	BidsKey   string
	AsksKey   string
	PriceKey  string
	AmountKey string
}

func (o *MergeOptions) withDefaults() MergeOptions {
	opts := MergeOptions{BidsKey: "bids", AsksKey: "asks", PriceKey: "price", AmountKey: "amount"}
	if o == nil {
		return opts
	}
	if o.BidsKey != "" {
		opts.BidsKey = o.BidsKey
	}
	if o.AsksKey != "" {
		opts.AsksKey = o.AsksKey
	}
	if o.PriceKey != "" {
		opts.PriceKey = o.PriceKey
	}
	if o.AmountKey != "" {
		opts.AmountKey = o.AmountKey
	}
	return opts
}

// MergeDelta applies a delta message to the book treating incoming amounts as
// absolute sizes: an existing price is replaced, an amount of zero removes
// the level, an unknown price with zero amount is a no-op. Both sides stay
// strictly sorted (bids descending, asks ascending) with no duplicate prices.
func MergeDelta(book *models.OrderBook, raw []byte, timestamp int64, opts *MergeOptions) error {
	return merge(book, raw, timestamp, opts, false)
}

// MergeDeltaAdditive applies a delta message treating incoming amounts as
// signed increments: the delta amount is added to any existing level and the
// level is removed when the sum reaches zero. Used by exchanges that stream
// differential rather than absolute sizes.
func MergeDeltaAdditive(book *models.OrderBook, raw []byte, timestamp int64, opts *MergeOptions) error {
	return merge(book, raw, timestamp, opts, true)
}

func merge(book *models.OrderBook, raw []byte, timestamp int64, opts *MergeOptions, additive bool) error {
	o := opts.withDefaults()

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	bids, err := parseSide(envelope[o.BidsKey], o.PriceKey, o.AmountKey)
	if err != nil {
		return err
	}
	asks, err := parseSide(envelope[o.AsksKey], o.PriceKey, o.AmountKey)
	if err != nil {
		return err
	}

	for _, bid := range bids {
		if additive {
			book.Bids = updateLevelAdditive(book.Bids, bid, true)
		} else {
			book.Bids = updateLevel(book.Bids, bid, true)
		}
	}
	for _, ask := range asks {
		if additive {
			book.Asks = updateLevelAdditive(book.Asks, ask, false)
		} else {
			book.Asks = updateLevel(book.Asks, ask, false)
		}
	}

	book.Timestamp = timestamp
	if timestamp != 0 {
		book.Datetime = time.UnixMilli(timestamp).UTC().Format("2006-01-02T15:04:05.000Z07:00")
	} else {
		book.Datetime = ""
	}
	return nil
}

// parseSide normalizes one side of a delta message into price levels. It
// accepts the array-of-arrays form ([[price, amount], ...]) and the
// array-of-objects form ([{priceKey:..., amountKey:...}, ...]); prices and
// amounts may arrive as numbers or numeric strings.
func parseSide(raw json.RawMessage, priceKey, amountKey string) ([]models.PriceLevel, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("%w: side is not an array", ErrInvalidFormat)
	}

	levels := make([]models.PriceLevel, 0, len(elems))
	for _, elem := range elems {
		var arr []interface{}
		if err := json.Unmarshal(elem, &arr); err == nil {
			if len(arr) < 2 {
				return nil, fmt.Errorf("%w: level needs price and amount", ErrInvalidFormat)
			}
			price, err := toFloat(arr[0])
			if err != nil {
				return nil, err
			}
			amount, err := toFloat(arr[1])
			if err != nil {
				return nil, err
			}
			levels = append(levels, models.PriceLevel{Price: price, Amount: amount})
			continue
		}

		var obj map[string]interface{}
		if err := json.Unmarshal(elem, &obj); err != nil {
			return nil, fmt.Errorf("%w: unrecognized level shape", ErrInvalidFormat)
		}
		pv, pok := obj[priceKey]
		av, aok := obj[amountKey]
		if !pok || !aok {
			// levels missing the configured keys are skipped, not fatal
			continue
		}
		price, err := toFloat(pv)
		if err != nil {
			return nil, err
		}
		amount, err := toFloat(av)
		if err != nil {
			return nil, err
		}
		levels = append(levels, models.PriceLevel{Price: price, Amount: amount})
	}
	return levels, nil
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad number %q", ErrInvalidFormat, n)
		}
		return f, nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: bad number %q", ErrInvalidFormat, n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: bad number %v", ErrInvalidFormat, v)
	}
}

// searchIndex returns the first index whose price is not further in sort
// order than the given price: descending order for bids, ascending for asks.
func searchIndex(levels []models.PriceLevel, price float64, descending bool) int {
	return sort.Search(len(levels), func(i int) bool {
		if descending {
			return levels[i].Price <= price
		}
		return levels[i].Price >= price
	})
}

func updateLevel(levels []models.PriceLevel, lvl models.PriceLevel, descending bool) []models.PriceLevel {
	i := searchIndex(levels, lvl.Price, descending)
	if i < len(levels) && levels[i].Price == lvl.Price {
		if lvl.Amount == 0 {
			return append(levels[:i], levels[i+1:]...)
		}
		levels[i].Amount = lvl.Amount
		return levels
	}
	if lvl.Amount == 0 {
		return levels
	}
	return insertLevel(levels, i, lvl)
}

func updateLevelAdditive(levels []models.PriceLevel, lvl models.PriceLevel, descending bool) []models.PriceLevel {
	i := searchIndex(levels, lvl.Price, descending)
	if i < len(levels) && levels[i].Price == lvl.Price {
		next := levels[i].Amount + lvl.Amount
		if next == 0 {
			return append(levels[:i], levels[i+1:]...)
		}
		levels[i].Amount = next
		return levels
	}
	if lvl.Amount == 0 {
		return levels
	}
	return insertLevel(levels, i, lvl)
}

func insertLevel(levels []models.PriceLevel, i int, lvl models.PriceLevel) []models.PriceLevel {
	levels = append(levels, models.PriceLevel{})
	copy(levels[i+1:], levels[i:])
	levels[i] = lvl
	return levels
}

// Clone copies the book, truncating both sides to limit levels when limit is
// positive. Consumers get a snapshot the merge path will never mutate.
func Clone(book *models.OrderBook, limit int) models.OrderBook {
	out := models.OrderBook{
		Timestamp: book.Timestamp,
		Datetime:  book.Datetime,
		Nonce:     book.Nonce,
	}
	nb, na := len(book.Bids), len(book.Asks)
	if limit > 0 {
		if nb > limit {
			nb = limit
		}
		if na > limit {
			na = limit
		}
	}
	out.Bids = append(out.Bids, book.Bids[:nb]...)
	out.Asks = append(out.Asks, book.Asks[:na]...)
	return out
}
