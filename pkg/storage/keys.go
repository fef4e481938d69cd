package storage

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/predmatch/pkg/app/core"
)

// Key schema for Pebble storage:
//
//	ord:<orderID>                                        → Order (JSON)
//	book:<len>:<market>:<outcome>:<side>:<price>:<ts>:<seq> → orderID, resting orders only
//	trade:<len>:<market>:<seq>                           → Trade (JSON)
//	tid:<tradeID>                                        → trade key
//	meta:seq                                             → last sequence number
//
// Market IDs are length-prefixed so one market's prefix can never be a
// prefix of another's.
const (
	prefixOrder   = "ord:"
	prefixBook    = "book:"
	prefixTrade   = "trade:"
	prefixTradeID = "tid:"
	keySeq        = "meta:seq"
)

// Prices in [0,1] are stored with core.MaxPriceDecimals fractional digits,
// which the validator guarantees is exact.
const priceScale = core.MaxPriceDecimals

var priceOne = decimal.New(1, priceScale)

func orderKey(id string) []byte {
	return []byte(prefixOrder + id)
}

func bookPrefix(market string, outcome uint8, side core.Side) []byte {
	return []byte(fmt.Sprintf("%s%d:%s:%d:%d:", prefixBook, len(market), market, outcome, side))
}

// bookKey sorts ascending in price-time priority for the order's side:
// bids are stored with an inverted price so the highest bid comes first.
func bookKey(o *core.Order) []byte {
	scaled := o.Price.Shift(priceScale).Truncate(0)
	if o.Side == core.Buy {
		scaled = priceOne.Sub(scaled)
	}
	return []byte(fmt.Sprintf("%s%s:%020d:%020d",
		bookPrefix(o.MarketID, o.Outcome, o.Side),
		padDigits(scaled.String(), 20),
		o.CreatedAt.UnixNano(),
		o.Seq))
}

func tradePrefix(market string) []byte {
	return []byte(fmt.Sprintf("%s%d:%s:", prefixTrade, len(market), market))
}

func tradeKey(market string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", tradePrefix(market), seq))
}

func tradeIDKey(id string) []byte {
	return []byte(prefixTradeID + id)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

func padDigits(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

func encodeSeq(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

func decodeSeq(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
