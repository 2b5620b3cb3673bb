package storage

import (
	"fmt"
)

// Ledger key schema for Pebble storage
//
//	ord:<orderID>                     → Order
//	act:<seq>:<orderID>               → orderID (OPEN/PARTIAL only)
//	wal:<userID>                      → Wallet
//	pf:<userID>:<assetID>             → Portfolio
//	trd:<assetID>:<ts>:<tradeID>      → Trade
//	tbo:<orderID>:<ts>:<tradeID>      → trade key (trades by order)
//
// Sequence numbers and timestamps are zero-padded (20 digits) so that
// lexicographic key order is numeric order.
const (
	prefixOrder       = "ord:"
	prefixActive      = "act:"
	prefixWallet      = "wal:"
	prefixPortfolio   = "pf:"
	prefixTrade       = "trd:"
	prefixTradeByOrdr = "tbo:"
)

func orderKey(orderID string) []byte {
	return []byte(prefixOrder + orderID)
}

// activeKey indexes a non-terminal order by submission sequence
// Format: "act:{seq}:{orderID}"
func activeKey(seq uint64, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixActive, seq, orderID))
}

func walletKey(userID string) []byte {
	return []byte(prefixWallet + userID)
}

// portfolioKey returns the key for a holding
// Format: "pf:{userID}:{assetID}"
func portfolioKey(userID, assetID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixPortfolio, userID, assetID))
}

// tradeKey returns the key for a trade
// Format: "trd:{assetID}:{timestamp}:{tradeID}"
func tradeKey(assetID string, timestamp int64, tradeID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixTrade, assetID, timestamp, tradeID))
}

// tradePrefix returns the prefix for all trades of an asset
func tradePrefix(assetID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, assetID))
}

// tradeByOrderKey indexes a trade under one of its two orders
// Format: "tbo:{orderID}:{timestamp}:{tradeID}"
func tradeByOrderKey(orderID string, timestamp int64, tradeID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixTradeByOrdr, orderID, timestamp, tradeID))
}

func tradeByOrderPrefix(orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTradeByOrdr, orderID))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
