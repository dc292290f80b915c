// Package cache wraps the clustered Redis store used as the low-latency
// projection of the relational system-of-record. It owns the key schema,
// the co-location rules enforced through cluster hash tags, and the batch
// builders that keep same-partition writes atomic.
package cache

import "strings"

// Key prefixes shared with the execution engine and the presentation layer.
// These are part of the wire contract and must not change.
const (
	holdingPrefix       = "user_holdings"
	orderIndexPrefix    = "user_orders_index"
	symbolHoldersPrefix = "symbol_holders"
	canonicalPrefix     = "order_data"
	globalLookupPrefix  = "global_order_lookup"
	pendingIndexPrefix  = "pending_index"
	remotePendingPrefix = "pending_remote"
	slIndexPrefix       = "sl_index"
	tpIndexPrefix       = "tp_index"
	userConfigPrefix    = "user"
	portfolioPrefix     = "user_portfolio"
)

// UserTag returns the co-location tag for a user scope. Every key that must
// be mutated atomically with another key of the same user embeds this tag in
// a cluster hash-tag so both land on the same slot.
func UserTag(userType, userID string) string {
	return userType + ":" + userID
}

// SymbolTag returns the co-location tag for a symbol scope.
func SymbolTag(symbol string) string {
	return strings.ToUpper(symbol)
}

// HoldingKey addresses the per-user projection of one order.
func HoldingKey(userType, userID, orderID string) string {
	return holdingPrefix + ":{" + UserTag(userType, userID) + "}:" + orderID
}

// HoldingPattern matches every holding key of one user, for SCAN.
func HoldingPattern(userType, userID string) string {
	return holdingPrefix + ":{" + UserTag(userType, userID) + "}:*"
}

// HoldingOrderID extracts the order id from a holding key produced by
// HoldingKey. Returns "" for keys that do not match the schema.
func HoldingOrderID(key string) string {
	i := strings.LastIndex(key, "}:")
	if i < 0 || !strings.HasPrefix(key, holdingPrefix+":{") {
		return ""
	}
	return key[i+2:]
}

// OrderIndexKey addresses the set of order ids held by one user.
func OrderIndexKey(userType, userID string) string {
	return orderIndexPrefix + ":{" + UserTag(userType, userID) + "}"
}

// SymbolHoldersKey addresses the set of user tags holding at least one order
// in a symbol. Global key, no hash tag: never batch with user-scoped keys.
func SymbolHoldersKey(symbol, userType string) string {
	return symbolHoldersPrefix + ":" + SymbolTag(symbol) + ":" + userType
}

// CanonicalKey addresses the single authoritative cached record of an order.
func CanonicalKey(orderID string) string {
	return canonicalPrefix + ":" + orderID
}

// GlobalLookupKey maps any lifecycle value back to its order id.
func GlobalLookupKey(lifecycleValue string) string {
	return globalLookupPrefix + ":" + lifecycleValue
}

// PendingIndexKey addresses the price-ordered pending set for a symbol and
// order type, consumed by the local matching loop.
func PendingIndexKey(symbol, orderType string) string {
	return pendingIndexPrefix + ":{" + SymbolTag(symbol) + "}:" + orderType
}

// RemotePendingKey addresses the set of pending orders routed to an external
// execution venue for a symbol.
func RemotePendingKey(symbol string) string {
	return remotePendingPrefix + ":{" + SymbolTag(symbol) + "}"
}

// StopLossIndexKey addresses the stop-loss trigger index for a symbol/side.
func StopLossIndexKey(symbol, side string) string {
	return slIndexPrefix + ":{" + SymbolTag(symbol) + "}:" + side
}

// TakeProfitIndexKey addresses the take-profit trigger index for a symbol/side.
func TakeProfitIndexKey(symbol, side string) string {
	return tpIndexPrefix + ":{" + SymbolTag(symbol) + "}:" + side
}

// UserConfigKey addresses the cached per-user configuration hash.
func UserConfigKey(userType, userID string) string {
	return userConfigPrefix + ":{" + UserTag(userType, userID) + "}:config"
}

// PortfolioKey addresses the cached portfolio snapshot of one user.
func PortfolioKey(userType, userID string) string {
	return portfolioPrefix + ":{" + UserTag(userType, userID) + "}"
}

// PartitionTag extracts the cluster hash-tag of a key: the content of the
// first {...} group, following the Redis Cluster convention. Keys without a
// tag hash on the whole key and return "" — two such keys are never
// guaranteed to share a partition.
func PartitionTag(key string) string {
	start := strings.IndexByte(key, '{')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(key[start+1:], '}')
	if end <= 0 {
		// "{}" hashes on the whole key per the cluster spec.
		return ""
	}
	return key[start+1 : start+1+end]
}
