package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// snapshotState is the canonical, timestamp-free payload hashed into a
// BotSnapshot.StateHash (spec.md §3, §8 I4 "snapshot stability").
type snapshotState struct {
	OpenOrderIDs []string `json:"openOrderIds"`
	TradeIDs     []string `json:"tradeIds"`
}

// BuildSnapshotState canonicalises the sorted id sets that make up a
// reconciliation snapshot. Callers must pass the same slices (order/trade
// ids, not exchange ids) used across ticks for the hash to be stable.
func BuildSnapshotState(openOrderIDs, tradeIDs []string) (stateJSON string, stateHash string, err error) {
	oo := append([]string(nil), openOrderIDs...)
	tt := append([]string(nil), tradeIDs...)
	sort.Strings(oo)
	sort.Strings(tt)
	if oo == nil {
		oo = []string{}
	}
	if tt == nil {
		tt = []string{}
	}

	state := snapshotState{OpenOrderIDs: oo, TradeIDs: tt}
	raw, err := json.Marshal(state)
	if err != nil {
		return "", "", err
	}

	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])[:16]
	return string(raw), hash, nil
}
