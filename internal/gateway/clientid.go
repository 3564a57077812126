package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"quantdesk/pkg/types"
)

// clientIDPrefix marks orders that originated from this platform. The
// reconciliation engine uses the prefix to tell absorbable orphans (ours,
// ledger row lost) from foreign orders (manual trades, other systems).
const clientIDPrefix = "qd-"

const clientIDHexLen = 20

// ClientOrderID derives the deterministic order identity from the parameters
// that define "the same order": symbol, side, quantity, limit price, strategy,
// and trade date. Resubmitting identical parameters on the same trade date
// always produces the same id, so the ledger's primary key absorbs retries.
func ClientOrderID(req types.OrderRequest, tradeDate string) string {
	limitPrice := ""
	if req.LimitPrice != nil {
		limitPrice = req.LimitPrice.String()
	}
	payload := strings.Join([]string{
		req.Symbol,
		string(req.Side),
		fmt.Sprintf("%d", req.Qty),
		limitPrice,
		req.StrategyID,
		tradeDate,
	}, "|")

	sum := sha256.Sum256([]byte(payload))
	return clientIDPrefix + hex.EncodeToString(sum[:])[:clientIDHexLen]
}

// SliceClientOrderID derives a TWAP child id from its parent: parent-NN,
// zero-padded, 1-based. Child ids are as deterministic as the parent's.
func SliceClientOrderID(parentID string, slice int) string {
	return fmt.Sprintf("%s-%02d", parentID, slice)
}

// MatchesScheme reports whether an id could have been minted by this
// platform: the qd- prefix followed by lowercase hex, with an optional -NN
// slice suffix.
func MatchesScheme(id string) bool {
	if !strings.HasPrefix(id, clientIDPrefix) {
		return false
	}
	rest := strings.TrimPrefix(id, clientIDPrefix)
	if i := strings.IndexByte(rest, '-'); i >= 0 {
		suffix := rest[i+1:]
		rest = rest[:i]
		if len(suffix) < 2 {
			return false
		}
		for _, c := range suffix {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	if len(rest) != clientIDHexLen {
		return false
	}
	for _, c := range rest {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
