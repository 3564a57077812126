// Package risk implements the shared risk state store on Redis.
//
// All services read and write the same small key set:
//
//	kill_switch:engaged          "true" while the kill switch is on
//	circuit_breaker:state        open | tripped | quiet_period
//	circuit_breaker:quiet_until  RFC3339 end of the quiet period
//	circuit_breaker:history      sorted set of trip events, scored by unix time
//	reconciliation:gate          closed | open | reduce_only
//	reconciliation:running       SET NX PX mutex around reconciliation cycles
//	position:reservation:<sym>   in-flight signed quantity, INCRBY-adjusted
//	quarantine:<sym>             "true" while the symbol is quarantined
//	price:<sym>                  JSON quote, short TTL
//	broker:consecutive_errors    submit failure streak counter
//	pnl:daily:<date>             realized PnL accumulator for one trade date
//
// Every method returns the Redis error unmodified on failure. The gateway is
// fail-closed: a store error on the submit path rejects the order, it never
// assumes a permissive default.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"quantdesk/pkg/types"
)

const (
	keyKillSwitch     = "kill_switch:engaged"
	keyBreakerState   = "circuit_breaker:state"
	keyBreakerQuiet   = "circuit_breaker:quiet_until"
	keyBreakerHistory = "circuit_breaker:history"
	keyReconGate      = "reconciliation:gate"
	keyReconRunning   = "reconciliation:running"
	keyErrorStreak    = "broker:consecutive_errors"

	keyReservationPrefix = "position:reservation:"
	keyQuarantinePrefix  = "quarantine:"
	keyPricePrefix       = "price:"
	keyDailyPnLPrefix    = "pnl:daily:"
)

// Store wraps the Redis client for the platform's risk keys.
type Store struct {
	rdb            *redis.Client
	reservationTTL time.Duration
	priceTTL       time.Duration
	lockTTL        time.Duration
	logger         *slog.Logger
}

// NewStore connects to the risk store at the given URL (redis://host:port/db).
func NewStore(url string, reservationTTL, priceTTL, lockTTL time.Duration, logger *slog.Logger) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse risk store url: %w", err)
	}
	return &Store{
		rdb:            redis.NewClient(opt),
		reservationTTL: reservationTTL,
		priceTTL:       priceTTL,
		lockTTL:        lockTTL,
		logger:         logger.With("component", "risk_store"),
	}, nil
}

// Ping verifies connectivity at startup.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (s *Store) Close() error { return s.rdb.Close() }

// ————————————————————————————————————————————————————————————————————————
// Kill switch
// ————————————————————————————————————————————————————————————————————————

// KillSwitchEngaged reports whether the kill switch is on. A missing key
// means disengaged; a store error is returned for the caller to fail closed.
func (s *Store) KillSwitchEngaged(ctx context.Context) (bool, error) {
	val, err := s.rdb.Get(ctx, keyKillSwitch).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read kill switch: %w", err)
	}
	return val == "true", nil
}

// SetKillSwitch engages or disengages the kill switch. No TTL: the switch
// stays until an operator flips it back.
func (s *Store) SetKillSwitch(ctx context.Context, engaged bool) error {
	if engaged {
		s.logger.Warn("kill switch engaged")
		return s.rdb.Set(ctx, keyKillSwitch, "true", 0).Err()
	}
	s.logger.Warn("kill switch disengaged")
	return s.rdb.Del(ctx, keyKillSwitch).Err()
}

// ————————————————————————————————————————————————————————————————————————
// Circuit breaker
// ————————————————————————————————————————————————————————————————————————

// BreakerState returns the breaker's current state. A quiet_period whose
// deadline has passed reads as open; the expiry is lazy, nothing has to run
// at the deadline.
func (s *Store) BreakerState(ctx context.Context) (types.BreakerState, error) {
	val, err := s.rdb.Get(ctx, keyBreakerState).Result()
	if err == redis.Nil {
		return types.BreakerOpen, nil
	}
	if err != nil {
		return "", fmt.Errorf("read breaker state: %w", err)
	}
	state := types.BreakerState(val)
	if state == types.BreakerQuietPeriod {
		until, err := s.rdb.Get(ctx, keyBreakerQuiet).Result()
		if err == redis.Nil {
			return types.BreakerOpen, nil
		}
		if err != nil {
			return "", fmt.Errorf("read quiet deadline: %w", err)
		}
		deadline, perr := time.Parse(time.RFC3339, until)
		if perr != nil || time.Now().After(deadline) {
			return types.BreakerOpen, nil
		}
	}
	return state, nil
}

// TripBreaker moves the breaker to tripped and appends the reason to the
// trip history.
func (s *Store) TripBreaker(ctx context.Context, reason string) error {
	now := time.Now().UTC()
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyBreakerState, string(types.BreakerTripped), 0)
	pipe.ZAdd(ctx, keyBreakerHistory, redis.Z{
		Score:  float64(now.Unix()),
		Member: fmt.Sprintf("%s|%s", now.Format(time.RFC3339), reason),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("trip breaker: %w", err)
	}
	s.logger.Error("circuit breaker tripped", "reason", reason)
	return nil
}

// ResetBreaker moves a tripped breaker into its quiet period. Orders resume
// automatically once the period elapses.
func (s *Store) ResetBreaker(ctx context.Context, quietPeriod time.Duration) error {
	deadline := time.Now().UTC().Add(quietPeriod)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyBreakerState, string(types.BreakerQuietPeriod), 0)
	pipe.Set(ctx, keyBreakerQuiet, deadline.Format(time.RFC3339), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reset breaker: %w", err)
	}
	s.logger.Warn("circuit breaker reset, quiet period begins", "until", deadline)
	return nil
}

// BreakerHistory returns trip events newer than since, oldest first.
func (s *Store) BreakerHistory(ctx context.Context, since time.Time) ([]string, error) {
	entries, err := s.rdb.ZRangeByScore(ctx, keyBreakerHistory, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since.Unix()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read breaker history: %w", err)
	}
	return entries, nil
}

// RecordBrokerError bumps the consecutive submit failure counter and returns
// the new streak length.
func (s *Store) RecordBrokerError(ctx context.Context) (int64, error) {
	n, err := s.rdb.Incr(ctx, keyErrorStreak).Result()
	if err != nil {
		return 0, fmt.Errorf("incr error streak: %w", err)
	}
	return n, nil
}

// ResetBrokerErrors clears the failure streak after a successful submit.
func (s *Store) ResetBrokerErrors(ctx context.Context) error {
	return s.rdb.Del(ctx, keyErrorStreak).Err()
}

// ————————————————————————————————————————————————————————————————————————
// Reconciliation gate and lock
// ————————————————————————————————————————————————————————————————————————

// GateState returns the reconciliation gate. A missing key reads as closed:
// until the first successful cycle says otherwise, no orders flow.
func (s *Store) GateState(ctx context.Context) (types.GateState, error) {
	val, err := s.rdb.Get(ctx, keyReconGate).Result()
	if err == redis.Nil {
		return types.GateClosed, nil
	}
	if err != nil {
		return "", fmt.Errorf("read gate state: %w", err)
	}
	return types.GateState(val), nil
}

// SetGateState records the reconciliation gate decision.
func (s *Store) SetGateState(ctx context.Context, state types.GateState) error {
	if err := s.rdb.Set(ctx, keyReconGate, string(state), 0).Err(); err != nil {
		return fmt.Errorf("set gate state: %w", err)
	}
	return nil
}

// AcquireReconLock takes the cross-process reconciliation mutex. Returns
// false when another cycle holds it. The TTL guards against a crashed holder.
func (s *Store) AcquireReconLock(ctx context.Context) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, keyReconRunning, "1", s.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire recon lock: %w", err)
	}
	return ok, nil
}

// ReleaseReconLock releases the reconciliation mutex.
func (s *Store) ReleaseReconLock(ctx context.Context) error {
	return s.rdb.Del(ctx, keyReconRunning).Err()
}

// ————————————————————————————————————————————————————————————————————————
// Reservations
// ————————————————————————————————————————————————————————————————————————

// Reserve atomically adds a signed quantity to a symbol's in-flight
// reservation and returns the new total. The reservation TTL is refreshed on
// every change so a dead gateway cannot pin capacity forever.
func (s *Store) Reserve(ctx context.Context, symbol string, signedQty int64) (int64, error) {
	key := keyReservationPrefix + symbol
	total, err := s.rdb.IncrBy(ctx, key, signedQty).Result()
	if err != nil {
		return 0, fmt.Errorf("reserve %s: %w", symbol, err)
	}
	if err := s.rdb.Expire(ctx, key, s.reservationTTL).Err(); err != nil {
		return total, fmt.Errorf("refresh reservation ttl: %w", err)
	}
	return total, nil
}

// Release undoes a reservation made by Reserve.
func (s *Store) Release(ctx context.Context, symbol string, signedQty int64) error {
	_, err := s.Reserve(ctx, symbol, -signedQty)
	return err
}

// Reservation reads a symbol's current in-flight total without changing it.
func (s *Store) Reservation(ctx context.Context, symbol string) (int64, error) {
	val, err := s.rdb.Get(ctx, keyReservationPrefix+symbol).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read reservation %s: %w", symbol, err)
	}
	return val, nil
}

// ClearReservation drops a symbol's reservation entirely. Reconciliation
// calls this after absorbing broker truth.
func (s *Store) ClearReservation(ctx context.Context, symbol string) error {
	return s.rdb.Del(ctx, keyReservationPrefix+symbol).Err()
}

// ————————————————————————————————————————————————————————————————————————
// Quarantine
// ————————————————————————————————————————————————————————————————————————

// Quarantined reports whether a symbol is quarantined.
func (s *Store) Quarantined(ctx context.Context, symbol string) (bool, error) {
	val, err := s.rdb.Get(ctx, keyQuarantinePrefix+symbol).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read quarantine %s: %w", symbol, err)
	}
	return val == "true", nil
}

// SetQuarantine places or lifts a symbol quarantine.
func (s *Store) SetQuarantine(ctx context.Context, symbol string, on bool) error {
	key := keyQuarantinePrefix + symbol
	if on {
		s.logger.Warn("symbol quarantined", "symbol", symbol)
		return s.rdb.Set(ctx, key, "true", 0).Err()
	}
	s.logger.Info("symbol quarantine lifted", "symbol", symbol)
	return s.rdb.Del(ctx, key).Err()
}

// ————————————————————————————————————————————————————————————————————————
// Daily PnL
// ————————————————————————————————————————————————————————————————————————

// AddDailyPnL adds a realized PnL delta (negative = loss) to a trade date's
// accumulator and returns the running total. The key expires two days after
// its last write; the daily loss check only ever reads the current session.
func (s *Store) AddDailyPnL(ctx context.Context, tradeDate string, delta float64) (float64, error) {
	key := keyDailyPnLPrefix + tradeDate
	total, err := s.rdb.IncrByFloat(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("add daily pnl: %w", err)
	}
	if err := s.rdb.Expire(ctx, key, 48*time.Hour).Err(); err != nil {
		return total, fmt.Errorf("refresh daily pnl ttl: %w", err)
	}
	return total, nil
}

// DailyPnL reads a trade date's realized PnL total without changing it.
func (s *Store) DailyPnL(ctx context.Context, tradeDate string) (float64, error) {
	total, err := s.rdb.Get(ctx, keyDailyPnLPrefix+tradeDate).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read daily pnl: %w", err)
	}
	return total, nil
}

// ————————————————————————————————————————————————————————————————————————
// Price cache
// ————————————————————————————————————————————————————————————————————————

// SetQuote caches a quote under price:<symbol> with the configured TTL.
func (s *Store) SetQuote(ctx context.Context, q types.Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal quote: %w", err)
	}
	if err := s.rdb.Set(ctx, keyPricePrefix+q.Symbol, data, s.priceTTL).Err(); err != nil {
		return fmt.Errorf("cache quote %s: %w", q.Symbol, err)
	}
	return nil
}

// GetQuote returns a symbol's cached quote, or nil when the cache entry has
// expired or never existed.
func (s *Store) GetQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	data, err := s.rdb.Get(ctx, keyPricePrefix+symbol).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read quote %s: %w", symbol, err)
	}
	var q types.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("unmarshal quote %s: %w", symbol, err)
	}
	return &q, nil
}
