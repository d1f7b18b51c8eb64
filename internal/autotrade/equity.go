package autotrade

import (
	"errors"
	"fmt"
)

// EquitySource names where a resolved equity value came from
type EquitySource string

const (
	EquityLive     EquitySource = "live"
	EquitySnapshot EquitySource = "snapshot"
	EquityNone     EquitySource = "none"
)

// EquityResolution is the outcome of ResolveEquity
type EquityResolution struct {
	Value  float64
	Source EquitySource
	Err    error // why the live value was not used, if it was not
}

// ResolveEquity is the single fallback policy for account equity: the live
// balance when it is finite and positive, otherwise the stored snapshot.
func ResolveEquity(live float64, liveErr error, snapshot float64) EquityResolution {
	if liveErr == nil && finite(live) && live > 0 {
		return EquityResolution{Value: live, Source: EquityLive}
	}
	if liveErr == nil {
		liveErr = fmt.Errorf("live equity %v is not usable", live)
	}
	if finite(snapshot) && snapshot > 0 {
		return EquityResolution{Value: snapshot, Source: EquitySnapshot, Err: liveErr}
	}
	return EquityResolution{Source: EquityNone, Err: errors.Join(liveErr, errors.New("no equity snapshot"))}
}

// PriceSource names where an entry price came from
type PriceSource string

const (
	PriceSignal PriceSource = "signal"
	PriceTicker PriceSource = "ticker"
	PriceNone   PriceSource = "none"
)

// ResolveEntryPrice prefers the price carried by the signal and falls back to
// the ticker's last price.
func ResolveEntryPrice(signalPrice, tickerPrice float64) (float64, PriceSource) {
	if finite(signalPrice) && signalPrice > 0 {
		return signalPrice, PriceSignal
	}
	if finite(tickerPrice) && tickerPrice > 0 {
		return tickerPrice, PriceTicker
	}
	return 0, PriceNone
}
