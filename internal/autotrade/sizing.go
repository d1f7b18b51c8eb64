package autotrade

import "fmt"

// SizingResult is the capital percentage chosen for a signal
type SizingResult struct {
	Percent float64     `json:"percent"`
	Reason  string      `json:"reason"`
	Band    *SizingBand `json:"band,omitempty"`
}

// Size maps a confidence to a capital percentage using the settings' band table.
// It has no side effects.
func Size(confidence float64, settings TradingSettings) SizingResult {
	if !finite(confidence) {
		return SizingResult{Reason: "confidence is not a number"}
	}
	if confidence < settings.AccuracyTrigger {
		return SizingResult{
			Reason: fmt.Sprintf("confidence %.2f is %.2f below accuracy trigger %.2f",
				confidence, settings.AccuracyTrigger-confidence, settings.AccuracyTrigger),
		}
	}

	for i := range settings.PositionSizingMap {
		band := settings.PositionSizingMap[i]
		if confidence < band.Min || confidence > band.Max {
			continue
		}
		percent := band.Percent
		reason := fmt.Sprintf("band [%.2f, %.2f] -> %.2f%%", band.Min, band.Max, band.Percent)
		if percent > settings.MaxPositionPerTrade {
			percent = settings.MaxPositionPerTrade
			reason += fmt.Sprintf(", capped at %.2f%%", settings.MaxPositionPerTrade)
		}
		return SizingResult{Percent: percent, Reason: reason, Band: &band}
	}

	return SizingResult{Reason: fmt.Sprintf("no matching band for confidence %.2f", confidence)}
}
