package strategy

// DeltaSizing is the target delta and position size factor chosen for a
// volatility regime.
type DeltaSizing struct {
	TargetDelta float64
	SizeFactor  float64
}

// AdjustForVIX maps the VIX level to a delta target and size factor. In calm
// markets the strategy sells closer to the money at full size; as volatility
// rises it moves further out and cuts size. At extreme VIX the second return
// value is false and no entry should be made.
func AdjustForVIX(vix float64) (DeltaSizing, bool) {
	switch {
	case vix < 15:
		return DeltaSizing{TargetDelta: 0.25, SizeFactor: 1.0}, true
	case vix < 25:
		return DeltaSizing{TargetDelta: 0.20, SizeFactor: 1.0}, true
	case vix < 35:
		return DeltaSizing{TargetDelta: 0.15, SizeFactor: 0.5}, true
	default:
		return DeltaSizing{}, false
	}
}
