package worker

import (
	"math"

	"github.com/mirrorfx/mirrorfx/internal/signal"
)

// InvertedSLTP computes follower SL/TP for an inverted copy. The master's
// stop distances swap roles: the master's take-profit distance becomes
// the follower's stop distance and vice versa, measured from the
// follower's own execution price.
//
// execSide is the follower's (already inverted) direction. A zero master
// SL or TP propagates as zero on the swapped leg.
func InvertedSLTP(execSide signal.Side, execPrice, masterEntry, masterSL, masterTP float64) (sl, tp float64) {
	var distSL, distTP float64
	if masterSL != 0 {
		distSL = math.Abs(masterEntry - masterSL)
	}
	if masterTP != 0 {
		distTP = math.Abs(masterEntry - masterTP)
	}

	if execSide == signal.Buy {
		if distTP != 0 {
			sl = execPrice - distTP
		}
		if distSL != 0 {
			tp = execPrice + distSL
		}
		return sl, tp
	}
	if distTP != 0 {
		sl = execPrice + distTP
	}
	if distSL != 0 {
		tp = execPrice - distSL
	}
	return sl, tp
}
