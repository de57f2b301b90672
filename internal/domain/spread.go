package domain

// SpreadFraction computes the bid/ask spread against the mid price:
// (ask - bid) / ((ask + bid) / 2). Returns false when either side is
// non-positive, leaving the spread undefined rather than zero.
func SpreadFraction(bid, ask float64) (float64, bool) {
	if bid <= 0 || ask <= 0 {
		return 0, false
	}
	mid := (ask + bid) / 2
	if mid <= 0 {
		return 0, false
	}
	return (ask - bid) / mid, true
}
