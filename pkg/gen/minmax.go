package gen

// Clamp v to the closed range [min, max]
func Clamp[T Ordered](v, min, max T) T {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Clamp01 clamps v to [0,1]. NaN becomes 0.
func Clamp01[T Float](v T) T {
	if v != v {
		return 0
	}
	return Clamp(v, 0, 1)
}

// InUnitRange returns true if v is inside [0,1] (NaN is not).
func InUnitRange[T Float](v T) bool {
	return v >= 0 && v <= 1
}
