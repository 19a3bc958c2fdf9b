package math

// Maximum calculates the maximum value among two integers
func Maximum(a int64, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

//Minimum calculates the minimum value among two integers
func Minimum(a int64, b int64) int64 {
	if a > b {
		return b
	}
	return a
}
