package domain

import "math"

// emaSmoothing weights the previous average against each new sample.
const emaSmoothing = 0.1

// SmoothRate folds a new rate sample into an exponential moving average.
func SmoothRate(avg, sample int64) int64 {
	return int64(float64(avg)*(1-emaSmoothing) + float64(sample)*emaSmoothing)
}

// ETA returns the estimated seconds remaining given current progress and
// download rate. Returns +Inf when nothing is moving or the torrent is done.
func ETA(totalSize int64, progress float64, downloadRate int64) float64 {
	if downloadRate <= 0 || progress >= 100 {
		return math.Inf(1)
	}
	remaining := float64(totalSize) - float64(totalSize)*progress/100
	return remaining / float64(downloadRate)
}
