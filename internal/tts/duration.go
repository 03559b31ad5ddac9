package tts

import (
	"bytes"

	"github.com/tcolgate/mp3"
)

// fallbackBytesPerSecond assumes a 128 kbps stream.
const fallbackBytesPerSecond = 128000 / 8

// MP3Duration walks the frames of an MP3 and sums their durations. When no frame
// can be decoded it estimates from the byte length.
func MP3Duration(data []byte) float64 {
	decoder := mp3.NewDecoder(bytes.NewReader(data))

	var (
		frame   mp3.Frame
		skipped int
		total   float64
	)
	for {
		if err := decoder.Decode(&frame, &skipped); err != nil {
			break
		}
		total += frame.Duration().Seconds()
	}
	if total > 0 {
		return total
	}
	return float64(len(data)) / fallbackBytesPerSecond
}
