package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// PeaksFromPCM reads signed 16-bit little-endian mono samples and returns the
// absolute peak of every samplesPerBucket samples, scaled to [0, 1] and
// rounded to four decimals. A trailing partial bucket is kept.
func PeaksFromPCM(r io.Reader, samplesPerBucket int) ([]float64, error) {
	if samplesPerBucket < 1 {
		samplesPerBucket = 1
	}
	br := bufio.NewReaderSize(r, 64*1024)
	peaks := []float64{}

	var buf [2]byte
	var peak, n int
	for {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, err
		}
		v := int(int16(binary.LittleEndian.Uint16(buf[:])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
		n++
		if n == samplesPerBucket {
			peaks = append(peaks, scalePeak(peak))
			peak, n = 0, 0
		}
	}
	if n > 0 {
		peaks = append(peaks, scalePeak(peak))
	}
	return peaks, nil
}

func scalePeak(v int) float64 {
	f := float64(v) / 32768.0
	if f > 1 {
		f = 1
	}
	return math.Round(f*10000) / 10000
}
