package electrometer

import (
	"fmt"
	"strconv"
	"strings"
)

// Series holds the time stamps and readings of one buffered acquisition.
// Both slices always have the same length.
type Series struct {
	Times    []float64
	Readings []float64
}

func (s Series) Len() int {
	return len(s.Readings)
}

// Table returns the series as rows of (time, reading).
func (s Series) Table() [][2]float64 {
	rows := make([][2]float64, len(s.Readings))
	for i := range rows {
		rows[i] = [2]float64{s.Times[i], s.Readings[i]}
	}
	return rows
}

// DecodeInterleaved splits a buffer read-out of the form
// reading0,time0,reading1,time1,... into num readings and num time stamps.
// It never returns a partial series.
func DecodeInterleaved(body string, num int) (Series, error) {
	fields := strings.Split(strings.TrimSpace(body), ",")
	if len(fields) != 2*num {
		return Series{}, fmt.Errorf("expected %d values for %d points, got %d", 2*num, num, len(fields))
	}
	s := Series{
		Times:    make([]float64, num),
		Readings: make([]float64, num),
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return Series{}, fmt.Errorf("value %d: %w", i, err)
		}
		if i%2 == 0 {
			s.Readings[i/2] = v
		} else {
			s.Times[i/2] = v
		}
	}
	return s, nil
}
