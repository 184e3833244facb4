// Package export renders pair data as CSV for external tools.
package export

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gocarina/gocsv"

	"pairwatch/internal/model"
)

// AlignedPointDTO is the CSV row of an aligned point.
type AlignedPointDTO struct {
	Timestamp string  `csv:"timestamp"`
	CloseY    float64 `csv:"close_y"`
	CloseX    float64 `csv:"close_x"`
	Filled    string  `csv:"filled"`
}

// BarDTO is the CSV row of a bar.
type BarDTO struct {
	Timestamp string  `csv:"timestamp"`
	Symbol    string  `csv:"symbol"`
	Open      float64 `csv:"open"`
	High      float64 `csv:"high"`
	Low       float64 `csv:"low"`
	Close     float64 `csv:"close"`
	Volume    float64 `csv:"volume"`
	TickCount int     `csv:"tick_count"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// AlignedToDTO converts points to rows.
func AlignedToDTO(points []model.AlignedPoint) []*AlignedPointDTO {
	out := make([]*AlignedPointDTO, 0, len(points))
	for _, p := range points {
		out = append(out, &AlignedPointDTO{
			Timestamp: formatTime(p.Time),
			CloseY:    p.CloseY,
			CloseX:    p.CloseX,
			Filled:    strconv.FormatBool(p.Filled),
		})
	}
	return out
}

// WriteAligned writes points as CSV with a header row.
func WriteAligned(w io.Writer, points []model.AlignedPoint) error {
	rows := AlignedToDTO(points)
	if err := gocsv.Marshal(&rows, w); err != nil {
		return fmt.Errorf("error marshalling aligned points: %w", err)
	}
	return nil
}

// WriteBars writes bars as CSV with a header row.
func WriteBars(w io.Writer, bars []model.Bar) error {
	rows := make([]*BarDTO, 0, len(bars))
	for _, b := range bars {
		rows = append(rows, &BarDTO{
			Timestamp: formatTime(b.Start),
			Symbol:    b.Symbol,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
			TickCount: b.TickCount,
		})
	}
	if err := gocsv.Marshal(&rows, w); err != nil {
		return fmt.Errorf("error marshalling bars: %w", err)
	}
	return nil
}
