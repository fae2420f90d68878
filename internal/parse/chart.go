package parse

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nilemarkets/sahm/internal/interfaces"
)

// ParseChartSeries decodes a raw [[timestamp_ms, value], …] series as
// serialised out of an in-browser chart object.
func ParseChartSeries(raw []byte) ([]interfaces.ChartPoint, error) {
	var pairs [][2]float64
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("%w: chart series: %v", ErrSchemaDrift, err)
	}

	points := make([]interfaces.ChartPoint, 0, len(pairs))
	for _, p := range pairs {
		points = append(points, interfaces.ChartPoint{
			TimestampMS: int64(p[0]),
			Value:       p[1],
		})
	}
	return points, nil
}

// SeriesPoint is a dated value lifted from a chart series after timestamp
// validation.
type SeriesPoint struct {
	Date  time.Time
	Value float64
}

// CleanSeries validates chart points into dated values, dropping entries
// with implausible timestamps or non-positive values. Values in a NAV or
// price chart are strictly positive.
func CleanSeries(points []interfaces.ChartPoint, loc *time.Location) []SeriesPoint {
	out := make([]SeriesPoint, 0, len(points))
	for _, p := range points {
		if p.Value <= 0 {
			continue
		}
		t, err := ParseMillis(p.TimestampMS, loc)
		if err != nil {
			continue
		}
		out = append(out, SeriesPoint{Date: t.Truncate(24 * time.Hour), Value: p.Value})
	}
	return out
}
