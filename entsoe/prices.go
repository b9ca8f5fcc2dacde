// Package entsoe reads day-ahead electricity prices published by the ENTSO-E
// transparency platform and exposes them as an hourly price schedule.
package entsoe

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// Document is a Publication_MarketDocument holding day-ahead prices
type Document struct {
	XMLName    xml.Name     `xml:"Publication_MarketDocument"`
	MRID       string       `xml:"mRID"`
	Type       string       `xml:"type"`
	Interval   TimeInterval `xml:"period.timeInterval"`
	TimeSeries []TimeSeries `xml:"TimeSeries"`
}

// TimeSeries is one price curve of the document
type TimeSeries struct {
	Currency  string `xml:"currency_Unit.name"`
	PriceUnit string `xml:"price_Measure_Unit.name"`
	CurveType string `xml:"curveType"`
	Period    Period `xml:"Period"`
}

// TimeInterval is a half-open [Start, End) interval
type TimeInterval struct {
	Start time.Time
	End   time.Time
}

// UnmarshalXML parses the start and end elements of an interval
func (ti *TimeInterval) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var aux struct {
		Start string `xml:"start"`
		End   string `xml:"end"`
	}
	if err := d.DecodeElement(&aux, &start); err != nil {
		return err
	}

	var err error
	if ti.Start, err = parseTime(aux.Start); err != nil {
		return fmt.Errorf("error parsing start time: %w", err)
	}
	if ti.End, err = parseTime(aux.End); err != nil {
		return fmt.Errorf("error parsing end time: %w", err)
	}
	return nil
}

// Period holds the points of a curve at a fixed resolution
type Period struct {
	Interval   TimeInterval
	Resolution time.Duration
	Points     []Point
}

// Point is the price of one position, 1-based from the period start
type Point struct {
	Position int     `xml:"position"`
	Amount   float64 `xml:"price.amount"`
}

// UnmarshalXML parses a period and sorts its points by position
func (p *Period) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var aux struct {
		Interval   TimeInterval `xml:"timeInterval"`
		Resolution string       `xml:"resolution"`
		Points     []Point      `xml:"Point"`
	}
	if err := d.DecodeElement(&aux, &start); err != nil {
		return err
	}

	resolution, err := parseResolution(aux.Resolution)
	if err != nil {
		return err
	}

	sort.Slice(aux.Points, func(i, j int) bool { return aux.Points[i].Position < aux.Points[j].Position })
	p.Interval = aux.Interval
	p.Resolution = resolution
	p.Points = aux.Points
	return nil
}

// PriceAt returns the price of the interval containing t. Positions missing
// from the curve repeat the previous point.
func (p *Period) PriceAt(t time.Time) (float64, bool) {
	if p.Resolution <= 0 || t.Before(p.Interval.Start) || !t.Before(p.Interval.End) {
		return 0, false
	}
	position := int(t.Sub(p.Interval.Start)/p.Resolution) + 1

	price, found := 0.0, false
	for _, point := range p.Points {
		if point.Position > position {
			break
		}
		price, found = point.Amount, true
	}
	return price, found
}

// HourlyAverage returns the mean price, in the document unit (usually
// EUR/MWh), over the hour containing t
func (d *Document) HourlyAverage(t time.Time) (float64, bool) {
	hourStart := t.Truncate(time.Hour)
	hourEnd := hourStart.Add(time.Hour)

	for _, ts := range d.TimeSeries {
		period := ts.Period
		if period.Resolution >= time.Hour {
			if price, ok := period.PriceAt(hourStart); ok {
				return price, true
			}
			continue
		}

		sum, count := 0.0, 0
		for at := hourStart; at.Before(hourEnd); at = at.Add(period.Resolution) {
			if price, ok := period.PriceAt(at); ok {
				sum += price
				count++
			}
		}
		if count > 0 {
			return sum / float64(count), true
		}
	}
	return 0, false
}

// Price returns the hourly average price at t per kWh
func (d *Document) Price(t time.Time) (float64, bool) {
	price, ok := d.HourlyAverage(t)
	if !ok {
		return 0, false
	}
	return price / 1000, true
}

// Decode parses a Publication_MarketDocument
func Decode(r io.Reader) (*Document, error) {
	var doc Document
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("error parsing XML: %w", err)
	}
	if len(doc.TimeSeries) == 0 {
		return nil, fmt.Errorf("document %q contains no price series", doc.MRID)
	}
	return &doc, nil
}

// LoadFile parses a Publication_MarketDocument stored on disk
func LoadFile(path string) (*Document, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open price file: %w", err)
	}
	defer file.Close()
	return Decode(file)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04Z07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse time string: %s", s)
}

// parseResolution understands the ISO 8601 resolutions ENTSO-E publishes:
// PT15M, PT30M, PT60M, PT1H and P1D
func parseResolution(s string) (time.Duration, error) {
	if s == "P1D" {
		return 24 * time.Hour, nil
	}
	if rest, ok := strings.CutPrefix(s, "PT"); ok {
		d, err := time.ParseDuration(strings.ToLower(rest))
		if err == nil && d > 0 {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unsupported resolution: %q", s)
}
