package entsoe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hourly curve with position 3 omitted (A03 curves skip repeated prices)
const hourlyXML = `<?xml version="1.0" encoding="UTF-8"?>
<Publication_MarketDocument xmlns="urn:iec62325.351:tc57wg16:451-3:publicationdocument:7:3">
    <mRID>doc-1</mRID>
    <type>A44</type>
    <period.timeInterval>
        <start>2025-09-05T22:00Z</start>
        <end>2025-09-06T02:00Z</end>
    </period.timeInterval>
    <TimeSeries>
        <currency_Unit.name>EUR</currency_Unit.name>
        <price_Measure_Unit.name>MWH</price_Measure_Unit.name>
        <curveType>A03</curveType>
        <Period>
            <timeInterval>
                <start>2025-09-05T22:00Z</start>
                <end>2025-09-06T02:00Z</end>
            </timeInterval>
            <resolution>PT60M</resolution>
            <Point><position>4</position><price.amount>-5.00</price.amount></Point>
            <Point><position>1</position><price.amount>45.50</price.amount></Point>
            <Point><position>2</position><price.amount>42.30</price.amount></Point>
        </Period>
    </TimeSeries>
</Publication_MarketDocument>`

const quarterHourXML = `<Publication_MarketDocument>
    <mRID>doc-2</mRID>
    <TimeSeries>
        <Period>
            <timeInterval>
                <start>2025-10-01T00:00Z</start>
                <end>2025-10-01T01:00Z</end>
            </timeInterval>
            <resolution>PT15M</resolution>
            <Point><position>1</position><price.amount>100</price.amount></Point>
            <Point><position>2</position><price.amount>80</price.amount></Point>
            <Point><position>3</position><price.amount>60</price.amount></Point>
            <Point><position>4</position><price.amount>40</price.amount></Point>
        </Period>
    </TimeSeries>
</Publication_MarketDocument>`

func TestDecode(t *testing.T) {
	doc, err := Decode(strings.NewReader(hourlyXML))
	require.NoError(t, err)

	assert.Equal(t, "doc-1", doc.MRID)
	assert.Equal(t, "A44", doc.Type)
	assert.Equal(t, time.Date(2025, 9, 5, 22, 0, 0, 0, time.UTC), doc.Interval.Start.UTC())
	require.Len(t, doc.TimeSeries, 1)

	ts := doc.TimeSeries[0]
	assert.Equal(t, "EUR", ts.Currency)
	assert.Equal(t, "MWH", ts.PriceUnit)
	assert.Equal(t, time.Hour, ts.Period.Resolution)
	require.Len(t, ts.Period.Points, 3)
	assert.Equal(t, []int{1, 2, 4}, []int{
		ts.Period.Points[0].Position,
		ts.Period.Points[1].Position,
		ts.Period.Points[2].Position,
	})
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(strings.NewReader("<not xml"))
	assert.Error(t, err)

	_, err = Decode(strings.NewReader(`<Publication_MarketDocument><mRID>x</mRID></Publication_MarketDocument>`))
	assert.Error(t, err)

	bad := strings.Replace(quarterHourXML, "PT15M", "PT0M", 1)
	_, err = Decode(strings.NewReader(bad))
	assert.Error(t, err)
}

func TestPeriodPriceAt(t *testing.T) {
	doc, err := Decode(strings.NewReader(hourlyXML))
	require.NoError(t, err)
	period := doc.TimeSeries[0].Period
	start := time.Date(2025, 9, 5, 22, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		at    time.Time
		want  float64
		found bool
	}{
		{"before start", start.Add(-time.Minute), 0, false},
		{"first position", start, 45.5, true},
		{"inside first hour", start.Add(59 * time.Minute), 45.5, true},
		{"second position", start.Add(time.Hour), 42.3, true},
		{"missing position repeats previous", start.Add(2 * time.Hour), 42.3, true},
		{"negative price", start.Add(3 * time.Hour), -5, true},
		{"end is exclusive", start.Add(4 * time.Hour), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, found := period.PriceAt(tt.at)
			assert.Equal(t, tt.found, found)
			assert.InDelta(t, tt.want, price, 1e-9)
		})
	}
}

func TestHourlyAverage(t *testing.T) {
	doc, err := Decode(strings.NewReader(quarterHourXML))
	require.NoError(t, err)

	avg, ok := doc.HourlyAverage(time.Date(2025, 10, 1, 0, 40, 0, 0, time.UTC))
	require.True(t, ok)
	assert.InDelta(t, 70.0, avg, 1e-9)

	perKWh, ok := doc.Price(time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.InDelta(t, 0.07, perKWh, 1e-12)

	_, ok = doc.Price(time.Date(2025, 10, 1, 1, 0, 0, 0, time.UTC))
	assert.False(t, ok)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.xml")
	require.NoError(t, os.WriteFile(path, []byte(hourlyXML), 0o644))

	doc, err := LoadFile(path)
	require.NoError(t, err)
	price, ok := doc.Price(time.Date(2025, 9, 5, 23, 30, 0, 0, time.UTC))
	require.True(t, ok)
	assert.InDelta(t, 0.0423, price, 1e-12)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.xml"))
	assert.Error(t, err)
}

func TestParseResolution(t *testing.T) {
	for in, want := range map[string]time.Duration{
		"PT15M": 15 * time.Minute,
		"PT30M": 30 * time.Minute,
		"PT60M": time.Hour,
		"PT1H":  time.Hour,
		"P1D":   24 * time.Hour,
	} {
		got, err := parseResolution(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "15M", "PTxM", "P1W"} {
		_, err := parseResolution(in)
		assert.Error(t, err, in)
	}
}

func TestDayAheadPrices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "A44", q.Get("documentType"))
		assert.Equal(t, "10YLV-1001A00074", q.Get("in_Domain"))
		assert.Equal(t, "10YLV-1001A00074", q.Get("out_Domain"))
		assert.Equal(t, "202509052200", q.Get("periodStart"))
		assert.Equal(t, "202509060200", q.Get("periodEnd"))
		assert.Equal(t, "secret", q.Get("securityToken"))
		assert.Equal(t, "hvac-mpc/1.0", r.Header.Get("User-Agent"))

		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(hourlyXML))
	}))
	defer server.Close()

	client := NewClient("secret", 5*time.Second)
	client.SetBaseURL(server.URL + "/")

	start := time.Date(2025, 9, 6, 0, 0, 0, 0, time.FixedZone("EEST", 2*3600))
	doc, err := client.DayAheadPrices(context.Background(), "10YLV-1001A00074", start, start.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "doc-1", doc.MRID)
}

func TestDayAheadPricesErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer server.Close()

	start := time.Date(2025, 9, 6, 0, 0, 0, 0, time.UTC)
	client := NewClient("secret", 5*time.Second)
	client.SetBaseURL(server.URL)

	_, err := client.DayAheadPrices(context.Background(), "10YLV-1001A00074", start, start.Add(time.Hour))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "invalid token", apiErr.Message)

	_, err = client.DayAheadPrices(context.Background(), "", start, start.Add(time.Hour))
	assert.Error(t, err)

	_, err = client.DayAheadPrices(context.Background(), "10YLV-1001A00074", start, start)
	assert.Error(t, err)

	_, err = NewClient("", time.Second).DayAheadPrices(context.Background(), "10YLV-1001A00074", start, start.Add(time.Hour))
	assert.Error(t, err)
}
