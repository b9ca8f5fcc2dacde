package simulator

import (
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/sixdouglas/suncalc"
)

// WeatherRecord is one hourly row of a weather file. Temperature is in °C,
// irradiance in W/m².
type WeatherRecord struct {
	Time             string  `csv:"time"`
	Temperature      float64 `csv:"temperature"`
	DirectNormal     float64 `csv:"normal_direct_solar_radiation"`
	RelativeHumidity float64 `csv:"relative_humidity"`
	WindSpeed        float64 `csv:"wind_speed"`
}

// LoadWeather reads weather records in CSV form
func LoadWeather(r io.Reader) ([]WeatherRecord, error) {
	var records []WeatherRecord
	if err := gocsv.Unmarshal(r, &records); err != nil {
		return nil, fmt.Errorf("failed to parse weather csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("weather csv contains no records")
	}
	for i, rec := range records {
		for _, v := range []float64{rec.Temperature, rec.DirectNormal, rec.RelativeHumidity, rec.WindSpeed} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("weather csv row %d contains a non-finite value", i+1)
			}
		}
	}
	return records, nil
}

// LoadWeatherFile reads weather records from a CSV file
func LoadWeatherFile(path string) ([]WeatherRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open weather file: %w", err)
	}
	defer file.Close()

	return LoadWeather(file)
}

// syntheticWeather produces a mild diurnal temperature curve and a clear-sky
// direct normal irradiance from the sun altitude at the given location.
func syntheticWeather(t time.Time, lat, lon float64) WeatherRecord {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	return WeatherRecord{
		Time:             t.Format(time.RFC3339),
		Temperature:      12 + 6*math.Sin((hour-9)/24*2*math.Pi),
		DirectNormal:     clearSkyIrradiance(t, lat, lon),
		RelativeHumidity: 60 - 15*math.Sin((hour-9)/24*2*math.Pi),
		WindSpeed:        3,
	}
}

// clearSkyIrradiance approximates direct normal irradiance under a clear sky
func clearSkyIrradiance(t time.Time, lat, lon float64) float64 {
	pos := suncalc.GetPosition(t, lat, lon)
	altitude := pos.Altitude // radians
	if altitude <= 0 {
		return 0
	}

	// simple air-mass attenuation of the 1361 W/m² solar constant
	airMass := 1 / math.Sin(altitude)
	return 1361 * math.Pow(0.7, math.Pow(airMass, 0.678))
}
