package fetcher

import (
	"time"

	"github.com/aqiwatch/pipeline/internal/aqi"
	"github.com/aqiwatch/pipeline/internal/provider"
)

// ToReading converts a provider response into the persisted Reading shape,
// stamping it with the current time and fetch metadata.
func ToReading(location string, resp *provider.Response, responseTimeMs, retries int) aqi.Reading {
	pollution := resp.Data.Current.Pollution
	weather := resp.Data.Current.Weather

	return aqi.Reading{
		Location:  location,
		Timestamp: time.Now().UTC(),
		Coordinates: aqi.Coordinates{
			Lon: resp.Data.Location.Coordinates[0],
			Lat: resp.Data.Location.Coordinates[1],
		},
		AQI:           pollution.AQIUS,
		MainPollutant: aqi.Pollutant(pollution.MainUS),
		Level:         aqi.LevelForAQI(pollution.AQIUS),
		Weather: aqi.Weather{
			Temperature:   weather.Tp,
			Humidity:      weather.Hu,
			Pressure:      weather.Pr,
			WindSpeed:     weather.Ws,
			WindDirection: weather.Wd,
		},
		Metadata: aqi.Metadata{
			APIResponseTimeMs: responseTimeMs,
			Cached:            false,
			RetryCount:        retries,
		},
	}
}
