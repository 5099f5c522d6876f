package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// Weather implements the SPEC_FULL.md supplement's local fallback for the
// "weather" intent, used when no remote weather agent is registered in
// the A2A registry for the fixed intent->agent mapping (spec §4.11 step
// 7). When OPENWEATHER_API_KEY (or WEATHER_API_KEY) is set it calls the
// OpenWeatherMap current-weather endpoint directly over net/http — no
// weather SDK appears anywhere in the example pack, so this is the
// stdlib-justified choice rather than a fabricated dependency. Otherwise
// it returns a mocked forecast.
func Weather(ctx context.Context, input Input) (string, error) {
	location := extractLocation(input.Text)
	apiKey := firstNonEmpty(os.Getenv("OPENWEATHER_API_KEY"), os.Getenv("WEATHER_API_KEY"))
	if apiKey == "" {
		return fmt.Sprintf("Weather for %s: 22°C, partly cloudy (mocked — no weather provider configured).", location), nil
	}

	client := &http.Client{Timeout: 10 * time.Second}
	url := fmt.Sprintf("https://api.openweathermap.org/data/2.5/weather?q=%s&appid=%s&units=metric", location, apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build weather request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch weather: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("weather provider returned status %d", resp.StatusCode)
	}

	var payload struct {
		Weather []struct {
			Description string `json:"description"`
		} `json:"weather"`
		Main struct {
			Temp float64 `json:"temp"`
		} `json:"main"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode weather response: %w", err)
	}
	description := "clear"
	if len(payload.Weather) > 0 {
		description = payload.Weather[0].Description
	}
	return fmt.Sprintf("Weather for %s: %.0f°C, %s.", payload.Name, payload.Main.Temp, description), nil
}

func extractLocation(text string) string {
	trimmed := strings.TrimSpace(text)
	for _, marker := range []string{" in ", " for ", " at "} {
		if idx := strings.LastIndex(strings.ToLower(trimmed), marker); idx >= 0 {
			return strings.TrimSpace(trimmed[idx+len(marker):])
		}
	}
	return "your location"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
