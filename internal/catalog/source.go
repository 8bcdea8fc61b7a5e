package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StaticSource serves the built-in sample patch list.
type StaticSource struct{}

func (StaticSource) Manifests(context.Context) ([]Manifest, error) {
	return []Manifest{
		{
			Version:   "14.17.1",
			Date:      "2024-08-28",
			Size:      "2.1 GB",
			Content:   "assets",
			Manifest:  "93A211A9D0F05050.manifest",
			Languages: []string{"en_us", "fr_fr"},
			Region:    "NA",
		},
		{
			Version:   "14.17.0",
			Date:      "2024-08-21",
			Size:      "1.8 GB",
			Content:   "assets",
			Manifest:  "8B2F119C0E04040.manifest",
			Languages: []string{"en_us", "fr_fr", "ja_jp"},
			Region:    "EUW",
		},
		{
			Version:   "14.16.1",
			Date:      "2024-08-14",
			Size:      "2.3 GB",
			Content:   "sounds",
			Manifest:  "7A1E008B0D03030.manifest",
			Languages: []string{"en_us", "ko_kr"},
			Region:    "KR",
		},
		{
			Version:   "14.16.0",
			Date:      "2024-08-07",
			Size:      "1.9 GB",
			Content:   "assets",
			Manifest:  "690FDD7A0C02020.manifest",
			Languages: []string{"en_us", "fr_fr", "zh_cn"},
			Region:    "JP",
		},
		{
			Version:   "14.15.1",
			Date:      "2024-07-31",
			Size:      "2.0 GB",
			Content:   "assets",
			Manifest:  "580ECC690B01010.manifest",
			Languages: []string{"en_us"},
			Region:    "NA",
		},
	}, nil
}

// HTTPSource reads a JSON array of manifests from URL.
type HTTPSource struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func NewHTTPSource(url string, headers map[string]string) *HTTPSource {
	return &HTTPSource{
		URL:     url,
		Headers: headers,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPSource) Manifests(ctx context.Context) ([]Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("bad status code: %d", resp.StatusCode)
	}

	var list []Manifest
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return list, nil
}
