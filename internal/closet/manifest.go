package closet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Manifest entry types.
const (
	EntryForecast    = "forecast"
	EntryObservation = "observation"
	EntryStationSet  = "station_set"
)

// ManifestEntry describes one blob published for a day/location. Forecast
// entries carry the model and run time, observation entries carry the source,
// observation bucket and the hash of the station set they were recorded
// against, station-set entries carry only their source.
//
// Entries packed into a remote container additionally carry the pack name and
// the byte offset of the blob within it; those blobs are pulled out with a
// validated Range request instead of a whole-object GET.
type ManifestEntry struct {
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"sizeBytes"`
	Type      string `json:"type"`

	// Forecast fields. RunTime is unix milliseconds; zero means unknown.
	Model   string `json:"model,omitempty"`
	RunTime int64  `json:"runTime,omitempty"`

	// Observation fields. ObservedAtBucket is unix milliseconds.
	Source           string `json:"source,omitempty"`
	ObservedAtBucket int64  `json:"observedAtBucket,omitempty"`
	StationSetID     string `json:"stationSetId,omitempty"`

	// Packed-container fields.
	Pack       string `json:"pack,omitempty"`
	PackOffset int64  `json:"packOffset,omitempty"`
}

// ManifestClient fetches manifests and blob payloads from the remote CDN.
type ManifestClient struct {
	baseURL string
	client  *http.Client
}

// NewManifestClient creates a client for the CDN at baseURL. If httpClient is
// nil a default client with a 30 second timeout is used; slow-but-valid
// response policy lives entirely on the injected client.
func NewManifestClient(baseURL string, httpClient *http.Client) *ManifestClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &ManifestClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
	}
}

// FetchManifest retrieves the manifest for one day and location. A day with
// no published manifest is not an error; it yields an empty entry list.
func (c *ManifestClient) FetchManifest(ctx context.Context, location string, day time.Time) ([]ManifestEntry, error) {
	url := fmt.Sprintf("%s/v1/manifests/%s/%s.json", c.baseURL, location, day.UTC().Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build manifest request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest %s: %v: %w", url, err, ErrTransport)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest %s: status %d: %w", url, resp.StatusCode, ErrTransport)
	}

	var entries []ManifestEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %v: %w", url, err, ErrTransport)
	}

	for i := range entries {
		entries[i].Hash = normalizeHash(entries[i].Hash)
		entries[i].StationSetID = normalizeHash(entries[i].StationSetID)
	}
	return entries, nil
}

// FetchBlob downloads the payload for a manifest entry, either from its
// packed container via a validated Range request or as a whole object.
func (c *ManifestClient) FetchBlob(ctx context.Context, entry ManifestEntry) ([]byte, error) {
	if entry.Pack != "" {
		url := fmt.Sprintf("%s/v1/packs/%s", c.baseURL, entry.Pack)
		return FetchRange(ctx, c.client, url, entry.PackOffset, entry.PackOffset+entry.SizeBytes-1)
	}

	url := fmt.Sprintf("%s/v1/blobs/%s", c.baseURL, normalizeHash(entry.Hash))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build blob request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch blob %s: %v: %w", url, err, ErrTransport)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch blob %s: status %d: %w", url, resp.StatusCode, ErrTransport)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %v: %w", url, err, ErrTransport)
	}
	return data, nil
}
