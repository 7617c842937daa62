package caltopo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/twpayne/go-geom"
)

// Client talks to the CalTopo map API. It is safe for concurrent use by all
// vehicle workers; the only mutable state is the per-label marker id cache,
// which is guarded by its own lock.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     RequestSigner
	log        *logrus.Entry

	mu        sync.Mutex
	markerIDs map[string]string // marker label -> backend feature id
}

// NewClient builds a client for the signed protocol. The supplied http.Client
// should carry a bounded timeout; a timeout is handled like any transport
// error.
func NewClient(baseURL string, signer RequestSigner, httpClient *http.Client, log *logrus.Entry) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		signer:     signer,
		log:        log,
		markerIDs:  make(map[string]string),
	}
}

// Feature is the subset of a CalTopo map feature the relay cares about.
type Feature struct {
	ID         string `json:"id"`
	Properties struct {
		Title string `json:"title"`
		Class string `json:"class"`
	} `json:"properties"`
}

// MapData is the feature listing for one map.
type MapData struct {
	Features []Feature `json:"features"`
}

type apiEnvelope struct {
	Result json.RawMessage `json:"result"`
}

// do issues one signed request and returns the raw result document.
func (c *Client) do(ctx context.Context, op, method, endpoint string, payload any, resource string) (json.RawMessage, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("%s: signed protocol credentials not configured", op)
	}
	payloadStr := ""
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", op, err)
		}
		payloadStr = string(encoded)
	}

	req, err := c.signer.NewRequest(ctx, method, c.baseURL, endpoint, payloadStr)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	write := method != http.MethodGet
	if err := classify(op, resp.StatusCode, write, resource); err != nil {
		io.Copy(io.Discard, resp.Body)
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if len(body) == 0 {
		return nil, nil
	}
	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return envelope.Result, nil
}

// trackFeature builds the GeoJSON line feature CalTopo expects for a track.
func trackFeature(points []geom.Coord, label, description string) map[string]any {
	coords := make([][]float64, 0, len(points))
	for _, p := range points {
		coords = append(coords, []float64{p.X(), p.Y()}) // lon, lat
	}
	return map[string]any{
		"type": "Feature",
		"geometry": map[string]any{
			"type":        "LineString",
			"coordinates": coords,
		},
		"properties": map[string]any{
			"title":          label,
			"description":    description,
			"stroke":         "#FF0000",
			"stroke-width":   3,
			"stroke-opacity": 0.8,
			"class":          "Shape",
		},
	}
}

// CreateTrack creates a new track polyline and returns the backend-assigned
// track id. Points are (lon, lat); at least one is required.
func (c *Client) CreateTrack(ctx context.Context, mapID string, points []geom.Coord, label, description string) (string, error) {
	if len(points) == 0 {
		return "", fmt.Errorf("create track %q: no points", label)
	}
	endpoint := fmt.Sprintf("/api/v1/map/%s/Shape", mapID)
	result, err := c.do(ctx, "create track", http.MethodPost, endpoint, trackFeature(points, label, description), "map "+mapID)
	if err != nil {
		return "", err
	}
	id, err := featureID(result)
	if err != nil {
		return "", &TransportError{Op: "create track", Err: err}
	}
	c.log.WithFields(logrus.Fields{"map_id": mapID, "track": label, "track_id": id}).Info("Created track")
	return id, nil
}

// UpdateTrack replaces the full point list of an existing track. The backend
// has no append operation, so callers resend the complete polyline each time.
// A *ConflictError means the track id is stale and must be recreated.
func (c *Client) UpdateTrack(ctx context.Context, mapID, trackID string, points []geom.Coord, label, description string) error {
	if len(points) == 0 {
		return fmt.Errorf("update track %q: no points", label)
	}
	endpoint := fmt.Sprintf("/api/v1/map/%s/Shape/%s", mapID, trackID)
	_, err := c.do(ctx, "update track", http.MethodPost, endpoint, trackFeature(points, label, description), "track "+trackID)
	return err
}

// UpsertMarker creates or replaces the position marker for a label. The
// backend feature id is cached per label; a stale cached id is dropped and
// the marker recreated.
func (c *Client) UpsertMarker(ctx context.Context, mapID, label string, lon, lat float64, description string) error {
	feature := map[string]any{
		"type": "Feature",
		"geometry": map[string]any{
			"type":        "Point",
			"coordinates": []float64{lon, lat},
		},
		"properties": map[string]any{
			"title":         label,
			"description":   description,
			"marker-symbol": "airport",
			"marker-color":  "#FF0000",
			"marker-size":   "medium",
			"class":         "Marker",
		},
	}

	c.mu.Lock()
	markerID := c.markerIDs[label]
	c.mu.Unlock()

	endpoint := fmt.Sprintf("/api/v1/map/%s/Marker", mapID)
	if markerID != "" {
		_, err := c.do(ctx, "update marker", http.MethodPost, endpoint+"/"+markerID, feature, "marker "+markerID)
		if err == nil {
			return nil
		}
		if !IsConflict(err) {
			return err
		}
		// Marker vanished; forget the id and create a fresh one.
		c.mu.Lock()
		delete(c.markerIDs, label)
		c.mu.Unlock()
	}

	result, err := c.do(ctx, "create marker", http.MethodPost, endpoint, feature, "map "+mapID)
	if err != nil {
		return err
	}
	if id, err := featureID(result); err == nil {
		c.mu.Lock()
		c.markerIDs[label] = id
		c.mu.Unlock()
	}
	return nil
}

// MapData fetches the current feature listing for a map.
func (c *Client) MapData(ctx context.Context, mapID string) (*MapData, error) {
	endpoint := fmt.Sprintf("/api/v1/map/%s/since/0", mapID)
	result, err := c.do(ctx, "map data", http.MethodGet, endpoint, nil, "map "+mapID)
	if err != nil {
		return nil, err
	}
	var data MapData
	if err := json.Unmarshal(result, &data); err != nil {
		return nil, &TransportError{Op: "map data", Err: fmt.Errorf("decode map data: %w", err)}
	}
	return &data, nil
}

// DeleteMarkersMatching removes markers whose title starts with labelPrefix.
// Best effort: failures are logged and never escalated, since stale markers
// only clutter the map.
func (c *Client) DeleteMarkersMatching(ctx context.Context, mapID, labelPrefix string) error {
	data, err := c.MapData(ctx, mapID)
	if err != nil {
		c.log.WithError(err).WithField("map_id", mapID).Warn("Marker cleanup: failed to list map features")
		return err
	}
	for _, feature := range data.Features {
		if feature.Properties.Class != "Marker" || !strings.HasPrefix(feature.Properties.Title, labelPrefix) {
			continue
		}
		endpoint := fmt.Sprintf("/api/v1/map/%s/Marker/%s", mapID, feature.ID)
		if _, err := c.do(ctx, "delete marker", http.MethodDelete, endpoint, nil, "marker "+feature.ID); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"map_id":    mapID,
				"marker_id": feature.ID,
			}).Warn("Marker cleanup: delete failed")
		}
	}
	return nil
}

// ReportPoint posts one position fix through the unsigned connect protocol.
// Success is a bare HTTP 200; credential rejections are fatal, everything
// else is retryable.
func (c *Client) ReportPoint(ctx context.Context, connectKey, deviceLabel string, lat, lon float64, alt *float64) error {
	params := url.Values{}
	params.Set("id", deviceLabel)
	params.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	params.Set("lng", strconv.FormatFloat(lon, 'f', 6, 64))
	if alt != nil {
		params.Set("alt", strconv.FormatFloat(*alt, 'f', 1, 64))
	}

	reqURL := fmt.Sprintf("%s/api/v1/position/report/%s?%s", c.baseURL, connectKey, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return &TransportError{Op: "report point", Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "report point", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Op: "report point", StatusCode: resp.StatusCode}
	default:
		return &TransportError{Op: "report point", StatusCode: resp.StatusCode}
	}
}

// featureID pulls the id out of a feature creation result.
func featureID(result json.RawMessage) (string, error) {
	var feature struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(result, &feature); err != nil {
		return "", fmt.Errorf("decode feature id: %w", err)
	}
	switch id := feature.ID.(type) {
	case string:
		if id != "" {
			return id, nil
		}
	case float64:
		return strconv.FormatInt(int64(id), 10), nil
	}
	return "", fmt.Errorf("feature result carried no id")
}
