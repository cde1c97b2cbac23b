// Package fhir reads ground-truth data from the FHIR record store backing an
// evaluation: lab observations and patient demographics. Only the queries the
// scorer needs are implemented.
package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// EvalTime is the frozen evaluation clock. Ground-truth windows and patient
// ages are computed against this instant so results stay reproducible against
// a static record store snapshot.
var EvalTime = time.Date(2023, 11, 13, 10, 15, 0, 0, time.UTC)

// Observation is a single coded measurement.
type Observation struct {
	Code      string
	Value     float64
	Unit      string
	Effective time.Time
}

// Client queries a FHIR base URL.
type Client struct {
	base string
	hc   *http.Client
	now  time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithNow overrides the evaluation clock, used by tests.
func WithNow(now time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a client for the FHIR server at base.
func NewClient(base string, opts ...Option) *Client {
	c := &Client{base: base, hc: &http.Client{Timeout: 30 * time.Second}, now: EvalTime}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now returns the evaluation clock the client computes windows against.
func (c *Client) Now() time.Time { return c.now }

// Observations returns the patient's observations for code, newest first.
func (c *Client) Observations(ctx context.Context, mrn, code string) ([]Observation, error) {
	q := url.Values{}
	q.Set("patient", mrn)
	q.Set("code", code)
	q.Set("_count", "5000")
	q.Set("_format", "json")

	var bundle bundle
	if err := c.get(ctx, "/Observation?"+q.Encode(), &bundle); err != nil {
		return nil, fmt.Errorf("query observations %s for %s: %w", code, mrn, err)
	}

	var out []Observation
	for _, entry := range bundle.Entry {
		var res observationResource
		if err := json.Unmarshal(entry.Resource, &res); err != nil {
			log.Warn().Err(err).Str("mrn", mrn).Msg("skipping undecodable observation")
			continue
		}
		effective, err := time.Parse(time.RFC3339, res.EffectiveDateTime)
		if err != nil {
			log.Warn().Str("mrn", mrn).Str("effective", res.EffectiveDateTime).Msg("skipping observation with bad timestamp")
			continue
		}
		out = append(out, Observation{
			Code:      code,
			Value:     res.ValueQuantity.Value,
			Unit:      res.ValueQuantity.Unit,
			Effective: effective,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Effective.After(out[j].Effective) })
	return out, nil
}

// Latest returns the most recent observation for code. The second return is
// false when the patient has none.
func (c *Client) Latest(ctx context.Context, mrn, code string) (Observation, bool, error) {
	obs, err := c.Observations(ctx, mrn, code)
	if err != nil {
		return Observation{}, false, err
	}
	if len(obs) == 0 {
		return Observation{}, false, nil
	}
	return obs[0], true, nil
}

// LatestWithin returns the most recent observation for code taken no earlier
// than the window before the evaluation clock. The window has no upper bound.
func (c *Client) LatestWithin(ctx context.Context, mrn, code string, window time.Duration) (Observation, bool, error) {
	latest, ok, err := c.Latest(ctx, mrn, code)
	if err != nil || !ok {
		return Observation{}, false, err
	}
	if latest.Effective.Before(c.now.Add(-window)) {
		return Observation{}, false, nil
	}
	return latest, true, nil
}

// AverageWithin returns the mean value of the observations taken no earlier
// than the window before the evaluation clock. The second return is false
// when the window holds no observations.
func (c *Client) AverageWithin(ctx context.Context, mrn, code string, window time.Duration) (float64, bool, error) {
	obs, err := c.Observations(ctx, mrn, code)
	if err != nil {
		return 0, false, err
	}
	cutoff := c.now.Add(-window)
	var sum float64
	var n int
	for _, o := range obs {
		if o.Effective.Before(cutoff) {
			continue
		}
		sum += o.Value
		n++
	}
	if n == 0 {
		return 0, false, nil
	}
	return sum / float64(n), true, nil
}

// PatientAge returns the patient's age in whole years at the evaluation clock.
func (c *Client) PatientAge(ctx context.Context, mrn string) (int, error) {
	q := url.Values{}
	q.Set("identifier", mrn)
	q.Set("_format", "json")

	var bundle bundle
	if err := c.get(ctx, "/Patient?"+q.Encode(), &bundle); err != nil {
		return 0, fmt.Errorf("query patient %s: %w", mrn, err)
	}
	if len(bundle.Entry) == 0 {
		return 0, fmt.Errorf("patient %s not found", mrn)
	}

	var res patientResource
	if err := json.Unmarshal(bundle.Entry[0].Resource, &res); err != nil {
		return 0, fmt.Errorf("decode patient %s: %w", mrn, err)
	}
	birth, err := time.Parse("2006-01-02", res.BirthDate)
	if err != nil {
		return 0, fmt.Errorf("parse birth date %q: %w", res.BirthDate, err)
	}

	age := c.now.Year() - birth.Year()
	// Compare calendar month/day, not year-day: year-days shift by one after
	// Feb 29 of a leap birth year.
	if c.now.Month() < birth.Month() ||
		(c.now.Month() == birth.Month() && c.now.Day() < birth.Day()) {
		age--
	}
	return age, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode bundle: %w", err)
	}
	return nil
}

type bundle struct {
	Entry []struct {
		Resource json.RawMessage `json:"resource"`
	} `json:"entry"`
}

type observationResource struct {
	EffectiveDateTime string `json:"effectiveDateTime"`
	ValueQuantity     struct {
		Value float64 `json:"value"`
		Unit  string  `json:"unit"`
	} `json:"valueQuantity"`
}

type patientResource struct {
	BirthDate string `json:"birthDate"`
}
