// Package source reads the spreadsheet-backed legacy system. It is strictly
// read-only: every call is a list-style POST returning rows.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/clinicops/recon/internal/domain"
)

// Operations understood by the spreadsheet endpoint.
const (
	OpReservations = "getReservations"
	OpPatients     = "getPatients"
	OpIntake       = "getIntake"
)

// FetchStats counts what one Fetch call saw.
type FetchStats struct {
	Rows    int `json:"rows"`
	Skipped int `json:"skipped"`
}

// Client talks to the spreadsheet endpoint.
type Client struct {
	http   *resty.Client
	url    string
	token  string
	logger *zap.Logger
}

// New creates a client for the endpoint at url. Retries are disabled: a
// failed read must surface to the operator, not be papered over.
func New(url, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	http := resty.New().
		SetTimeout(60*time.Second).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{http: http, url: url, token: token, logger: logger}
}

// envelope is the object form of a response. Exactly one of the row keys
// is normally present.
type envelope struct {
	OK           *bool       `json:"ok"`
	Error        string      `json:"error"`
	Message      string      `json:"message"`
	Rows         []RawRecord `json:"rows"`
	Reservations []RawRecord `json:"reservations"`
	Data         []RawRecord `json:"data"`
}

// Fetch runs op and returns its rows as canonical records, in response
// order. Rows that carry no identity key are logged, counted and skipped.
func (c *Client) Fetch(ctx context.Context, op string, params map[string]any) ([]domain.Record, FetchStats, error) {
	var stats FetchStats

	body := map[string]any{"type": op, "token": c.token}
	for k, v := range params {
		if k == "type" || k == "token" {
			continue
		}
		body[k] = v
	}

	c.logger.Debug("fetching from source", zap.String("op", op))
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(c.url)
	if err != nil {
		return nil, stats, &domain.NetworkError{Op: op, URL: c.url, Err: err}
	}
	if resp.IsError() {
		return nil, stats, &domain.NetworkError{Op: op, URL: c.url, StatusCode: resp.StatusCode()}
	}

	raws, err := decodeRows(resp.Body())
	if err != nil {
		return nil, stats, &domain.NetworkError{Op: op, URL: c.url, Err: err}
	}

	origin := "source:" + op
	records := make([]domain.Record, 0, len(raws))
	for seq, raw := range raws {
		stats.Rows++
		rec, err := Normalize(raw, origin, seq)
		if err != nil {
			stats.Skipped++
			c.logger.Warn("skipping source row", zap.String("op", op), zap.Int("seq", seq), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}

	c.logger.Info("fetched from source",
		zap.String("op", op),
		zap.Int("rows", stats.Rows),
		zap.Int("skipped", stats.Skipped),
	)
	return records, stats, nil
}

// decodeRows accepts both response shapes: a bare array of rows, or an
// {ok, rows|reservations|data} envelope.
func decodeRows(body []byte) ([]RawRecord, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty response")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	if trimmed[0] == '[' {
		var rows []RawRecord
		if err := dec.Decode(&rows); err != nil {
			return nil, fmt.Errorf("decode row array: %w", err)
		}
		return rows, nil
	}

	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if env.OK != nil && !*env.OK {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		if msg == "" {
			msg = "ok=false"
		}
		return nil, fmt.Errorf("source refused request: %s", msg)
	}
	switch {
	case env.Rows != nil:
		return env.Rows, nil
	case env.Reservations != nil:
		return env.Reservations, nil
	default:
		return env.Data, nil
	}
}
