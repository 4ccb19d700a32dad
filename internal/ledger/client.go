// Package ledger submits completed sales to the remote sales ledger.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bamskydbest/pharm-sub001/internal/domain"
)

const (
	salesPath  = "/api/v1/sales"
	healthPath = "/healthz"

	// maxErrorBody bounds how much of an error response is read for the
	// rejection reason.
	maxErrorBody = 64 << 10
)

type Client struct {
	baseURL    string
	terminalID string
	http       *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL string, terminalID string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		terminalID: terminalID,
		http:       &http.Client{Timeout: timeout},
		logger:     logger.Named("ledger"),
	}
}

type ackBody struct {
	SaleID     string          `json:"sale_id"`
	Total      json.RawMessage `json:"total"`
	Duplicate  bool            `json:"duplicate"`
	AcceptedAt *time.Time      `json:"accepted_at"`
}

type errorBody struct {
	Error string `json:"error"`
}

// SubmitSale posts payload with its idempotency key. A 409 that carries an
// acknowledgement means the ledger already holds this sale and counts as
// success with Duplicate set.
func (c *Client) SubmitSale(ctx context.Context, payload domain.SalePayload) (domain.SaleAck, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.SaleAck{}, &SubmissionError{Kind: KindPermanent, Reason: "encode payload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+salesPath, bytes.NewReader(body))
	if err != nil {
		return domain.SaleAck{}, &SubmissionError{Kind: KindPermanent, Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", payload.IdempotencyKey)
	if c.terminalID != "" {
		req.Header.Set("X-Terminal-ID", c.terminalID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.SaleAck{}, &SubmissionError{Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return domain.SaleAck{}, &SubmissionError{Kind: KindTransient, StatusCode: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		ack, err := decodeAck(raw, payload)
		if err != nil {
			// The sale may be recorded; retrying with the same key is safe.
			return domain.SaleAck{}, &SubmissionError{Kind: KindTransient, StatusCode: resp.StatusCode, Reason: "unreadable acknowledgement", Err: err}
		}
		c.checkTotal(payload, ack)
		return ack, nil

	case resp.StatusCode == http.StatusConflict:
		ack, err := decodeAck(raw, payload)
		if err == nil && ack.SaleID != "" {
			ack.Duplicate = true
			c.logger.Info("ledger reported duplicate sale",
				zap.String("idempotency_key", payload.IdempotencyKey),
				zap.String("sale_id", ack.SaleID))
			return ack, nil
		}
		return domain.SaleAck{}, &SubmissionError{Kind: KindPermanent, StatusCode: resp.StatusCode, Reason: reasonFrom(raw)}

	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return domain.SaleAck{}, &SubmissionError{Kind: KindTransient, StatusCode: resp.StatusCode, Reason: reasonFrom(raw)}

	default:
		return domain.SaleAck{}, &SubmissionError{Kind: KindPermanent, StatusCode: resp.StatusCode, Reason: reasonFrom(raw)}
	}
}

// Ping checks the ledger health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger health: status %d", resp.StatusCode)
	}
	return nil
}

func decodeAck(raw []byte, payload domain.SalePayload) (domain.SaleAck, error) {
	var body ackBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return domain.SaleAck{}, err
	}
	if body.SaleID == "" {
		return domain.SaleAck{}, errors.New("acknowledgement without sale_id")
	}

	ack := domain.SaleAck{
		SaleID:     body.SaleID,
		Total:      payload.Total,
		Duplicate:  body.Duplicate,
		AcceptedAt: time.Now().UTC(),
	}
	if body.AcceptedAt != nil {
		ack.AcceptedAt = body.AcceptedAt.UTC()
	}
	if len(body.Total) > 0 && string(body.Total) != "null" {
		if err := ack.Total.UnmarshalJSON(body.Total); err != nil {
			return domain.SaleAck{}, fmt.Errorf("acknowledged total: %w", err)
		}
	}
	return ack, nil
}

func (c *Client) checkTotal(payload domain.SalePayload, ack domain.SaleAck) {
	if !ack.Total.Equal(payload.Total) {
		c.logger.Warn("ledger total differs from local total",
			zap.String("idempotency_key", payload.IdempotencyKey),
			zap.String("sale_id", ack.SaleID),
			zap.String("local_total", payload.Total.StringFixed(2)),
			zap.String("ledger_total", ack.Total.StringFixed(2)))
	}
}

func reasonFrom(raw []byte) string {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	text := strings.TrimSpace(string(raw))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
