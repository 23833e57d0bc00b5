// Package catalog notifies the discovery catalog about archived batches.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BadgerOps/tapevault/internal/safety"
)

// Registration is the metadata sent for one batch.
type Registration struct {
	BatchID   string `json:"batch_id"`
	VaultPath string `json:"vault_path,omitempty"`
	Parts     []Part `json:"parts"`
	Items     []Item `json:"items"`
}

// Part is the checksum record of one part of the remote package.
type Part struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Algorithm string `json:"algorithm"`
	Checksum  string `json:"checksum"`
}

// Item describes one package of a batch.
type Item struct {
	DatasetID      string `json:"dataset_id"`
	DatasetVersion string `json:"dataset_version"`
	BagID          string `json:"bag_id"`
	NBN            string `json:"nbn,omitempty"`
	ObjectID       string `json:"object_id"`
	Checksum       string `json:"checksum,omitempty"`
	Size           int64  `json:"size"`
}

// Registrar receives batch registrations.
type Registrar interface {
	RegisterBatch(ctx context.Context, reg Registration) error
}

// Noop logs registrations without sending them anywhere.
type Noop struct {
	logger *slog.Logger
}

// NewNoop creates a registrar that only logs.
func NewNoop(logger *slog.Logger) *Noop {
	return &Noop{logger: logger}
}

// RegisterBatch implements Registrar.
func (n *Noop) RegisterBatch(ctx context.Context, reg Registration) error {
	n.logger.Info("catalog registration skipped, no catalog configured",
		"batch", reg.BatchID, "items", len(reg.Items), "parts", len(reg.Parts))
	return nil
}

const maxErrorBody = 4 << 10

// HTTP posts registrations as JSON to <base>/batches/<id>.
type HTTP struct {
	base       *url.URL
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTP creates a catalog client. Bearer tokens are only sent over
// https or to a loopback host.
func NewHTTP(baseURL, token string, timeout time.Duration, logger *slog.Logger) (*HTTP, error) {
	u, err := safety.ValidateEndpoint(baseURL, token != "")
	if err != nil {
		return nil, fmt.Errorf("catalog url: %w", err)
	}
	return &HTTP{
		base:       u,
		token:      token,
		httpClient: safety.NewHTTPClient(timeout),
		logger:     logger,
	}, nil
}

// RegisterBatch implements Registrar.
func (c *HTTP) RegisterBatch(ctx context.Context, reg Registration) error {
	body, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshaling registration: %w", err)
	}

	endpoint := strings.TrimRight(c.base.String(), "/") + "/batches/" + url.PathEscape(reg.BatchID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tapevault/1.0")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registering batch %s: %w", reg.BatchID, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("registering batch %s: catalog returned %s: %s",
			reg.BatchID, resp.Status, safety.Snippet(resp.Body, maxErrorBody))
	}

	c.logger.Info("batch registered with catalog",
		"batch", reg.BatchID, "items", len(reg.Items), "parts", len(reg.Parts))
	return nil
}
