package events

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
)

// ClickHouseWriter inserts event batches through the ClickHouse HTTP
// interface using the JSONEachRow format, one JSON object per line.
type ClickHouseWriter struct {
	endpoint   string
	user       string
	password   string
	table      string
	httpClient *http.Client
}

// ClickHouseConfig holds the connection settings for the analytics store.
type ClickHouseConfig struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
}

// NewClickHouseWriter creates a writer for the configured instance.
func NewClickHouseWriter(cfg ClickHouseConfig) (*ClickHouseWriter, error) {
	if cfg.Table == "" {
		cfg.Table = "tunnel_events"
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}

	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse url: %w", err)
	}
	q := base.Query()
	q.Set("database", cfg.Database)
	q.Set("query", fmt.Sprintf("INSERT INTO %s FORMAT JSONEachRow", cfg.Table))
	base.RawQuery = q.Encode()

	return &ClickHouseWriter{
		endpoint: base.String(),
		user:     cfg.User,
		password: cfg.Password,
		table:    cfg.Table,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}, nil
}

// WriteBatch implements Writer.
func (w *ClickHouseWriter) WriteBatch(ctx context.Context, batch []Event) error {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, ev := range batch {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode event row: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, &body)
	if err != nil {
		return fmt.Errorf("build insert request: %w", err)
	}
	if w.user != "" {
		req.Header.Set("X-ClickHouse-User", w.user)
		req.Header.Set("X-ClickHouse-Key", w.password)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("insert into %s: %w", w.table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("insert into %s: status %d: %s", w.table, resp.StatusCode, detail)
	}
	return nil
}
