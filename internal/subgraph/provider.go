// Package subgraph queries the indexed on-chain data service for stake,
// registration, allocation and reward data, with automatic failover between
// a primary and a backup endpoint per query type.
package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/mixnet-ct/internal/log"
	"github.com/Klingon-tech/mixnet-ct/internal/metrics"
)

// Mode says which endpoint a provider is using.
type Mode int

const (
	ModePrimary Mode = iota
	ModeBackup
	ModeNone
)

func (m Mode) String() string {
	switch m {
	case ModePrimary:
		return "primary"
	case ModeBackup:
		return "backup"
	default:
		return "none"
	}
}

// gaugeValue renders the mode for the in-use metric: 0 primary, 1 backup,
// -1 none.
func (m Mode) gaugeValue() float64 {
	switch m {
	case ModePrimary:
		return 0
	case ModeBackup:
		return 1
	default:
		return -1
	}
}

// ErrNoEndpoint is returned while neither endpoint is usable.
var ErrNoEndpoint = fmt.Errorf("subgraph: no usable endpoint")

// Provider runs one query type against its primary/backup endpoint pair.
type Provider struct {
	name      string
	query     string
	rootField string

	primary string
	backup  string

	pageSize  int
	threshold int

	http   *http.Client
	logger zerolog.Logger

	mu       sync.Mutex
	mode     Mode
	failures int // consecutive primary failures
}

// NewProvider creates a provider for one query type. backup may be empty,
// in which case primary failure goes straight to ModeNone.
func NewProvider(name, query, rootField, primary, backup string, pageSize, failureThreshold int, timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := &Provider{
		name:      name,
		query:     query,
		rootField: rootField,
		primary:   primary,
		backup:    backup,
		pageSize:  pageSize,
		threshold: failureThreshold,
		http:      &http.Client{Timeout: timeout},
		logger:    log.Subgraph.With().Str("query", name).Logger(),
	}
	p.publishMode()
	return p
}

// Mode returns the endpoint currently in use.
func (p *Provider) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Name returns the query type name.
func (p *Provider) Name() string { return p.name }

func (p *Provider) publishMode() {
	metrics.SubgraphInUse.WithLabelValues(p.name).Set(p.mode.gaugeValue())
}

// FetchAll paginates the query until a page comes back shorter than the page
// size. extraVars are merged into the pagination variables. Endpoint failures
// drive the failover state machine; callers must treat an error as "keep the
// cached data".
func (p *Provider) FetchAll(ctx context.Context, extraVars map[string]interface{}) ([]json.RawMessage, error) {
	url, mode, err := p.currentEndpoint()
	if err != nil {
		return nil, err
	}

	var rows []json.RawMessage
	skip := 0
	for {
		vars := map[string]interface{}{"first": p.pageSize, "skip": skip}
		for k, v := range extraVars {
			vars[k] = v
		}

		page, err := p.execute(ctx, url, vars)
		if err != nil {
			p.recordFailure(mode, err)
			return nil, fmt.Errorf("subgraph %s (%s): %w", p.name, mode, err)
		}

		rows = append(rows, page...)
		if len(page) < p.pageSize {
			break
		}
		skip += p.pageSize
	}

	p.recordSuccess(mode)
	metrics.SubgraphSize.WithLabelValues(p.name).Set(float64(len(rows)))
	return rows, nil
}

// Rotate probes the primary endpoint and falls back through backup. Called
// periodically so a recovered primary is picked back up.
func (p *Provider) Rotate(ctx context.Context) {
	probe := map[string]interface{}{"first": 1, "skip": 0}

	if _, err := p.execute(ctx, p.primary, probe); err == nil {
		p.setMode(ModePrimary)
		return
	}
	if p.backup != "" {
		if _, err := p.execute(ctx, p.backup, probe); err == nil {
			p.setMode(ModeBackup)
			return
		}
	}
	p.setMode(ModeNone)
}

func (p *Provider) currentEndpoint() (string, Mode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.mode {
	case ModePrimary:
		return p.primary, ModePrimary, nil
	case ModeBackup:
		return p.backup, ModeBackup, nil
	default:
		return "", ModeNone, ErrNoEndpoint
	}
}

func (p *Provider) recordFailure(mode Mode, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch mode {
	case ModePrimary:
		p.failures++
		if p.failures >= p.threshold {
			if p.backup != "" {
				p.mode = ModeBackup
				p.logger.Warn().Int("failures", p.failures).Err(err).
					Msg("Primary endpoint failing, switching to backup")
			} else {
				p.mode = ModeNone
				p.logger.Error().Err(err).Msg("Primary endpoint failing, no backup configured")
			}
		}
	case ModeBackup:
		p.mode = ModeNone
		p.logger.Error().Err(err).Msg("Backup endpoint failed, serving cached data only")
	}
	p.publishMode()
}

func (p *Provider) recordSuccess(mode Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if mode == ModePrimary {
		p.failures = 0
	}
	p.publishMode()
}

func (p *Provider) setMode(m Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode != m {
		p.logger.Info().Str("from", p.mode.String()).Str("to", m.String()).Msg("Endpoint rotation")
	}
	p.mode = m
	if m == ModePrimary {
		p.failures = 0
	}
	p.publishMode()
}

// execute posts the query with variables and unwraps the root field rows.
func (p *Provider) execute(ctx context.Context, url string, vars map[string]interface{}) ([]json.RawMessage, error) {
	body, err := json.Marshal(map[string]interface{}{
		"query":     p.query,
		"variables": vars,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var envelope struct {
		Data   map[string]json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return nil, fmt.Errorf("query error: %s", envelope.Errors[0].Message)
	}

	raw, ok := envelope.Data[p.rootField]
	if !ok {
		return nil, fmt.Errorf("response missing %q field", p.rootField)
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode %q rows: %w", p.rootField, err)
	}
	return rows, nil
}
