// Package egress manages the pool of outbound proxy identities the
// platform fetcher rotates through.
//
// The list comes from the admin API and is cached for five minutes, in
// process and in Redis. When the admin API is unreachable the pool falls
// back to the last cached list and finally to hardcoded identities.
// Outcome reports flow back to the admin API and fold into a local
// success-rate estimate so the sort order adapts between refreshes.
package egress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/tangleworks/vidimport/internal/adapter/observability"
	"github.com/tangleworks/vidimport/internal/domain"
)

const cacheKey = "egress:identities"

// adminIdentity is the admin API's wire shape for one proxy.
type adminIdentity struct {
	ID          string  `json:"id"`
	URL         string  `json:"url"`
	Host        string  `json:"host"`
	Port        int     `json:"port"`
	Username    string  `json:"username"`
	Password    string  `json:"password"`
	Type        string  `json:"type"`
	Status      string  `json:"status"`
	Priority    int     `json:"priority"`
	SuccessRate float64 `json:"successRate"`
}

// Config carries the pool settings.
type Config struct {
	AdminURL       string
	InternalSecret string
	CacheTTL       time.Duration
	// Fallbacks are proxy URLs used when neither the admin API nor the
	// Redis cache can produce a list.
	Fallbacks []string
}

// Pool implements domain.EgressPool.
type Pool struct {
	cfg        Config
	rdb        *redis.Client
	httpClient *http.Client

	mu         sync.Mutex
	identities []domain.EgressIdentity
	lastFetch  time.Time
	// local per-identity outcome counts folded into the sort between
	// admin refreshes
	outcomes map[string]*tally
}

type tally struct {
	success int
	total   int
}

// New constructs a Pool. rdb may be nil; the Redis cache layer is then
// skipped.
func New(cfg Config, rdb *redis.Client) *Pool {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Pool{
		cfg: cfg,
		rdb: rdb,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		outcomes: map[string]*tally{},
	}
}

// Identities returns the current best-sorted identity list. Never
// returns an empty slice while fallbacks are configured.
func (p *Pool) Identities(ctx domain.Context) []domain.EgressIdentity {
	tracer := otel.Tracer("egress.pool")
	ctx, span := tracer.Start(ctx, "egress.Identities")
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.identities == nil || time.Since(p.lastFetch) > p.cfg.CacheTTL {
		ids, err := p.fetch(ctx)
		if err != nil {
			slog.Warn("egress identity fetch failed",
				slog.Any("error", err),
				slog.Int("cached_count", len(p.identities)))
			if cached := p.fromRedis(ctx); cached != nil {
				ids = cached
			} else if p.identities != nil {
				ids = p.identities
			} else {
				ids = p.fallbacks()
			}
		} else {
			p.toRedis(ctx, ids)
			p.outcomes = map[string]*tally{}
		}
		p.identities = ids
		p.lastFetch = time.Now()
	}

	out := make([]domain.EgressIdentity, len(p.identities))
	copy(out, p.identities)
	p.sortLocked(out)
	return out
}

// ReportResult records the outcome of one download attempt through an
// identity. Hardcoded fallbacks are never reported to the admin API.
func (p *Pool) ReportResult(ctx domain.Context, identity domain.EgressIdentity, success bool, responseMS int64) {
	observability.EgressAttempt(success)

	p.mu.Lock()
	tl := p.outcomes[identity.URL]
	if tl == nil {
		tl = &tally{}
		p.outcomes[identity.URL] = tl
	}
	tl.total++
	if success {
		tl.success++
	}
	p.mu.Unlock()

	if identity.Fallback() || p.cfg.AdminURL == "" {
		return
	}

	body, _ := json.Marshal(map[string]any{
		"url":        identity.URL,
		"success":    success,
		"responseMs": responseMS,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.AdminURL, "/")+"/api/internal/proxies/report", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("x-internal-secret", p.cfg.InternalSecret)
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		slog.Warn("egress result report failed", slog.Any("error", err), slog.String("identity", identity.ID))
		return
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
}

// fetch pulls the identity list from the admin API.
func (p *Pool) fetch(ctx domain.Context) ([]domain.EgressIdentity, error) {
	if p.cfg.AdminURL == "" {
		return nil, fmt.Errorf("op=egress.fetch: %w: admin url not configured", domain.ErrInvalidArgument)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(p.cfg.AdminURL, "/")+"/api/internal/proxies", nil)
	if err != nil {
		return nil, fmt.Errorf("op=egress.fetch: %w", err)
	}
	req.Header.Set("x-internal-secret", p.cfg.InternalSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=egress.fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("op=egress.fetch: status %d: %s", resp.StatusCode, snippet)
	}

	var raw []adminIdentity
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("op=egress.fetch: %w", err)
	}

	out := make([]domain.EgressIdentity, 0, len(raw))
	for _, a := range raw {
		if a.Status != "" && !strings.EqualFold(a.Status, "active") {
			continue
		}
		u := a.URL
		if u == "" && a.Host != "" {
			scheme := a.Type
			if scheme == "" {
				scheme = "http"
			}
			if a.Username != "" {
				u = fmt.Sprintf("%s://%s:%s@%s:%d", scheme, a.Username, a.Password, a.Host, a.Port)
			} else {
				u = fmt.Sprintf("%s://%s:%d", scheme, a.Host, a.Port)
			}
		}
		if u == "" {
			continue
		}
		out = append(out, domain.EgressIdentity{
			ID:          a.ID,
			URL:         u,
			Priority:    a.Priority,
			SuccessRate: a.SuccessRate,
		})
	}
	slog.Info("egress identities refreshed", slog.Int("count", len(out)))
	return out, nil
}

func (p *Pool) fallbacks() []domain.EgressIdentity {
	out := make([]domain.EgressIdentity, 0, len(p.cfg.Fallbacks))
	for i, u := range p.cfg.Fallbacks {
		out = append(out, domain.EgressIdentity{
			ID:          fmt.Sprintf("hardcoded-%d", i+1),
			URL:         u,
			SuccessRate: 1,
		})
	}
	return out
}

// sortLocked orders identities by priority desc, then effective success
// rate desc. Local outcome counts override the admin-reported rate once
// an identity has been tried this cache window.
func (p *Pool) sortLocked(ids []domain.EgressIdentity) {
	rate := func(e domain.EgressIdentity) float64 {
		if tl := p.outcomes[e.URL]; tl != nil && tl.total > 0 {
			return float64(tl.success) / float64(tl.total)
		}
		return e.SuccessRate
	}
	sort.SliceStable(ids, func(i, j int) bool {
		if ids[i].Priority != ids[j].Priority {
			return ids[i].Priority > ids[j].Priority
		}
		return rate(ids[i]) > rate(ids[j])
	})
}

func (p *Pool) toRedis(ctx domain.Context, ids []domain.EgressIdentity) {
	if p.rdb == nil {
		return
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return
	}
	if err := p.rdb.Set(ctx, cacheKey, b, p.cfg.CacheTTL).Err(); err != nil {
		slog.Warn("egress cache write failed", slog.Any("error", err))
	}
}

func (p *Pool) fromRedis(ctx domain.Context) []domain.EgressIdentity {
	if p.rdb == nil {
		return nil
	}
	b, err := p.rdb.Get(ctx, cacheKey).Bytes()
	if err != nil {
		return nil
	}
	var ids []domain.EgressIdentity
	if err := json.Unmarshal(b, &ids); err != nil {
		return nil
	}
	return ids
}
