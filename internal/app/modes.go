package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/routegate/internal/audit"
	"github.com/alanyoungcy/routegate/internal/breaker"
	"github.com/alanyoungcy/routegate/internal/coordinator"
	"github.com/alanyoungcy/routegate/internal/crypto"
	"github.com/alanyoungcy/routegate/internal/domain"
	"github.com/alanyoungcy/routegate/internal/feed"
	"github.com/alanyoungcy/routegate/internal/governance"
	"github.com/alanyoungcy/routegate/internal/oracle"
	"github.com/alanyoungcy/routegate/internal/platform/quoter"
	"github.com/alanyoungcy/routegate/internal/platform/relay"
	"github.com/alanyoungcy/routegate/internal/scanner"
	"github.com/alanyoungcy/routegate/internal/server"
	"github.com/alanyoungcy/routegate/internal/server/handler"
	"github.com/alanyoungcy/routegate/internal/server/middleware"
	"github.com/alanyoungcy/routegate/internal/server/ws"
)

// core bundles the policy and gating components shared by every mode: the
// audit recorder, the token table doubling as role resolver, the circuit,
// the volume breaker, and the governance timelock (hydrated from the store).
type core struct {
	rec     *audit.Recorder
	tokens  *middleware.TokenTable
	circuit *breaker.Circuit
	brk     *breaker.Breaker
	tl      *governance.Timelock
}

// buildCore constructs the shared policy plane and rehydrates it from the
// proposal store so executed policy survives restarts.
func (a *App) buildCore(ctx context.Context, deps *Dependencies) (*core, error) {
	rec := audit.NewRecorder(deps.AuditStore, deps.SignalBus, a.logger)

	tokens, err := a.tokenTable()
	if err != nil {
		return nil, err
	}

	registry := governance.NewRegistry()
	circuit := breaker.NewCircuit(tokens, rec, a.logger)
	brk := breaker.NewBreaker(registry, circuit, rec, a.cfg.Breaker.AnomalyThresholdBps, a.logger)

	var locks domain.LockManager
	if a.cfg.Governance.DistributedLock {
		locks = deps.LockManager
	}
	tl := governance.NewTimelock(
		registry, tokens, deps.ProposalStore, locks, deps.Notifier,
		a.cfg.Governance.Delay.Duration, rec, a.logger,
	)
	if err := tl.Hydrate(ctx); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	return &core{rec: rec, tokens: tokens, circuit: circuit, brk: brk, tl: tl}, nil
}

// GateMode runs the full pipeline: feed refresher, scanner workers, the
// risk-gated coordinator, the HTTP/WS control surface, and archival.
func (a *App) GateMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting gate mode",
		slog.Bool("dry_run", a.cfg.Coordinator.DryRun),
	)

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	refFeed := feed.NewCachingFeed(
		feed.NewHTTPFeed(a.cfg.Feed.BaseURL, a.cfg.Feed.Timeout.Duration),
		deps.PriceCache,
		a.logger,
	)
	guard := oracle.NewGuard(refFeed, c.tl.Registry(), c.rec, a.oracleConfig(), a.logger)

	submitter, err := a.buildSubmitter()
	if err != nil {
		return fmt.Errorf("gate mode: %w", err)
	}

	coordCfg, err := a.coordinatorConfig()
	if err != nil {
		return fmt.Errorf("gate mode: %w", err)
	}
	coord := coordinator.New(guard, c.brk, submitter, deps.OpportunityStore, c.rec, coordCfg, a.logger)

	if a.cfg.Scanner.Enabled && len(a.cfg.Scanner.Routes) > 0 {
		families, feedIDs, minInterval, err := a.routeFamilies()
		if err != nil {
			return fmt.Errorf("gate mode: %w", err)
		}

		quoterClient := quoter.New(a.cfg.Quoter.BaseURL, a.cfg.Quoter.Timeout.Duration)
		candidates := make(chan domain.CandidateRoute, a.cfg.Scanner.QueueSize)

		workers := make([]*scanner.Worker, len(families))
		for i, fam := range families {
			workers[i] = scanner.NewWorker(
				fam, quoterClient, deps.PriceCache, candidates,
				a.cfg.Scanner.CandidateTTL.Duration, a.logger,
			)
		}
		orch := scanner.NewOrchestrator(workers, coord, candidates, a.logger)
		g.Go(func() error {
			return orch.Run(ctx)
		})

		refresher := feed.NewRefresher(refFeed, feedIDs, minInterval, a.logger)
		g.Go(func() error {
			return refresher.Run(ctx)
		})
	} else {
		a.logger.WarnContext(ctx, "gate mode: scanner disabled or no routes configured")
	}

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		g.Go(func() error {
			return a.runArchiver(ctx, deps)
		})
	}

	g.Go(func() error {
		return a.runNotifyBridge(ctx, deps)
	})

	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, deps, c)
	}

	return g.Wait()
}

// ServerMode serves the governance and status API without scanning or
// dispatching.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.runNotifyBridge(ctx, deps)
	})

	a.startServer(ctx, g, deps, c)

	return g.Wait()
}

// ReplayMode re-evaluates archived opportunities against the current policy
// without consuming volume or dispatching. It is a one-shot offline pass: the
// process exits when every archive batch has been replayed.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting replay mode")

	if deps.BlobReader == nil {
		return fmt.Errorf("replay mode: blob storage is required")
	}

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}

	refFeed := feed.NewCachingFeed(
		feed.NewHTTPFeed(a.cfg.Feed.BaseURL, a.cfg.Feed.Timeout.Duration),
		deps.PriceCache,
		a.logger,
	)
	guard := oracle.NewGuard(refFeed, c.tl.Registry(), c.rec, a.oracleConfig(), a.logger)

	coordCfg, err := a.coordinatorConfig()
	if err != nil {
		return fmt.Errorf("replay mode: %w", err)
	}
	coordCfg.DryRun = true
	coord := coordinator.New(guard, c.brk, nil, nil, c.rec, coordCfg, a.logger)

	keys, err := deps.BlobReader.ListKeys(ctx, "archive/opportunities/")
	if err != nil {
		return fmt.Errorf("replay mode: list archives: %w", err)
	}

	ttl := a.cfg.Scanner.CandidateTTL.Duration
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	outcomes := make(map[domain.OpportunityStatus]int)
	var replayed int
	for _, key := range keys {
		n, err := a.replayBatch(ctx, deps, coord, key, ttl, outcomes)
		if err != nil {
			a.logger.WarnContext(ctx, "replay batch failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			continue
		}
		replayed += n
	}

	attrs := []any{
		slog.Int("batches", len(keys)),
		slog.Int("replayed", replayed),
	}
	for status, count := range outcomes {
		attrs = append(attrs, slog.Int(string(status), count))
	}
	a.logger.InfoContext(ctx, "replay complete", attrs...)
	return nil
}

// replayBatch streams one JSONL archive object through the coordinator.
func (a *App) replayBatch(
	ctx context.Context,
	deps *Dependencies,
	coord *coordinator.Coordinator,
	key string,
	ttl time.Duration,
	outcomes map[domain.OpportunityStatus]int,
) (int, error) {
	rc, err := deps.BlobReader.Read(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	defer rc.Close()

	var replayed int
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if ctx.Err() != nil {
			return replayed, ctx.Err()
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var archived domain.Opportunity
		if err := json.Unmarshal(line, &archived); err != nil {
			a.logger.WarnContext(ctx, "skipping malformed archive line",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			continue
		}

		now := time.Now().UTC()
		cand := domain.CandidateRoute{
			Route:            archived.Route,
			AmountIn:         archived.AmountIn,
			ImpliedPrice:     archived.ImpliedPrice,
			ReferencePrice:   archived.ReferencePrice,
			EstimatedProfit:  archived.EstimatedProfit,
			EstimatedGasCost: archived.EstimatedGasCost,
			AssetDecimals:    18,
			Source:           "replay:" + archived.ID,
			DetectedAt:       now,
			ExpiresAt:        now.Add(ttl),
		}
		opp, err := coord.Evaluate(ctx, cand)
		if err != nil {
			a.logger.WarnContext(ctx, "replay evaluation failed",
				slog.String("key", key),
				slog.String("source", cand.Source),
				slog.String("error", err.Error()),
			)
			continue
		}
		outcomes[opp.Status]++
		replayed++
	}
	if err := sc.Err(); err != nil {
		return replayed, fmt.Errorf("scan %s: %w", key, err)
	}
	return replayed, nil
}

// startServer adds the HTTP server and WebSocket hub goroutines to the group.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:        handler.NewHealthHandler(a.logger),
		Status:        handler.NewStatusHandler(a.cfg.Mode, a.cfg.Coordinator.DryRun, c.brk, c.tl, time.Now().UTC()),
		Policy:        handler.NewPolicyHandler(c.brk, c.tl.Registry(), a.logger),
		Governance:    handler.NewGovernanceHandler(c.tl, a.logger),
		Opportunities: handler.NewOpportunityHandler(deps.OpportunityStore, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
	}, handlers, c.tokens, deps.RateLimiter, hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// runArchiver moves terminal opportunities past the retention window to cold
// storage on every tick.
func (a *App) runArchiver(ctx context.Context, deps *Dependencies) error {
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(a.cfg.Archive.Interval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.InfoContext(ctx, "archiver stopped")
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention)
			if err := deps.Archiver.Archive(ctx, cutoff); err != nil {
				a.logger.ErrorContext(ctx, "archive pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// runNotifyBridge forwards circuit transitions and oracle escalations from
// the audit stream to the notifier. Proposal lifecycle events are notified by
// the timelock directly.
func (a *App) runNotifyBridge(ctx context.Context, deps *Dependencies) error {
	ch, err := deps.SignalBus.Subscribe(ctx, audit.Channel)
	if err != nil {
		return fmt.Errorf("notify bridge: subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			var env struct {
				Event  string         `json:"event"`
				Detail map[string]any `json:"detail"`
			}
			if err := json.Unmarshal(payload, &env); err != nil {
				continue
			}
			switch env.Event {
			case "circuit_tripped":
				reason, _ := env.Detail["reason"].(string)
				_ = deps.Notifier.Notify(ctx, env.Event,
					"Circuit tripped", "Global circuit tripped: "+reason)
			case "circuit_reset":
				caller, _ := env.Detail["caller"].(string)
				_ = deps.Notifier.Notify(ctx, env.Event,
					"Circuit reset", "Circuit reset by "+caller)
			case "policy_review":
				asset, _ := env.Detail["asset"].(string)
				kind, _ := env.Detail["kind"].(string)
				_ = deps.Notifier.Notify(ctx, env.Event,
					"Policy review", fmt.Sprintf("Repeated oracle %s failures for %s", kind, asset))
			}
		}
	}
}

// tokenTable builds the API token table from config. The table is also the
// role resolver for governance and the circuit; an empty table grants every
// role, which is the local development posture.
func (a *App) tokenTable() (*middleware.TokenTable, error) {
	entries := make([]middleware.TokenEntry, 0, len(a.cfg.Server.Tokens))
	for _, t := range a.cfg.Server.Tokens {
		e, err := middleware.NewTokenEntry(t.Name, t.KeyHash, t.Salt, t.Roles)
		if err != nil {
			return nil, fmt.Errorf("app: token %q: %w", t.Name, err)
		}
		entries = append(entries, e)
	}
	return middleware.NewTokenTable(entries), nil
}

// oracleConfig converts the TOML oracle section into the guard's config.
func (a *App) oracleConfig() oracle.Config {
	cfg := oracle.DefaultConfig()
	o := a.cfg.Oracle
	if o.FeedTimeout.Duration > 0 {
		cfg.FeedTimeout = o.FeedTimeout.Duration
	}
	if o.FetchRetries >= 0 {
		cfg.FetchRetries = o.FetchRetries
	}
	if o.RetryBackoff.Duration > 0 {
		cfg.RetryBackoff = o.RetryBackoff.Duration
	}
	if o.EscalationWindow.Duration > 0 {
		cfg.EscalationWindow = o.EscalationWindow.Duration
	}
	if o.EscalationThreshold > 0 {
		cfg.EscalationThreshold = o.EscalationThreshold
	}
	return cfg
}

// coordinatorConfig converts the TOML coordinator section into the
// coordinator's config.
func (a *App) coordinatorConfig() (coordinator.Config, error) {
	cfg := coordinator.DefaultConfig()
	c := a.cfg.Coordinator
	cfg.MinSpreadBps = c.MinSpreadBps
	cfg.FlashLoanMinLegs = c.FlashLoanMinLegs
	if c.FlashLoanMinProfit != "" {
		v, ok := new(big.Int).SetString(c.FlashLoanMinProfit, 10)
		if !ok {
			return cfg, fmt.Errorf("app: flash_loan_min_profit %q is not a base-10 integer", c.FlashLoanMinProfit)
		}
		cfg.FlashLoanMinProfit = v
	}
	if c.SubmitTimeout.Duration > 0 {
		cfg.SubmitTimeout = c.SubmitTimeout.Duration
	}
	cfg.MaxRetries = c.MaxRetries
	if c.RetryBackoff.Duration > 0 {
		cfg.RetryBackoff = c.RetryBackoff.Duration
	}
	cfg.DryRun = c.DryRun
	return cfg, nil
}

// buildSubmitter constructs the execution relay client with its signing key.
// In dry-run no dispatching happens, so no key material is required and nil
// is returned.
func (a *App) buildSubmitter() (domain.ExecutionSubmitter, error) {
	if a.cfg.Coordinator.DryRun {
		return nil, nil
	}

	r := a.cfg.Relay
	keyHex, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    r.PrivateKey,
		EncryptedKeyPath: r.EncryptedKeyPath,
		KeyPassword:      r.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("load relay key: %w", err)
	}
	signer, err := crypto.NewSigner(keyHex, int(r.ChainID))
	if err != nil {
		return nil, fmt.Errorf("relay signer: %w", err)
	}

	var hmacAuth *crypto.HMACAuth
	if r.APIKey != "" {
		hmacAuth = &crypto.HMACAuth{
			Key:        r.APIKey,
			Secret:     r.APISecret,
			Passphrase: r.Passphrase,
		}
	}

	a.logger.Info("execution relay configured",
		slog.String("base_url", r.BaseURL),
		slog.String("signer", signer.Address().Hex()),
	)
	return relay.New(r.BaseURL, signer, hmacAuth, r.Timeout.Duration), nil
}

// routeFamilies converts the configured scanner routes into worker families.
// It returns the families, the distinct feed IDs to keep warm, and the
// shortest scan interval (used as the feed refresh interval).
func (a *App) routeFamilies() ([]scanner.RouteFamily, []string, time.Duration, error) {
	families := make([]scanner.RouteFamily, 0, len(a.cfg.Scanner.Routes))
	feedIDs := make([]string, 0, len(a.cfg.Scanner.Routes))
	var minInterval time.Duration

	for _, rc := range a.cfg.Scanner.Routes {
		amount, ok := new(big.Int).SetString(rc.AmountIn, 10)
		if !ok {
			return nil, nil, 0, fmt.Errorf("app: route %q: amount_in %q is not a base-10 integer", rc.Name, rc.AmountIn)
		}
		gas := new(big.Int)
		if rc.GasEstimate != "" {
			if gas, ok = new(big.Int).SetString(rc.GasEstimate, 10); !ok {
				return nil, nil, 0, fmt.Errorf("app: route %q: gas_estimate %q is not a base-10 integer", rc.Name, rc.GasEstimate)
			}
		}

		legs := make([]domain.Leg, len(rc.Legs))
		for i, lc := range rc.Legs {
			legs[i] = domain.Leg{
				AssetIn:  domain.AssetFromHex(lc.AssetIn),
				AssetOut: domain.AssetFromHex(lc.AssetOut),
				Venue:    domain.VenueFromHex(lc.Venue),
			}
		}

		fam := scanner.RouteFamily{
			Name:        rc.Name,
			Route:       domain.Route{Legs: legs},
			AmountIn:    amount,
			FeedID:      rc.FeedID,
			Decimals:    uint8(rc.Decimals),
			Interval:    rc.Interval.Duration,
			GasEstimate: gas,
			SlippageBps: rc.SlippageBps,
		}
		if err := fam.Validate(); err != nil {
			return nil, nil, 0, fmt.Errorf("app: %w", err)
		}

		families = append(families, fam)
		feedIDs = append(feedIDs, rc.FeedID)
		if minInterval == 0 || fam.Interval < minInterval {
			minInterval = fam.Interval
		}
	}

	return families, feedIDs, minInterval, nil
}
