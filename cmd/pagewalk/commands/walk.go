package commands

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/cursorpage"
	"github.com/unkn0wn-root/cursorpage/clock"
	"github.com/unkn0wn-root/cursorpage/config"
	asynchook "github.com/unkn0wn-root/cursorpage/hooks/async"
	"github.com/unkn0wn-root/cursorpage/internal/follow"
	"github.com/unkn0wn-root/cursorpage/sloghooks"
)

// NewWalkCommand seeds a follow graph and walks follower listings.
func NewWalkCommand() *cobra.Command {
	var (
		configFile string
		members    int
		limit      int
		walkers    int
		backward   bool
	)

	cmd := &cobra.Command{
		Use:   "walk",
		Short: "Seed a demo follow graph and page through every listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if members < 2 {
				return fmt.Errorf("members must be >= 2, got %d", members)
			}
			return runWalk(cmd.Context(), cmd.OutOrStdout(), cfg, walkOptions{
				members:  members,
				limit:    limit,
				walkers:  walkers,
				backward: backward,
			})
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	cmd.Flags().IntVarP(&members, "members", "m", 50, "number of demo members")
	cmd.Flags().IntVarP(&limit, "limit", "l", 10, "page size")
	cmd.Flags().IntVarP(&walkers, "walkers", "w", 4, "concurrent listing walkers")
	cmd.Flags().BoolVar(&backward, "backward", false, "walk from the last page towards the first")
	return cmd
}

type walkOptions struct {
	members  int
	limit    int
	walkers  int
	backward bool
}

type walkResult struct {
	identity string
	pages    int
	items    int
}

func runWalk(ctx context.Context, out io.Writer, cfg *config.Config, wo walkOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log, flush, err := newLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer flush()

	hk := asynchook.New(sloghooks.New(newSlog(cfg.Logger), sloghooks.Options{
		CoalescedEvery: 16,
		RetryEvery:     4,
	}), 2, 1024)
	defer hk.Close()

	clk := clock.Real{}
	cacheOpts, err := cacheOptions(ctx, cfg, clk)
	if err != nil {
		return fmt.Errorf("cache backend: %w", err)
	}

	g, err := follow.New(follow.Options{
		Secret:       []byte(cfg.Secret),
		MaxLimit:     cfg.MaxLimit,
		DefaultTTL:   cfg.DefaultTTL,
		PrefetchNext: cfg.PrefetchNext,
		Fetch:        cfg.FetchOptions(),
		Cache:        cacheOpts,
		Clock:        clk,
		Logger:       log,
		Hooks:        hk,
	})
	if err != nil {
		_ = cacheOpts.Provider.Close(ctx)
		if cacheOpts.GenStore != nil {
			_ = cacheOpts.GenStore.Close(ctx)
		}
		return err
	}
	defer func() { _ = g.Close(context.Background()) }()

	edges, err := seed(ctx, g, wo.members)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "seeded %d members, %d follows\n", wo.members, edges)

	start := time.Now()
	var (
		mu      sync.Mutex
		results []walkResult
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(wo.walkers, 1))
	for id := int64(1); id <= int64(wo.members); id++ {
		eg.Go(func() error {
			for _, listing := range []string{"followers", "followings"} {
				r, err := walkListing(ctx, g, id, listing, wo)
				if err != nil {
					return err
				}
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("walk: %w (%s)", err, cursorpage.Code(err))
	}

	var pages, items int
	for _, r := range results {
		pages += r.pages
		items += r.items
	}
	if items != 2*edges {
		return fmt.Errorf("walk saw %d rows, graph has %d", items, 2*edges)
	}
	fmt.Fprintf(out, "walked %d listings: %d pages, %d rows in %s\n",
		len(results), pages, items, time.Since(start).Round(time.Millisecond))
	if d := hk.Dropped(); d > 0 {
		fmt.Fprintf(out, "hook events dropped: %d\n", d)
	}
	return nil
}

// seed makes member i follow every member j where j divides i, so low ids
// collect long follower listings.
func seed(ctx context.Context, g *follow.Graph, n int) (int, error) {
	for id := 1; id <= n; id++ {
		g.Register(int64(id), fmt.Sprintf("member-%03d", id))
	}
	edges := 0
	for i := 2; i <= n; i++ {
		for j := 1; j < i; j++ {
			if i%j != 0 {
				continue
			}
			if err := g.Follow(ctx, int64(i), int64(j)); err != nil {
				return edges, fmt.Errorf("follow %d->%d: %w", i, j, err)
			}
			edges++
		}
	}
	return edges, nil
}

func walkListing(ctx context.Context, g *follow.Graph, id int64, listing string, wo walkOptions) (walkResult, error) {
	r := walkResult{identity: fmt.Sprintf("%s:%d", listing, id)}
	page := g.Followers
	if listing == "followings" {
		page = g.Followings
	}
	s := follow.Scroll{Limit: wo.limit}
	if wo.backward {
		s.Direction = cursorpage.Backward
	}
	for {
		p, err := page(ctx, id, s)
		if err != nil {
			return r, fmt.Errorf("%s: %w", r.identity, err)
		}
		r.pages++
		r.items += len(p.Items)
		next := p.NextCursor
		if wo.backward {
			next = p.PrevCursor
		}
		if next == "" {
			return r, nil
		}
		s.Cursor = next
	}
}
