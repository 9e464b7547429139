// Package follow is a small member follow graph whose follower and following
// listings are served through cursorpage. It backs the pagewalk demo and the
// end-to-end tests of the pagination stack.
package follow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/cursorpage"
	"github.com/unkn0wn-root/cursorpage/clock"
	"github.com/unkn0wn-root/cursorpage/fetch"
	"github.com/unkn0wn-root/cursorpage/pagecache"
	"github.com/unkn0wn-root/cursorpage/sortkey"
	"github.com/unkn0wn-root/cursorpage/source/memory"
)

var (
	ErrUnknownMember    = errors.New("follow: unknown member")
	ErrSelfFollow       = errors.New("follow: member cannot follow itself")
	ErrAlreadyFollowing = errors.New("follow: already following")
	ErrNotFollowing     = errors.New("follow: not following")
)

// Entry is one row of a follower or following listing.
type Entry struct {
	MemberID   int64     `json:"memberId" msgpack:"memberId" db:"member_id"`
	Nickname   string    `json:"nickname" msgpack:"nickname" db:"nickname"`
	FollowedAt time.Time `json:"followedAt" msgpack:"followedAt" db:"followed_at"`
}

// Spec orders listings newest first; member id breaks ties.
var Spec = sortkey.MustNew(
	sortkey.Field{Name: "followed_at", Order: sortkey.Desc, Kind: sortkey.Time},
	sortkey.Field{Name: "member_id", Order: sortkey.Asc, Kind: sortkey.Int, Unique: true},
)

// Keys extracts the sort tuple of an entry.
func Keys(e Entry) sortkey.Tuple { return sortkey.Tuple{e.FollowedAt, e.MemberID} }

func FollowersOf(id int64) string  { return fmt.Sprintf("followers:%d", id) }
func FollowingsOf(id int64) string { return fmt.Sprintf("followings:%d", id) }

type Options struct {
	Secret       []byte
	MaxLimit     int
	DefaultTTL   time.Duration
	PrefetchNext bool
	Fetch        fetch.Options
	Cache        pagecache.Options[Entry]

	Clock  clock.Clock
	Logger cursorpage.Logger
	Hooks  cursorpage.Hooks
}

// Scroll selects one page of a listing.
type Scroll struct {
	Cursor    string
	Limit     int
	Direction cursorpage.Direction
}

// Overview is the first page of both listings of a member.
type Overview struct {
	MemberID   int64
	Followers  cursorpage.PageResult[Entry]
	Followings cursorpage.PageResult[Entry]
}

type edge struct{ from, to int64 }

type Graph struct {
	clk clock.Clock
	src *memory.Source[Entry]
	svc cursorpage.Service[Entry]

	mu      sync.RWMutex
	members map[int64]string
	edges   map[edge]struct{}
}

func New(opts Options) (*Graph, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	src := memory.New(Spec, Keys, nil)
	svc, err := cursorpage.New(cursorpage.Options[Entry]{
		Spec:         Spec,
		Secret:       opts.Secret,
		Source:       src,
		Keys:         Keys,
		MaxLimit:     opts.MaxLimit,
		DefaultTTL:   opts.DefaultTTL,
		PrefetchNext: opts.PrefetchNext,
		Fetch:        opts.Fetch,
		Cache:        opts.Cache,
		Clock:        clk,
		Logger:       opts.Logger,
		Hooks:        opts.Hooks,
	})
	if err != nil {
		return nil, err
	}
	return &Graph{
		clk:     clk,
		src:     src,
		svc:     svc,
		members: make(map[int64]string),
		edges:   make(map[edge]struct{}),
	}, nil
}

// Register adds or renames a member. Existing listing rows keep the
// nickname they were written with.
func (g *Graph) Register(id int64, nickname string) {
	g.mu.Lock()
	g.members[id] = nickname
	g.mu.Unlock()
}

// Follow records that follower follows followee and invalidates both
// affected listings. The edge is kept even when invalidation fails; the
// returned error then reports the stale listings.
func (g *Graph) Follow(ctx context.Context, follower, followee int64) error {
	if follower == followee {
		return ErrSelfFollow
	}
	g.mu.Lock()
	fromNick, ok1 := g.members[follower]
	toNick, ok2 := g.members[followee]
	if !ok1 || !ok2 {
		g.mu.Unlock()
		return ErrUnknownMember
	}
	e := edge{follower, followee}
	if _, dup := g.edges[e]; dup {
		g.mu.Unlock()
		return ErrAlreadyFollowing
	}
	g.edges[e] = struct{}{}
	at := g.clk.Now().UTC()
	g.src.Put(FollowersOf(followee), Entry{MemberID: follower, Nickname: fromNick, FollowedAt: at})
	g.src.Put(FollowingsOf(follower), Entry{MemberID: followee, Nickname: toNick, FollowedAt: at})
	g.mu.Unlock()

	return g.invalidate(ctx, follower, followee)
}

func (g *Graph) Unfollow(ctx context.Context, follower, followee int64) error {
	g.mu.Lock()
	e := edge{follower, followee}
	if _, ok := g.edges[e]; !ok {
		g.mu.Unlock()
		return ErrNotFollowing
	}
	delete(g.edges, e)
	g.src.Remove(FollowersOf(followee), func(x Entry) bool { return x.MemberID == follower })
	g.src.Remove(FollowingsOf(follower), func(x Entry) bool { return x.MemberID == followee })
	g.mu.Unlock()

	return g.invalidate(ctx, follower, followee)
}

func (g *Graph) invalidate(ctx context.Context, follower, followee int64) error {
	return errors.Join(
		g.svc.Invalidate(ctx, FollowersOf(followee)),
		g.svc.Invalidate(ctx, FollowingsOf(follower)),
	)
}

func (g *Graph) IsFollowing(follower, followee int64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.edges[edge{follower, followee}]
	return ok
}

func (g *Graph) FollowerCount(id int64) int  { return g.src.Len(FollowersOf(id)) }
func (g *Graph) FollowingCount(id int64) int { return g.src.Len(FollowingsOf(id)) }

func (g *Graph) Followers(ctx context.Context, id int64, s Scroll) (cursorpage.PageResult[Entry], error) {
	return g.page(ctx, id, FollowersOf(id), s)
}

func (g *Graph) Followings(ctx context.Context, id int64, s Scroll) (cursorpage.PageResult[Entry], error) {
	return g.page(ctx, id, FollowingsOf(id), s)
}

func (g *Graph) page(ctx context.Context, id int64, identity string, s Scroll) (cursorpage.PageResult[Entry], error) {
	g.mu.RLock()
	_, ok := g.members[id]
	g.mu.RUnlock()
	if !ok {
		return cursorpage.PageResult[Entry]{}, ErrUnknownMember
	}
	return g.svc.Page(ctx, cursorpage.PageRequest{
		Identity:  identity,
		Cursor:    s.Cursor,
		Limit:     s.Limit,
		Direction: s.Direction,
	})
}

// Overview fetches the first page of both listings concurrently.
func (g *Graph) Overview(ctx context.Context, id int64, limit int) (Overview, error) {
	out := Overview{MemberID: id}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		p, err := g.Followers(ctx, id, Scroll{Limit: limit})
		out.Followers = p
		return err
	})
	eg.Go(func() error {
		p, err := g.Followings(ctx, id, Scroll{Limit: limit})
		out.Followings = p
		return err
	})
	if err := eg.Wait(); err != nil {
		return Overview{}, err
	}
	return out, nil
}

func (g *Graph) Close(ctx context.Context) error { return g.svc.Close(ctx) }
