// Package match picks a random eligible partner for a requester from the user
// directory.
package match

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/metrics"
)

var (
	ErrNoMatch         = errors.New("no match available")
	ErrRequesterBanned = errors.New("requester is banned")
)

const defaultTimeout = 2 * time.Second

// Filters narrows a selection. An empty Gender or Region, or "any" for
// either, means no filter on that field.
type Filters struct {
	Gender  string
	Region  string
	Exclude mapset.Set[string]
}

type Options struct {
	// Timeout bounds all directory calls of one selection.
	Timeout        time.Duration
	CandidateLimit int
	// ReservationTTL > 0 reserves the chosen candidate for the requester so
	// concurrent selections skip it until the TTL passes.
	ReservationTTL time.Duration
	// SkipTTL is how long Skip keeps a user out of a requester's results.
	SkipTTL time.Duration
	// IsPresent, when set, additionally requires candidates to hold a live
	// signaling connection.
	IsPresent func(userID string) bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Selector implements candidate selection. It is safe for concurrent use.
type Selector struct {
	dir       directory.Directory
	timeout   time.Duration
	limit     int
	isPresent func(string) bool
	log       *slog.Logger
	metrics   *metrics.Metrics

	reservations *Reservations
	skips        *SkipMemory

	intn func(n int) int
}

func NewSelector(dir directory.Directory, opts Options) (*Selector, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = directory.DefaultCandidateLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Selector{
		dir:       dir,
		timeout:   opts.Timeout,
		limit:     opts.CandidateLimit,
		isPresent: opts.IsPresent,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		intn:      rand.IntN,
	}

	if opts.ReservationTTL > 0 {
		r, err := NewReservations(opts.ReservationTTL)
		if err != nil {
			return nil, err
		}
		s.reservations = r
	}
	if opts.SkipTTL > 0 {
		m, err := NewSkipMemory(opts.SkipTTL)
		if err != nil {
			return nil, err
		}
		s.skips = m
	}
	return s, nil
}

// SelectCandidate returns one eligible user chosen uniformly at random:
// online, not banned, not the requester, not blocked by the requester, not
// skipped recently and not in f.Exclude. The directory is sampled up to the
// candidate limit; when IsPresent or reservations rule out a whole full
// sample, one more sample is taken without those users. Directory failures
// are logged and reported as ErrNoMatch.
func (s *Selector) SelectCandidate(ctx context.Context, requesterID string, f Filters) (directory.User, error) {
	requesterID = strings.TrimSpace(requesterID)
	if requesterID == "" {
		return directory.User{}, ErrNoMatch
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		banned  bool
		blocked []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		banned, err = s.dir.IsBanned(gctx, requesterID)
		return err
	})
	g.Go(func() error {
		var err error
		blocked, err = s.dir.ListBlockedIDs(gctx, requesterID)
		return err
	})
	if err := g.Wait(); err != nil {
		return directory.User{}, s.directoryFailure("requester lookup", requesterID, err)
	}
	if banned {
		return directory.User{}, ErrRequesterBanned
	}

	exclude := mapset.NewThreadUnsafeSet[string](blocked...)
	if f.Exclude != nil {
		exclude.Append(f.Exclude.ToSlice()...)
	}
	if s.skips != nil {
		exclude.Append(s.skips.Skipped(requesterID)...)
	}
	exclude.Remove(requesterID)

	// The directory's online flag can lag behind live presence and the query
	// is capped at s.limit, so a full sample in which every row was passed
	// over is retried once with those rows excluded.
	for attempt := 0; ; attempt++ {
		candidates, err := s.dir.ListOnlineCandidates(ctx, directory.CandidateQuery{
			RequesterID: requesterID,
			Gender:      f.Gender,
			Region:      f.Region,
			Exclude:     exclude.ToSlice(),
			Limit:       s.limit,
		})
		if err != nil {
			return directory.User{}, s.directoryFailure("list candidates", requesterID, err)
		}

		var eligible []directory.User
		var passedOver []string
		for _, u := range candidates {
			if u.ID == "" || u.ID == requesterID || exclude.Contains(u.ID) {
				continue
			}
			if s.isPresent != nil && !s.isPresent(u.ID) {
				passedOver = append(passedOver, u.ID)
				continue
			}
			eligible = append(eligible, u)
		}

		pick, held, ok := s.pick(requesterID, eligible)
		if ok {
			return pick, nil
		}
		passedOver = append(passedOver, held...)
		if attempt > 0 || len(candidates) < s.limit || len(passedOver) == 0 {
			return directory.User{}, ErrNoMatch
		}
		exclude.Append(passedOver...)
	}
}

// pick chooses uniformly among eligible, skipping candidates reserved by
// someone else. It returns the ids it found held.
func (s *Selector) pick(requesterID string, eligible []directory.User) (directory.User, []string, bool) {
	var held []string
	for len(eligible) > 0 {
		i := s.intn(len(eligible))
		pick := eligible[i]
		if s.reservations == nil || s.reservations.TryReserve(pick.ID, requesterID) {
			return pick, held, true
		}
		held = append(held, pick.ID)
		eligible[i] = eligible[len(eligible)-1]
		eligible = eligible[:len(eligible)-1]
	}
	return directory.User{}, held, false
}

// Skip keeps skipped out of requester's next selections and releases any
// reservation requester held on them.
func (s *Selector) Skip(requesterID, skippedID string) {
	if s.reservations != nil {
		s.reservations.ReleaseFor(skippedID, requesterID)
	}
	if s.skips != nil {
		s.skips.Skip(requesterID, skippedID)
	}
}

// IsBanned reports the requester's ban flag within the selector's timeout.
func (s *Selector) IsBanned(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.dir.IsBanned(ctx, userID)
}

func (s *Selector) directoryFailure(op, requesterID string, err error) error {
	s.metrics.Inc(metrics.DirectoryErrors)
	s.log.Warn("match directory call failed", "op", op, "user_id", requesterID, "err", err)
	return ErrNoMatch
}
