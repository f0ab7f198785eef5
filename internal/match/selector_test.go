package match

import (
	"context"
	"errors"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/metrics"
)

func newTestDirectory(t *testing.T, users ...directory.User) *directory.Memory {
	t.Helper()
	dir := directory.NewMemory()
	for _, u := range users {
		if err := dir.Upsert(context.Background(), u); err != nil {
			t.Fatalf("Upsert(%s): %v", u.ID, err)
		}
	}
	return dir
}

func online(id, gender, region string) directory.User {
	return directory.User{ID: id, Name: "user-" + id, Gender: gender, Region: region, Online: true}
}

func newTestSelector(t *testing.T, dir directory.Directory, opts Options) *Selector {
	t.Helper()
	s, err := NewSelector(dir, opts)
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	return s
}

func TestSelectCandidate_NeverReturnsIneligibleUsers(t *testing.T) {
	dir := newTestDirectory(t,
		online("me", "male", "eu"),
		online("ok", "female", "eu"),
		directory.User{ID: "offline", Gender: "female", Region: "eu"},
		directory.User{ID: "banned", Gender: "female", Region: "eu", Online: true, Banned: true},
		online("blocked", "female", "eu"),
		online("excluded", "female", "eu"),
		online("wrong-gender", "male", "eu"),
		online("wrong-region", "female", "us"),
	)
	if err := dir.Block(context.Background(), "me", "blocked", ""); err != nil {
		t.Fatalf("Block: %v", err)
	}
	s := newTestSelector(t, dir, Options{})

	f := Filters{Gender: "female", Region: "EU", Exclude: mapset.NewSet("excluded")}
	for i := 0; i < 50; i++ {
		got, err := s.SelectCandidate(context.Background(), "me", f)
		if err != nil {
			t.Fatalf("SelectCandidate: %v", err)
		}
		if got.ID != "ok" {
			t.Fatalf("selected %q, want ok", got.ID)
		}
	}
}

func TestSelectCandidate_AnyMeansNoFilter(t *testing.T) {
	dir := newTestDirectory(t, online("me", "male", "eu"), online("other", "male", "us"))
	s := newTestSelector(t, dir, Options{})

	got, err := s.SelectCandidate(context.Background(), "me", Filters{Gender: "any", Region: "any"})
	if err != nil || got.ID != "other" {
		t.Fatalf("SelectCandidate=(%q,%v), want (other,nil)", got.ID, err)
	}
}

func TestSelectCandidate_NoEligibleUsers(t *testing.T) {
	dir := newTestDirectory(t, online("me", "male", "eu"))
	s := newTestSelector(t, dir, Options{})

	if _, err := s.SelectCandidate(context.Background(), "me", Filters{}); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("err=%v, want ErrNoMatch", err)
	}
	if _, err := s.SelectCandidate(context.Background(), "  ", Filters{}); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("empty requester: err=%v, want ErrNoMatch", err)
	}
}

func TestSelectCandidate_BannedRequester(t *testing.T) {
	dir := newTestDirectory(t,
		directory.User{ID: "me", Online: true, Banned: true},
		online("other", "", ""),
	)
	s := newTestSelector(t, dir, Options{})

	if _, err := s.SelectCandidate(context.Background(), "me", Filters{}); !errors.Is(err, ErrRequesterBanned) {
		t.Fatalf("err=%v, want ErrRequesterBanned", err)
	}
}

type failingDirectory struct{ directory.Directory }

func (failingDirectory) ListOnlineCandidates(context.Context, directory.CandidateQuery) ([]directory.User, error) {
	return nil, errors.New("db down")
}

func TestSelectCandidate_DirectoryFailureIsNoMatch(t *testing.T) {
	m := metrics.New()
	dir := failingDirectory{Directory: newTestDirectory(t, online("other", "", ""))}
	s := newTestSelector(t, dir, Options{Metrics: m})

	if _, err := s.SelectCandidate(context.Background(), "me", Filters{}); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("err=%v, want ErrNoMatch", err)
	}
	if got := m.Get(metrics.DirectoryErrors); got != 1 {
		t.Fatalf("directory errors=%d, want 1", got)
	}
}

type slowDirectory struct{ directory.Directory }

func (slowDirectory) IsBanned(ctx context.Context, _ string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func TestSelectCandidate_TimesOut(t *testing.T) {
	dir := slowDirectory{Directory: newTestDirectory(t, online("other", "", ""))}
	s := newTestSelector(t, dir, Options{Timeout: 20 * time.Millisecond})

	start := time.Now()
	if _, err := s.SelectCandidate(context.Background(), "me", Filters{}); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("err=%v, want ErrNoMatch", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("selection took %v, want it bounded by the timeout", elapsed)
	}
}

func TestSelectCandidate_RespectsPresence(t *testing.T) {
	dir := newTestDirectory(t, online("a", "", ""), online("b", "", ""))
	s := newTestSelector(t, dir, Options{IsPresent: func(id string) bool { return id == "b" }})

	for i := 0; i < 20; i++ {
		got, err := s.SelectCandidate(context.Background(), "me", Filters{})
		if err != nil || got.ID != "b" {
			t.Fatalf("SelectCandidate=(%q,%v), want (b,nil)", got.ID, err)
		}
	}
}

// orderedDirectory returns its users in order, honoring Exclude and Limit, so
// tests control exactly which rows fall inside the sample.
type orderedDirectory struct {
	users   []directory.User
	queries int
}

func (d *orderedDirectory) ListOnlineCandidates(_ context.Context, q directory.CandidateQuery) ([]directory.User, error) {
	d.queries++
	exclude := mapset.NewThreadUnsafeSet(q.Exclude...)
	var out []directory.User
	for _, u := range d.users {
		if exclude.Contains(u.ID) {
			continue
		}
		if len(out) == q.Limit {
			break
		}
		out = append(out, u)
	}
	return out, nil
}

func (d *orderedDirectory) IsBanned(context.Context, string) (bool, error) { return false, nil }

func (d *orderedDirectory) ListBlockedIDs(context.Context, string) ([]string, error) {
	return nil, nil
}

func TestSelectCandidate_RetriesPastStaleSample(t *testing.T) {
	dir := &orderedDirectory{users: []directory.User{online("stale1", "", ""), online("stale2", "", ""), online("live", "", "")}}
	s := newTestSelector(t, dir, Options{
		CandidateLimit: 2,
		IsPresent:      func(id string) bool { return id == "live" },
	})

	got, err := s.SelectCandidate(context.Background(), "me", Filters{})
	if err != nil || got.ID != "live" {
		t.Fatalf("SelectCandidate=(%q,%v), want (live,nil)", got.ID, err)
	}
	if dir.queries != 2 {
		t.Fatalf("queries=%d, want 2", dir.queries)
	}
}

func TestSelectCandidate_RetriesOnlyOnce(t *testing.T) {
	dir := &orderedDirectory{users: []directory.User{
		online("s1", "", ""), online("s2", "", ""), online("s3", "", ""), online("s4", "", ""), online("live", "", ""),
	}}
	s := newTestSelector(t, dir, Options{
		CandidateLimit: 2,
		IsPresent:      func(id string) bool { return id == "live" },
	})

	if _, err := s.SelectCandidate(context.Background(), "me", Filters{}); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("err=%v, want ErrNoMatch", err)
	}
	if dir.queries != 2 {
		t.Fatalf("queries=%d, want 2", dir.queries)
	}

	// A short sample means the directory has nothing more to offer.
	dir.queries = 0
	s.limit = 10
	dir.users = dir.users[:2]
	if _, err := s.SelectCandidate(context.Background(), "me", Filters{}); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("err=%v, want ErrNoMatch", err)
	}
	if dir.queries != 1 {
		t.Fatalf("queries=%d, want 1", dir.queries)
	}
}

func TestSelectCandidate_UniformOverEligible(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	users := make([]directory.User, 0, len(ids))
	for _, id := range ids {
		users = append(users, online(id, "", ""))
	}
	s := newTestSelector(t, newTestDirectory(t, users...), Options{})

	const rounds = 4000
	counts := map[string]int{}
	for i := 0; i < rounds; i++ {
		got, err := s.SelectCandidate(context.Background(), "me", Filters{})
		if err != nil {
			t.Fatalf("SelectCandidate: %v", err)
		}
		counts[got.ID]++
	}
	// Each of 4 users expects 1000 picks; 700 is far outside normal variance.
	for _, id := range ids {
		if counts[id] < 700 {
			t.Fatalf("counts=%v, %s picked too rarely", counts, id)
		}
	}
}

func TestSelectCandidate_ReservationsKeepConcurrentPicksApart(t *testing.T) {
	dir := newTestDirectory(t, online("x", "", ""), online("y", "", ""))
	s := newTestSelector(t, dir, Options{ReservationTTL: time.Minute})
	s.intn = func(int) int { return 0 }

	first, err := s.SelectCandidate(context.Background(), "r1", Filters{})
	if err != nil {
		t.Fatalf("r1: %v", err)
	}
	second, err := s.SelectCandidate(context.Background(), "r2", Filters{})
	if err != nil {
		t.Fatalf("r2: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("both requesters got %q", first.ID)
	}
	if _, err := s.SelectCandidate(context.Background(), "r3", Filters{Exclude: mapset.NewSet("r1", "r2")}); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("r3: err=%v, want ErrNoMatch while both are reserved", err)
	}

	// The holder may be offered the same candidate again.
	again, err := s.SelectCandidate(context.Background(), "r1", Filters{Exclude: mapset.NewSet(second.ID)})
	if err != nil || again.ID != first.ID {
		t.Fatalf("r1 again=(%q,%v), want (%q,nil)", again.ID, err, first.ID)
	}
}

func TestSkip_ExcludesAndReleases(t *testing.T) {
	dir := newTestDirectory(t, online("x", "", ""), online("y", "", ""))
	s := newTestSelector(t, dir, Options{ReservationTTL: time.Minute, SkipTTL: time.Minute})

	got, err := s.SelectCandidate(context.Background(), "me", Filters{})
	if err != nil {
		t.Fatalf("SelectCandidate: %v", err)
	}
	s.Skip("me", got.ID)

	if holder, ok := s.reservations.Holder(got.ID); ok {
		t.Fatalf("%s still reserved by %q after skip", got.ID, holder)
	}
	for i := 0; i < 20; i++ {
		next, err := s.SelectCandidate(context.Background(), "me", Filters{})
		if err != nil {
			t.Fatalf("SelectCandidate after skip: %v", err)
		}
		if next.ID == got.ID {
			t.Fatalf("skipped user %q selected again", got.ID)
		}
	}
}

func TestSkipMemory_IgnoresSelfAndEmpty(t *testing.T) {
	m, err := NewSkipMemory(time.Minute)
	if err != nil {
		t.Fatalf("NewSkipMemory: %v", err)
	}
	m.Skip("a", "a")
	m.Skip("a", "")
	m.Skip("", "b")
	if got := m.Skipped("a"); len(got) != 0 {
		t.Fatalf("Skipped(a)=%v, want empty", got)
	}

	for i := 0; i < maxSkipsPerRequester+10; i++ {
		m.Skip("a", string(rune('A'+i%26))+string(rune('a'+i/26)))
	}
	if got := len(m.Skipped("a")); got != maxSkipsPerRequester {
		t.Fatalf("len(Skipped(a))=%d, want %d", got, maxSkipsPerRequester)
	}
}
