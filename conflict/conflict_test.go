package conflict

import (
	"strings"
	"testing"
	"time"

	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/op"
	"github.com/c0deZ3R0/go-offline-kit/telemetry"
)

var fixed = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func newResolver(m telemetry.Sink) *Resolver {
	return New(
		WithLogger(logging.Discard().Logger),
		WithTelemetry(m),
		WithClock(func() time.Time { return fixed }),
	)
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name          string
		local, remote int64
		want          Resolution
		reason        string
	}{
		{"remote newer", 1, 2, RemoteWins, "discarding local"},
		{"local newer", 5, 3, LocalWins, "pushing local"},
		{"tie", 4, 4, LocalWins, "equal versions"},
		{"zero versions", 0, 0, LocalWins, "equal versions"},
		{"negative remote", 0, -1, LocalWins, "pushing local"},
	}
	r := newResolver(telemetry.NoOp{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(tt.local, tt.remote, Subject{EntityType: "note", EntityID: "n1"})
			if got.Resolution != tt.want {
				t.Fatalf("Resolve(%d, %d) = %s, want %s", tt.local, tt.remote, got.Resolution, tt.want)
			}
			if !strings.Contains(got.Reason, tt.reason) || !strings.Contains(got.Reason, "note/n1") {
				t.Fatalf("reason %q", got.Reason)
			}
			if got.LocalVersion != tt.local || got.RemoteVersion != tt.remote || !got.ResolvedAt.Equal(fixed) {
				t.Fatalf("result fields = %+v", got)
			}
		})
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	r := newResolver(telemetry.NoOp{})
	for local := int64(-3); local <= 3; local++ {
		for remote := int64(-3); remote <= 3; remote++ {
			first := r.Resolve(local, remote, Subject{})
			second := r.Resolve(local, remote, Subject{})
			if first != second {
				t.Fatalf("Resolve(%d, %d) not repeatable: %+v vs %+v", local, remote, first, second)
			}
			want := LocalWins
			if remote > local {
				want = RemoteWins
			}
			if first.Resolution != want || Decide(local, remote) != want {
				t.Fatalf("Resolve(%d, %d) = %s, want %s", local, remote, first.Resolution, want)
			}
			if first.Resolution == MergeRequired {
				t.Fatal("mergeRequired must never be produced")
			}
		}
	}
}

func TestResolveEntities(t *testing.T) {
	r := newResolver(telemetry.NoOp{})
	local := op.Entity{ID: "e1", Version: 3, UpdatedAt: fixed}
	remote := op.Entity{ID: "e1", Version: 7, UpdatedAt: fixed.Add(-time.Hour)}

	got := r.ResolveEntities(local, remote)
	if got.Resolution != RemoteWins {
		t.Fatalf("ResolveEntities = %s, want remoteWins (version beats timestamp)", got.Resolution)
	}
	if !strings.Contains(got.Reason, "e1") {
		t.Fatalf("reason %q does not name the entity", got.Reason)
	}
}

func TestApply(t *testing.T) {
	tests := []struct {
		res      Resolution
		want     string
		wantPush bool
	}{
		{RemoteWins, "remote", false},
		{LocalWins, "local", true},
		{MergeRequired, "local", true},
	}
	for _, tt := range tests {
		got, push := Apply(Result{Resolution: tt.res}, "local", "remote")
		if got != tt.want || push != tt.wantPush {
			t.Errorf("Apply(%s) = (%q, %v), want (%q, %v)", tt.res, got, push, tt.want, tt.wantPush)
		}
	}
}

func TestResolveCounts(t *testing.T) {
	m := telemetry.NewMemory()
	r := newResolver(m)
	r.Resolve(1, 2, Subject{})
	r.Resolve(2, 1, Subject{})
	r.Resolve(2, 2, Subject{})

	if got := m.Counter("conflict.remote_wins"); got != 1 {
		t.Fatalf("remote_wins = %d", got)
	}
	if got := m.Counter("conflict.local_wins"); got != 2 {
		t.Fatalf("local_wins = %d", got)
	}
}

func TestSubjectString(t *testing.T) {
	cases := map[Subject]string{
		{}:                                  "entity",
		{EntityID: "x"}:                     "x",
		{EntityType: "note"}:                "note",
		{EntityType: "note", EntityID: "x"}: "note/x",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("%+v.String() = %q, want %q", s, got, want)
		}
	}
}
