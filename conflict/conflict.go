// Package conflict decides which of two copies of an entity survives.
// The rule is strictly version based: the remote copy wins only when its
// version is greater; ties and older remote versions keep the local copy.
package conflict

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/op"
	"github.com/c0deZ3R0/go-offline-kit/telemetry"
)

// Resolution is the verdict of a comparison.
type Resolution string

const (
	LocalWins  Resolution = "localWins"
	RemoteWins Resolution = "remoteWins"
	// MergeRequired is reserved for field-level merges. Resolve never
	// returns it; Apply treats it as LocalWins.
	MergeRequired Resolution = "mergeRequired"
)

// Subject names the entity being resolved; it only feeds the reason text.
type Subject struct {
	EntityType string
	EntityID   string
}

func (s Subject) String() string {
	switch {
	case s.EntityType == "" && s.EntityID == "":
		return "entity"
	case s.EntityType == "":
		return s.EntityID
	case s.EntityID == "":
		return s.EntityType
	}
	return s.EntityType + "/" + s.EntityID
}

// Result is the outcome of a resolution. It is never persisted.
type Result struct {
	Resolution    Resolution
	Reason        string
	LocalVersion  int64
	RemoteVersion int64
	ResolvedAt    time.Time
}

// Option configures a Resolver.
type Option interface{ apply(*Resolver) }

type optionFn func(*Resolver)

func (f optionFn) apply(r *Resolver) { f(r) }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFn(func(r *Resolver) { r.logger = logging.ForComponent(l, "conflict") })
}

// WithTelemetry sets the metrics sink.
func WithTelemetry(s telemetry.Sink) Option {
	return optionFn(func(r *Resolver) { r.metrics = telemetry.OrNoOp(s) })
}

// WithClock overrides time.Now for ResolvedAt.
func WithClock(now func() time.Time) Option {
	return optionFn(func(r *Resolver) { r.now = now })
}

// Resolver compares versions. It never fails and holds no state besides
// its hooks, so one instance may be shared.
type Resolver struct {
	logger  *slog.Logger
	metrics telemetry.Sink
	now     func() time.Time
}

// New returns a Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		logger:  logging.ForComponent(nil, "conflict"),
		metrics: telemetry.NoOp{},
		now:     time.Now,
	}
	for _, o := range opts {
		o.apply(r)
	}
	return r
}

// Decide is the pure comparison behind Resolve.
func Decide(local, remote int64) Resolution {
	if remote > local {
		return RemoteWins
	}
	return LocalWins
}

// Resolve compares a local and a remote version of subject.
func (r *Resolver) Resolve(local, remote int64, subject Subject) Result {
	res := Result{
		Resolution:    Decide(local, remote),
		LocalVersion:  local,
		RemoteVersion: remote,
		ResolvedAt:    r.now().UTC(),
	}
	switch {
	case res.Resolution == RemoteWins:
		res.Reason = fmt.Sprintf("remote version %d of %s is newer than local version %d; discarding local", remote, subject, local)
	case local == remote:
		res.Reason = fmt.Sprintf("%s has equal versions (%d); keeping local and pushing it", subject, local)
	default:
		res.Reason = fmt.Sprintf("local version %d of %s is newer than remote version %d; pushing local", local, subject, remote)
	}

	r.metrics.Count("conflict."+metricName(res.Resolution), 1)
	r.logger.Debug("conflict resolved",
		slog.String("entity", subject.String()),
		slog.String("resolution", string(res.Resolution)),
		slog.Int64("local_version", local),
		slog.Int64("remote_version", remote))
	return res
}

// ResolveEntities resolves two copies of a versioned entity.
func (r *Resolver) ResolveEntities(local, remote op.Versioned) Result {
	return r.Resolve(local.EntityVersion(), remote.EntityVersion(), Subject{EntityID: local.EntityID()})
}

// Apply returns the surviving copy and whether it must be pushed to the
// remote side.
func Apply[T any](result Result, local, remote T) (T, bool) {
	if result.Resolution == RemoteWins {
		return remote, false
	}
	return local, true
}

func metricName(r Resolution) string {
	switch r {
	case RemoteWins:
		return "remote_wins"
	case MergeRequired:
		return "merge_required"
	default:
		return "local_wins"
	}
}
