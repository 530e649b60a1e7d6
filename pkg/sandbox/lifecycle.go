package sandbox

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/curaious/forge/internal/perrors"
)

// API is the remote surface the lifecycle manager depends on. *Client
// implements it.
type API interface {
	Create(ctx context.Context) (*CreateResponse, error)
	Status(ctx context.Context, sandboxID string) (*StatusResponse, error)
	Destroy(ctx context.Context, sandboxID string) error
}

// LifecycleOptions tune lifecycle decisions.
type LifecycleOptions struct {
	// RecreateOnIDMismatch forces a fresh create when a status query
	// returns a different sandbox id than requested. The default is to
	// adopt the returned sandbox as a silent upstream replacement.
	RecreateOnIDMismatch bool
}

// Lifecycle decides whether a sandbox slot can be reused or must be
// replaced. EnsureAvailable is pure over its inputs apart from the two
// injected remote calls; callers serialize decisions per logical slot.
type Lifecycle struct {
	api  API
	opts LifecycleOptions
}

// NewLifecycle constructs a lifecycle manager over the given API.
func NewLifecycle(api API, opts *LifecycleOptions) *Lifecycle {
	if opts == nil {
		opts = &LifecycleOptions{}
	}
	return &Lifecycle{
		api:  api,
		opts: *opts,
	}
}

// Decision is the outcome of one EnsureAvailable call. The caller owns
// persisting the record.
type Decision struct {
	Record Record
	Action Action
	Reason Reason
}

// EnsureAvailable converges the slot to a usable sandbox with the fewest
// redundant recreations. Expiry and not-found are resolved internally by
// recreation and reported only through the reason field; the sole hard
// failure is a create attempt that errors or returns an invalid URL.
func (l *Lifecycle) EnsureAvailable(ctx context.Context, current *Record, now time.Time, maxAge time.Duration) (Decision, error) {
	ctx, span := otel.Tracer("forge/sandbox").Start(ctx, "sandbox.ensure_available")
	defer span.End()

	d, err := l.ensureAvailable(ctx, current, now, maxAge)
	if err == nil {
		span.SetAttributes(
			attribute.String("sandbox.action", d.Action.String()),
			attribute.String("sandbox.reason", d.Reason.String()),
		)
	} else {
		span.RecordError(err)
	}
	return d, err
}

func (l *Lifecycle) ensureAvailable(ctx context.Context, current *Record, now time.Time, maxAge time.Duration) (Decision, error) {
	if current == nil {
		rec, err := l.create(ctx, now)
		if err != nil {
			return Decision{}, err
		}
		slog.InfoContext(ctx, "sandbox created",
			slog.String("sandbox_id", rec.SandboxID),
			slog.String("provider", rec.Provider))
		return Decision{Record: rec, Action: ActionCreated}, nil
	}

	// Proactively replace a sandbox nearing the provider's reclamation
	// window; the status query is skipped on this path.
	if now.Sub(current.CreatedAt) > maxAge {
		rec, err := l.create(ctx, now)
		if err != nil {
			return Decision{}, err
		}
		slog.InfoContext(ctx, "sandbox expired, recreated",
			slog.String("old_sandbox_id", current.SandboxID),
			slog.String("sandbox_id", rec.SandboxID))
		return Decision{Record: rec, Action: ActionRecreated, Reason: ReasonExpired}, nil
	}

	res, err := l.api.Status(ctx, current.SandboxID)
	if err != nil || res == nil {
		slog.WarnContext(ctx, "sandbox status query failed, recreating",
			slog.String("sandbox_id", current.SandboxID),
			slog.Any("error", err))
		rec, cerr := l.create(ctx, now)
		if cerr != nil {
			return Decision{}, cerr
		}
		return Decision{Record: rec, Action: ActionRecreated, Reason: ReasonStatusFailed}, nil
	}

	info, ok := normalizeStatus(res)
	if !ok {
		rec, cerr := l.create(ctx, now)
		if cerr != nil {
			return Decision{}, cerr
		}
		return Decision{Record: rec, Action: ActionRecreated, Reason: ReasonStatusFailed}, nil
	}

	if indicatesNotFound(info) {
		slog.InfoContext(ctx, "sandbox gone upstream, recreating",
			slog.String("sandbox_id", current.SandboxID),
			slog.String("status", info.status))
		rec, cerr := l.create(ctx, now)
		if cerr != nil {
			return Decision{}, cerr
		}
		return Decision{Record: rec, Action: ActionRecreated, Reason: ReasonNotFound}, nil
	}

	if info.sandboxID != "" && info.sandboxID != current.SandboxID {
		return l.adoptReplacement(ctx, current, info, now)
	}

	// Alive: merge refreshed fields, keeping the original creation time.
	rec := *current
	if info.url != "" && ValidatePreviewURL(info.url) == nil {
		rec.URL = info.url
	}
	if info.provider != "" {
		rec.Provider = info.provider
	}
	if info.message != "" {
		rec.Message = info.message
	}
	return Decision{Record: rec, Action: ActionReused}, nil
}

// adoptReplacement handles an id-scoped status query answered with a
// different live sandbox. Upstream silently replaces resources; by
// default the replacement is adopted and the stale id discarded.
func (l *Lifecycle) adoptReplacement(ctx context.Context, current *Record, info statusInfo, now time.Time) (Decision, error) {
	if l.opts.RecreateOnIDMismatch || ValidatePreviewURL(info.url) != nil {
		rec, err := l.create(ctx, now)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Record: rec, Action: ActionRecreated, Reason: ReasonNotFound}, nil
	}

	slog.InfoContext(ctx, "sandbox replaced upstream, adopting",
		slog.String("old_sandbox_id", current.SandboxID),
		slog.String("sandbox_id", info.sandboxID))
	return Decision{
		Record: Record{
			SandboxID: info.sandboxID,
			URL:       info.url,
			Provider:  info.provider,
			Message:   info.message,
			CreatedAt: now,
		},
		Action: ActionRecreated,
		Reason: ReasonNotFound,
	}, nil
}

func (l *Lifecycle) create(ctx context.Context, now time.Time) (Record, error) {
	res, err := l.api.Create(ctx)
	if err != nil {
		return Record{}, perrors.New(perrors.ErrCodeSandboxCreate, "sandbox create call failed", err)
	}
	if res.Success != nil && !*res.Success {
		return Record{}, perrors.New(perrors.ErrCodeSandboxCreate, "sandbox create rejected",
			&NotFoundError{SandboxID: res.SandboxID},
			map[string]interface{}{"message": res.Message})
	}
	if err := ValidatePreviewURL(res.URL); err != nil {
		return Record{}, err
	}
	return Record{
		SandboxID: res.SandboxID,
		URL:       res.URL,
		Provider:  res.Provider,
		Message:   res.Message,
		CreatedAt: now,
	}, nil
}

// ApplyAnnouncement merges a sandbox announced mid-stream into the
// record. A differing id is adopted as a replacement and restarts the
// age clock; a url that does not validate is ignored. The second return
// reports whether anything changed and the record should be re-persisted.
func ApplyAnnouncement(rec Record, sandboxID, url, provider string, now time.Time) (Record, bool) {
	changed := false
	if sandboxID != "" && sandboxID != rec.SandboxID {
		rec.SandboxID = sandboxID
		rec.CreatedAt = now
		changed = true
	}
	if url != "" && url != rec.URL && ValidatePreviewURL(url) == nil {
		rec.URL = url
		changed = true
	}
	if provider != "" && provider != rec.Provider {
		rec.Provider = provider
		changed = true
	}
	return rec, changed
}

// Reset destroys the sandbox best-effort so the next EnsureAvailable
// provisions a fresh one. Destroy failures are logged, never propagated.
func (l *Lifecycle) Reset(ctx context.Context, current *Record) {
	if current == nil || current.SandboxID == "" {
		return
	}
	if err := l.api.Destroy(ctx, current.SandboxID); err != nil {
		slog.WarnContext(ctx, "sandbox destroy failed (ignored)",
			slog.String("sandbox_id", current.SandboxID),
			slog.Any("error", err))
	}
}

// statusInfo is the shape-independent view of a status response.
type statusInfo struct {
	success   *bool
	sandboxID string
	url       string
	provider  string
	status    string
	message   string
}

// nestedStatusInfo reads the wrapped data-object convention.
func nestedStatusInfo(res *StatusResponse) (statusInfo, bool) {
	if res.Data == nil {
		return statusInfo{}, false
	}
	return statusInfo{
		success:   res.Success,
		sandboxID: res.Data.SandboxID,
		url:       res.Data.URL,
		provider:  res.Data.Provider,
		status:    res.Data.Status,
		message:   firstNonEmpty(res.Data.Message, res.Message),
	}, true
}

// flatStatusInfo reads the top-level field convention.
func flatStatusInfo(res *StatusResponse) (statusInfo, bool) {
	if res.SandboxID == "" && res.URL == "" && res.Status == "" && res.Message == "" && res.Success == nil {
		return statusInfo{}, false
	}
	return statusInfo{
		success:   res.Success,
		sandboxID: res.SandboxID,
		url:       res.URL,
		provider:  res.Provider,
		status:    res.Status,
		message:   res.Message,
	}, true
}

// normalizeStatus resolves the two known response conventions in one
// place; new shapes get a new accessor here, not inline field probing.
func normalizeStatus(res *StatusResponse) (statusInfo, bool) {
	if info, ok := nestedStatusInfo(res); ok {
		return info, true
	}
	return flatStatusInfo(res)
}

func indicatesNotFound(info statusInfo) bool {
	if info.success != nil && !*info.success {
		return true
	}
	probe := strings.ToLower(info.status + " " + info.message)
	return strings.Contains(probe, "not found") || strings.Contains(probe, "no active sandbox")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ API = (*Client)(nil)
