package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"ctfsentinel/internal/ctf"
	"ctfsentinel/internal/state"
	logx "ctfsentinel/pkg/logx"
)

// Persistence maps the live stores onto a Backend.
//
// Load policy:
//   - a missing dataset loads as empty
//   - an undecodable dataset is logged, set aside when the backend supports it,
//     and loads as empty
//   - a read failure is a PersistenceError, except for the cache which is
//     rebuilt by the next refresh anyway
type Persistence struct {
	b   Backend
	log logx.Logger
	now func() time.Time
}

func NewPersistence(b Backend, log logx.Logger) *Persistence {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Persistence{b: b, log: log.With(logx.String("backend", b.Name())), now: time.Now}
}

func (p *Persistence) Backend() Backend { return p.b }

type (
	tenantsDoc       = map[int64]state.TenantConfig
	notificationsDoc = map[int64]map[ctf.Kind][]string
	participationDoc = map[int64]map[string]state.Status
	cacheDoc         = map[string]ctf.Event
)

func (p *Persistence) LoadTenants(ctx context.Context, t *state.Tenants) error {
	doc, ok, err := load[tenantsDoc](ctx, p, DatasetTenants)
	if err != nil || !ok {
		return err
	}
	t.Replace(doc)
	return nil
}

func (p *Persistence) SaveTenants(ctx context.Context, t *state.Tenants) error {
	return save(ctx, p, DatasetTenants, t.Snapshot())
}

func (p *Persistence) LoadNotifications(ctx context.Context, tr *state.Tracker) error {
	doc, ok, err := load[notificationsDoc](ctx, p, DatasetNotifications)
	if err != nil || !ok {
		return err
	}
	for tenant, kinds := range doc {
		for kind := range kinds {
			if !kind.Valid() {
				p.log.Warn("dropping unknown notification kind", logx.Tenant(tenant), logx.String("kind", string(kind)))
				delete(kinds, kind)
			}
		}
	}
	tr.Replace(doc)
	return nil
}

func (p *Persistence) SaveNotifications(ctx context.Context, tr *state.Tracker) error {
	return save(ctx, p, DatasetNotifications, tr.Snapshot())
}

func (p *Persistence) LoadParticipation(ctx context.Context, pa *state.Participation) error {
	doc, ok, err := load[participationDoc](ctx, p, DatasetParticipation)
	if err != nil || !ok {
		return err
	}
	pa.Replace(doc)
	return nil
}

func (p *Persistence) SaveParticipation(ctx context.Context, pa *state.Participation) error {
	return save(ctx, p, DatasetParticipation, pa.Snapshot())
}

// LoadCache never fails; a cache that cannot be read starts empty.
func (p *Persistence) LoadCache(ctx context.Context, c *state.Cache) error {
	doc, ok, err := load[cacheDoc](ctx, p, DatasetCache)
	if err != nil {
		p.log.Warn("event cache unreadable, starting empty", logx.Err(err))
		return nil
	}
	if !ok {
		return nil
	}
	c.ReplaceKeyed(doc, time.Time{})
	return nil
}

func (p *Persistence) SaveCache(ctx context.Context, c *state.Cache) error {
	return save(ctx, p, DatasetCache, c.Snapshot())
}

// LoadAll loads every dataset into st. Errors from different datasets are joined.
func (p *Persistence) LoadAll(ctx context.Context, st *state.Store) error {
	err := errors.Join(
		p.LoadTenants(ctx, st.Tenants),
		p.LoadNotifications(ctx, st.Tracker),
		p.LoadParticipation(ctx, st.Participation),
		p.LoadCache(ctx, st.Cache),
	)
	if err == nil {
		p.log.Info("state loaded",
			logx.Int("tenants", st.Tenants.Len()),
			logx.Int("cached_events", st.Cache.Len()),
		)
	}
	return err
}

// SaveAll writes every dataset. A failing dataset does not stop the others.
func (p *Persistence) SaveAll(ctx context.Context, st *state.Store) error {
	start := p.now()
	err := errors.Join(
		p.SaveTenants(ctx, st.Tenants),
		p.SaveNotifications(ctx, st.Tracker),
		p.SaveParticipation(ctx, st.Participation),
		p.SaveCache(ctx, st.Cache),
	)
	if err != nil {
		p.log.Error("state flush failed", logx.Err(err))
		return err
	}
	p.log.Debug("state flushed", logx.Duration("took", p.now().Sub(start)))
	return nil
}

func load[T any](ctx context.Context, p *Persistence, ds Dataset) (T, bool, error) {
	var zero T
	body, err := p.b.Read(ctx, ds)
	if errors.Is(err, ErrNotFound) {
		p.log.Debug("dataset not found, starting empty", logx.String("dataset", string(ds)))
		return zero, false, nil
	}
	if err != nil {
		return zero, false, &ctf.PersistenceError{Dataset: string(ds), Op: "load", Err: err}
	}
	if len(body) == 0 {
		return zero, false, nil
	}

	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		fields := []logx.Field{logx.String("dataset", string(ds)), logx.Err(err)}
		if q, ok := p.b.(Quarantiner); ok {
			if moved, qerr := q.Quarantine(ctx, ds); qerr == nil {
				fields = append(fields, logx.String("moved_to", moved))
			} else {
				fields = append(fields, logx.String("quarantine_error", qerr.Error()))
			}
		}
		p.log.Warn("dataset corrupt, starting empty", fields...)
		return zero, false, nil
	}
	return v, true, nil
}

func save(ctx context.Context, p *Persistence, ds Dataset, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &ctf.PersistenceError{Dataset: string(ds), Op: "save", Err: err}
	}
	if err := p.b.Write(ctx, ds, body); err != nil {
		return &ctf.PersistenceError{Dataset: string(ds), Op: "save", Err: err}
	}
	return nil
}
