package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// rideChangesChannel is fed by the rides_notify trigger in migrations/001_create_dispatch.sql.
const rideChangesChannel = "ride_changes"

const rideColumns = `id, origin_lat, origin_lon, status, offered_driver_id, attempted_drivers, decision, fare_cents, customer_id, created_at, updated_at`

const driverColumns = `id, lat, lon, online, under_consideration, push_token, updated_at`

type PostgresStore struct {
	db       *sql.DB
	listener *pq.Listener

	mu   sync.Mutex
	subs map[string]map[*rideSub]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	l := pq.NewListener(dsn, time.Second, time.Minute, nil)
	if err := l.Listen(rideChangesChannel); err != nil {
		_ = l.Close()
		_ = db.Close()
		return nil, fmt.Errorf("listen %s: %w", rideChangesChannel, err)
	}
	p := &PostgresStore{
		db:       db,
		listener: l,
		subs:     make(map[string]map[*rideSub]struct{}),
		done:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.listen()
	return p, nil
}

// Migrate executes a schema script.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

func (p *PostgresStore) Close() error {
	close(p.done)
	lerr := p.listener.Close()
	p.wg.Wait()
	p.mu.Lock()
	for _, set := range p.subs {
		for sub := range set {
			sub.fail(errors.New("store closed"))
		}
	}
	p.subs = map[string]map[*rideSub]struct{}{}
	p.mu.Unlock()
	return errors.Join(lerr, p.db.Close())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var status, decision string
	var attempted []string
	if err := row.Scan(&r.ID, &r.Origin.Lat, &r.Origin.Lon, &status, &r.OfferedDriverID, pq.Array(&attempted),
		&decision, &r.FareCents, &r.CustomerID, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = models.RideStatus(status)
	r.Decision = models.Decision(decision)
	r.AttemptedDrivers = attempted
	c := r.Clone()
	return &c, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	status := r.Status
	if status == "" {
		status = models.StatusPending
	}
	attempted := r.AttemptedDrivers
	if attempted == nil {
		attempted = []string{}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, origin_lat, origin_lon, status, offered_driver_id, attempted_drivers, decision, fare_cents, customer_id)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.Origin.Lat, r.Origin.Lon, string(status), r.OfferedDriverID, pq.Array(attempted), string(r.Decision), r.FareCents, r.CustomerID)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) RecordOffer(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `UPDATE rides
		SET attempted_drivers = array_append(attempted_drivers, $2),
		    offered_driver_id = $2,
		    decision = '',
		    status = $3,
		    updated_at = now()
		WHERE id = $1 AND status = ANY($4) AND NOT ($2 = ANY(attempted_drivers))
		RETURNING `+rideColumns,
		rideID, driverID, string(models.StatusAwaitingDriver), pq.Array(statusStrings(models.AllowedFrom(models.StatusAwaitingDriver)))))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.classifyOfferMiss(ctx, rideID, driverID)
	}
	return r, err
}

func (p *PostgresStore) classifyOfferMiss(ctx context.Context, rideID, driverID string) error {
	cur, err := p.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	switch {
	case cur.Status.Terminal():
		return ErrTerminal
	case slices.Contains(cur.AttemptedDrivers, driverID):
		return ErrDuplicateAttempt
	}
	return ErrInvalidTransition
}

func (p *PostgresStore) SetRideStatus(ctx context.Context, rideID string, status models.RideStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET status = $2, updated_at = now() WHERE id = $1 AND status = ANY($3)`,
		rideID, string(status), pq.Array(statusStrings(models.AllowedFrom(status))))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}
	cur, err := p.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	return checkTransition(cur.Status, status)
}

func (p *PostgresStore) RecordDecision(ctx context.Context, rideID, driverID string, d models.Decision) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET decision = $3, updated_at = now()
		WHERE id = $1 AND status = $4 AND offered_driver_id = $2 AND decision = ''`,
		rideID, driverID, string(d), string(models.StatusAwaitingDriver))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}
	if _, err := p.GetRide(ctx, rideID); err != nil {
		return err
	}
	return ErrStaleDecision
}

func (p *PostgresStore) ExpireOffer(ctx context.Context, rideID, driverID string) (models.Decision, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET decision = $3, updated_at = now()
		WHERE id = $1 AND status = $4 AND offered_driver_id = $2 AND decision = ''`,
		rideID, driverID, string(models.DecisionExpired), string(models.StatusAwaitingDriver))
	if err != nil {
		return "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 1 {
		return models.DecisionExpired, nil
	}
	// The update missed: either a reply got there first or the offer moved on.
	cur, err := p.GetRide(ctx, rideID)
	if err != nil {
		return "", err
	}
	if cur.Status != models.StatusAwaitingDriver || cur.OfferedDriverID != driverID {
		return "", ErrStaleDecision
	}
	return cur.Decision, nil
}

func (p *PostgresStore) SubscribeRide(ctx context.Context, rideID string) (Subscription, error) {
	var sub *rideSub
	sub = newRideSub(rideID, func() { p.removeSub(sub) })

	// Register before the first read so a change landing in between is not lost.
	p.mu.Lock()
	if p.subs[rideID] == nil {
		p.subs[rideID] = make(map[*rideSub]struct{})
	}
	p.subs[rideID][sub] = struct{}{}
	p.mu.Unlock()

	r, err := p.GetRide(ctx, rideID)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	sub.deliver(*r)
	return sub, nil
}

func (p *PostgresStore) removeSub(sub *rideSub) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs[sub.rideID], sub)
	if len(p.subs[sub.rideID]) == 0 {
		delete(p.subs, sub.rideID)
	}
}

func (p *PostgresStore) listen() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case n, ok := <-p.listener.Notify:
			if !ok {
				return
			}
			// nil after a reconnect: notifications may have been missed.
			if n == nil {
				p.refreshAll()
				continue
			}
			p.refresh(n.Extra)
		}
	}
}

func (p *PostgresStore) refreshAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.refresh(id)
	}
}

func (p *PostgresStore) refresh(rideID string) {
	p.mu.Lock()
	_, watched := p.subs[rideID]
	p.mu.Unlock()
	if !watched {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := p.GetRide(ctx, rideID)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for sub := range p.subs[rideID] {
		sub.deliver(*r)
	}
}

func (p *PostgresStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers(id, lat, lon, online, push_token, updated_at) VALUES($1,$2,$3,$4,$5,now())
		ON CONFLICT (id) DO UPDATE SET lat = EXCLUDED.lat, lon = EXCLUDED.lon, online = EXCLUDED.online,
		push_token = EXCLUDED.push_token, updated_at = now()`,
		d.ID, d.Loc.Lat, d.Loc.Lon, d.Online, d.PushToken)
	return err
}

func scanDriver(row rowScanner) (models.Driver, error) {
	var d models.Driver
	err := row.Scan(&d.ID, &d.Loc.Lat, &d.Loc.Lon, &d.Online, &d.UnderConsideration, &d.PushToken, &d.Updated)
	return d, err
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *PostgresStore) QueryDrivers(ctx context.Context, f DriverFilter) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE online = $1 AND under_consideration = $2 ORDER BY id`,
		f.Online, f.UnderConsideration)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReserveDriver is a conditional update so two runs racing for the same
// driver cannot both see a row affected.
func (p *PostgresStore) ReserveDriver(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET under_consideration = true, updated_at = now()
		WHERE id = $1 AND online AND NOT under_consideration`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) ReleaseDriver(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE drivers SET under_consideration = false, updated_at = now() WHERE id = $1`, id)
	return err
}

func statusStrings(ss []models.RideStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
