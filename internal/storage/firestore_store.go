package storage

import (
	"context"
	"errors"
	"slices"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/ride-dispatch/internal/models"
)

type locationDoc struct {
	Latitude  float64 `firestore:"latitude"`
	Longitude float64 `firestore:"longitude"`
}

type rideDoc struct {
	Origin           locationDoc `firestore:"origin"`
	Status           string      `firestore:"status"`
	OfferedDriverID  string      `firestore:"offered_driver_id"`
	AttemptedDrivers []string    `firestore:"attempted_drivers"`
	Decision         string      `firestore:"decision"`
	FareCents        int64       `firestore:"fare_cents"`
	CustomerID       string      `firestore:"customer_id"`
	CreatedAt        time.Time   `firestore:"created_at"`
	UpdatedAt        time.Time   `firestore:"updated_at"`
}

type driverDoc struct {
	Location           locationDoc `firestore:"location"`
	Online             bool        `firestore:"online"`
	UnderConsideration bool        `firestore:"under_consideration"`
	PushToken          string      `firestore:"push_token"`
	UpdatedAt          time.Time   `firestore:"updated_at"`
}

func (d rideDoc) toModel(id string) *models.Ride {
	r := models.Ride{
		ID:               id,
		Origin:           models.Coord{Lat: d.Origin.Latitude, Lon: d.Origin.Longitude},
		Status:           models.RideStatus(d.Status),
		OfferedDriverID:  d.OfferedDriverID,
		AttemptedDrivers: d.AttemptedDrivers,
		Decision:         models.Decision(d.Decision),
		FareCents:        d.FareCents,
		CustomerID:       d.CustomerID,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
	c := r.Clone()
	return &c
}

func (d driverDoc) toModel(id string) models.Driver {
	return models.Driver{
		ID:                 id,
		Loc:                models.Coord{Lat: d.Location.Latitude, Lon: d.Location.Longitude},
		Online:             d.Online,
		UnderConsideration: d.UnderConsideration,
		PushToken:          d.PushToken,
		Updated:            d.UpdatedAt,
	}
}

// FirestoreStore keeps rides and drivers as documents. Mutations that depend
// on current state run in transactions; ride subscriptions are document
// snapshot listeners.
type FirestoreStore struct {
	client  *firestore.Client
	rides   string
	drivers string
}

func NewFirestoreStore(client *firestore.Client, ridesCollection, driversCollection string) *FirestoreStore {
	return &FirestoreStore{client: client, rides: ridesCollection, drivers: driversCollection}
}

func (f *FirestoreStore) Close() error { return f.client.Close() }

func (f *FirestoreStore) rideRef(id string) *firestore.DocumentRef {
	return f.client.Collection(f.rides).Doc(id)
}

func (f *FirestoreStore) driverRef(id string) *firestore.DocumentRef {
	return f.client.Collection(f.drivers).Doc(id)
}

func (f *FirestoreStore) CreateRide(ctx context.Context, r *models.Ride) error {
	st := r.Status
	if st == "" {
		st = models.StatusPending
	}
	now := time.Now().UTC()
	doc := rideDoc{
		Origin:           locationDoc{Latitude: r.Origin.Lat, Longitude: r.Origin.Lon},
		Status:           string(st),
		OfferedDriverID:  r.OfferedDriverID,
		AttemptedDrivers: r.Clone().AttemptedDrivers,
		Decision:         string(r.Decision),
		FareCents:        r.FareCents,
		CustomerID:       r.CustomerID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, err := f.rideRef(r.ID).Create(ctx, doc)
	if status.Code(err) == codes.AlreadyExists {
		return ErrAlreadyExists
	}
	return err
}

func (f *FirestoreStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	snap, err := f.rideRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var d rideDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, err
	}
	return d.toModel(id), nil
}

// getRideTx reads a ride inside a transaction, mapping a missing document to ErrNotFound.
func (f *FirestoreStore) getRideTx(tx *firestore.Transaction, ref *firestore.DocumentRef) (rideDoc, error) {
	var d rideDoc
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	return d, snap.DataTo(&d)
}

func (f *FirestoreStore) RecordOffer(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	ref := f.rideRef(rideID)
	var out rideDoc
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		d, err := f.getRideTx(tx, ref)
		if err != nil {
			return err
		}
		if err := checkTransition(models.RideStatus(d.Status), models.StatusAwaitingDriver); err != nil {
			return err
		}
		if slices.Contains(d.AttemptedDrivers, driverID) {
			return ErrDuplicateAttempt
		}
		d.AttemptedDrivers = append(d.AttemptedDrivers, driverID)
		d.OfferedDriverID = driverID
		d.Decision = string(models.DecisionNone)
		d.Status = string(models.StatusAwaitingDriver)
		d.UpdatedAt = time.Now().UTC()
		out = d
		return tx.Update(ref, []firestore.Update{
			{Path: "attempted_drivers", Value: d.AttemptedDrivers},
			{Path: "offered_driver_id", Value: d.OfferedDriverID},
			{Path: "decision", Value: d.Decision},
			{Path: "status", Value: d.Status},
			{Path: "updated_at", Value: d.UpdatedAt},
		})
	})
	if err != nil {
		return nil, err
	}
	return out.toModel(rideID), nil
}

func (f *FirestoreStore) SetRideStatus(ctx context.Context, rideID string, st models.RideStatus) error {
	ref := f.rideRef(rideID)
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		d, err := f.getRideTx(tx, ref)
		if err != nil {
			return err
		}
		if err := checkTransition(models.RideStatus(d.Status), st); err != nil {
			return err
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(st)},
			{Path: "updated_at", Value: time.Now().UTC()},
		})
	})
}

func (f *FirestoreStore) RecordDecision(ctx context.Context, rideID, driverID string, dec models.Decision) error {
	ref := f.rideRef(rideID)
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		d, err := f.getRideTx(tx, ref)
		if err != nil {
			return err
		}
		if err := checkDecision(d.toModel(rideID), driverID); err != nil {
			return err
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "decision", Value: string(dec)},
			{Path: "updated_at", Value: time.Now().UTC()},
		})
	})
}

func (f *FirestoreStore) ExpireOffer(ctx context.Context, rideID, driverID string) (models.Decision, error) {
	ref := f.rideRef(rideID)
	var out models.Decision
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		d, err := f.getRideTx(tx, ref)
		if err != nil {
			return err
		}
		if models.RideStatus(d.Status) != models.StatusAwaitingDriver || d.OfferedDriverID != driverID {
			return ErrStaleDecision
		}
		out = models.Decision(d.Decision)
		if out != models.DecisionNone {
			return nil
		}
		out = models.DecisionExpired
		return tx.Update(ref, []firestore.Update{
			{Path: "decision", Value: string(out)},
			{Path: "updated_at", Value: time.Now().UTC()},
		})
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// SubscribeRide attaches a snapshot listener to the ride document. The first
// snapshot the listener yields is the current state.
func (f *FirestoreStore) SubscribeRide(ctx context.Context, rideID string) (Subscription, error) {
	if _, err := f.GetRide(ctx, rideID); err != nil {
		return nil, err
	}
	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	it := f.rideRef(rideID).Snapshots(lctx)
	sub := newRideSub(rideID, func() {
		it.Stop()
		cancel()
	})
	go func() {
		for {
			snap, err := it.Next()
			if err != nil {
				if errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled || lctx.Err() != nil {
					sub.fail(nil)
				} else {
					sub.fail(err)
				}
				return
			}
			if !snap.Exists() {
				continue
			}
			var d rideDoc
			if err := snap.DataTo(&d); err != nil {
				sub.fail(err)
				return
			}
			sub.deliver(*d.toModel(rideID))
		}
	}()
	return sub, nil
}

// UpsertDriver creates the driver unreserved on first sight so the
// under_consideration equality filter matches it, and afterwards only
// rewrites the fields the driver's client owns.
func (f *FirestoreStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	ref := f.driverRef(d.ID)
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		fields := map[string]interface{}{
			"location":   map[string]interface{}{"latitude": d.Loc.Lat, "longitude": d.Loc.Lon},
			"online":     d.Online,
			"push_token": d.PushToken,
			"updated_at": time.Now().UTC(),
		}
		_, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			fields["under_consideration"] = false
			return tx.Set(ref, fields)
		}
		if err != nil {
			return err
		}
		return tx.Set(ref, fields, firestore.MergeAll)
	})
}

func (f *FirestoreStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	snap, err := f.driverRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var d driverDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, err
	}
	m := d.toModel(id)
	return &m, nil
}

func (f *FirestoreStore) QueryDrivers(ctx context.Context, flt DriverFilter) ([]models.Driver, error) {
	snaps, err := f.client.Collection(f.drivers).
		Where("online", "==", flt.Online).
		Where("under_consideration", "==", flt.UnderConsideration).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(snaps))
	for _, s := range snaps {
		var d driverDoc
		if err := s.DataTo(&d); err != nil {
			return nil, err
		}
		out = append(out, d.toModel(s.Ref.ID))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FirestoreStore) ReserveDriver(ctx context.Context, id string) (bool, error) {
	ref := f.driverRef(id)
	reserved := false
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		reserved = false
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var d driverDoc
		if err := snap.DataTo(&d); err != nil {
			return err
		}
		if !d.Online || d.UnderConsideration {
			return nil
		}
		reserved = true
		return tx.Update(ref, []firestore.Update{
			{Path: "under_consideration", Value: true},
			{Path: "updated_at", Value: time.Now().UTC()},
		})
	})
	if err != nil {
		return false, err
	}
	return reserved, nil
}

func (f *FirestoreStore) ReleaseDriver(ctx context.Context, id string) error {
	_, err := f.driverRef(id).Update(ctx, []firestore.Update{
		{Path: "under_consideration", Value: false},
		{Path: "updated_at", Value: time.Now().UTC()},
	})
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}
