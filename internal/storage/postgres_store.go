package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/emergency-connect/internal/models"
)

type PostgresStore struct {
	db *sql.DB
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
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

const requestColumns = `id, patient_id, ambulance_id, hospital_id, latitude, longitude, address,
	patient_condition, description, notes, priority, status, assigned_bed_number, eta_minutes,
	requested_at, accepted_at, dispatched_at, completed_at, cancelled_at, deleted_at, deleted_by,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(s rowScanner) (models.EmergencyRequest, error) {
	var (
		r                                                       models.EmergencyRequest
		ambulanceID, hospitalID, deletedBy                      sql.NullInt64
		bed                                                     sql.NullString
		eta                                                     sql.NullInt64
		acceptedAt, dispatchedAt, completedAt, cancelledAt, del sql.NullTime
		priority, status                                        string
	)
	err := s.Scan(&r.ID, &r.PatientID, &ambulanceID, &hospitalID, &r.Latitude, &r.Longitude, &r.Address,
		&r.PatientCondition, &r.Description, &r.Notes, &priority, &status, &bed, &eta,
		&r.RequestedAt, &acceptedAt, &dispatchedAt, &completedAt, &cancelledAt, &del, &deletedBy,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return models.EmergencyRequest{}, err
	}
	r.Priority = models.Priority(priority)
	r.Status = models.Status(status)
	r.AmbulanceID = nullInt64Ptr(ambulanceID)
	r.HospitalID = nullInt64Ptr(hospitalID)
	r.DeletedBy = nullInt64Ptr(deletedBy)
	if bed.Valid {
		v := bed.String
		r.AssignedBedNumber = &v
	}
	if eta.Valid {
		v := int(eta.Int64)
		r.ETAMinutes = &v
	}
	r.AcceptedAt = nullTimePtr(acceptedAt)
	r.DispatchedAt = nullTimePtr(dispatchedAt)
	r.CompletedAt = nullTimePtr(completedAt)
	r.CancelledAt = nullTimePtr(cancelledAt)
	r.DeletedAt = nullTimePtr(del)
	return r, nil
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.EmergencyRequest) error {
	if r.RequestedAt.IsZero() {
		r.RequestedAt = time.Now().UTC()
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO emergency_requests
		(patient_id, hospital_id, latitude, longitude, address, patient_condition, description, notes, priority, status, requested_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING `+requestColumns,
		r.PatientID, r.HospitalID, r.Latitude, r.Longitude, r.Address, r.PatientCondition, r.Description, r.Notes,
		string(r.Priority), string(models.StatusPending), r.RequestedAt)
	created, err := scanRequest(row)
	if err != nil {
		return err
	}
	*r = created
	return nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id int64) (models.EmergencyRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM emergency_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.EmergencyRequest{}, ErrNotFound
	}
	return r, err
}

// patchClauses renders the SET fragments of p, numbering placeholders after args.
func patchClauses(p models.RequestPatch, args []any) ([]string, []any) {
	var sets []string
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if p.AmbulanceID != nil {
		add("ambulance_id", *p.AmbulanceID)
	}
	if p.HospitalID != nil {
		add("hospital_id", *p.HospitalID)
	}
	if p.Notes != nil {
		add("notes", *p.Notes)
	}
	if p.AssignedBedNumber != nil {
		add("assigned_bed_number", *p.AssignedBedNumber)
	}
	if p.ETAMinutes != nil {
		add("eta_minutes", *p.ETAMinutes)
	}
	if p.AcceptedAt != nil {
		add("accepted_at", *p.AcceptedAt)
	}
	if p.DispatchedAt != nil {
		add("dispatched_at", *p.DispatchedAt)
	}
	if p.CompletedAt != nil {
		add("completed_at", *p.CompletedAt)
	}
	if p.CancelledAt != nil {
		add("cancelled_at", *p.CancelledAt)
	}
	if p.DeletedAt != nil {
		add("deleted_at", *p.DeletedAt)
	}
	if p.DeletedBy != nil {
		add("deleted_by", *p.DeletedBy)
	}
	return sets, args
}

func (p *PostgresStore) UpdateRequest(ctx context.Context, id int64, patch models.RequestPatch) (models.EmergencyRequest, error) {
	sets, args := patchClauses(patch, nil)
	sets = append(sets, "updated_at = now()")
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE emergency_requests SET %s WHERE id = $%d RETURNING `+requestColumns, strings.Join(sets, ", "), len(args))
	r, err := scanRequest(p.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.EmergencyRequest{}, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) TransitionRequest(ctx context.Context, id int64, from []models.Status, to models.Status, patch models.RequestPatch) (models.EmergencyRequest, error) {
	return transitionRequest(ctx, p.db, id, from, to, patch)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// transitionRequest is the compare-and-set primitive: the row is only
// written when its status is one of from.
func transitionRequest(ctx context.Context, q queryer, id int64, from []models.Status, to models.Status, patch models.RequestPatch) (models.EmergencyRequest, error) {
	sets, args := patchClauses(patch, []any{string(to)})
	sets = append([]string{"status = $1", "updated_at = now()"}, sets...)
	args = append(args, id, pq.Array(statusStrings(from)))
	stmt := fmt.Sprintf(`UPDATE emergency_requests SET %s WHERE id = $%d AND status = ANY($%d) RETURNING `+requestColumns,
		strings.Join(sets, ", "), len(args)-1, len(args))
	r, err := scanRequest(q.QueryRowContext(ctx, stmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.EmergencyRequest{}, currentStatusError(ctx, q, id)
	}
	return r, err
}

// currentStatusError explains why a conditional update touched no row.
func currentStatusError(ctx context.Context, q queryer, id int64) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM emergency_requests WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return &StatusMismatchError{Actual: models.Status(status)}
}

func (p *PostgresStore) AcceptRequest(ctx context.Context, requestID, ambulanceID int64, at time.Time) (r models.EmergencyRequest, err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.EmergencyRequest{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// The ambulance is claimed before the request row is touched.
	res, err := tx.ExecContext(ctx, `UPDATE ambulances SET status = 'busy', updated_at = $2
		WHERE id = $1 AND status = 'available' AND is_active`, ambulanceID, at)
	if err != nil {
		return models.EmergencyRequest{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if qerr := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM ambulances WHERE id = $1)`, ambulanceID).Scan(&exists); qerr != nil {
			err = qerr
			return models.EmergencyRequest{}, err
		}
		if !exists {
			err = ErrAmbulanceNotFound
		} else {
			err = ErrAmbulanceUnavailable
		}
		return models.EmergencyRequest{}, err
	}

	r, err = transitionRequest(ctx, tx, requestID, []models.Status{models.StatusPending}, models.StatusAccepted,
		models.RequestPatch{AmbulanceID: &ambulanceID, AcceptedAt: &at})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case "23505":
				err = ErrAmbulanceUnavailable
			case "23503":
				err = ErrAmbulanceNotFound
			}
		}
		return models.EmergencyRequest{}, err
	}
	if err = tx.Commit(); err != nil {
		return models.EmergencyRequest{}, err
	}
	return r, nil
}

func (p *PostgresStore) CompleteWithBed(ctx context.Context, requestID, hospitalID int64, bedNumber string, at time.Time) (r models.EmergencyRequest, b models.Bed, err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.EmergencyRequest{}, models.Bed{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	r, err = transitionRequest(ctx, tx, requestID, []models.Status{models.StatusTransporting}, models.StatusCompleted,
		models.RequestPatch{HospitalID: &hospitalID, AssignedBedNumber: &bedNumber, CompletedAt: &at})
	if err != nil {
		return models.EmergencyRequest{}, models.Bed{}, err
	}

	row := tx.QueryRowContext(ctx, `UPDATE beds SET status = 'occupied', request_id = $3, updated_at = $4
		WHERE hospital_id = $1 AND bed_number = $2 AND status IN ('available','reserved')
		RETURNING `+bedColumns, hospitalID, bedNumber, requestID, at)
	b, err = scanBed(row)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if qerr := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM beds WHERE hospital_id = $1 AND bed_number = $2)`, hospitalID, bedNumber).Scan(&exists); qerr != nil {
			err = qerr
		} else if !exists {
			err = ErrBedNotFound
		} else {
			err = ErrBedUnavailable
		}
		return models.EmergencyRequest{}, models.Bed{}, err
	}
	if err != nil {
		return models.EmergencyRequest{}, models.Bed{}, err
	}
	if err = tx.Commit(); err != nil {
		return models.EmergencyRequest{}, models.Bed{}, err
	}
	return r, b, nil
}

func (p *PostgresStore) listRequests(ctx context.Context, where string, args ...any) ([]models.EmergencyRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM emergency_requests WHERE `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.EmergencyRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const activeStatuses = `('pending','accepted','dispatched','en_route','at_scene','transporting')`

func (p *PostgresStore) ListForPatient(ctx context.Context, patientID int64) ([]models.EmergencyRequest, error) {
	return p.listRequests(ctx, `patient_id = $1 AND status <> 'deleted'`, patientID)
}

func (p *PostgresStore) ListActive(ctx context.Context) ([]models.EmergencyRequest, error) {
	return p.listRequests(ctx, `status IN `+activeStatuses)
}

func (p *PostgresStore) ListActiveForAmbulance(ctx context.Context, ambulanceID int64) ([]models.EmergencyRequest, error) {
	return p.listRequests(ctx, `ambulance_id = $1 AND status IN ('accepted','dispatched','en_route','at_scene','transporting')`, ambulanceID)
}

func (p *PostgresStore) ListPending(ctx context.Context) ([]models.EmergencyRequest, error) {
	return p.listRequests(ctx, `status = 'pending'`)
}

func (p *PostgresStore) ListAll(ctx context.Context) ([]models.EmergencyRequest, error) {
	return p.listRequests(ctx, `TRUE`)
}

const ambulanceColumns = `id, operator_id, hospital_id, vehicle_number, current_latitude, current_longitude, status, is_active, updated_at`

func scanAmbulance(s rowScanner) (models.Ambulance, error) {
	var (
		a          models.Ambulance
		hospitalID sql.NullInt64
		status     string
	)
	if err := s.Scan(&a.ID, &a.OperatorID, &hospitalID, &a.VehicleNumber, &a.CurrentLatitude, &a.CurrentLongitude, &status, &a.IsActive, &a.UpdatedAt); err != nil {
		return models.Ambulance{}, err
	}
	a.HospitalID = nullInt64Ptr(hospitalID)
	a.Status = models.AmbulanceStatus(status)
	return a, nil
}

func (p *PostgresStore) CreateAmbulance(ctx context.Context, a *models.Ambulance) error {
	if a.Status == "" {
		a.Status = models.AmbulanceAvailable
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO ambulances (operator_id, hospital_id, vehicle_number, current_latitude, current_longitude, status, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING `+ambulanceColumns,
		a.OperatorID, a.HospitalID, a.VehicleNumber, a.CurrentLatitude, a.CurrentLongitude, string(a.Status), a.IsActive)
	created, err := scanAmbulance(row)
	if err != nil {
		return err
	}
	*a = created
	return nil
}

func (p *PostgresStore) GetAmbulance(ctx context.Context, id int64) (models.Ambulance, error) {
	a, err := scanAmbulance(p.db.QueryRowContext(ctx, `SELECT `+ambulanceColumns+` FROM ambulances WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ambulance{}, ErrAmbulanceNotFound
	}
	return a, err
}

func (p *PostgresStore) SetAmbulanceStatus(ctx context.Context, id int64, status models.AmbulanceStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE ambulances SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAmbulanceNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateAmbulanceLocation(ctx context.Context, id int64, loc models.Coord) (models.Ambulance, error) {
	a, err := scanAmbulance(p.db.QueryRowContext(ctx, `UPDATE ambulances SET current_latitude = $2, current_longitude = $3, updated_at = now()
		WHERE id = $1 RETURNING `+ambulanceColumns, id, loc.Lat, loc.Lon))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ambulance{}, ErrAmbulanceNotFound
	}
	return a, err
}

func (p *PostgresStore) CreateHospital(ctx context.Context, h *models.Hospital) error {
	return p.db.QueryRowContext(ctx, `INSERT INTO hospitals (name, address, phone, latitude, longitude)
		VALUES ($1,$2,$3,$4,$5) RETURNING id, created_at`,
		h.Name, h.Address, h.Phone, h.Latitude, h.Longitude).Scan(&h.ID, &h.CreatedAt)
}

func (p *PostgresStore) GetHospital(ctx context.Context, id int64) (models.Hospital, error) {
	var h models.Hospital
	err := p.db.QueryRowContext(ctx, `SELECT id, name, address, phone, latitude, longitude, created_at FROM hospitals WHERE id = $1`, id).
		Scan(&h.ID, &h.Name, &h.Address, &h.Phone, &h.Latitude, &h.Longitude, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Hospital{}, ErrHospitalNotFound
	}
	return h, err
}

func (p *PostgresStore) ListHospitals(ctx context.Context) ([]models.Hospital, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, address, phone, latitude, longitude, created_at FROM hospitals ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Hospital
	for rows.Next() {
		var h models.Hospital
		if err := rows.Scan(&h.ID, &h.Name, &h.Address, &h.Phone, &h.Latitude, &h.Longitude, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

const bedColumns = `hospital_id, bed_number, status, ward_description, patient_name, request_id, updated_at`

func scanBed(s rowScanner) (models.Bed, error) {
	var (
		b         models.Bed
		status    string
		requestID sql.NullInt64
	)
	if err := s.Scan(&b.HospitalID, &b.BedNumber, &status, &b.WardDescription, &b.PatientName, &requestID, &b.UpdatedAt); err != nil {
		return models.Bed{}, err
	}
	b.Status = models.BedStatus(status)
	b.RequestID = nullInt64Ptr(requestID)
	return b, nil
}

func (p *PostgresStore) UpsertBed(ctx context.Context, b *models.Bed) error {
	row := p.db.QueryRowContext(ctx, `INSERT INTO beds (hospital_id, bed_number, status, ward_description, patient_name, request_id)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (hospital_id, bed_number) DO UPDATE SET
			status = EXCLUDED.status, ward_description = EXCLUDED.ward_description,
			patient_name = EXCLUDED.patient_name, request_id = EXCLUDED.request_id, updated_at = now()
		RETURNING `+bedColumns,
		b.HospitalID, b.BedNumber, string(b.Status), b.WardDescription, b.PatientName, b.RequestID)
	saved, err := scanBed(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return ErrHospitalNotFound
		}
		return err
	}
	*b = saved
	return nil
}

func (p *PostgresStore) GetBed(ctx context.Context, hospitalID int64, bedNumber string) (models.Bed, error) {
	b, err := scanBed(p.db.QueryRowContext(ctx, `SELECT `+bedColumns+` FROM beds WHERE hospital_id = $1 AND bed_number = $2`, hospitalID, bedNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Bed{}, ErrBedNotFound
	}
	return b, err
}

func (p *PostgresStore) SetBedStatus(ctx context.Context, hospitalID int64, bedNumber string, from []models.BedStatus, to models.BedStatus) (models.Bed, error) {
	wanted := make([]string, len(from))
	for i, s := range from {
		wanted[i] = string(s)
	}
	b, err := scanBed(p.db.QueryRowContext(ctx, `UPDATE beds SET status = $3,
			request_id = CASE WHEN $3 = 'available' THEN NULL ELSE request_id END,
			patient_name = CASE WHEN $3 = 'available' THEN '' ELSE patient_name END,
			updated_at = now()
		WHERE hospital_id = $1 AND bed_number = $2 AND status = ANY($4)
		RETURNING `+bedColumns,
		hospitalID, bedNumber, string(to), pq.Array(wanted)))
	if !errors.Is(err, sql.ErrNoRows) {
		return b, err
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM beds WHERE hospital_id = $1 AND bed_number = $2)`,
		hospitalID, bedNumber).Scan(&exists); err != nil {
		return models.Bed{}, err
	}
	if !exists {
		return models.Bed{}, ErrBedNotFound
	}
	return models.Bed{}, ErrBedUnavailable
}

func (p *PostgresStore) ListBeds(ctx context.Context, hospitalID int64) ([]models.Bed, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+bedColumns+` FROM beds WHERE hospital_id = $1 ORDER BY bed_number`, hospitalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Bed, 0)
	for rows.Next() {
		b, err := scanBed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountAvailableBeds(ctx context.Context) (map[int64]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT hospital_id, count(*) FROM beds WHERE status = 'available' GROUP BY hospital_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]int)
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

func statusStrings(in []models.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
