package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pillpal-hub/pkg/models"
)

// ErrSessionExpired is returned when the stored session's credentials are no
// longer valid. Callers should refresh and retry once.
var ErrSessionExpired = errors.New("session expired")

// IsAuthExpired reports whether an error came from expired credentials.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}

// --- Schedule snapshot ---

// LoadSnapshot reads every day schedule for the owner, with frames and
// medications attached. The result is handed to callers as a whole; the hub
// replaces its in-memory snapshot atomically rather than patching it.
func (db *DB) LoadSnapshot(ctx context.Context, userID string) (*models.Snapshot, error) {
	query := `
		SELECT d.slot, d.date,
		       f.frame, COALESCE(f.scheduled_at, ''), f.require_confirmation, f.dispensed, f.skipped
		FROM day_schedules d
		JOIN time_frames f ON f.day_schedule_id = d.id
		WHERE d.user_id = $1
		ORDER BY d.slot, f.frame
	`

	rows, err := db.conn.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query day schedules: %w", err)
	}
	defer rows.Close()

	days := map[models.Slot]*models.DaySchedule{}
	var order []models.Slot

	for rows.Next() {
		var slot models.Slot
		var date string
		var tf models.TimeFrame

		err := rows.Scan(&slot, &date, &tf.Frame, &tf.ScheduledAt, &tf.RequireConfirmation, &tf.Dispensed, &tf.Skipped)
		if err != nil {
			return nil, fmt.Errorf("failed to scan day schedule: %w", err)
		}

		day, ok := days[slot]
		if !ok {
			day = &models.DaySchedule{Slot: slot, Date: date}
			for i, f := range models.Frames() {
				day.Frames[i] = models.TimeFrame{Frame: f}
			}
			days[slot] = day
			order = append(order, slot)
		}

		if idx := tf.Frame.Index(); idx >= 0 {
			day.Frames[idx] = tf
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate day schedules: %w", err)
	}

	meds, err := db.loadMedications(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, m := range meds {
		if day, ok := days[m.Slot]; ok {
			if tf := day.Frame(m.Frame); tf != nil {
				tf.Medications = append(tf.Medications, m)
			}
		}
	}

	snapshot := &models.Snapshot{LoadedAt: time.Now()}
	for _, slot := range order {
		snapshot.Days = append(snapshot.Days, *days[slot])
	}

	return snapshot, nil
}

func (db *DB) loadMedications(ctx context.Context, userID string) ([]models.Medication, error) {
	query := `
		SELECT m.id, m.name, d.slot, f.frame
		FROM medications m
		JOIN time_frames f ON f.id = m.time_frame_id
		JOIN day_schedules d ON d.id = f.day_schedule_id
		WHERE d.user_id = $1
		ORDER BY d.slot, f.frame, m.id
	`

	rows, err := db.conn.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query medications: %w", err)
	}
	defer rows.Close()

	var meds []models.Medication
	for rows.Next() {
		var m models.Medication
		if err := rows.Scan(&m.ID, &m.Name, &m.Slot, &m.Frame); err != nil {
			return nil, fmt.Errorf("failed to scan medication: %w", err)
		}
		meds = append(meds, m)
	}

	return meds, rows.Err()
}

// EnsureDaySchedules lazily creates the default slot rows for an owner. Each
// slot is bound to the nearest matching weekday; existing rows are untouched.
func (db *DB) EnsureDaySchedules(ctx context.Context, userID string, now time.Time) error {
	for _, slot := range models.DefaultSlots() {
		var id int64
		insert := `
			INSERT INTO day_schedules (user_id, slot, date)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, slot) DO NOTHING
			RETURNING id
		`
		err := db.conn.QueryRowContext(ctx, insert, userID, slot, models.DefaultSlotDate(now, slot)).Scan(&id)
		if err == sql.ErrNoRows {
			continue // already existed
		}
		if err != nil {
			return fmt.Errorf("failed to create day schedule %s: %w", slot, err)
		}

		for _, frame := range models.Frames() {
			_, err := db.conn.ExecContext(ctx, `
				INSERT INTO time_frames (day_schedule_id, frame, require_confirmation, dispensed, skipped)
				VALUES ($1, $2, false, false, false)
			`, id, frame)
			if err != nil {
				return fmt.Errorf("failed to create time frame %s/%s: %w", slot, frame, err)
			}
		}
	}
	return nil
}

// AdvanceExpiredDates moves any slot whose date has passed to the next
// matching weekday and clears its dispensed/skipped flags. Returns the number
// of slots advanced.
func (db *DB) AdvanceExpiredDates(ctx context.Context, userID string, now time.Time) (int, error) {
	today := models.FormatDate(now)

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, slot FROM day_schedules WHERE user_id = $1 AND date < $2
	`, userID, today)
	if err != nil {
		return 0, fmt.Errorf("failed to query expired slots: %w", err)
	}
	defer rows.Close()

	type expired struct {
		id   int64
		slot models.Slot
	}
	var stale []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.slot); err != nil {
			return 0, fmt.Errorf("failed to scan expired slot: %w", err)
		}
		stale = append(stale, e)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, e := range stale {
		// Advancing past today means "next week" when today is the slot's
		// own weekday, so start the search from tomorrow.
		next := models.NearestWeekday(now.AddDate(0, 0, 1), e.slot.Weekday())

		_, err := db.conn.ExecContext(ctx, `
			UPDATE day_schedules SET date = $1 WHERE id = $2
		`, models.FormatDate(next), e.id)
		if err != nil {
			return 0, fmt.Errorf("failed to advance slot %s: %w", e.slot, err)
		}

		_, err = db.conn.ExecContext(ctx, `
			UPDATE time_frames SET dispensed = false, skipped = false WHERE day_schedule_id = $1
		`, e.id)
		if err != nil {
			return 0, fmt.Errorf("failed to clear flags for slot %s: %w", e.slot, err)
		}
	}

	return len(stale), nil
}

// SetFrameSchedule sets or clears the scheduled time and confirmation flag
// for one frame. An empty time unsets the schedule.
func (db *DB) SetFrameSchedule(ctx context.Context, userID string, slot models.Slot, frame models.Frame, hhmm string, requireConfirmation bool) error {
	if hhmm != "" {
		if err := models.ValidateFrameTime(frame, hhmm); err != nil {
			return err
		}
	}

	result, err := db.conn.ExecContext(ctx, `
		UPDATE time_frames f
		SET scheduled_at = NULLIF($4, ''), require_confirmation = $5
		FROM day_schedules d
		WHERE f.day_schedule_id = d.id AND d.user_id = $1 AND d.slot = $2 AND f.frame = $3
	`, userID, slot, frame, hhmm, requireConfirmation)
	if err != nil {
		return fmt.Errorf("failed to update frame schedule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("frame %s/%s: %w", slot, frame, models.ErrNotFound)
	}

	return nil
}

// AddMedication appends a medication to a frame. Duplicate names within the
// same frame are rejected.
func (db *DB) AddMedication(ctx context.Context, userID string, slot models.Slot, frame models.Frame, name string) (int64, error) {
	var frameID int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT f.id
		FROM time_frames f
		JOIN day_schedules d ON d.id = f.day_schedule_id
		WHERE d.user_id = $1 AND d.slot = $2 AND f.frame = $3
	`, userID, slot, frame).Scan(&frameID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("frame %s/%s: %w", slot, frame, models.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up frame: %w", err)
	}

	var duplicate bool
	err = db.conn.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM medications WHERE time_frame_id = $1 AND LOWER(name) = LOWER($2))
	`, frameID, name).Scan(&duplicate)
	if err != nil {
		return 0, fmt.Errorf("failed to check duplicate medication: %w", err)
	}
	if duplicate {
		return 0, fmt.Errorf("%w: medication %q already exists in %s/%s", models.ErrValidation, name, slot, frame)
	}

	var id int64
	err = db.conn.QueryRowContext(ctx, `
		INSERT INTO medications (time_frame_id, name) VALUES ($1, $2) RETURNING id
	`, frameID, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert medication: %w", err)
	}

	return id, nil
}

// RemoveMedication deletes one medication row owned by the user.
func (db *DB) RemoveMedication(ctx context.Context, userID string, medicationID int64) error {
	result, err := db.conn.ExecContext(ctx, `
		DELETE FROM medications m
		USING time_frames f, day_schedules d
		WHERE m.id = $2 AND m.time_frame_id = f.id AND f.day_schedule_id = d.id AND d.user_id = $1
	`, userID, medicationID)
	if err != nil {
		return fmt.Errorf("failed to delete medication: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("medication %d: %w", medicationID, models.ErrNotFound)
	}

	return nil
}

func (db *DB) setFrameFlag(ctx context.Context, userID string, slot models.Slot, frame models.Frame, date, column string) error {
	query := fmt.Sprintf(`
		UPDATE time_frames f
		SET %s = true
		FROM day_schedules d
		WHERE f.day_schedule_id = d.id AND d.user_id = $1 AND d.slot = $2 AND f.frame = $3 AND d.date = $4
	`, column)

	result, err := db.conn.ExecContext(ctx, query, userID, slot, frame, date)
	if err != nil {
		return fmt.Errorf("failed to mark frame %s: %w", column, err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("frame %s/%s on %s: %w", slot, frame, date, models.ErrNotFound)
	}

	return nil
}

// MarkDispensed flags a frame as dispensed for the given date.
func (db *DB) MarkDispensed(ctx context.Context, userID string, slot models.Slot, frame models.Frame, date string) error {
	return db.setFrameFlag(ctx, userID, slot, frame, date, "dispensed")
}

// MarkSkipped flags a frame as skipped for the given date. A skipped frame
// counts as done for progressive ordering.
func (db *DB) MarkSkipped(ctx context.Context, userID string, slot models.Slot, frame models.Frame, date string) error {
	return db.setFrameFlag(ctx, userID, slot, frame, date, "skipped")
}

// --- History ---

func (db *DB) InsertHistory(ctx context.Context, entry models.HistoryEntry) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO dispense_history (user_id, medication_name, action, status, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, entry.UserID, entry.MedicationName, entry.Action, entry.Status, entry.Notes)
	if err != nil {
		return fmt.Errorf("failed to insert history: %w", err)
	}
	return nil
}

func (db *DB) RecentHistory(ctx context.Context, userID string, limit int) ([]models.HistoryEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, user_id, medication_name, action, status, notes, created_at
		FROM dispense_history
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.MedicationName, &e.Action, &e.Status, &e.Notes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Profile ---

func (db *DB) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	query := `
		SELECT user_id, COALESCE(phone_numbers, '{}'), COALESCE(emergency_notes, ''),
		       COALESCE(caregiver_name, ''), COALESCE(caregiver_email, ''), COALESCE(caregiver_device_token, '')
		FROM profiles
		WHERE user_id = $1
	`

	var p models.Profile
	var phones []byte
	err := db.conn.QueryRowContext(ctx, query, userID).Scan(
		&p.UserID, &phones, &p.EmergencyNotes, &p.CaregiverName, &p.CaregiverEmail, &p.CaregiverDeviceToken,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("profile %s: %w", userID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}

	p.PhoneNumbers = parseTextArray(phones)
	return &p, nil
}

// parseTextArray decodes a Postgres text[] literal like {a,b}. Phone numbers
// never contain commas or braces, so a simple split is enough.
func parseTextArray(raw []byte) []string {
	s := string(raw)
	if len(s) < 2 || s == "{}" {
		return nil
	}
	s = s[1 : len(s)-1]

	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			item := s[start:i]
			if len(item) >= 2 && item[0] == '"' && item[len(item)-1] == '"' {
				item = item[1 : len(item)-1]
			}
			if item != "" {
				out = append(out, item)
			}
			start = i + 1
		}
	}
	return out
}

// --- Membership ---

// MembershipFor returns the membership row where the given user is the
// member (caregiver side). models.ErrNotFound when no row exists.
func (db *DB) MembershipFor(ctx context.Context, memberUserID string) (*models.Membership, error) {
	var m models.Membership
	err := db.conn.QueryRowContext(ctx, `
		SELECT owner_user_id, member_user_id, status
		FROM account_members
		WHERE member_user_id = $1
	`, memberUserID).Scan(&m.OwnerUserID, &m.MemberUserID, &m.Status)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("membership for %s: %w", memberUserID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query membership: %w", err)
	}
	return &m, nil
}

// UpdateMembershipStatus accepts or rejects an invitation.
func (db *DB) UpdateMembershipStatus(ctx context.Context, ownerUserID, memberUserID, status string) error {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE account_members SET status = $3, updated_at = NOW()
		WHERE owner_user_id = $1 AND member_user_id = $2
	`, ownerUserID, memberUserID, status)
	if err != nil {
		return fmt.Errorf("failed to update membership: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("membership %s/%s: %w", ownerUserID, memberUserID, models.ErrNotFound)
	}

	return nil
}

// --- Session ---

// CurrentSession returns the newest stored session. ErrSessionExpired is
// returned when its credentials have lapsed; callers refresh and retry.
func (db *DB) CurrentSession(ctx context.Context) (*models.Session, error) {
	var s models.Session
	err := db.conn.QueryRowContext(ctx, `
		SELECT user_id, email, expires_at
		FROM sessions
		ORDER BY created_at DESC
		LIMIT 1
	`).Scan(&s.UserID, &s.Email, &s.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	if time.Now().After(s.ExpiresAt) {
		return &s, ErrSessionExpired
	}

	return &s, nil
}

// RefreshSession extends the current session's expiry and returns it.
func (db *DB) RefreshSession(ctx context.Context) (*models.Session, error) {
	var s models.Session
	err := db.conn.QueryRowContext(ctx, `
		UPDATE sessions SET expires_at = NOW() + INTERVAL '1 hour'
		WHERE user_id = (SELECT user_id FROM sessions ORDER BY created_at DESC LIMIT 1)
		RETURNING user_id, email, expires_at
	`).Scan(&s.UserID, &s.Email, &s.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}
	return &s, nil
}

// --- Device ---

// DeviceURL returns the websocket URL the dispenser is currently reachable
// at. The row rotates when the tunnel URL changes.
func (db *DB) DeviceURL(ctx context.Context) (string, error) {
	var url string
	err := db.conn.QueryRowContext(ctx, `
		SELECT websocket_url FROM device_config ORDER BY updated_at DESC LIMIT 1
	`).Scan(&url)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("device url: %w", models.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query device url: %w", err)
	}
	return url, nil
}

// VerifyDeviceRegistration checks that a device's unique id is registered to
// the given email and touches last_seen. Returns false on any mismatch.
func (db *DB) VerifyDeviceRegistration(ctx context.Context, piUniqueID, email string) (bool, error) {
	var id int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT id FROM device_registration
		WHERE pi_unique_id = $1 AND LOWER(registered_email) = LOWER($2)
	`, piUniqueID, email).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to verify device registration: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		UPDATE device_registration SET last_seen = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return true, fmt.Errorf("failed to touch device registration: %w", err)
	}

	return true, nil
}
