package core

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ DB *pgxpool.Pool }

// LockStaleAfter is how long a reminder claim holds before another scheduler
// may reclaim the row. There is no heartbeat renewal; a send slower than this
// can be retried by a second process (at-least-once delivery).
const LockStaleAfter = 2 * time.Minute

const reminderColumns = `
	id, tenant_id, scheduled_at, recipient_phone, customer_name, service_name,
	staff_name, address, contact_phone, tenant_name, duration_secs,
	reminder_24h_sent, reminder_24h_sent_at, reminder_1h_sent, reminder_1h_sent_at,
	notified, notified_at, notification_locked_at, notification_locked_type,
	notification_retry_count, notification_error,
	notification_skipped_reason, notification_skipped_at`

func scanReminder(row pgx.Row) (*Reminder, error) {
	var r Reminder
	err := row.Scan(
		&r.ID, &r.TenantID, &r.ScheduledAt, &r.RecipientPhone, &r.CustomerName, &r.ServiceName,
		&r.StaffName, &r.Address, &r.ContactPhone, &r.TenantName, &r.DurationSecs,
		&r.Reminder24hSent, &r.Reminder24hSentAt, &r.Reminder1hSent, &r.Reminder1hSentAt,
		&r.Notified, &r.NotifiedAt, &r.LockedAt, &r.LockedType,
		&r.RetryCount, &r.LastError,
		&r.SkippedReason, &r.SkippedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListDueReminders returns the un-notified reminders scheduled inside
// [from, to], oldest first. The scan window is deliberately wider than the
// send windows so past rows can be cleaned up on the same tick.
func (s *Store) ListDueReminders(ctx context.Context, from, to time.Time) ([]Reminder, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+reminderColumns+`
		FROM reminders
		WHERE notified = FALSE AND scheduled_at >= $1 AND scheduled_at <= $2
		ORDER BY scheduled_at
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetReminder loads one reminder, or nil when the row does not exist.
func (s *Store) GetReminder(ctx context.Context, id string) (*Reminder, error) {
	r, err := scanReminder(s.DB.QueryRow(ctx, `
		SELECT `+reminderColumns+` FROM reminders WHERE id = $1
	`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ClaimWindow takes the send lock for one reminder window. The guards make
// the claim atomic: a row already sent for this window, already notified, or
// locked less than LockStaleAfter ago is not claimable, so concurrent
// schedulers serialize on the row and at most one sees a claim.
func (s *Store) ClaimWindow(ctx context.Context, id string, w Window) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE reminders
		SET notification_locked_at = now(), notification_locked_type = $2, updated_at = now()
		WHERE id = $1
		  AND notified = FALSE
		  AND NOT (CASE WHEN $2 = 'reminder_24h' THEN reminder_24h_sent ELSE reminder_1h_sent END)
		  AND (notification_locked_at IS NULL
		       OR notification_locked_at < now() - make_interval(secs => $3))
	`, id, string(w), LockStaleAfter.Seconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteWindow marks the window sent, releases the lock, and computes
// completion against the windows the tenant has enabled. It reports whether
// every enabled window is now done, in which case the caller deletes the row.
func (s *Store) CompleteWindow(ctx context.Context, id string, w Window, need24h, need1h bool) (bool, error) {
	var completed bool
	err := s.DB.QueryRow(ctx, `
		UPDATE reminders SET
			reminder_24h_sent    = reminder_24h_sent OR $2 = 'reminder_24h',
			reminder_24h_sent_at = CASE WHEN $2 = 'reminder_24h' THEN now() ELSE reminder_24h_sent_at END,
			reminder_1h_sent     = reminder_1h_sent OR $2 = 'reminder_1h',
			reminder_1h_sent_at  = CASE WHEN $2 = 'reminder_1h' THEN now() ELSE reminder_1h_sent_at END,
			notification_locked_at = NULL,
			notification_locked_type = NULL,
			notification_error = NULL,
			notified = (NOT $3::boolean OR reminder_24h_sent OR $2 = 'reminder_24h')
			       AND (NOT $4::boolean OR reminder_1h_sent OR $2 = 'reminder_1h'),
			notified_at = CASE
				WHEN (NOT $3::boolean OR reminder_24h_sent OR $2 = 'reminder_24h')
				 AND (NOT $4::boolean OR reminder_1h_sent OR $2 = 'reminder_1h')
				THEN now() ELSE notified_at END,
			updated_at = now()
		WHERE id = $1
		RETURNING notified
	`, id, string(w), need24h, need1h).Scan(&completed)
	return completed, err
}

// ReleaseWindow drops the lock after a failed send so the next tick retries,
// keeping the error and bumping the retry counter.
func (s *Store) ReleaseWindow(ctx context.Context, id string, sendErr string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE reminders SET
			notification_locked_at = NULL,
			notification_locked_type = NULL,
			notification_error = $2,
			notification_retry_count = notification_retry_count + 1,
			updated_at = now()
		WHERE id = $1
	`, id, sendErr)
	return err
}

// MarkSkipped retires a reminder that will never be sent (for example the
// tenant disabled every window), recording why.
func (s *Store) MarkSkipped(ctx context.Context, id, reason string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE reminders SET
			notified = TRUE, notified_at = now(),
			notification_skipped_reason = $2, notification_skipped_at = now(),
			notification_locked_at = NULL, notification_locked_type = NULL,
			updated_at = now()
		WHERE id = $1
	`, id, reason)
	return err
}

// MarkNotified retires a reminder whose enabled windows were all sent on
// earlier ticks.
func (s *Store) MarkNotified(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE reminders SET
			notified = TRUE, notified_at = now(),
			notification_locked_at = NULL, notification_locked_type = NULL,
			updated_at = now()
		WHERE id = $1
	`, id)
	return err
}

func (s *Store) DeleteReminder(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM reminders WHERE id = $1`, id)
	return err
}

// UpsertReminder creates or refreshes a reminder from a booking event. With
// resetWindows the sent flags and completion state are cleared so a
// rescheduled appointment gets its reminders again.
func (s *Store) UpsertReminder(ctx context.Context, r Reminder, resetWindows bool) error {
	q := `
		INSERT INTO reminders (
			id, tenant_id, scheduled_at, recipient_phone, customer_name,
			service_name, staff_name, address, contact_phone, tenant_name, duration_secs
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			scheduled_at = EXCLUDED.scheduled_at,
			recipient_phone = EXCLUDED.recipient_phone,
			customer_name = EXCLUDED.customer_name,
			service_name = EXCLUDED.service_name,
			staff_name = EXCLUDED.staff_name,
			address = EXCLUDED.address,
			contact_phone = EXCLUDED.contact_phone,
			tenant_name = EXCLUDED.tenant_name,
			duration_secs = EXCLUDED.duration_secs,
			updated_at = now()`
	if resetWindows {
		q += `,
			reminder_24h_sent = FALSE, reminder_24h_sent_at = NULL,
			reminder_1h_sent = FALSE, reminder_1h_sent_at = NULL,
			notified = FALSE, notified_at = NULL,
			notification_locked_at = NULL, notification_locked_type = NULL,
			notification_error = NULL,
			notification_skipped_reason = NULL, notification_skipped_at = NULL`
	}
	_, err := s.DB.Exec(ctx, q,
		r.ID, r.TenantID, r.ScheduledAt, r.RecipientPhone, r.CustomerName,
		r.ServiceName, r.StaffName, r.Address, r.ContactPhone, r.TenantName, r.DurationSecs)
	return err
}

// UpsertSentMessage writes one audit row per provider message id. Conflicts
// merge: success flips, empty bodies and nil ids never clobber earlier data.
func (s *Store) UpsertSentMessage(ctx context.Context, m SentMessage) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO messages (
			tenant_id, message_id, provider, direction, source,
			template_name, body, contact_id, success
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tenant_id, message_id) DO UPDATE SET
			success = EXCLUDED.success,
			body = CASE WHEN EXCLUDED.body <> '' THEN EXCLUDED.body ELSE messages.body END,
			contact_id = COALESCE(EXCLUDED.contact_id, messages.contact_id),
			template_name = COALESCE(EXCLUDED.template_name, messages.template_name),
			updated_at = now()
	`, m.TenantID, m.MessageID, m.Provider, m.Direction, m.Source,
		m.TemplateName, m.Body, m.ContactID, m.Success)
	return err
}

// UpsertContact creates or refreshes an address-book row and bumps
// last_message_at. Name fields only overwrite when the new value is set.
func (s *Store) UpsertContact(ctx context.Context, c Contact) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO contacts (tenant_id, contact_id, name, profile_name, patient_name, last_message_at)
		VALUES ($1,$2,$3,$4,$5, now())
		ON CONFLICT (tenant_id, contact_id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), contacts.name),
			profile_name = COALESCE(NULLIF(EXCLUDED.profile_name, ''), contacts.profile_name),
			patient_name = COALESCE(NULLIF(EXCLUDED.patient_name, ''), contacts.patient_name),
			last_message_at = now(),
			updated_at = now()
	`, c.TenantID, c.ContactID, c.Name, c.ProfileName, c.PatientName)
	return err
}

// GetContact loads one contact, or nil when the row does not exist.
func (s *Store) GetContact(ctx context.Context, tenantID, contactID string) (*Contact, error) {
	var c Contact
	err := s.DB.QueryRow(ctx, `
		SELECT tenant_id, contact_id, name, profile_name, patient_name, last_message_at
		FROM contacts WHERE tenant_id = $1 AND contact_id = $2
	`, tenantID, contactID).Scan(&c.TenantID, &c.ContactID, &c.Name, &c.ProfileName, &c.PatientName, &c.LastMessageAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetSessionStatus loads the session record, or nil when the tenant has
// never paired.
func (s *Store) GetSessionStatus(ctx context.Context, tenantID string) (*SessionStatus, error) {
	var st SessionStatus
	err := s.DB.QueryRow(ctx, `
		SELECT tenant_id, status, qr_code, qr_code_generated_at, last_connected_at,
		       last_disconnect_at, last_disconnect_reason, last_error, updated_at
		FROM session_status WHERE tenant_id = $1
	`, tenantID).Scan(&st.TenantID, &st.Status, &st.QRCode, &st.QRCodeGeneratedAt,
		&st.LastConnectedAt, &st.LastDisconnectAt, &st.LastDisconnectReason, &st.LastError, &st.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// UpdateSessionStatus merges a partial update into the session record,
// creating it if needed. Nil patch fields keep the stored value.
func (s *Store) UpdateSessionStatus(ctx context.Context, tenantID string, p SessionPatch) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO session_status (
			tenant_id, status, qr_code, qr_code_generated_at, last_connected_at,
			last_disconnect_at, last_disconnect_reason, last_error, updated_at
		) VALUES ($1, COALESCE($2, 'uninitialized'), $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (tenant_id) DO UPDATE SET
			status = COALESCE($2, session_status.status),
			qr_code = CASE WHEN $9 THEN NULL
				ELSE COALESCE($3, session_status.qr_code) END,
			qr_code_generated_at = CASE WHEN $9 THEN NULL
				ELSE COALESCE($4, session_status.qr_code_generated_at) END,
			last_connected_at = COALESCE($5, session_status.last_connected_at),
			last_disconnect_at = COALESCE($6, session_status.last_disconnect_at),
			last_disconnect_reason = CASE WHEN $10 THEN NULL
				ELSE COALESCE($7, session_status.last_disconnect_reason) END,
			last_error = CASE WHEN $11 THEN NULL
				ELSE COALESCE($8, session_status.last_error) END,
			updated_at = now()
	`, tenantID, p.Status, p.QRCode, p.QRCodeGeneratedAt, p.LastConnectedAt,
		p.LastDisconnectAt, p.LastDisconnectReason, p.LastError,
		p.ClearQRCode, p.ClearDisconnectReason, p.ClearError)
	return err
}

func (s *Store) DeleteSessionStatus(ctx context.Context, tenantID string) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM session_status WHERE tenant_id = $1`, tenantID)
	return err
}

// Purge helpers delete tenant data in bounded batches so a teardown never
// holds long row locks. Each returns the number of rows removed; callers
// loop until zero.

func (s *Store) PurgeMessages(ctx context.Context, tenantID string, limit int) (int64, error) {
	return s.purgeBatch(ctx, "messages", tenantID, limit)
}

func (s *Store) PurgeContacts(ctx context.Context, tenantID string, limit int) (int64, error) {
	return s.purgeBatch(ctx, "contacts", tenantID, limit)
}

func (s *Store) PurgeConversationContexts(ctx context.Context, tenantID string, limit int) (int64, error) {
	return s.purgeBatch(ctx, "conversation_contexts", tenantID, limit)
}

func (s *Store) purgeBatch(ctx context.Context, table, tenantID string, limit int) (int64, error) {
	// table comes from the fixed set above, never from input.
	tag, err := s.DB.Exec(ctx, `
		DELETE FROM `+table+` WHERE ctid IN (
			SELECT ctid FROM `+table+` WHERE tenant_id = $1 LIMIT $2
		)
	`, tenantID, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
