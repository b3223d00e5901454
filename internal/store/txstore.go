package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/platformbuilds/rca-pipeline/internal/apperrors"
	"github.com/platformbuilds/rca-pipeline/internal/models"
)

// TransactionalStore is the change-catalog/incident/suspect/label store of
// SPEC_FULL §6, connection-pooled per §5 (min 2 / max 10).
type TransactionalStore struct {
	db *sql.DB
}

// OpenTransactionalStore opens (creating if absent) the transactional store
// at path.
func OpenTransactionalStore(path string, maxOpen, maxIdle int) (*TransactionalStore, error) {
	db, err := openSQLite(path, transactionalStoreSchema, maxOpen, maxIdle)
	if err != nil {
		return nil, err
	}
	return &TransactionalStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *TransactionalStore) Close() error { return s.db.Close() }

// Ping verifies the underlying connection pool is reachable, used by the
// operational health check.
func (s *TransactionalStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// --- Anomalies / Incidents (detector.AnomalyStore, grouper.IncidentStore) ---

// SaveAnomaly persists a newly-detected anomaly.
func (s *TransactionalStore) SaveAnomaly(ctx context.Context, a models.Anomaly) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO anomalies(id, service, metric, start_ts, end_ts, score, detector, z_score) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Service, a.Metric, a.StartTS.UTC().UnixMilli(), a.EndTS.UTC().UnixMilli(), a.Score, a.Detector, a.ZScore)
	if err != nil {
		return apperrors.TransientStore("store.SaveAnomaly", "insert failed", err)
	}
	return nil
}

// UngroupedAnomalies returns anomalies since `since` not yet linked to an
// incident.
func (s *TransactionalStore) UngroupedAnomalies(ctx context.Context, since time.Time) ([]models.Anomaly, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, service, metric, start_ts, end_ts, score, detector, z_score
		 FROM anomalies
		 WHERE start_ts >= ? AND incident_id IS NULL
		 ORDER BY start_ts ASC`,
		since.UTC().UnixMilli())
	if err != nil {
		return nil, apperrors.TransientStore("store.UngroupedAnomalies", "query failed", err)
	}
	defer rows.Close()

	var out []models.Anomaly
	for rows.Next() {
		var a models.Anomaly
		var startMS, endMS int64
		if err := rows.Scan(&a.ID, &a.Service, &a.Metric, &startMS, &endMS, &a.Score, &a.Detector, &a.ZScore); err != nil {
			return nil, apperrors.TransientStore("store.UngroupedAnomalies", "scan failed", err)
		}
		a.StartTS = time.UnixMilli(startMS).UTC()
		a.EndTS = time.UnixMilli(endMS).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveIncident inserts a new incident and its anomaly links in one
// transaction. Link insertion is ON CONFLICT DO NOTHING (SPEC_FULL §4.2),
// but the incident row is a plain INSERT: saving an incident id that
// already exists fails on the primary key and the transaction rolls back.
func (s *TransactionalStore) SaveIncident(ctx context.Context, incident models.Incident, anomalyIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.TransientStore("store.SaveIncident", "begin tx", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO incidents(id, start_ts, end_ts, title, status, summary) VALUES (?, ?, ?, ?, ?, ?)`,
		incident.ID, incident.StartTS.UTC().UnixMilli(), incident.EndTS.UTC().UnixMilli(), incident.Title, string(incident.Status), incident.Summary)
	if err != nil {
		return apperrors.TransientStore("store.SaveIncident", "insert incident", err)
	}

	for _, anomalyID := range anomalyIDs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO incident_anomalies(incident_id, anomaly_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			incident.ID, anomalyID)
		if err != nil {
			return apperrors.TransientStore("store.SaveIncident", "insert link", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE anomalies SET incident_id = ? WHERE id = ?`, incident.ID, anomalyID)
		if err != nil {
			return apperrors.TransientStore("store.SaveIncident", "link anomaly", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.TransientStore("store.SaveIncident", "commit", err)
	}
	return nil
}

// Incident fetches an incident by id.
func (s *TransactionalStore) Incident(ctx context.Context, id string) (models.Incident, error) {
	var inc models.Incident
	var startMS, endMS int64
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, start_ts, end_ts, title, status, summary FROM incidents WHERE id = ?`, id).
		Scan(&inc.ID, &startMS, &endMS, &inc.Title, &status, &inc.Summary)
	if err != nil {
		return models.Incident{}, apperrors.TransientStore("store.Incident", "query failed", err)
	}
	inc.StartTS = time.UnixMilli(startMS).UTC()
	inc.EndTS = time.UnixMilli(endMS).UTC()
	inc.Status = models.IncidentStatus(status)
	return inc, nil
}

// IncidentAnomalyServices returns the distinct services of anomalies linked
// to an incident — the "affected_services" input to candidate generation.
func (s *TransactionalStore) IncidentAnomalyServices(ctx context.Context, incidentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT a.service FROM anomalies a
		 JOIN incident_anomalies ia ON ia.anomaly_id = a.id
		 WHERE ia.incident_id = ?`, incidentID)
	if err != nil {
		return nil, apperrors.TransientStore("store.IncidentAnomalyServices", "query failed", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var svc string
		if err := rows.Scan(&svc); err != nil {
			return nil, apperrors.TransientStore("store.IncidentAnomalyServices", "scan failed", err)
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// FirstAnomalyStart returns the earliest start_ts among anomalies linked to
// an incident.
func (s *TransactionalStore) FirstAnomalyStart(ctx context.Context, incidentID string) (time.Time, error) {
	var startMS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(a.start_ts) FROM anomalies a
		 JOIN incident_anomalies ia ON ia.anomaly_id = a.id
		 WHERE ia.incident_id = ?`, incidentID).Scan(&startMS)
	if err != nil {
		return time.Time{}, apperrors.TransientStore("store.FirstAnomalyStart", "query failed", err)
	}
	return time.UnixMilli(startMS).UTC(), nil
}

// --- Change catalog (candidates.ChangeStore) ---

// DeploymentsInWindow returns DEPLOYMENT rows whose service is in services
// and ts falls within [start, end].
func (s *TransactionalStore) DeploymentsInWindow(ctx context.Context, services []string, start, end time.Time) ([]models.ChangeEvent, error) {
	if len(services) == 0 {
		return nil, nil
	}
	query := `SELECT id, ts, service, commit_sha, version, author, diff_summary, links FROM deployments
	          WHERE ts >= ? AND ts <= ? AND service IN (` + placeholders(len(services)) + `) ORDER BY ts DESC`
	args := argsFor(services, start.UTC().UnixMilli(), end.UTC().UnixMilli())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.TransientStore("store.DeploymentsInWindow", "query failed", err)
	}
	defer rows.Close()

	var out []models.ChangeEvent
	for rows.Next() {
		var ev models.ChangeEvent
		var tsMS int64
		var links string
		if err := rows.Scan(&ev.ID, &tsMS, &ev.Service, &ev.CommitSHA, &ev.Version, &ev.Author, &ev.DiffSummary, &links); err != nil {
			return nil, apperrors.TransientStore("store.DeploymentsInWindow", "scan failed", err)
		}
		ev.Kind = models.ChangeDeployment
		ev.TS = time.UnixMilli(tsMS).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ConfigChangesInWindow returns CONFIG rows whose service is in services
// and ts falls within [start, end].
func (s *TransactionalStore) ConfigChangesInWindow(ctx context.Context, services []string, start, end time.Time) ([]models.ChangeEvent, error) {
	if len(services) == 0 {
		return nil, nil
	}
	query := `SELECT id, ts, service, key, old_value_hash, new_value_hash, diff_summary, source FROM config_changes
	          WHERE ts >= ? AND ts <= ? AND service IN (` + placeholders(len(services)) + `) ORDER BY ts DESC`
	args := argsFor(services, start.UTC().UnixMilli(), end.UTC().UnixMilli())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.TransientStore("store.ConfigChangesInWindow", "query failed", err)
	}
	defer rows.Close()

	var out []models.ChangeEvent
	for rows.Next() {
		var ev models.ChangeEvent
		var tsMS int64
		var oldHash, newHash, source string
		if err := rows.Scan(&ev.ID, &tsMS, &ev.Service, &ev.ConfigKey, &oldHash, &newHash, &ev.DiffSummary, &source); err != nil {
			return nil, apperrors.TransientStore("store.ConfigChangesInWindow", "scan failed", err)
		}
		ev.Kind = models.ChangeConfig
		ev.TS = time.UnixMilli(tsMS).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// FlagChangesInWindow returns FLAG rows whose ts falls within [start, end]
// and whose service is in services or NULL (global flag).
func (s *TransactionalStore) FlagChangesInWindow(ctx context.Context, services []string, start, end time.Time) ([]models.ChangeEvent, error) {
	clause := "service IS NULL"
	args := []any{start.UTC().UnixMilli(), end.UTC().UnixMilli()}
	if len(services) > 0 {
		clause = "(service IN (" + placeholders(len(services)) + ") OR service IS NULL)"
		args = argsFor(services, args...)
	}
	query := `SELECT id, ts, flag_name, service, old_state, new_state FROM feature_flag_changes
	          WHERE ts >= ? AND ts <= ? AND ` + clause + ` ORDER BY ts DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.TransientStore("store.FlagChangesInWindow", "query failed", err)
	}
	defer rows.Close()

	var out []models.ChangeEvent
	for rows.Next() {
		var ev models.ChangeEvent
		var tsMS int64
		var service sql.NullString
		if err := rows.Scan(&ev.ID, &tsMS, &ev.FlagName, &service, &ev.OldState, &ev.NewState); err != nil {
			return nil, apperrors.TransientStore("store.FlagChangesInWindow", "scan failed", err)
		}
		ev.Kind = models.ChangeFlag
		ev.TS = time.UnixMilli(tsMS).UTC()
		if service.Valid {
			ev.Service = service.String
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n == 0 {
		return "NULL"
	}
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

// argsFor builds a query-args slice: leading fixed args (e.g. timestamp
// bounds) followed by one arg per service, matching the `IN (?, ?, ...)`
// placeholder order built by placeholders().
func argsFor(services []string, leading ...any) []any {
	args := make([]any, 0, len(services)+len(leading))
	args = append(args, leading...)
	for _, svc := range services {
		args = append(args, svc)
	}
	return args
}

// --- Suspects / Labels ---

// SaveSuspects atomically replaces all suspects for an incident (delete
// then insert in one transaction), per SPEC_FULL §4.5.
func (s *TransactionalStore) SaveSuspects(ctx context.Context, incidentID string, suspects []models.Suspect) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.TransientStore("store.SaveSuspects", "begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM suspects WHERE incident_id = ?`, incidentID); err != nil {
		return apperrors.TransientStore("store.SaveSuspects", "delete prior", err)
	}

	for _, sus := range suspects {
		evidence, _ := json.Marshal(sus.Evidence.AsMap())
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO suspects(id, incident_id, suspect_type, suspect_key, rank, score, evidence) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sus.ID, incidentID, string(sus.SuspectType), sus.SuspectKey, sus.Rank, sus.Score, string(evidence)); err != nil {
			return apperrors.TransientStore("store.SaveSuspects", "insert suspect", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.TransientStore("store.SaveSuspects", "commit", err)
	}
	return nil
}

// SuspectsForIncident returns the persisted suspects for an incident,
// ordered by rank.
func (s *TransactionalStore) SuspectsForIncident(ctx context.Context, incidentID string) ([]models.Suspect, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, suspect_type, suspect_key, rank, score, evidence FROM suspects WHERE incident_id = ? ORDER BY rank ASC`,
		incidentID)
	if err != nil {
		return nil, apperrors.TransientStore("store.SuspectsForIncident", "query failed", err)
	}
	defer rows.Close()

	var out []models.Suspect
	for rows.Next() {
		var sus models.Suspect
		var suspectType, evidenceJSON string
		if err := rows.Scan(&sus.ID, &suspectType, &sus.SuspectKey, &sus.Rank, &sus.Score, &evidenceJSON); err != nil {
			return nil, apperrors.TransientStore("store.SuspectsForIncident", "scan failed", err)
		}
		sus.IncidentID = incidentID
		sus.SuspectType = models.SuspectType(suspectType)
		var m map[string]float64
		_ = json.Unmarshal([]byte(evidenceJSON), &m)
		sus.Evidence = evidenceFromMap(m)
		out = append(out, sus)
	}
	return out, rows.Err()
}

func evidenceFromMap(m map[string]float64) models.Evidence {
	values := make([]float64, len(models.FeatureNames))
	for i, name := range models.FeatureNames {
		values[i] = m[name]
	}
	return models.Evidence{Values: values}
}

// UpsertLabel inserts a new label row; the "effective" label for a
// (incident, suspect) pair is the latest by created_at (SPEC_FULL §3), so
// upsert here means append-only with created_at = now.
func (s *TransactionalStore) UpsertLabel(ctx context.Context, l models.Label) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO labels(id, incident_id, suspect_id, label, labeler, notes, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.IncidentID, l.SuspectID, l.Label, l.Labeler, l.Notes, l.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return apperrors.TransientStore("store.UpsertLabel", "insert failed", err)
	}
	return nil
}

// ServiceIncidentRate30d counts distinct incidents in the trailing 30 days
// that involved an anomaly for service (the service_incident_rate_30d
// feature, SPEC_FULL §4.4).
func (s *TransactionalStore) ServiceIncidentRate30d(ctx context.Context, service string, asOf time.Time) (int, error) {
	since := asOf.AddDate(0, 0, -30)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT ia.incident_id)
		 FROM incident_anomalies ia
		 JOIN anomalies a ON a.id = ia.anomaly_id
		 WHERE a.service = ? AND a.start_ts >= ?`,
		service, since.UTC().UnixMilli()).Scan(&n)
	if err != nil {
		return 0, apperrors.TransientStore("store.ServiceIncidentRate30d", "query failed", err)
	}
	return n, nil
}

// TrainingRow is one (evidence, label) pair joined from Labels and Suspects
// for the offline trainer (SPEC_FULL §4.5).
type TrainingRow struct {
	IncidentID string
	SuspectID  string
	Evidence   models.Evidence
	Label      int
}

// LabeledTrainingRows joins Labels with Suspects, keeping only the latest
// label per (incident, suspect) pair, where label in {0,1} and evidence is
// non-null.
func (s *TransactionalStore) LabeledTrainingRows(ctx context.Context) ([]TrainingRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.incident_id, l.suspect_id, l.label, s.evidence
		FROM labels l
		JOIN suspects s ON s.id = l.suspect_id
		JOIN (
			SELECT incident_id, suspect_id, MAX(created_at) AS max_created
			FROM labels
			GROUP BY incident_id, suspect_id
		) latest ON latest.incident_id = l.incident_id
			AND latest.suspect_id = l.suspect_id
			AND latest.max_created = l.created_at
		WHERE l.label IN (0, 1) AND s.evidence IS NOT NULL AND s.evidence != ''
	`)
	if err != nil {
		return nil, apperrors.TransientStore("store.LabeledTrainingRows", "query failed", err)
	}
	defer rows.Close()

	var out []TrainingRow
	for rows.Next() {
		var row TrainingRow
		var evidenceJSON string
		if err := rows.Scan(&row.IncidentID, &row.SuspectID, &row.Label, &evidenceJSON); err != nil {
			return nil, apperrors.TransientStore("store.LabeledTrainingRows", "scan failed", err)
		}
		var m map[string]float64
		_ = json.Unmarshal([]byte(evidenceJSON), &m)
		row.Evidence = evidenceFromMap(m)
		out = append(out, row)
	}
	return out, rows.Err()
}

// LabeledIncidentIDs returns the distinct incident ids that carry at least
// one human label, the evaluation harness's incident population (SPEC_FULL
// §4.7).
func (s *TransactionalStore) LabeledIncidentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT incident_id FROM labels ORDER BY incident_id`)
	if err != nil {
		return nil, apperrors.TransientStore("store.LabeledIncidentIDs", "query failed", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.TransientStore("store.LabeledIncidentIDs", "scan failed", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// TrueCauseSuspectID returns the suspect_key of the suspect labeled 1 (the
// confirmed root cause) for an incident, if any. The replay harness
// compares this against freshly-ranked suspect_keys, since a replay never
// reuses the original run's generated suspect ids.
func (s *TransactionalStore) TrueCauseSuspectID(ctx context.Context, incidentID string) (string, bool, error) {
	var suspectKey string
	err := s.db.QueryRowContext(ctx, `
		SELECT s.suspect_key FROM labels l
		JOIN suspects s ON s.id = l.suspect_id
		WHERE l.incident_id = ? AND l.label = 1
		LIMIT 1`, incidentID).Scan(&suspectKey)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.TransientStore("store.TrueCauseSuspectID", "query failed", err)
	}
	return suspectKey, true, nil
}
