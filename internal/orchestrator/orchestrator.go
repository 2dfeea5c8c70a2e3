// Package orchestrator implements the ingestion orchestrator (spec.md
// §4.H): the single entry point every transport adapter funnels into.
// One call is one logical transaction: load sensor, gate the protocol,
// check credentials, persist the reading, run detection and rule
// matching, create alerts, audit, commit, then broadcast.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/busyworksapp/water-telemetry-core/internal/alertsvc"
	"github.com/busyworksapp/water-telemetry-core/internal/anomaly"
	"github.com/busyworksapp/water-telemetry-core/internal/audit"
	"github.com/busyworksapp/water-telemetry-core/internal/credential"
	"github.com/busyworksapp/water-telemetry-core/internal/domain"
	"github.com/busyworksapp/water-telemetry-core/internal/eventbus"
	"github.com/busyworksapp/water-telemetry-core/internal/notify"
	"github.com/busyworksapp/water-telemetry-core/internal/observability"
	"github.com/busyworksapp/water-telemetry-core/internal/protocolpolicy"
	"github.com/busyworksapp/water-telemetry-core/internal/rules"
	"github.com/busyworksapp/water-telemetry-core/internal/store"

	"go.opentelemetry.io/otel/trace"
)

// maxClockSkew bounds how far into the future a reading's own timestamp
// may sit relative to the orchestrator's clock before it is rejected as
// malformed (spec.md §3 invariant; no configuration key names this, so
// it is fixed rather than invented as an env var).
const maxClockSkew = 5 * time.Minute

// Payload is the canonical, transport-agnostic ingest body every
// adapter normalizes its wire form into (spec.md §4.I).
type Payload struct {
	Timestamp      string // ISO-8601, empty means "now"
	Value          any    // coerced to float64; failure is malformed_payload
	Unit           string
	QualityScore   *float64
	BatteryLevel   *int
	SignalStrength *int
	Firmware       string // populated by transports that carry it (e.g. MQTT status)
	Raw            map[string]any
}

// SourceMetadata carries transport-specific context folded into the
// audit entry (spec.md §4.F).
type SourceMetadata struct {
	OriginAddress string
	UserAgent     string
}

// Request is one call to Process.
type Request struct {
	DeviceID   string
	Protocol   domain.Protocol
	Payload    Payload
	Presented  domain.PresentedCredentials
	Source     SourceMetadata
	EnforceKey bool // HTTP sets true; MQTT/TCP/cellular set false (spec.md §4.I)
}

// Result is the orchestrator's return value (spec.md §4.H).
type Result struct {
	ReadingID    string
	SensorID     string
	IsAnomaly    bool
	AnomalyScore float64
	AlertIDs     []string
}

// Orchestrator wires every component in §2's control-flow diagram
// (I → H → (A → persist → C → D → E → G → F)) behind a single Process
// call. The rule engine's CEL environment and the alert service's
// cooldown map are the only pieces of state held across calls; every
// repository is re-bound to the current call's transaction.
type Orchestrator struct {
	db *store.DB

	sensorRepo     *store.SensorRepo
	readingRepo    *store.ReadingRepo
	credentialRepo *store.CredentialRepo
	alertRepo      *store.AlertRepo
	ruleRepo       *store.RuleRepo
	policyRepo     *store.PolicyRepo
	auditRepo      *store.AuditRepo

	encKey []byte

	rulesEngine *rules.Engine
	alertSvc    *alertsvc.Service
	bus         *eventbus.Bus
	dispatcher  notify.Dispatcher
	obs         *observability.Provider

	logger *slog.Logger
	now    func() time.Time
}

// New constructs an Orchestrator. rulesEngine and alertSvc are built
// once by the composition root (cmd/ingestd) since they hold
// process-lifetime state; everything else is re-bound per call. obs may
// be nil (or disabled) — every call site nil-guards it.
func New(
	db *store.DB,
	encKey []byte,
	rulesEngine *rules.Engine,
	alertSvc *alertsvc.Service,
	bus *eventbus.Bus,
	dispatcher notify.Dispatcher,
	obs *observability.Provider,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		db:             db,
		sensorRepo:     store.NewSensorRepo(),
		readingRepo:    store.NewReadingRepo(),
		credentialRepo: store.NewCredentialRepo(),
		alertRepo:      store.NewAlertRepo(),
		ruleRepo:       store.NewRuleRepo(),
		policyRepo:     store.NewPolicyRepo(),
		auditRepo:      store.NewAuditRepo(),
		encKey:         encKey,
		rulesEngine:    rulesEngine,
		alertSvc:       alertSvc,
		bus:            bus,
		dispatcher:     dispatcher,
		obs:            obs,
		logger:         logger,
		now:            time.Now,
	}
}

// pendingAlert is a created-but-not-yet-broadcast alert, kept in
// creation order (anomaly alert first, then rule alerts in priority
// order) for the post-commit broadcast (spec.md §5 ordering guarantee 3).
type pendingAlert struct {
	alert *domain.Alert
}

// Process runs the full spec.md §4.H contract for one inbound reading.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Result, error) {
	var (
		sensor       *domain.Sensor
		reading      domain.SensorReading
		readingID    string
		detectResult anomaly.Result
		created      []pendingAlert
	)

	start := o.now()
	if o.obs != nil {
		var span trace.Span
		ctx, span = o.obs.StartIngestSpan(ctx, string(req.Protocol))
		defer span.End()
	}

	txErr := store.WithTx(ctx, o.db, func(tx *sql.Tx) error {
		var err error

		// 1. Load sensor by device identifier.
		sensor, err = o.sensorRepo.GetByDeviceID(ctx, tx, req.DeviceID)
		if errors.Is(err, store.ErrSensorNotFound) {
			return domain.NewCoreError(domain.KindUnknownDevice, domain.ErrUnknownDevice)
		}
		if err != nil {
			return domain.NewCoreError(domain.KindPersistenceError, fmt.Errorf("load sensor: %w", err))
		}

		// 2. Protocol gate.
		policySvc := protocolpolicy.New(o.policyRepo.Bound(tx))
		enabled, err := policySvc.IsEnabled(ctx, req.Protocol, sensor.MunicipalityID)
		if err != nil {
			return domain.NewCoreError(domain.KindPersistenceError, fmt.Errorf("resolve protocol policy: %w", err))
		}
		if !enabled {
			return domain.NewCoreError(domain.KindProtocolDisabled, domain.ErrProtocolDisabled)
		}

		// 3. Credential check.
		if req.EnforceKey && req.Presented.APIKey == "" {
			return domain.NewCoreError(domain.KindMissingCredential, domain.ErrMissingCredential)
		}
		credSvc, err := credential.New(o.credentialRepo.Bound(tx), o.encKey)
		if err != nil {
			return domain.NewCoreError(domain.KindPersistenceError, fmt.Errorf("construct credential service: %w", err))
		}
		if err := credSvc.Verify(ctx, sensor.ID, req.Presented); err != nil {
			return err
		}

		// 4. Build reading.
		if err := ValidatePayloadShape(req.Payload); err != nil {
			return domain.NewCoreError(domain.KindMalformedPayload, err)
		}
		ts, err := parseTimestamp(req.Payload.Timestamp, o.now())
		if err != nil {
			return domain.NewCoreError(domain.KindMalformedPayload, err)
		}
		if ts.After(o.now().Add(maxClockSkew)) {
			return domain.NewCoreError(domain.KindMalformedPayload, fmt.Errorf("reading timestamp %s is too far in the future", ts))
		}
		value, ok := coerceFloat(req.Payload.Value)
		if !ok {
			return domain.NewCoreError(domain.KindMalformedPayload, fmt.Errorf("value %v is not numeric", req.Payload.Value))
		}
		unit := req.Payload.Unit
		if unit == "" {
			unit = sensor.Kind.Unit
		}
		quality := 1.0
		if req.Payload.QualityScore != nil {
			quality = *req.Payload.QualityScore
		}
		reading = domain.SensorReading{
			SensorID:     sensor.ID,
			Timestamp:    ts,
			Value:        value,
			Unit:         unit,
			RawData:      domain.RawPayload(req.Payload.Raw),
			QualityScore: quality,
			CreatedAt:    o.now(),
		}
		readingID, err = o.readingRepo.Create(ctx, tx, &reading)
		if err != nil {
			return domain.NewCoreError(domain.KindPersistenceError, fmt.Errorf("persist reading: %w", err))
		}
		reading.ID = readingID

		// 5. Update sensor metadata.
		flagFaulty := store.MinFirmwareViolation(req.Payload.Firmware, sensor.Kind.MinFirmware)
		if err := o.sensorRepo.UpdateMetadata(ctx, tx, sensor.ID, ts, req.Payload.BatteryLevel, req.Payload.SignalStrength, req.Payload.Firmware, flagFaulty); err != nil {
			return domain.NewCoreError(domain.KindPersistenceError, fmt.Errorf("update sensor metadata: %w", err))
		}

		// 6. Anomaly detection.
		detector := anomaly.New(o.readingRepo.Bound(tx))
		detectResult, err = detector.Detect(ctx, sensor, &reading)
		if err != nil {
			return domain.NewCoreError(domain.KindPersistenceError, fmt.Errorf("run anomaly detection: %w", err))
		}
		reading.IsAnomaly = detectResult.IsAnomaly
		reading.AnomalyScore = detectResult.Score
		if err := o.readingRepo.SetAnomaly(ctx, tx, readingID, detectResult.IsAnomaly, detectResult.Score); err != nil {
			return domain.NewCoreError(domain.KindPersistenceError, fmt.Errorf("persist anomaly verdict: %w", err))
		}

		// 7. Alert on anomaly.
		if detectResult.IsAnomaly {
			alert, err := o.alertSvc.FromAnomaly(sensor, &reading, detectResult.Score)
			if err != nil {
				return domain.NewCoreError(domain.KindPersistenceError, fmt.Errorf("build anomaly alert: %w", err))
			}
			if alert != nil {
				if err := o.alertRepo.Create(ctx, tx, alert); err != nil {
					return domain.NewCoreError(domain.KindPersistenceError, fmt.Errorf("persist anomaly alert: %w", err))
				}
				created = append(created, pendingAlert{alert: alert})
			}
		}

		// 8. Rule evaluation.
		matched, err := o.rulesEngine.Evaluate(ctx, o.ruleRepo.Bound(tx), sensor, &reading)
		if err != nil {
			return domain.NewCoreError(domain.KindPersistenceError, fmt.Errorf("evaluate rules: %w", err))
		}
		for _, rule := range matched {
			alert, err := o.alertSvc.FromRule(sensor, &reading, rule)
			if err != nil {
				return domain.NewCoreError(domain.KindPersistenceError, fmt.Errorf("build rule alert: %w", err))
			}
			if alert != nil {
				if err := o.alertRepo.Create(ctx, tx, alert); err != nil {
					return domain.NewCoreError(domain.KindPersistenceError, fmt.Errorf("persist rule alert: %w", err))
				}
				created = append(created, pendingAlert{alert: alert})
			}
		}

		// 9. Bump credential last_authenticated.
		if err := o.credentialRepo.TouchLastAuthenticated(ctx, tx, sensor.ID, o.now()); err != nil {
			return domain.NewCoreError(domain.KindPersistenceError, fmt.Errorf("touch credential: %w", err))
		}

		// 10. Audit entry — failures here are logged, never rolled back.
		auditLogger := audit.New(o.auditRepo.Bound(tx), o.logger)
		auditLogger.Log(ctx, audit.Entry{
			Action:        audit.ActionReadingIngested,
			ResourceKind:  "sensor_reading",
			ResourceID:    readingID,
			Description:   fmt.Sprintf("reading ingested over %s", req.Protocol),
			OriginAddress: req.Source.OriginAddress,
			UserAgent:     req.Source.UserAgent,
			ChangeSet: map[string]any{
				"protocol":   string(req.Protocol),
				"value":      value,
				"is_anomaly": detectResult.IsAnomaly,
				"alerts":     len(created),
			},
		})

		return nil
	})
	if txErr != nil {
		if o.obs != nil {
			kind, _ := domain.KindOf(txErr)
			o.obs.RecordIngest(ctx, string(req.Protocol), o.now().Sub(start), false, 0, string(kind))
		}
		return nil, txErr
	}

	// 12. Broadcast after commit.
	alertIDs := make([]string, 0, len(created))
	o.bus.Push(sensor.MunicipalityID, domain.Event{
		Type: domain.EventSensorReading,
		Payload: map[string]any{
			"reading_id":    readingID,
			"sensor_id":     sensor.ID,
			"device_id":     sensor.DeviceID,
			"value":         reading.Value,
			"unit":          reading.Unit,
			"is_anomaly":    reading.IsAnomaly,
			"anomaly_score": reading.AnomalyScore,
			"timestamp":     reading.Timestamp,
		},
	})
	for _, p := range created {
		alertIDs = append(alertIDs, p.alert.ID)
		o.bus.Push(sensor.MunicipalityID, domain.Event{
			Type: domain.EventAlert,
			Payload: map[string]any{
				"alert_id":  p.alert.ID,
				"kind":      string(p.alert.Kind),
				"severity":  string(p.alert.Severity),
				"sensor_id": sensor.ID,
				"title":     p.alert.Title,
			},
		})
		// Fire-and-forget: the core never awaits the dispatcher.
		go o.dispatcher.Dispatch(context.WithoutCancel(ctx), p.alert)
	}

	if o.obs != nil {
		o.obs.RecordIngest(ctx, string(req.Protocol), o.now().Sub(start), reading.IsAnomaly, len(alertIDs), "")
	}

	return &Result{
		ReadingID:    readingID,
		SensorID:     sensor.ID,
		IsAnomaly:    reading.IsAnomaly,
		AnomalyScore: reading.AnomalyScore,
		AlertIDs:     alertIDs,
	}, nil
}

// TouchRequest describes an out-of-band device signal that updates a
// sensor's liveness metadata without ingesting a reading: an MQTT
// status/heartbeat message, a cellular keepalive, or any transport that
// wants to record a battery/signal/firmware check-in cheaply.
type TouchRequest struct {
	DeviceID       string
	Protocol       domain.Protocol
	BatteryLevel   *int
	SignalStrength *int
	Firmware       string
	Presented      domain.PresentedCredentials
	Source         SourceMetadata
}

// Touch runs the protocol-gate and credential steps of Process but
// skips reading persistence, anomaly detection, and rule evaluation —
// it only advances the sensor's last-seen metadata and records the
// visit in the audit chain. Credential verification only runs when the
// caller actually presented material, since heartbeats over an
// already-authenticated transport session commonly carry none.
func (o *Orchestrator) Touch(ctx context.Context, req TouchRequest) error {
	var sensor *domain.Sensor

	txErr := store.WithTx(ctx, o.db, func(tx *sql.Tx) error {
		var err error
		sensor, err = o.sensorRepo.GetByDeviceID(ctx, tx, req.DeviceID)
		if errors.Is(err, store.ErrSensorNotFound) {
			return domain.NewCoreError(domain.KindUnknownDevice, domain.ErrUnknownDevice)
		}
		if err != nil {
			return domain.NewCoreError(domain.KindPersistenceError, fmt.Errorf("load sensor: %w", err))
		}

		policySvc := protocolpolicy.New(o.policyRepo.Bound(tx))
		enabled, err := policySvc.IsEnabled(ctx, req.Protocol, sensor.MunicipalityID)
		if err != nil {
			return domain.NewCoreError(domain.KindPersistenceError, fmt.Errorf("resolve protocol policy: %w", err))
		}
		if !enabled {
			return domain.NewCoreError(domain.KindProtocolDisabled, domain.ErrProtocolDisabled)
		}

		if req.Presented.Any() {
			credSvc, err := credential.New(o.credentialRepo.Bound(tx), o.encKey)
			if err != nil {
				return domain.NewCoreError(domain.KindPersistenceError, fmt.Errorf("construct credential service: %w", err))
			}
			if err := credSvc.Verify(ctx, sensor.ID, req.Presented); err != nil {
				return err
			}
		}

		flagFaulty := store.MinFirmwareViolation(req.Firmware, sensor.Kind.MinFirmware)
		if err := o.sensorRepo.UpdateMetadata(ctx, tx, sensor.ID, o.now(), req.BatteryLevel, req.SignalStrength, req.Firmware, flagFaulty); err != nil {
			return domain.NewCoreError(domain.KindPersistenceError, fmt.Errorf("update sensor metadata: %w", err))
		}

		auditLogger := audit.New(o.auditRepo.Bound(tx), o.logger)
		auditLogger.Log(ctx, audit.Entry{
			Action:        audit.ActionDeviceStatus,
			ResourceKind:  "sensor",
			ResourceID:    sensor.ID,
			Description:   fmt.Sprintf("status check-in over %s", req.Protocol),
			OriginAddress: req.Source.OriginAddress,
			UserAgent:     req.Source.UserAgent,
			ChangeSet: map[string]any{
				"battery_level":   req.BatteryLevel,
				"signal_strength": req.SignalStrength,
				"firmware":        req.Firmware,
			},
		})
		return nil
	})
	if txErr != nil {
		return txErr
	}

	o.bus.Push(sensor.MunicipalityID, domain.Event{
		Type: domain.EventSystemUpdate,
		Payload: map[string]any{
			"sensor_id":       sensor.ID,
			"device_id":       sensor.DeviceID,
			"battery_level":   req.BatteryLevel,
			"signal_strength": req.SignalStrength,
		},
	})
	return nil
}

// parseTimestamp resolves the payload timestamp: absent means "now",
// present means RFC3339 (time.RFC3339 already accepts a trailing "Z").
func parseTimestamp(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return now, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return ts, nil
}

// coerceFloat accepts the handful of shapes a JSON/wire decoder can
// hand back for a numeric field.
func coerceFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
