// Package bundle persists handoff bundles: integrity-checked snapshots of a
// session that can be validated, repaired, quarantined and restored into a
// fresh usage ledger.
package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aixgo-dev/contextguard/internal/observability"
	"github.com/aixgo-dev/contextguard/pkg/faults"
	"github.com/aixgo-dev/contextguard/pkg/ledger"
	metrics "github.com/aixgo-dev/contextguard/pkg/observability"
	"github.com/aixgo-dev/contextguard/pkg/store"
	"github.com/aixgo-dev/contextguard/pkg/threshold"
)

var (
	// ErrNotFound is returned when no bundle matches an identifier.
	ErrNotFound = errors.New("bundle not found")
	// ErrAmbiguous is returned when a partial identifier matches several
	// bundles.
	ErrAmbiguous = errors.New("ambiguous bundle identifier")
	// ErrQuarantined is returned for bundles that were quarantined.
	ErrQuarantined = errors.New("bundle is quarantined")
)

// Config configures a Manager.
type Config struct {
	Compression         Compression   `yaml:"compression"`
	SaveBudget          time.Duration `yaml:"save_budget"`
	SizeCeiling         int64         `yaml:"size_ceiling"`
	ActiveRetention     time.Duration `yaml:"active_retention"`
	ArchiveRetention    time.Duration `yaml:"archive_retention"`
	QuarantineRetention time.Duration `yaml:"quarantine_retention"`
	EmergencyRetention  time.Duration `yaml:"emergency_retention"`
	IndexRetries        int           `yaml:"index_retries"`
}

// DefaultConfig returns the default bundle configuration.
func DefaultConfig() Config {
	return Config{
		Compression:         CompressionNone,
		SaveBudget:          5 * time.Second,
		SizeCeiling:         50 << 20,
		ActiveRetention:     7 * 24 * time.Hour,
		ArchiveRetention:    30 * 24 * time.Hour,
		QuarantineRetention: 30 * 24 * time.Hour,
		EmergencyRetention:  7 * 24 * time.Hour,
		IndexRetries:        store.DefaultUpdateRetries,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Compression == "" {
		c.Compression = d.Compression
	}
	if c.SaveBudget <= 0 {
		c.SaveBudget = d.SaveBudget
	}
	if c.SizeCeiling <= 0 {
		c.SizeCeiling = d.SizeCeiling
	}
	if c.ActiveRetention <= 0 {
		c.ActiveRetention = d.ActiveRetention
	}
	if c.ArchiveRetention <= 0 {
		c.ArchiveRetention = d.ArchiveRetention
	}
	if c.QuarantineRetention <= 0 {
		c.QuarantineRetention = d.QuarantineRetention
	}
	if c.EmergencyRetention <= 0 {
		c.EmergencyRetention = d.EmergencyRetention
	}
	if c.IndexRetries <= 0 {
		c.IndexRetries = d.IndexRetries
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLedger sets the ledger bundles are saved from.
func WithLedger(l LedgerSource) Option { return func(m *Manager) { m.ledger = l } }

// WithSessionSource sets the runtime session source.
func WithSessionSource(s SessionSource) Option { return func(m *Manager) { m.session = s } }

// WithVCSProbe sets the version-control probe.
func WithVCSProbe(p VCSProbe) Option { return func(m *Manager) { m.vcs = p } }

// WithThresholds sets the registry used to record the threshold status.
func WithThresholds(r *threshold.Registry) Option { return func(m *Manager) { m.thresholds = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// Manager saves, loads and maintains bundles in a store.
type Manager struct {
	store      store.Store
	cfg        Config
	ledger     LedgerSource
	session    SessionSource
	vcs        VCSProbe
	thresholds *threshold.Registry
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates a bundle manager.
func NewManager(s store.Store, cfg Config, opts ...Option) (*Manager, error) {
	if s == nil {
		return nil, faults.Configurationf("bundle.new", "store is required")
	}
	cfg.applyDefaults()
	if _, err := ParseCompression(string(cfg.Compression)); err != nil {
		return nil, err
	}
	m := &Manager{
		store:  s,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "bundle")
	return m, nil
}

// SaveOptions controls a save.
type SaveOptions struct {
	Type        Type
	Compression Compression
	Priority    Priority
	// Partition defaults to the type's partition.
	Partition Partition
	Reason    string
	// Minimal omits knowledge and coordination state.
	Minimal bool
}

// Save assembles a bundle from the ledger and collaborators and writes it.
func (m *Manager) Save(ctx context.Context, opts SaveOptions) (id string, err error) {
	started := m.now()
	ctx, span := observability.StartSpan(ctx, "bundle.save",
		attribute.String("bundle.type", string(opts.Type)))
	defer func() {
		observability.EndSpan(span, err)
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.RecordBundleOperation("save", status)
	}()

	if m.ledger == nil {
		return "", faults.Configurationf("bundle.save", "no ledger configured")
	}
	if opts.Type == "" {
		opts.Type = TypeManual
	}
	if !validType(opts.Type) {
		return "", faults.Configurationf("bundle.save", "unknown bundle type %q", opts.Type)
	}
	if opts.Compression == "" {
		opts.Compression = m.cfg.Compression
	}
	if _, err := ParseCompression(string(opts.Compression)); err != nil {
		return "", err
	}
	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}
	if opts.Partition == "" {
		opts.Partition = DefaultPartition(opts.Type)
	}
	if !opts.Partition.Valid() || opts.Partition == PartitionQuarantine {
		return "", faults.Configurationf("bundle.save", "cannot save into partition %q", opts.Partition)
	}

	b, err := m.assemble(ctx, opts, started)
	if err != nil {
		return "", err
	}

	var data []byte
	for attempt := 0; attempt < 5; attempt++ {
		b.Metadata.ID = NewID(started.Add(time.Duration(attempt)*time.Second), b.Session.SessionID)
		doc, err := seal(b)
		if err != nil {
			return "", err
		}
		if data, err = encode(doc, opts.Compression); err != nil {
			return "", err
		}
		key := bundleKey(opts.Partition, b.Metadata.ID)
		if _, err = m.store.CompareAndSwap(ctx, key, "", data); err == nil {
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return "", fmt.Errorf("write bundle %s: %w", b.Metadata.ID, err)
		}
		if attempt == 4 {
			return "", faults.ConcurrencyConflict("bundle.save", fmt.Errorf("no free bundle id near %s", b.Metadata.ID))
		}
	}
	id = b.Metadata.ID

	m.updateIndex(ctx, func(idx *Index) {
		idx.Entries[id] = IndexEntry{
			Partition:   opts.Partition,
			Type:        opts.Type,
			SessionID:   b.Session.SessionID,
			CreatedAt:   b.Metadata.CreatedAt,
			Size:        int64(len(data)),
			Compression: opts.Compression,
		}
	})

	elapsed := m.now().Sub(started)
	metrics.RecordBundleSize(len(data))
	span.SetAttributes(attribute.String("bundle.id", id), attribute.Int("bundle.size", len(data)))
	if elapsed > m.cfg.SaveBudget {
		m.logger.Warn("bundle save exceeded time budget", "bundle", id, "elapsed", elapsed, "budget", m.cfg.SaveBudget)
	}
	if int64(len(data)) > m.cfg.SizeCeiling {
		m.logger.Warn("bundle exceeds size ceiling", "bundle", id, "size", len(data), "ceiling", m.cfg.SizeCeiling)
	}
	m.logger.Info("bundle saved", "bundle", id, "type", string(opts.Type), "partition", string(opts.Partition),
		"compression", string(opts.Compression), "size", len(data), "elapsed", elapsed)
	return id, nil
}

func (m *Manager) assemble(ctx context.Context, opts SaveOptions, now time.Time) (*Bundle, error) {
	snap := m.ledger.Snapshot()
	sess := m.ledger.Session()

	var info SessionInfo
	if m.session != nil {
		var err error
		if info, err = m.session.SessionInfo(ctx); err != nil {
			m.logger.Warn("session source failed", "error", err)
		}
	}

	var vcs *VCSState
	if m.vcs != nil && info.WorkingDirectory != "" {
		var err error
		if vcs, err = m.vcs.Probe(ctx, info.WorkingDirectory); err != nil {
			m.logger.Warn("vcs probe failed", "dir", info.WorkingDirectory, "error", err)
		}
	}

	status := "unknown"
	if m.thresholds != nil {
		status = string(m.thresholds.Lookup(snap.WorkloadClass).Classify(snap.Percent))
	}

	perActor := map[string]int64{}
	for scope, budget := range m.ledger.Budgets() {
		if scope.Kind == ledger.ScopeActor {
			perActor[scope.ID] = budget.Live()
		}
	}

	active := m.ledger.ActiveActors()
	if active == nil {
		active = []string{}
	}
	activeActor := info.ActiveActor
	if activeActor == "" {
		activeActor = sess.LastActor
	}

	retention := m.cfg.ActiveRetention
	if DefaultPartition(opts.Type) == PartitionEmergency {
		retention = m.cfg.EmergencyRetention
	}

	start := sess.StartedAt.UTC()
	if start.IsZero() {
		start = now.UTC()
	}
	b := &Bundle{
		Metadata: Metadata{
			CreatedAt:   now.UTC(),
			Type:        opts.Type,
			Version:     FormatVersion,
			Compression: opts.Compression,
			Priority:    opts.Priority,
			Retention:   retention.String(),
			Reason:      opts.Reason,
		},
		Session: SessionState{
			SessionID:        snap.SessionID,
			StartTime:        start,
			DurationSeconds:  max(int64(now.Sub(start)/time.Second), 0),
			ActiveActor:      activeActor,
			WorkingDirectory: info.WorkingDirectory,
			WorkloadClass:    snap.WorkloadClass,
			VCS:              vcs,
		},
		Usage: ContextUsage{
			TokensUsed:      snap.Live,
			Ceiling:         snap.Ceiling,
			Reclaimed:       snap.Reclaimed,
			Baseline:        info.Baseline,
			Priming:         info.Priming,
			Percent:         snap.Percent,
			ThresholdStatus: status,
			Epoch:           snap.Epoch,
			PerActor:        perActor,
		},
		Knowledge: info.Knowledge,
		Coordination: Coordination{
			ActiveActors:    active,
			BackgroundTasks: info.BackgroundTasks,
		},
		Recovery: RecoveryMetadata{
			ValidationStatus: StatusValid,
			Dependencies:     info.Dependencies,
			Compatibility:    FormatVersion,
		},
	}
	if opts.Minimal {
		b.Knowledge = nil
		b.Coordination.BackgroundTasks = nil
	}
	if len(b.Knowledge) > 0 && !json.Valid(b.Knowledge) {
		m.logger.Warn("dropping invalid knowledge graph")
		b.Knowledge = nil
	}
	return b, nil
}

// Mode selects which sections a load restores.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeSessionOnly Mode = "session-only"
	ModeContextOnly Mode = "context-only"
	ModeAgentsOnly  Mode = "agents-only"
)

// ParseMode parses a restore mode. Empty means full.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeFull, nil
	case ModeFull, ModeSessionOnly, ModeContextOnly, ModeAgentsOnly:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown restore mode %q", s)
}

// LoadOptions controls a load.
type LoadOptions struct {
	Mode       Mode
	Validation Level
}

// RestoredState is a loaded bundle narrowed to the sections the mode
// selects. Sections outside the mode are nil.
type RestoredState struct {
	Ref            Ref
	Mode           Mode
	Metadata       Metadata
	Session        *SessionState
	Usage          *ContextUsage
	Coordination   *Coordination
	Knowledge      json.RawMessage
	Repaired       bool
	RepairStrategy string
	// Corruption is the validation failure found before repair, nil for a
	// bundle that validated as stored.
	Corruption     *ValidationReport
}

// EssentialOnly reports whether the state was rebuilt from bundle identity
// alone, with its usage and coordination discarded.
func (rs *RestoredState) EssentialOnly() bool {
	return rs.Repaired && rs.RepairStrategy == RepairExtractEssential
}

// Load resolves identifier, validates the bundle and returns its state. A
// bundle that fails validation is repaired; one that cannot be repaired is
// quarantined and reported as corrupt.
func (m *Manager) Load(ctx context.Context, identifier string, opts LoadOptions) (rs *RestoredState, err error) {
	ctx, span := observability.StartSpan(ctx, "bundle.load", attribute.String("bundle.identifier", identifier))
	defer func() {
		observability.EndSpan(span, err)
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.RecordBundleOperation("load", status)
	}()

	if opts.Mode == "" {
		opts.Mode = ModeFull
	}
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return nil, faults.Configuration("bundle.load", err)
	}
	if opts.Validation == "" {
		opts.Validation = ValidateStrict
	}
	if _, err := ParseLevel(string(opts.Validation)); err != nil {
		return nil, faults.Configuration("bundle.load", err)
	}

	ref, err := m.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	doc, err := m.store.Get(ctx, ref.Key)
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", ref.ID, err)
	}

	b, report := m.inspect(doc.Data, opts.Validation, ref.ID)
	rs = &RestoredState{Ref: ref, Mode: opts.Mode}
	if !report.Valid {
		corruption := report
		rs.Corruption = &corruption
		m.logger.Warn("bundle failed validation", "bundle", ref.ID, "violation", string(report.Violation),
			"details", report.Details)
		repair, fixed, err := m.runRepair(ctx, ref, doc.Data)
		if err != nil {
			return nil, err
		}
		if !repair.Repaired {
			if qerr := m.quarantine(ctx, ref, report); qerr != nil {
				m.logger.Error("quarantine failed", "bundle", ref.ID, "error", qerr)
			}
			return nil, faults.BundleCorruption("bundle.load", fmt.Errorf("%s: %w", ref.ID, report))
		}
		if b, report = m.inspect(fixed, ValidateStrict, ref.ID); !report.Valid {
			return nil, faults.BundleCorruption("bundle.load", fmt.Errorf("%s after repair: %w", ref.ID, report))
		}
		rs.Repaired = true
		rs.RepairStrategy = repair.Strategy
	}

	rs.Metadata = b.Metadata
	switch opts.Mode {
	case ModeFull:
		rs.Session, rs.Usage, rs.Coordination, rs.Knowledge = &b.Session, &b.Usage, &b.Coordination, b.Knowledge
	case ModeSessionOnly:
		rs.Session = &b.Session
	case ModeContextOnly:
		rs.Usage = &b.Usage
	case ModeAgentsOnly:
		rs.Coordination = &b.Coordination
	}

	m.logger.Info("bundle loaded", "bundle", ref.ID, "partition", string(ref.Partition),
		"mode", string(opts.Mode), "validation", string(opts.Validation), "repaired", rs.Repaired)
	return rs, nil
}

// inspect decodes stored bytes and validates the document.
func (m *Manager) inspect(data []byte, level Level, id string) (*Bundle, ValidationReport) {
	doc, _, err := decode(data)
	if err != nil {
		return nil, ValidationReport{ID: id, Level: level, Violation: ViolationDecode, Details: []string{err.Error()}}
	}
	return check(doc, level, id)
}

// Restore applies the usage of a restored state to a ledger. Modes without
// the context_usage section leave the ledger alone.
func (m *Manager) Restore(ctx context.Context, rs *RestoredState, target Restorer) error {
	if rs == nil {
		return nil
	}
	if rs.EssentialOnly() {
		return faults.BundleCorruption("bundle.restore",
			fmt.Errorf("%s was reduced to its essentials on repair", rs.Ref.ID))
	}
	if rs.Usage == nil {
		return nil
	}
	in := ledger.RestoreInput{
		Used:   rs.Usage.TokensUsed,
		Actors: rs.Usage.PerActor,
		Origin: "bundle:" + rs.Ref.ID,
	}
	if err := target.Restore(ctx, in); err != nil {
		return fmt.Errorf("restore bundle %s: %w", rs.Ref.ID, err)
	}
	m.logger.Info("bundle restored into ledger", "bundle", rs.Ref.ID, "tokens", in.Used)
	return nil
}

// Validate checks a stored bundle without modifying it.
func (m *Manager) Validate(ctx context.Context, identifier string, level Level) (ValidationReport, error) {
	if level == "" {
		level = ValidateStrict
	}
	ref, err := m.resolve(ctx, identifier, true)
	if err != nil {
		return ValidationReport{}, err
	}
	doc, err := m.store.Get(ctx, ref.Key)
	if err != nil {
		return ValidationReport{}, fmt.Errorf("read bundle %s: %w", ref.ID, err)
	}
	_, report := m.inspect(doc.Data, level, ref.ID)
	return report, nil
}

// Repair runs the repair ladder on a stored bundle. A bundle that is
// already valid is left alone; one that cannot be repaired is quarantined.
func (m *Manager) Repair(ctx context.Context, identifier string) (RepairReport, error) {
	ref, err := m.Resolve(ctx, identifier)
	if err != nil {
		return RepairReport{}, err
	}
	doc, err := m.store.Get(ctx, ref.Key)
	if err != nil {
		return RepairReport{}, fmt.Errorf("read bundle %s: %w", ref.ID, err)
	}
	_, report := m.inspect(doc.Data, ValidateStrict, ref.ID)
	if report.Valid {
		return RepairReport{ID: ref.ID}, nil
	}
	repair, _, err := m.runRepair(ctx, ref, doc.Data)
	if err != nil {
		return repair, err
	}
	if !repair.Repaired {
		if err := m.quarantine(ctx, ref, report); err != nil {
			return repair, err
		}
		return repair, faults.BundleCorruption("bundle.repair", fmt.Errorf("%s: %w", ref.ID, report))
	}
	return repair, nil
}

// Resolve maps "latest", an exact id or a unique partial id to a bundle
// outside quarantine.
func (m *Manager) Resolve(ctx context.Context, identifier string) (Ref, error) {
	return m.resolve(ctx, identifier, false)
}

func (m *Manager) resolve(ctx context.Context, identifier string, includeQuarantine bool) (Ref, error) {
	identifier = strings.TrimSuffix(strings.TrimSpace(identifier), ".json")

	refs, err := m.List(ctx, "")
	if err != nil {
		return Ref{}, err
	}
	eligible := refs[:0:0]
	var quarantined []Ref
	for _, r := range refs {
		if r.Partition == PartitionQuarantine {
			quarantined = append(quarantined, r)
			if !includeQuarantine {
				continue
			}
		}
		eligible = append(eligible, r)
	}

	if identifier == "" || identifier == "latest" {
		for _, r := range eligible {
			if r.Partition != PartitionQuarantine {
				return r, nil
			}
		}
		return Ref{}, fmt.Errorf("%w: no bundles", ErrNotFound)
	}

	for _, r := range eligible {
		if r.ID == identifier {
			return r, nil
		}
	}
	for _, r := range quarantined {
		if r.ID == identifier {
			return Ref{}, faults.BundleCorruption("bundle.resolve", fmt.Errorf("%s: %w", identifier, ErrQuarantined))
		}
	}

	var matches []Ref
	for _, r := range eligible {
		if strings.Contains(r.ID, identifier) {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return Ref{}, fmt.Errorf("%w: %q", ErrNotFound, identifier)
	case 1:
		return matches[0], nil
	}
	ids := make([]string, len(matches))
	for i, r := range matches {
		ids[i] = r.ID
	}
	return Ref{}, fmt.Errorf("%w: %q matches %s", ErrAmbiguous, identifier, strings.Join(ids, ", "))
}

// List returns bundles in partition, or in every partition when empty,
// most recently modified first.
func (m *Manager) List(ctx context.Context, partition Partition) ([]Ref, error) {
	parts := Partitions
	if partition != "" {
		if !partition.Valid() {
			return nil, faults.Configurationf("bundle.list", "unknown partition %q", partition)
		}
		parts = []Partition{partition}
	}

	var refs []Ref
	for _, p := range parts {
		prefix := fmt.Sprintf("bundles/%s/", p)
		infos, err := m.store.List(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("list %s bundles: %w", p, err)
		}
		for _, info := range infos {
			name := strings.TrimPrefix(info.Key, prefix)
			if strings.Contains(name, "/") || strings.HasSuffix(name, ".reason.json") || !strings.HasSuffix(name, ".json") {
				continue
			}
			id := strings.TrimSuffix(name, ".json")
			if !ValidID(id) {
				continue
			}
			refs = append(refs, Ref{ID: id, Partition: p, Key: info.Key, Size: info.Size, ModTime: info.ModTime})
		}
	}
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].ModTime.After(refs[j].ModTime) })
	return refs, nil
}

// Archive moves a bundle from the active or emergency partition to the
// archive.
func (m *Manager) Archive(ctx context.Context, identifier string) error {
	ref, err := m.Resolve(ctx, identifier)
	if err != nil {
		return err
	}
	if ref.Partition == PartitionArchive {
		return nil
	}
	return m.move(ctx, ref, PartitionArchive)
}

func (m *Manager) move(ctx context.Context, ref Ref, to Partition) error {
	if err := m.store.Move(ctx, ref.Key, bundleKey(to, ref.ID)); err != nil {
		return fmt.Errorf("move bundle %s to %s: %w", ref.ID, to, err)
	}
	m.updateIndex(ctx, func(idx *Index) {
		e := idx.Entries[ref.ID]
		e.Partition = to
		idx.Entries[ref.ID] = e
	})
	metrics.RecordBundleOperation("move", "success")
	m.logger.Info("bundle moved", "bundle", ref.ID, "from", string(ref.Partition), "to", string(to))
	return nil
}

// Delete removes a bundle from any partition, including its quarantine
// record.
func (m *Manager) Delete(ctx context.Context, identifier string) error {
	ref, err := m.resolve(ctx, identifier, true)
	if err != nil {
		return err
	}
	return m.delete(ctx, ref)
}

func (m *Manager) delete(ctx context.Context, ref Ref) error {
	if err := m.store.Delete(ctx, ref.Key); err != nil {
		return fmt.Errorf("delete bundle %s: %w", ref.ID, err)
	}
	if ref.Partition == PartitionQuarantine {
		if err := m.store.Delete(ctx, reasonKey(ref.ID)); err != nil {
			m.logger.Warn("delete quarantine record failed", "bundle", ref.ID, "error", err)
		}
	}
	m.updateIndex(ctx, func(idx *Index) { delete(idx.Entries, ref.ID) })
	metrics.RecordBundleOperation("delete", "success")
	m.logger.Info("bundle deleted", "bundle", ref.ID, "partition", string(ref.Partition))
	return nil
}

// quarantine moves a bundle out of reach of Load and records why.
func (m *Manager) quarantine(ctx context.Context, ref Ref, report ValidationReport) error {
	if ref.Partition == PartitionQuarantine {
		return nil
	}
	record := QuarantineRecord{
		BundleID:       ref.ID,
		ErrorType:      string(report.Violation),
		ErrorDetails:   strings.Join(report.Details, "; "),
		QuarantineTime: m.now().UTC(),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	if err := m.store.Move(ctx, ref.Key, bundleKey(PartitionQuarantine, ref.ID)); err != nil {
		return fmt.Errorf("quarantine bundle %s: %w", ref.ID, err)
	}
	if err := m.store.Put(ctx, reasonKey(ref.ID), data); err != nil {
		return fmt.Errorf("write quarantine record %s: %w", ref.ID, err)
	}
	m.updateIndex(ctx, func(idx *Index) {
		e := idx.Entries[ref.ID]
		e.Partition = PartitionQuarantine
		idx.Entries[ref.ID] = e
	})
	metrics.RecordQuarantine()
	m.logger.Error("bundle quarantined", "bundle", ref.ID, "violation", string(report.Violation),
		"details", record.ErrorDetails)
	return nil
}

// QuarantineReason returns the record written when a bundle was quarantined.
func (m *Manager) QuarantineReason(ctx context.Context, id string) (*QuarantineRecord, error) {
	doc, err := m.store.Get(ctx, reasonKey(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: no quarantine record for %s", ErrNotFound, id)
		}
		return nil, err
	}
	var record QuarantineRecord
	if err := json.Unmarshal(doc.Data, &record); err != nil {
		return nil, fmt.Errorf("decode quarantine record %s: %w", id, err)
	}
	return &record, nil
}

// Stats counts bundles per partition.
type Stats struct {
	Partitions map[Partition]int `json:"partitions"`
	Total      int               `json:"total"`
	Bytes      int64             `json:"bytes"`
	Newest     *Ref              `json:"newest,omitempty"`
}

// Stats summarizes the bundle store.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	refs, err := m.List(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Partitions: make(map[Partition]int, len(Partitions))}
	for _, p := range Partitions {
		s.Partitions[p] = 0
	}
	for i, r := range refs {
		s.Partitions[r.Partition]++
		s.Total++
		s.Bytes += r.Size
		if s.Newest == nil && r.Partition != PartitionQuarantine {
			s.Newest = &refs[i]
		}
	}
	return s, nil
}
