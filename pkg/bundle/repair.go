package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repair strategy names, in the order they are tried.
const (
	RepairReserialize      = "reserialize"
	RepairRecompress       = "recompress"
	RepairExtractEssential = "extract_essential"
)

// RepairReport records a repair attempt.
type RepairReport struct {
	ID       string            `json:"id"`
	Repaired bool              `json:"repaired"`
	Strategy string            `json:"strategy,omitempty"`
	Failures map[string]string `json:"failures,omitempty"`
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type repairFunc func(id string, data []byte, modTime time.Time) ([]byte, error)

// repairLadder returns the strategies in order. Each returns the stored
// bytes of a bundle that passes strict validation.
func (m *Manager) repairLadder() []struct {
	name string
	fn   repairFunc
} {
	return []struct {
		name string
		fn   repairFunc
	}{
		{RepairReserialize, m.reserialize},
		{RepairRecompress, m.recompress},
		{RepairExtractEssential, m.extractEssential},
	}
}

// reserialize fixes superficial damage such as trailing garbage or a
// truncated tail. It refuses bundles whose hashed sections changed.
func (m *Manager) reserialize(id string, data []byte, _ time.Time) ([]byte, error) {
	doc, compression, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("compression layer damaged: %w", err)
	}
	fixed, ok := lenientJSON(doc)
	if !ok {
		return nil, errors.New("no recoverable JSON object")
	}
	raw, err := sections(fixed)
	if err != nil {
		return nil, err
	}
	for _, name := range hashedSections {
		if _, ok := raw[name]; !ok {
			return nil, fmt.Errorf("hashed section %s lost", name)
		}
	}

	var b Bundle
	if err := json.Unmarshal(fixed, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.Metadata.ID != id {
		return nil, fmt.Errorf("id %q does not match %s", b.Metadata.ID, id)
	}
	if b.Recovery.IntegrityHash != "" {
		want, err := integrityHash(raw)
		if err != nil {
			return nil, err
		}
		if want != b.Recovery.IntegrityHash {
			return nil, errors.New("hashed sections modified")
		}
	}

	b.Recovery.ValidationStatus = StatusRepaired
	if b.Recovery.Compatibility == "" {
		b.Recovery.Compatibility = FormatVersion
	}
	return m.reencode(&b, compression)
}

// recompress rebuilds the compression layer around an intact document.
func (m *Manager) recompress(id string, data []byte, _ time.Time) ([]byte, error) {
	var (
		doc         []byte
		compression Compression
		err         error
	)
	switch frame := bytes.TrimLeft(data, " \t\r\n"); {
	case bytes.HasPrefix(frame, zstdMagic):
		compression = CompressionZstd
		doc, err = zstdDecoder.DecodeAll(frame, nil)
	default:
		fixed, ok := lenientJSON(data)
		if !ok {
			return nil, errors.New("no recoverable envelope")
		}
		var env *envelope
		if env, err = parseEnvelope(fixed); err != nil {
			if errors.Is(err, errNotEnvelope) {
				return nil, errors.New("bundle is not compressed")
			}
			return nil, err
		}
		compression = env.Compression
		doc, err = env.open()
	}
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	b, report := check(doc, ValidateStrict, id)
	if !report.Valid {
		fixed, ok := lenientJSON(doc)
		if !ok {
			return nil, report
		}
		if b, report = check(fixed, ValidateStrict, id); !report.Valid {
			return nil, report
		}
	}
	b.Recovery.ValidationStatus = StatusRepaired
	return m.reencode(b, compression)
}

// extractEssential keeps only the bundle identity and zeroes usage.
func (m *Manager) extractEssential(id string, data []byte, modTime time.Time) ([]byte, error) {
	doc, _, err := decode(data)
	if err != nil {
		if fixed, ok := lenientJSON(data); ok {
			if env, envErr := parseEnvelope(fixed); envErr == nil {
				doc, err = env.open()
			}
		}
		if err != nil {
			doc = data
		}
	}

	fixed, ok := lenientJSON(doc)
	if !ok {
		return nil, errors.New("no recoverable sections")
	}
	raw, err := sections(fixed)
	if err != nil {
		return nil, err
	}

	var meta struct {
		CreatedAt   time.Time   `json:"created_at"`
		Type        Type        `json:"type"`
		Compression Compression `json:"compression"`
		Priority    Priority    `json:"priority"`
		Retention   string      `json:"retention"`
	}
	var session struct {
		SessionID        string    `json:"session_id"`
		StartTime        time.Time `json:"start_time"`
		WorkingDirectory string    `json:"working_directory"`
		WorkloadClass    string    `json:"workload_class"`
	}
	metaOK := salvage(raw[SectionMetadata], &meta)
	sessionOK := salvage(raw[SectionSession], &session)
	if !metaOK && !sessionOK {
		return nil, errors.New("neither bundle_metadata nor session_state is recoverable")
	}

	b := Bundle{
		Metadata: Metadata{
			ID:          id,
			CreatedAt:   meta.CreatedAt,
			Type:        meta.Type,
			Version:     FormatVersion,
			Compression: meta.Compression,
			Priority:    meta.Priority,
			Retention:   meta.Retention,
			Reason:      "extracted essential state",
		},
		Session: SessionState{
			SessionID:        session.SessionID,
			StartTime:        session.StartTime,
			WorkingDirectory: session.WorkingDirectory,
			WorkloadClass:    session.WorkloadClass,
		},
		Usage: ContextUsage{ThresholdStatus: "unknown", PerActor: map[string]int64{}},
		Recovery: RecoveryMetadata{
			ValidationStatus: StatusRepairedEssential,
			Compatibility:    FormatVersion,
		},
	}
	if b.Metadata.CreatedAt.IsZero() {
		b.Metadata.CreatedAt = modTime.UTC()
	}
	if !validType(b.Metadata.Type) {
		b.Metadata.Type = TypeMinimal
	}
	if _, err := ParseCompression(string(b.Metadata.Compression)); err != nil || b.Metadata.Compression == "" {
		b.Metadata.Compression = CompressionNone
	}
	if b.Metadata.Priority == "" {
		b.Metadata.Priority = PriorityNormal
	}
	if b.Session.SessionID == "" {
		b.Session.SessionID = "unknown"
	}
	if b.Session.StartTime.IsZero() {
		b.Session.StartTime = b.Metadata.CreatedAt
	}
	return m.reencode(&b, b.Metadata.Compression)
}

// salvage decodes whatever fields of a section still parse.
func salvage(section json.RawMessage, v any) bool {
	if len(section) == 0 {
		return false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(section, &fields); err != nil || fields == nil {
		return false
	}
	for name, value := range fields {
		one, _ := json.Marshal(map[string]json.RawMessage{name: value})
		_ = json.Unmarshal(one, v)
	}
	return true
}

func validType(t Type) bool {
	switch t {
	case TypeManual, TypeAutomatic, TypeScheduled, TypeActor, TypeEmergency, TypeMinimal:
		return true
	}
	return false
}

// reencode seals b and wraps it in its compression, then re-checks it.
func (m *Manager) reencode(b *Bundle, compression Compression) ([]byte, error) {
	doc, err := seal(b)
	if err != nil {
		return nil, err
	}
	if _, report := check(doc, ValidateStrict, b.Metadata.ID); !report.Valid {
		return nil, report
	}
	return encode(doc, compression)
}

// runRepair tries each strategy in order and atomically replaces the stored
// bundle with the first result.
func (m *Manager) runRepair(ctx context.Context, ref Ref, data []byte) (RepairReport, []byte, error) {
	report := RepairReport{ID: ref.ID, Failures: map[string]string{}}
	for _, step := range m.repairLadder() {
		fixed, err := step.fn(ref.ID, data, ref.ModTime)
		if err != nil {
			report.Failures[step.name] = err.Error()
			m.logger.Debug("bundle repair strategy failed", "bundle", ref.ID, "strategy", step.name, "error", err)
			continue
		}
		if err := m.store.Put(ctx, ref.Key, fixed); err != nil {
			return report, nil, fmt.Errorf("write repaired bundle %s: %w", ref.ID, err)
		}
		report.Repaired = true
		report.Strategy = step.name
		m.logger.Warn("bundle repaired", "bundle", ref.ID, "strategy", step.name)
		return report, fixed, nil
	}
	return report, nil, nil
}
