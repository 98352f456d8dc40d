package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/contextguard/pkg/faults"
	"github.com/aixgo-dev/contextguard/pkg/ledger"
	"github.com/aixgo-dev/contextguard/pkg/recovery"
	"github.com/aixgo-dev/contextguard/pkg/store"
	"github.com/aixgo-dev/contextguard/pkg/threshold"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store  *store.MemoryStore
	ledger *ledger.Ledger
	clock  *testClock
	mgr    *Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	clock := newTestClock()

	l, err := ledger.New(ctx, s, ledger.Config{
		SessionID:     "sess-1",
		Ceiling:       200000,
		WorkloadClass: "medium",
		Now:           clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	_, err = l.ReportUsage(ctx, ledger.UsageReport{Actor: "planner", Operation: "plan", Tokens: 30000})
	require.NoError(t, err)
	_, err = l.ReportUsage(ctx, ledger.UsageReport{Actor: "coder", Operation: "edit", Tokens: 50000})
	require.NoError(t, err)
	require.NoError(t, l.Reclaim(ctx, "coder", 5000, "test"))

	session := SessionFunc(func(context.Context) (SessionInfo, error) {
		return SessionInfo{
			ActiveActor:      "coder",
			WorkingDirectory: "/work/app",
			Baseline:         12000,
			Priming:          3000,
			Knowledge:        json.RawMessage(`{"decisions":["use sqlite"],"discoveries":[]}`),
			BackgroundTasks:  []string{"indexer"},
		}, nil
	})

	m, err := NewManager(s, cfg,
		WithLedger(l),
		WithSessionSource(session),
		WithThresholds(threshold.NewRegistry()),
		WithClock(clock.Now),
	)
	require.NoError(t, err)
	return &fixture{store: s, ledger: l, clock: clock, mgr: m}
}

// storedBundle decodes the bundle document as written.
func (f *fixture) storedBundle(t *testing.T, ref Ref) Bundle {
	t.Helper()
	doc, err := f.store.Get(context.Background(), ref.Key)
	require.NoError(t, err)
	raw, _, err := decode(doc.Data)
	require.NoError(t, err)
	var b Bundle
	require.NoError(t, json.Unmarshal(raw, &b))
	return b
}

// mutate rewrites the stored bytes of a bundle.
func (f *fixture) mutate(t *testing.T, id string, fn func([]byte) []byte) {
	t.Helper()
	ref, err := f.mgr.Resolve(context.Background(), id)
	require.NoError(t, err)
	doc, err := f.store.Get(context.Background(), ref.Key)
	require.NoError(t, err)
	changed := fn(bytes.Clone(doc.Data))
	require.NotEqual(t, doc.Data, changed, "mutation changed nothing")
	require.NoError(t, f.store.Put(context.Background(), ref.Key, changed))
}

func replace(old, new string) func([]byte) []byte {
	return func(b []byte) []byte { return bytes.Replace(b, []byte(old), []byte(new), 1) }
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(string(c), func(t *testing.T) {
			f := newFixture(t, Config{Compression: c})
			ctx := context.Background()

			id, err := f.mgr.Save(ctx, SaveOptions{Type: TypeManual})
			require.NoError(t, err)
			assert.True(t, ValidID(id), id)
			assert.Equal(t, NewID(f.clock.Now(), "sess-1"), id)

			rs, err := f.mgr.Load(ctx, id, LoadOptions{Mode: ModeFull, Validation: ValidateStrict})
			require.NoError(t, err)
			assert.False(t, rs.Repaired)
			assert.Equal(t, PartitionActive, rs.Ref.Partition)

			stored := f.storedBundle(t, rs.Ref)
			assert.Equal(t, stored.Session, *rs.Session)
			assert.Equal(t, stored.Usage, *rs.Usage)

			assert.Equal(t, "sess-1", rs.Session.SessionID)
			assert.Equal(t, "/work/app", rs.Session.WorkingDirectory)
			assert.Equal(t, "coder", rs.Session.ActiveActor)
			assert.Equal(t, "medium", rs.Session.WorkloadClass)
			assert.Equal(t, int64(75000), rs.Usage.TokensUsed)
			assert.Equal(t, int64(5000), rs.Usage.Reclaimed)
			assert.Equal(t, int64(200000), rs.Usage.Ceiling)
			assert.Equal(t, int64(12000), rs.Usage.Baseline)
			assert.Equal(t, map[string]int64{"planner": 30000, "coder": 45000}, rs.Usage.PerActor)
			assert.Equal(t, string(threshold.StatusNormal), rs.Usage.ThresholdStatus)
			assert.JSONEq(t, `{"decisions":["use sqlite"],"discoveries":[]}`, string(rs.Knowledge))
			assert.Equal(t, []string{"indexer"}, rs.Coordination.BackgroundTasks)
			assert.Equal(t, c, rs.Metadata.Compression)
			assert.NotEmpty(t, stored.Recovery.IntegrityHash)

			doc, err := f.store.Get(ctx, rs.Ref.Key)
			require.NoError(t, err)
			if c == CompressionNone {
				assert.True(t, bytes.Contains(doc.Data, []byte(`"bundle_metadata"`)))
			} else {
				assert.True(t, bytes.Contains(doc.Data, []byte(`"format":"cgbundle"`)))
			}
		})
	}
}

func TestLoadModes(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	id, err := f.mgr.Save(ctx, SaveOptions{})
	require.NoError(t, err)

	tests := []struct {
		mode                   Mode
		session, usage, agents bool
	}{
		{ModeFull, true, true, true},
		{ModeSessionOnly, true, false, false},
		{ModeContextOnly, false, true, false},
		{ModeAgentsOnly, false, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			rs, err := f.mgr.Load(ctx, id, LoadOptions{Mode: tt.mode})
			require.NoError(t, err)
			assert.Equal(t, tt.session, rs.Session != nil)
			assert.Equal(t, tt.usage, rs.Usage != nil)
			assert.Equal(t, tt.agents, rs.Coordination != nil)
		})
	}

	_, err = f.mgr.Load(ctx, id, LoadOptions{Mode: "everything"})
	assert.ErrorIs(t, err, faults.ErrConfiguration)
	_, err = f.mgr.Load(ctx, id, LoadOptions{Validation: "paranoid"})
	assert.ErrorIs(t, err, faults.ErrConfiguration)
}

func TestResolveIdentifiers(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := f.mgr.Save(ctx, SaveOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
		f.clock.Advance(time.Minute)
	}

	// Latest is decided by modification time, not by id.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.store.SetModTime(bundleKey(PartitionActive, ids[0]), base.Add(time.Hour))
	f.store.SetModTime(bundleKey(PartitionActive, ids[1]), base)
	f.store.SetModTime(bundleKey(PartitionActive, ids[2]), base.Add(time.Minute))

	ref, err := f.mgr.Resolve(ctx, "latest")
	require.NoError(t, err)
	assert.Equal(t, ids[0], ref.ID)

	ref, err = f.mgr.Resolve(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, ids[0], ref.ID)

	ref, err = f.mgr.Resolve(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, ids[1], ref.ID)

	ref, err = f.mgr.Resolve(ctx, "_090200")
	require.NoError(t, err)
	assert.Equal(t, ids[2], ref.ID)

	ref, err = f.mgr.Resolve(ctx, ids[1]+".json")
	require.NoError(t, err)
	assert.Equal(t, ids[1], ref.ID)

	_, err = f.mgr.Resolve(ctx, "20260301")
	assert.ErrorIs(t, err, ErrAmbiguous)
	assert.Contains(t, err.Error(), ids[0])

	_, err = f.mgr.Resolve(ctx, "19990101")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveAvoidsIDCollision(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	first, err := f.mgr.Save(ctx, SaveOptions{})
	require.NoError(t, err)
	second, err := f.mgr.Save(ctx, SaveOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	refs, err := f.mgr.List(ctx, PartitionActive)
	require.NoError(t, err)
	assert.Len(t, refs, 2)
}

func TestSaveRejectsBadOptions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.mgr.Save(ctx, SaveOptions{Type: "nightly"})
	assert.ErrorIs(t, err, faults.ErrConfiguration)
	_, err = f.mgr.Save(ctx, SaveOptions{Compression: "brotli"})
	assert.ErrorIs(t, err, faults.ErrConfiguration)
	_, err = f.mgr.Save(ctx, SaveOptions{Partition: PartitionQuarantine})
	assert.ErrorIs(t, err, faults.ErrConfiguration)

	m, err := NewManager(store.NewMemoryStore(), Config{})
	require.NoError(t, err)
	_, err = m.Save(ctx, SaveOptions{})
	assert.ErrorIs(t, err, faults.ErrConfiguration)
}

func TestIntegrityDetectionAndRepair(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"bundle_metadata", replace(`"priority": "normal"`, `"priority": "high"`)},
		{"session_state", replace(`"working_directory": "/work/app"`, `"working_directory": "/work/apq"`)},
		{"context_usage", replace(`"tokens_used": 75000`, `"tokens_used": 75001`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			ctx := context.Background()
			id, err := f.mgr.Save(ctx, SaveOptions{})
			require.NoError(t, err)

			f.mutate(t, id, tt.mutate)

			report, err := f.mgr.Validate(ctx, id, ValidateStrict)
			require.NoError(t, err)
			assert.False(t, report.Valid)
			assert.Equal(t, ViolationIntegrity, report.Violation)

			report, err = f.mgr.Validate(ctx, id, ValidateQuick)
			require.NoError(t, err)
			assert.True(t, report.Valid, "quick validation skips the hash")

			rs, err := f.mgr.Load(ctx, id, LoadOptions{Validation: ValidateStrict})
			require.NoError(t, err)
			assert.True(t, rs.Repaired)
			assert.Equal(t, RepairExtractEssential, rs.RepairStrategy)
			assert.True(t, rs.EssentialOnly())
			require.NotNil(t, rs.Corruption, "pre-repair failure is reported")
			assert.Equal(t, ViolationIntegrity, rs.Corruption.Violation)
			assert.Equal(t, ValidateStrict, rs.Corruption.Level)
			assert.Equal(t, "sess-1", rs.Session.SessionID)
			assert.Zero(t, rs.Usage.TokensUsed)

			fresh, err := ledger.New(ctx, store.NewMemoryStore(), ledger.Config{SessionID: "sess-2", Ceiling: 200000})
			require.NoError(t, err)
			t.Cleanup(func() { _ = fresh.Close() })
			err = f.mgr.Restore(ctx, rs, fresh)
			assert.ErrorIs(t, err, faults.ErrBundleCorruption)
			assert.Zero(t, fresh.LiveTokens())

			report, err = f.mgr.Validate(ctx, id, ValidateStrict)
			require.NoError(t, err)
			assert.True(t, report.Valid, "repaired bundle re-validates")
			assert.Equal(t, StatusRepairedEssential, f.storedBundle(t, rs.Ref).Recovery.ValidationStatus)
		})
	}
}

func TestQuickValidationCatchesTypeErrors(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	id, err := f.mgr.Save(ctx, SaveOptions{})
	require.NoError(t, err)

	f.mutate(t, id, replace(`"tokens_used": 75000`, `"tokens_used": "seventy-five thousand"`))

	report, err := f.mgr.Validate(ctx, id, ValidateQuick)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, ViolationSchema, report.Violation)

	rs, err := f.mgr.Load(ctx, id, LoadOptions{Validation: ValidateQuick})
	require.NoError(t, err)
	assert.True(t, rs.Repaired)
	assert.Equal(t, RepairExtractEssential, rs.RepairStrategy)
}

func TestRepairReserialize(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"truncated tail", func(b []byte) []byte { return b[:len(b)-20] }},
		{"trailing garbage", func(b []byte) []byte { return append(b, []byte("\x00\x00\x00partial write")...) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			ctx := context.Background()
			id, err := f.mgr.Save(ctx, SaveOptions{})
			require.NoError(t, err)

			f.mutate(t, id, tt.mutate)

			report, err := f.mgr.Validate(ctx, id, ValidateBasic)
			require.NoError(t, err)
			assert.False(t, report.Valid)

			rs, err := f.mgr.Load(ctx, id, LoadOptions{})
			require.NoError(t, err)
			assert.True(t, rs.Repaired)
			assert.Equal(t, RepairReserialize, rs.RepairStrategy)
			assert.Equal(t, int64(75000), rs.Usage.TokensUsed, "content survives reserialization")
			require.NotNil(t, rs.Corruption)
			assert.False(t, rs.EssentialOnly())
		})
	}
}

func TestRepairRecompress(t *testing.T) {
	f := newFixture(t, Config{Compression: CompressionZstd})
	ctx := context.Background()
	id, err := f.mgr.Save(ctx, SaveOptions{})
	require.NoError(t, err)

	f.mutate(t, id, func(b []byte) []byte { return append(b, []byte("}}\n\x00junk")...) })

	report, err := f.mgr.Validate(ctx, id, ValidateStrict)
	require.NoError(t, err)
	assert.Equal(t, ViolationDecode, report.Violation)

	rs, err := f.mgr.Load(ctx, id, LoadOptions{})
	require.NoError(t, err)
	assert.True(t, rs.Repaired)
	assert.Equal(t, RepairRecompress, rs.RepairStrategy)
	assert.Equal(t, int64(75000), rs.Usage.TokensUsed)
}

func TestRepairRawZstdFrame(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	id, err := f.mgr.Save(ctx, SaveOptions{})
	require.NoError(t, err)

	f.mutate(t, id, func(b []byte) []byte { return zstdEncoder.EncodeAll(b, nil) })

	report, err := f.mgr.Repair(ctx, id)
	require.NoError(t, err)
	assert.True(t, report.Repaired)
	assert.Equal(t, RepairRecompress, report.Strategy)
	assert.Contains(t, report.Failures, RepairReserialize)
}

func TestUnrepairableBundleIsQuarantined(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	good, err := f.mgr.Save(ctx, SaveOptions{})
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	bad := NewID(f.clock.Now(), "other-session")
	require.NoError(t, f.store.Put(ctx, bundleKey(PartitionActive, bad), []byte("definitely not a bundle")))

	_, err = f.mgr.Load(ctx, bad, LoadOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrBundleCorruption)

	quarantined, err := f.mgr.List(ctx, PartitionQuarantine)
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	assert.Equal(t, bad, quarantined[0].ID)

	record, err := f.mgr.QuarantineReason(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, bad, record.BundleID)
	assert.Equal(t, string(ViolationStructure), record.ErrorType)
	assert.False(t, record.QuarantineTime.IsZero())

	ref, err := f.mgr.Resolve(ctx, "latest")
	require.NoError(t, err)
	assert.Equal(t, good, ref.ID)

	_, err = f.mgr.Load(ctx, bad, LoadOptions{})
	assert.ErrorIs(t, err, ErrQuarantined)

	report, err := f.mgr.Validate(ctx, bad, ValidateBasic)
	require.NoError(t, err)
	assert.False(t, report.Valid)
}

func TestListSkipsForeignKeys(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	id, err := f.mgr.Save(ctx, SaveOptions{})
	require.NoError(t, err)

	require.NoError(t, f.store.Put(ctx, "bundles/active/notes.json", []byte("{}")))
	require.NoError(t, f.store.Put(ctx, "bundles/active/"+id+".json.bak", []byte("{}")))
	require.NoError(t, f.store.Put(ctx, reasonKey(id), []byte("{}")))

	refs, err := f.mgr.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, id, refs[0].ID)

	_, err = f.mgr.List(ctx, "elsewhere")
	assert.ErrorIs(t, err, faults.ErrConfiguration)
}

func TestArchiveDeleteAndStats(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	a, err := f.mgr.Save(ctx, SaveOptions{})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	e, err := f.mgr.Save(ctx, SaveOptions{Type: TypeEmergency})
	require.NoError(t, err)

	ref, err := f.mgr.Resolve(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, PartitionEmergency, ref.Partition)

	require.NoError(t, f.mgr.Archive(ctx, a))
	ref, err = f.mgr.Resolve(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, PartitionArchive, ref.Partition)
	require.NoError(t, f.mgr.Archive(ctx, a), "archiving twice is a no-op")

	stats, err := f.mgr.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Partitions[PartitionArchive])
	assert.Equal(t, 1, stats.Partitions[PartitionEmergency])
	assert.Equal(t, 0, stats.Partitions[PartitionActive])

	idx, err := f.mgr.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, PartitionArchive, idx.Entries[a].Partition)
	assert.Equal(t, TypeEmergency, idx.Entries[e].Type)

	require.NoError(t, f.mgr.Delete(ctx, a))
	_, err = f.mgr.Resolve(ctx, a)
	assert.ErrorIs(t, err, ErrNotFound)

	idx, err = f.mgr.Index(ctx)
	require.NoError(t, err)
	assert.NotContains(t, idx.Entries, a)
}

func TestRebuildIndex(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	id, err := f.mgr.Save(ctx, SaveOptions{})
	require.NoError(t, err)
	require.NoError(t, f.store.Delete(ctx, indexKey))

	idx, err := f.mgr.RebuildIndex(ctx)
	require.NoError(t, err)
	require.Contains(t, idx.Entries, id)
	assert.Equal(t, PartitionActive, idx.Entries[id].Partition)
}

func TestSweepRetention(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	save := func(typ Type) string {
		id, err := f.mgr.Save(ctx, SaveOptions{Type: typ})
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
		return id
	}
	freshActive := save(TypeManual)
	oldActive := save(TypeManual)
	oldEmergency := save(TypeEmergency)
	oldArchive := save(TypeManual)
	require.NoError(t, f.mgr.Archive(ctx, oldArchive))
	veryOldActive := save(TypeManual)

	f.store.SetModTime(bundleKey(PartitionActive, freshActive), now.Add(-24*time.Hour))
	f.store.SetModTime(bundleKey(PartitionActive, oldActive), now.Add(-8*24*time.Hour))
	f.store.SetModTime(bundleKey(PartitionEmergency, oldEmergency), now.Add(-8*24*time.Hour))
	f.store.SetModTime(bundleKey(PartitionArchive, oldArchive), now.Add(-31*24*time.Hour))
	f.store.SetModTime(bundleKey(PartitionActive, veryOldActive), now.Add(-60*24*time.Hour))

	report, err := f.mgr.Sweep(ctx, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{oldActive, oldEmergency, veryOldActive}, report.Archived)
	assert.Equal(t, []string{oldArchive}, report.Deleted)
	assert.Empty(t, report.Failed)

	stats, err := f.mgr.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Partitions[PartitionActive])
	assert.Equal(t, 3, stats.Partitions[PartitionArchive])

	report, err = f.mgr.Sweep(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, report.Deleted, "archived bundles age from the move")
}

func TestRestoreIntoFreshLedger(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	id, err := f.mgr.Save(ctx, SaveOptions{})
	require.NoError(t, err)

	fresh, err := ledger.New(ctx, store.NewMemoryStore(), ledger.Config{SessionID: "sess-2", Ceiling: 200000})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fresh.Close() })

	rs, err := f.mgr.Load(ctx, id, LoadOptions{Mode: ModeSessionOnly})
	require.NoError(t, err)
	assert.Nil(t, rs.Corruption)
	require.NoError(t, f.mgr.Restore(ctx, rs, fresh))
	assert.Zero(t, fresh.LiveTokens(), "session-only leaves usage alone")

	rs, err = f.mgr.Load(ctx, "latest", LoadOptions{Mode: ModeFull})
	require.NoError(t, err)
	require.NoError(t, f.mgr.Restore(ctx, rs, fresh))

	assert.Equal(t, int64(75000), fresh.LiveTokens())
	assert.Equal(t, int64(30000), fresh.Budget(ledger.ActorScope("planner")).Used)
	assert.Equal(t, int64(45000), fresh.Budget(ledger.ActorScope("coder")).Used)
}

func TestSnapshotterSavesByKind(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	snap := Snapshotter{Manager: f.mgr, Compression: CompressionZstd}

	var _ recovery.Snapshotter = snap

	minimal, err := snap.Snapshot(ctx, recovery.SnapshotMinimal, "cascade recovery")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	actor, err := snap.Snapshot(ctx, recovery.SnapshotActor, "suspend worker")
	require.NoError(t, err)

	rs, err := f.mgr.Load(ctx, minimal, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, PartitionEmergency, rs.Ref.Partition)
	assert.Equal(t, TypeMinimal, rs.Metadata.Type)
	assert.Equal(t, CompressionZstd, rs.Metadata.Compression)
	assert.Equal(t, "cascade recovery", rs.Metadata.Reason)
	assert.Equal(t, "null", string(rs.Knowledge))

	rs, err = f.mgr.Load(ctx, actor, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, PartitionActive, rs.Ref.Partition)
	assert.Equal(t, TypeActor, rs.Metadata.Type)
}
