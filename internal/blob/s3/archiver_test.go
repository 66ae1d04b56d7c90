package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ldamasio/robson-sub000/internal/domain"
)

type memBlobStore struct {
	objects map[string][]byte
	putErr  error
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{objects: make(map[string][]byte)}
}

func (m *memBlobStore) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if m.putErr != nil {
		return m.putErr
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = buf
	return nil
}

func (m *memBlobStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	buf, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (m *memBlobStore) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var infos []domain.BlobInfo
	for path, buf := range m.objects {
		if strings.HasPrefix(path, prefix) {
			infos = append(infos, domain.BlobInfo{Path: path, Size: int64(len(buf))})
		}
	}
	return infos, nil
}

func (m *memBlobStore) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

type memEventArchiveStore struct {
	events []domain.Event
}

func (m *memEventArchiveStore) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.Event, error) {
	var out []domain.Event
	for _, ev := range m.events {
		if ev.IngestedAt.Before(before) {
			out = append(out, ev)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type memAudit struct {
	entries []domain.AuditEntry
}

func (m *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	m.entries = append(m.entries, domain.AuditEntry{Event: event, Detail: detail})
	return nil
}

func (m *memAudit) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	return m.entries, nil
}

func archiveEvent(id string, ingested time.Time) domain.Event {
	return domain.Event{
		ID:         id,
		Account:    "main",
		StreamKey:  "position:p1",
		Type:       domain.EventPositionArmed,
		Payload:    []byte(`{}`),
		IngestedAt: ingested,
	}
}

func TestArchiveEventsUploadsJSONLAndAudits(t *testing.T) {
	old := time.Date(2026, 7, 3, 12, 0, 0, 0, time.UTC)
	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	blobs := newMemBlobStore()
	events := &memEventArchiveStore{events: []domain.Event{
		archiveEvent("e1", old),
		archiveEvent("e2", old.Add(time.Hour)),
		archiveEvent("e3", cutoff.Add(time.Hour)), // inside retention, stays
	}}
	audit := &memAudit{}

	arc := NewArchiver(blobs, blobs, events, audit, slog.New(slog.DiscardHandler))

	count, err := arc.ArchiveEvents(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	buf, ok := blobs.objects["archive/events/2026-08.jsonl"]
	require.True(t, ok, "archive object missing")

	lines := strings.Split(strings.TrimSpace(string(buf)), "\n")
	require.Len(t, lines, 2)

	var first domain.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "e1", first.ID)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, "archive_events", audit.entries[0].Event)
	assert.Equal(t, int64(2), audit.entries[0].Detail["count"])
}

func TestArchiveEventsNothingToArchive(t *testing.T) {
	blobs := newMemBlobStore()
	events := &memEventArchiveStore{}
	audit := &memAudit{}

	arc := NewArchiver(blobs, blobs, events, audit, slog.New(slog.DiscardHandler))

	count, err := arc.ArchiveEvents(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, blobs.objects)
	assert.Empty(t, audit.entries)
}

func TestArchiveEventsUploadFailureIsNotAudited(t *testing.T) {
	blobs := newMemBlobStore()
	blobs.putErr = io.ErrClosedPipe
	events := &memEventArchiveStore{events: []domain.Event{
		archiveEvent("e1", time.Date(2026, 7, 3, 0, 0, 0, 0, time.UTC)),
	}}
	audit := &memAudit{}

	arc := NewArchiver(blobs, blobs, events, audit, slog.New(slog.DiscardHandler))

	_, err := arc.ArchiveEvents(context.Background(), time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.Empty(t, audit.entries)
}
