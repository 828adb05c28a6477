// Package statsfile persists the Coordinator's RunCounters and watermarks
// to a single JSON file (spec §6/§9), so a restart resumes from where the
// previous process left off instead of re-running a full replication pass.
// Writes are atomic (write-then-rename) via github.com/google/renameio/v2;
// the on-disk encoding of the watermark map, whose key order Go's own map
// iteration never guarantees, is produced deterministically with
// github.com/joeycumines/go-utilpkg/jsonenc's scalar string encoder rather
// than left to encoding/json's non-deterministic map marshaling.
package statsfile

import (
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/renameio/v2"
	"github.com/joeycumines/go-utilpkg/jsonenc"

	"github.com/docreplica/replicator/internal/model"
)

const timestampLayout = time.RFC3339Nano

// Snapshot is the full on-disk shape of the stats file.
type Snapshot struct {
	Counters      model.RunCounters
	Watermarks    map[string]model.Watermark
	AuthWatermark string
}

type wireWatermark struct {
	Forward string `json:"forward"`
	Recover string `json:"recover"`
}

type wireAuthCounters struct {
	TotalUsers             int64  `json:"totalUsers"`
	SyncedUsers            int64  `json:"syncedUsers"`
	CustomClaimsPropagated int64  `json:"customClaimsPropagated"`
	AuthErrors             int64  `json:"authErrors"`
	LastAuthRunAt          string `json:"lastAuthRunAt"`
}

type wireCounters struct {
	TotalDocumentsWritten int64            `json:"totalDocumentsWritten"`
	DuplicatesSkipped     int64            `json:"duplicatesSkipped"`
	Errors                int64            `json:"errors"`
	IncrementalRunCount   int64            `json:"incrementalRunCount"`
	LastRunAt             string           `json:"lastRunAt"`
	LastFullRunAt         string           `json:"lastFullRunAt"`
	Auth                  wireAuthCounters `json:"auth"`
}

type wireSnapshot struct {
	Counters      wireCounters             `json:"counters"`
	Watermarks    map[string]wireWatermark `json:"watermarks"`
	AuthWatermark string                   `json:"authWatermark"`
}

// Load reads and parses the stats file at path. A missing file is not an
// error: it returns a zero-value Snapshot, matching spec §4.7's "otherwise
// start from zero."
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{Watermarks: map[string]model.Watermark{}}, nil
		}
		return Snapshot{}, err
	}

	var wire wireSnapshot
	if err := json.Unmarshal(data, &wire); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		AuthWatermark: wire.AuthWatermark,
		Watermarks:    map[string]model.Watermark{},
		Counters: model.RunCounters{
			TotalDocumentsWritten: wire.Counters.TotalDocumentsWritten,
			DuplicatesSkipped:     wire.Counters.DuplicatesSkipped,
			Errors:                wire.Counters.Errors,
			IncrementalRunCount:   wire.Counters.IncrementalRunCount,
			LastRunAt:             parseTime(wire.Counters.LastRunAt),
			LastFullRunAt:         parseTime(wire.Counters.LastFullRunAt),
			Auth: model.AuthCounters{
				TotalUsers:             wire.Counters.Auth.TotalUsers,
				SyncedUsers:            wire.Counters.Auth.SyncedUsers,
				CustomClaimsPropagated: wire.Counters.Auth.CustomClaimsPropagated,
				AuthErrors:             wire.Counters.Auth.AuthErrors,
				LastAuthRunAt:          parseTime(wire.Counters.Auth.LastAuthRunAt),
			},
		},
	}
	for name, wm := range wire.Watermarks {
		snap.Watermarks[name] = model.Watermark{Forward: wm.Forward, Recover: wm.Recover}
	}
	return snap, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timestampLayout)
}

// Save atomically (write-then-rename) persists snap to path.
func Save(path string, snap Snapshot) error {
	return renameio.WriteFile(path, snap.marshal(), 0o644)
}

// marshal produces a deterministic JSON encoding: struct-derived object keys
// are emitted in a fixed order and the watermark map's collection names in
// sorted order, so two runs with identical state produce byte-identical
// output.
func (s Snapshot) marshal() []byte {
	var buf []byte
	buf = append(buf, '{')

	buf = jsonenc.AppendString(buf, "counters")
	buf = append(buf, ':')
	buf = appendCounters(buf, s.Counters)
	buf = append(buf, ',')

	buf = jsonenc.AppendString(buf, "authWatermark")
	buf = append(buf, ':')
	buf = jsonenc.AppendString(buf, s.AuthWatermark)
	buf = append(buf, ',')

	buf = jsonenc.AppendString(buf, "watermarks")
	buf = append(buf, ':', '{')
	names := make([]string, 0, len(s.Watermarks))
	for name := range s.Watermarks {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		if i > 0 {
			buf = append(buf, ',')
		}
		wm := s.Watermarks[name]
		buf = jsonenc.AppendString(buf, name)
		buf = append(buf, ':', '{')
		buf = jsonenc.AppendString(buf, "forward")
		buf = append(buf, ':')
		buf = jsonenc.AppendString(buf, wm.Forward)
		buf = append(buf, ',')
		buf = jsonenc.AppendString(buf, "recover")
		buf = append(buf, ':')
		buf = jsonenc.AppendString(buf, wm.Recover)
		buf = append(buf, '}')
	}
	buf = append(buf, '}', '}')

	return buf
}

func appendCounters(buf []byte, c model.RunCounters) []byte {
	buf = append(buf, '{')

	buf = jsonenc.AppendString(buf, "totalDocumentsWritten")
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, c.TotalDocumentsWritten, 10)
	buf = append(buf, ',')

	buf = jsonenc.AppendString(buf, "duplicatesSkipped")
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, c.DuplicatesSkipped, 10)
	buf = append(buf, ',')

	buf = jsonenc.AppendString(buf, "errors")
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, c.Errors, 10)
	buf = append(buf, ',')

	buf = jsonenc.AppendString(buf, "incrementalRunCount")
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, c.IncrementalRunCount, 10)
	buf = append(buf, ',')

	buf = jsonenc.AppendString(buf, "lastRunAt")
	buf = append(buf, ':')
	buf = jsonenc.AppendString(buf, formatTime(c.LastRunAt))
	buf = append(buf, ',')

	buf = jsonenc.AppendString(buf, "lastFullRunAt")
	buf = append(buf, ':')
	buf = jsonenc.AppendString(buf, formatTime(c.LastFullRunAt))
	buf = append(buf, ',')

	buf = jsonenc.AppendString(buf, "auth")
	buf = append(buf, ':', '{')
	buf = jsonenc.AppendString(buf, "totalUsers")
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, c.Auth.TotalUsers, 10)
	buf = append(buf, ',')
	buf = jsonenc.AppendString(buf, "syncedUsers")
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, c.Auth.SyncedUsers, 10)
	buf = append(buf, ',')
	buf = jsonenc.AppendString(buf, "customClaimsPropagated")
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, c.Auth.CustomClaimsPropagated, 10)
	buf = append(buf, ',')
	buf = jsonenc.AppendString(buf, "authErrors")
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, c.Auth.AuthErrors, 10)
	buf = append(buf, ',')
	buf = jsonenc.AppendString(buf, "lastAuthRunAt")
	buf = append(buf, ':')
	buf = jsonenc.AppendString(buf, formatTime(c.Auth.LastAuthRunAt))
	buf = append(buf, '}')

	buf = append(buf, '}')
	return buf
}
