/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package compliance

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nexusrag/nexusrag/pkg/audit"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
)

//go:embed docs/*
var docFiles embed.FS

const (
	manifestName  = "manifest.json"
	signatureName = "manifest.sig"
)

// bundleOrder fixes the entry order so two bundles of the same snapshot are
// byte-identical.
var bundleOrder = []string{
	"snapshot.json",
	"controls.json",
	"config_sanitized.json",
	"runbooks_index.json",
	"changelog_excerpt.md",
	"capacity_model_excerpt.md",
	"perf_gates_excerpt.json",
	"perf_report_summary.md",
	"ops_metrics_24h_summary.json",
}

var staticDocs = map[string]string{
	"runbooks_index.json":       "docs/runbooks_index.json",
	"changelog_excerpt.md":      "docs/changelog_excerpt.md",
	"capacity_model_excerpt.md": "docs/capacity_model_excerpt.md",
	"perf_gates_excerpt.json":   "docs/perf_gates_excerpt.json",
	"perf_report_summary.md":    "docs/perf_report_summary.md",
}

type manifestEntry struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Size   int    `json:"size"`
}

type manifest struct {
	SnapshotID string          `json:"snapshot_id"`
	Entries    []manifestEntry `json:"entries"`
}

// Bundler assembles and verifies signed evidence bundles.
type Bundler struct {
	secret   []byte
	gatherer prometheus.Gatherer
	auditor  audit.Emitter
}

func NewBundler(secret []byte, gatherer prometheus.Gatherer, auditor audit.Emitter) *Bundler {
	return &Bundler{secret: secret, gatherer: gatherer, auditor: auditor}
}

// Build produces the deterministic ZIP for one snapshot. The sanitized
// config must already have secrets redacted by the caller.
func (b *Bundler) Build(ctx context.Context, snapshot *Snapshot, sanitizedConfig map[string]string) ([]byte, error) {
	if snapshot == nil {
		return nil, apierrors.New(apierrors.CodeNotFound, "no compliance snapshot has been generated")
	}
	entries := map[string][]byte{}
	var err error
	if entries["snapshot.json"], err = marshalIndent(snapshot); err != nil {
		return nil, err
	}
	controls, err := Catalog()
	if err != nil {
		return nil, err
	}
	if entries["controls.json"], err = marshalIndent(controls); err != nil {
		return nil, err
	}
	if entries["config_sanitized.json"], err = marshalIndent(sanitizedConfig); err != nil {
		return nil, err
	}
	for name, path := range staticDocs {
		content, err := docFiles.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading embedded doc %s, %w", path, err)
		}
		entries[name] = content
	}
	if entries["ops_metrics_24h_summary.json"], err = b.metricsSummary(); err != nil {
		return nil, err
	}

	man := manifest{SnapshotID: snapshot.ID, Entries: make([]manifestEntry, 0, len(bundleOrder))}
	for _, name := range bundleOrder {
		digest := sha256.Sum256(entries[name])
		man.Entries = append(man.Entries, manifestEntry{
			Name:   name,
			SHA256: hex.EncodeToString(digest[:]),
			Size:   len(entries[name]),
		})
	}
	manifestBytes, err := marshalIndent(man)
	if err != nil {
		return nil, err
	}
	signature := b.sign(manifestBytes)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	writeEntry := func(name string, content []byte) error {
		// Store method and a zeroed timestamp keep the archive
		// byte-stable across builds.
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store, Modified: time.Time{}})
		if err != nil {
			return fmt.Errorf("creating bundle entry %s, %w", name, err)
		}
		if _, err := w.Write(content); err != nil {
			return fmt.Errorf("writing bundle entry %s, %w", name, err)
		}
		return nil
	}
	for _, name := range bundleOrder {
		if err := writeEntry(name, entries[name]); err != nil {
			return nil, err
		}
	}
	if err := writeEntry(manifestName, manifestBytes); err != nil {
		return nil, err
	}
	if err := writeEntry(signatureName, []byte(signature)); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("closing bundle archive, %w", err)
	}

	b.auditor.Emit(ctx, audit.Event{
		ActorType:    "system",
		EventType:    audit.EventComplianceExport,
		Outcome:      audit.OutcomeSuccess,
		ResourceType: "compliance_snapshot",
		ResourceID:   snapshot.ID,
		Metadata:     map[string]any{"entries": len(bundleOrder), "size_bytes": buf.Len()},
	})
	return buf.Bytes(), nil
}

type VerifyResult struct {
	SnapshotID     string   `json:"snapshot_id"`
	EntriesChecked int      `json:"entries_checked"`
	SignatureValid bool     `json:"signature_valid"`
	Mismatches     []string `json:"mismatches"`
}

// Verify recomputes every entry digest and the manifest signature.
func (b *Bundler) Verify(data []byte) (*VerifyResult, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeValidationFailed, "bundle is not a readable archive", err)
	}
	contents := map[string][]byte{}
	for _, file := range reader.File {
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("opening bundle entry %s, %w", file.Name, err)
		}
		content, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading bundle entry %s, %w", file.Name, err)
		}
		contents[file.Name] = content
	}
	manifestBytes, ok := contents[manifestName]
	if !ok {
		return nil, apierrors.New(apierrors.CodeValidationFailed, "bundle has no manifest")
	}
	var man manifest
	if err := json.Unmarshal(manifestBytes, &man); err != nil {
		return nil, apierrors.Wrap(apierrors.CodeValidationFailed, "bundle manifest is not valid JSON", err)
	}

	result := &VerifyResult{SnapshotID: man.SnapshotID, Mismatches: []string{}}
	for _, entry := range man.Entries {
		content, ok := contents[entry.Name]
		if !ok {
			result.Mismatches = append(result.Mismatches, entry.Name+": missing")
			continue
		}
		digest := sha256.Sum256(content)
		if hex.EncodeToString(digest[:]) != entry.SHA256 {
			result.Mismatches = append(result.Mismatches, entry.Name+": digest mismatch")
			continue
		}
		result.EntriesChecked++
	}
	expected := b.sign(manifestBytes)
	result.SignatureValid = hmac.Equal([]byte(expected), contents[signatureName])
	return result, nil
}

func (b *Bundler) sign(manifestBytes []byte) string {
	mac := hmac.New(sha256.New, b.secret)
	mac.Write(manifestBytes)
	return hex.EncodeToString(mac.Sum(nil))
}

// metricsSummary snapshots counter and gauge families for the 24h ops
// summary entry.
func (b *Bundler) metricsSummary() ([]byte, error) {
	families, err := b.gatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics, %w", err)
	}
	summary := map[string]float64{}
	for _, family := range families {
		var total float64
		for _, metric := range family.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				total += float64(metric.GetHistogram().GetSampleCount())
			}
		}
		summary[family.GetName()] = total
	}
	return marshalIndent(summary)
}

func marshalIndent(v any) ([]byte, error) {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding bundle entry, %w", err)
	}
	return append(content, '\n'), nil
}
