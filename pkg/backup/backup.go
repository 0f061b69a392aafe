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

// Package backup produces logical NDJSON dumps of the control and data
// tables with an integrity manifest, optionally mirrored to S3. Prune
// honors legal holds on backup sets.
package backup

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/audit"
	"github.com/nexusrag/nexusrag/pkg/logging"
	"github.com/nexusrag/nexusrag/pkg/queue"
	"github.com/nexusrag/nexusrag/pkg/storage"
	"github.com/nexusrag/nexusrag/pkg/utils/extcall"
)

// backupTables is the fixed dump order. Messages and chunks are the large
// tables; everything else is control-plane state.
var backupTables = []string{
	"tenants",
	"plans",
	"plan_features",
	"tenant_overrides",
	"api_keys",
	"subjects",
	"corpora",
	"documents",
	"chunks",
	"sessions",
	"messages",
	"checkpoints",
	"crypto_keys",
	"key_rotation_jobs",
	"retention_policies",
	"legal_holds",
	"dsar_requests",
	"authz_policies",
	"document_acls",
	"kill_switches",
	"canary_percentages",
	"failover_state",
	"failover_events",
}

type Config struct {
	Dir           string
	S3Bucket      string
	HMACSecret    []byte
	RetentionDays int
}

type s3API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type manifestEntry struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Rows   int64  `json:"rows,omitempty"`
}

type manifest struct {
	BackupID  string          `json:"backup_id"`
	CreatedAt time.Time       `json:"created_at"`
	Entries   []manifestEntry `json:"entries"`
	Signature string          `json:"signature,omitempty"`
}

type Service struct {
	store   *storage.Store
	repo    *storage.BackupRepository
	gov     *storage.GovernanceRepository
	s3      s3API
	auditor audit.Emitter
	config  Config
	logger  *zap.Logger
}

// NewService builds the backup service. s3Client may be nil when no bucket
// is configured.
func NewService(store *storage.Store, repo *storage.BackupRepository, gov *storage.GovernanceRepository,
	s3Client s3API, auditor audit.Emitter, config Config, logger *zap.Logger) *Service {
	return &Service{
		store:   store,
		repo:    repo,
		gov:     gov,
		s3:      s3Client,
		auditor: auditor,
		config:  config,
		logger:  logger,
	}
}

// HandleJob is the queue handler for scheduled backups; each run also
// prunes sets past retention.
func (s *Service) HandleJob(ctx context.Context, _ *queue.Job) error {
	set, err := s.Run(ctx)
	if err != nil {
		return err
	}
	logging.FromContext(ctx).Info("backup completed", zap.String("backup-id", set.ID))
	return s.Prune(ctx)
}

// Run performs one full logical backup.
func (s *Service) Run(ctx context.Context) (*storage.BackupSet, error) {
	id := fmt.Sprintf("bk_%s_%s", time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
	dir := filepath.Join(s.config.Dir, id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating backup directory, %w", err)
	}
	set := storage.BackupSet{ID: id, Location: dir}
	if err := s.repo.Create(ctx, set); err != nil {
		return nil, err
	}

	man, err := s.dump(ctx, id, dir)
	if err != nil {
		_ = s.repo.Finish(ctx, id, storage.BackupStatusFailed, nil)
		s.auditBackup(ctx, id, audit.OutcomeFailure, err.Error())
		return nil, err
	}
	encoded, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding backup manifest, %w", err)
	}
	if err := s.writeArtifact(ctx, id, dir, "manifest.json", encoded); err != nil {
		_ = s.repo.Finish(ctx, id, storage.BackupStatusFailed, nil)
		return nil, err
	}
	if err := s.repo.Finish(ctx, id, storage.BackupStatusCompleted, encoded); err != nil {
		return nil, err
	}
	s.auditBackup(ctx, id, audit.OutcomeSuccess, "")
	s.logger.Info("backup set written",
		zap.String("backup-id", id), zap.Int("artifacts", len(man.Entries)))
	set.Status = storage.BackupStatusCompleted
	set.Manifest = encoded
	return &set, nil
}

func (s *Service) dump(ctx context.Context, id, dir string) (*manifest, error) {
	man := &manifest{BackupID: id, CreatedAt: time.Now().UTC()}
	addEntry := func(name string, content []byte, rows int64) error {
		if err := s.writeArtifact(ctx, id, dir, name, content); err != nil {
			return err
		}
		digest := sha256.Sum256(content)
		man.Entries = append(man.Entries, manifestEntry{
			Name:   name,
			SHA256: hex.EncodeToString(digest[:]),
			Size:   int64(len(content)),
			Rows:   rows,
		})
		return nil
	}

	for _, table := range backupTables {
		content, rows, err := s.dumpTable(ctx, table)
		if err != nil {
			return nil, err
		}
		if err := addEntry(table+".ndjson", content, rows); err != nil {
			return nil, err
		}
	}
	schema, err := storage.SchemaSQL()
	if err != nil {
		return nil, err
	}
	if err := addEntry("schema.sql", schema, 0); err != nil {
		return nil, err
	}
	metadata, err := json.MarshalIndent(map[string]any{
		"backup_id":  id,
		"created_at": man.CreatedAt,
		"tables":     backupTables,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding backup metadata, %w", err)
	}
	if err := addEntry("metadata.json", metadata, 0); err != nil {
		return nil, err
	}

	if len(s.config.HMACSecret) > 0 {
		payload, err := json.Marshal(man.Entries)
		if err != nil {
			return nil, fmt.Errorf("encoding manifest entries for signing, %w", err)
		}
		mac := hmac.New(sha256.New, s.config.HMACSecret)
		mac.Write(payload)
		man.Signature = hex.EncodeToString(mac.Sum(nil))
	}
	return man, nil
}

// dumpTable renders every row as one JSON line.
func (s *Service) dumpTable(ctx context.Context, table string) ([]byte, int64, error) {
	rows, err := s.store.DB().QueryxContext(ctx,
		fmt.Sprintf(`SELECT row_to_json(t)::text FROM %s t`, table))
	if err != nil {
		return nil, 0, fmt.Errorf("dumping table %s, %w", table, err)
	}
	defer rows.Close()
	var buf bytes.Buffer
	var count int64
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, 0, fmt.Errorf("scanning %s row, %w", table, err)
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating %s rows, %w", table, err)
	}
	return buf.Bytes(), count, nil
}

// writeArtifact lands the file locally and mirrors it to S3 when a bucket
// is configured.
func (s *Service) writeArtifact(ctx context.Context, id, dir, name string, content []byte) error {
	if err := os.WriteFile(filepath.Join(dir, name), content, 0o640); err != nil {
		return fmt.Errorf("writing backup artifact %s, %w", name, err)
	}
	if s.s3 == nil || s.config.S3Bucket == "" {
		return nil
	}
	err := retry.Do(func() error {
		_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.config.S3Bucket),
			Key:    aws.String(id + "/" + name),
			Body:   bytes.NewReader(content),
		})
		return err
	}, retry.Context(ctx), retry.Attempts(extcall.RetryAttempts()), retry.LastErrorOnly(true))
	if err != nil {
		return fmt.Errorf("uploading backup artifact %s, %w", name, err)
	}
	return nil
}

// Prune removes completed sets past retention unless a legal hold covers
// them.
func (s *Service) Prune(ctx context.Context) error {
	if s.config.RetentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-time.Duration(s.config.RetentionDays) * 24 * time.Hour)
	candidates, err := s.repo.PruneCandidates(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, set := range candidates {
		held, err := s.gov.BackupSetHeld(ctx, set.ID)
		if err != nil {
			return err
		}
		if held {
			s.logger.Info("skipping held backup set", zap.String("backup-id", set.ID))
			continue
		}
		if err := os.RemoveAll(set.Location); err != nil {
			return fmt.Errorf("removing backup set %s, %w", set.ID, err)
		}
		if err := s.repo.MarkPruned(ctx, set.ID); err != nil {
			return err
		}
		s.logger.Info("pruned backup set", zap.String("backup-id", set.ID))
	}
	return nil
}

func (s *Service) auditBackup(ctx context.Context, id, outcome, detail string) {
	metadata := map[string]any{}
	if detail != "" {
		metadata["detail"] = detail
	}
	s.auditor.Emit(ctx, audit.Event{
		ActorType:    "system",
		EventType:    audit.EventSystemBackupCompleted,
		Outcome:      outcome,
		ResourceType: "backup_set",
		ResourceID:   id,
		Metadata:     metadata,
	})
}
