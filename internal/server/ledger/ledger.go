// Package ledger is the deployment file-hash ledger. Each deployment owns a
// partition holding one DeploymentMetadata document and one FileHash document
// per recorded hash. The metadata hash_count always equals the number of
// FileHash documents: every append creates the hashes and bumps the counter
// in one atomic batch guarded by the metadata etag.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/dmitrijs2005/hashledger/internal/common"
	"github.com/dmitrijs2005/hashledger/internal/logging"
	"github.com/dmitrijs2005/hashledger/internal/server/docstore"
	"github.com/dmitrijs2005/hashledger/internal/server/models"
	"github.com/dmitrijs2005/hashledger/internal/timex"
)

const (
	// DefaultMaxRetries bounds the compare-and-swap attempts of one write.
	DefaultMaxRetries = 5
	// DefaultTake is the ListHashes page size when take <= 0.
	DefaultTake = 100

	// one slot of every batch is the metadata replace
	maxHashesPerBatch = docstore.MaxBatchOperations - 1
)

// Ledger is the data access layer over the deployments collection.
type Ledger struct {
	store      docstore.Store
	log        logging.Logger
	maxRetries int
	now        func() int64
}

type Option func(*Ledger)

// WithMaxRetries sets how many times a write is retried after losing a race.
func WithMaxRetries(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxRetries = n
		}
	}
}

// WithClock replaces the epoch-milliseconds clock.
func WithClock(now func() int64) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store docstore.Store, log logging.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		log:        log.With("module", "ledger"),
		maxRetries: DefaultMaxRetries,
		now:        timex.NowMillis,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// AppendResult reports which hashes an append recorded.
type AppendResult struct {
	Added           []string
	AlreadyRecorded []string
	// HashCount is the counter after the last successful batch.
	HashCount int64
}

// GetMetadata returns the metadata of a deployment or common.ErrorNotFound.
func (l *Ledger) GetMetadata(ctx context.Context, deploymentID int64) (*models.DeploymentMetadata, error) {
	pk := models.PartitionKey(deploymentID)
	doc, err := l.store.Get(ctx, pk, pk)
	if err != nil {
		return nil, fmt.Errorf("get metadata %d: %w", deploymentID, err)
	}

	var m models.DeploymentMetadata
	if err := json.Unmarshal(doc.Body, &m); err != nil {
		return nil, fmt.Errorf("decode metadata %d: %w", deploymentID, err)
	}
	m.ETag = doc.ETag
	return &m, nil
}

// CreateMetadata creates the metadata of a new deployment. If it already
// exists common.ErrAlreadyExists is returned; concurrent creators race on the
// store's atomic create and exactly one wins.
func (l *Ledger) CreateMetadata(ctx context.Context, deploymentID, projectID int64) (*models.DeploymentMetadata, error) {
	if deploymentID <= 0 {
		return nil, fmt.Errorf("%w: deployment id must be positive", common.ErrorValidation)
	}

	m := &models.DeploymentMetadata{
		DeploymentID: deploymentID,
		ProjectID:    projectID,
		LastUpdateMs: l.now(),
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	pk := models.PartitionKey(deploymentID)
	doc, err := l.store.Add(ctx, pk, pk, body)
	if errors.Is(err, common.ErrConflict) {
		return nil, fmt.Errorf("deployment %d: %w", deploymentID, common.ErrAlreadyExists)
	}
	if err != nil {
		return nil, fmt.Errorf("create metadata %d: %w", deploymentID, err)
	}
	m.ETag = doc.ETag

	l.log.Info(ctx, "deployment created", "deployment_id", deploymentID, "project_id", projectID)
	return m, nil
}

// AppendHashes records hashes for a deployment.
//
// Duplicates in the input are collapsed and hashes that are already recorded
// are reported in AlreadyRecorded instead of failing the call. Novel hashes
// are written in batches of at most 99 creates plus the counter update. A
// batch that loses a race (a concurrent writer created one of the hashes or
// moved the etag) is retried from a fresh read, up to the retry limit.
//
// When nothing was added and at least one hash was already recorded the
// returned error is common.ErrAlreadyRecorded.
func (l *Ledger) AppendHashes(ctx context.Context, deploymentID int64, hashes []string) (*AppendResult, error) {
	pending, err := uniqueHashes(hashes)
	if err != nil {
		return nil, err
	}

	pk := models.PartitionKey(deploymentID)
	if slices.Contains(pending, pk) {
		return nil, fmt.Errorf("%w: hash %q collides with the metadata id", common.ErrorValidation, pk)
	}

	res := &AppendResult{}
	retries := 0

	for len(pending) > 0 {
		meta, err := l.GetMetadata(ctx, deploymentID)
		if err != nil {
			return res, err
		}
		res.HashCount = meta.HashCount

		novel, recorded, err := l.splitRecorded(ctx, pk, pending)
		if err != nil {
			return res, err
		}
		res.AlreadyRecorded = append(res.AlreadyRecorded, recorded...)
		if len(novel) == 0 {
			break
		}

		chunk := novel[:min(len(novel), maxHashesPerBatch)]
		ops, next, err := l.appendOps(meta, chunk)
		if err != nil {
			return res, err
		}

		_, err = l.store.ExecuteBatch(ctx, pk, ops)
		switch {
		case err == nil:
			res.Added = append(res.Added, chunk...)
			res.HashCount = next.HashCount
			pending = novel[len(chunk):]
			retries = 0
		case errors.Is(err, common.ErrConflict), errors.Is(err, common.ErrPreconditionFailed):
			retries++
			if retries > l.maxRetries {
				return res, fmt.Errorf("append hashes to %d: giving up after %d attempts: %w", deploymentID, retries, err)
			}
			l.log.Debug(ctx, "append lost a race, retrying", "deployment_id", deploymentID, "attempt", retries, "error", err)
			pending = novel
		default:
			return res, fmt.Errorf("append hashes to %d: %w", deploymentID, err)
		}
	}

	if len(res.Added) == 0 && len(res.AlreadyRecorded) > 0 {
		return res, common.ErrAlreadyRecorded
	}
	return res, nil
}

// appendOps builds the creates for chunk and the guarded counter update.
func (l *Ledger) appendOps(meta *models.DeploymentMetadata, chunk []string) ([]docstore.Operation, *models.DeploymentMetadata, error) {
	now := l.now()
	ops := make([]docstore.Operation, 0, len(chunk)+1)
	for _, h := range chunk {
		body, err := json.Marshal(models.FileHash{Hash: h, DeploymentID: meta.DeploymentID, CreatedMs: now})
		if err != nil {
			return nil, nil, fmt.Errorf("encode file hash: %w", err)
		}
		ops = append(ops, docstore.CreateOp(h, body))
	}

	next := *meta
	next.HashCount += int64(len(chunk))
	next.LastUpdateMs = now
	body, err := json.Marshal(next)
	if err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	ops = append(ops, docstore.ReplaceOp(next.DocumentID(), body, meta.ETag))
	return ops, &next, nil
}

// splitRecorded splits hashes into those not yet recorded and those already
// present. A document under a hash id that is not a file hash is an error.
func (l *Ledger) splitRecorded(ctx context.Context, pk string, hashes []string) (novel, recorded []string, err error) {
	for _, h := range hashes {
		doc, err := l.store.Get(ctx, pk, h)
		switch {
		case err == nil:
			d, err := models.Decode(doc.Body)
			if err != nil {
				return nil, nil, fmt.Errorf("read hash %q: %w", h, err)
			}
			if _, ok := d.(*models.FileHash); !ok {
				return nil, nil, fmt.Errorf("%w: hash %q holds a %s document", common.ErrorDocumentType, h, d.DocumentType())
			}
			recorded = append(recorded, h)
		case errors.Is(err, common.ErrorNotFound):
			novel = append(novel, h)
		default:
			return nil, nil, fmt.Errorf("read hash %q: %w", h, err)
		}
	}
	return novel, recorded, nil
}

// forbiddenIDChars may not appear in a document id.
const forbiddenIDChars = `/\?#`

func uniqueHashes(hashes []string) ([]string, error) {
	seen := make(map[string]struct{}, len(hashes))
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if h == "" {
			return nil, fmt.Errorf("%w: empty hash", common.ErrorValidation)
		}
		if strings.ContainsAny(h, forbiddenIDChars) {
			return nil, fmt.Errorf("%w: hash %q contains one of %q", common.ErrorValidation, h, forbiddenIDChars)
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no hashes", common.ErrorValidation)
	}
	return out, nil
}

// SetUploadInProgress sets the upload flag. The user id is kept only while
// the flag is set. Transitions are last-write-wins; no ownership is checked.
func (l *Ledger) SetUploadInProgress(ctx context.Context, deploymentID int64, inProgress bool, userID string) (*models.DeploymentMetadata, error) {
	for attempt := 1; ; attempt++ {
		meta, err := l.GetMetadata(ctx, deploymentID)
		if err != nil {
			return nil, err
		}

		next := *meta
		next.UploadInProgress = inProgress
		next.UploadUserID = nil
		if inProgress && userID != "" {
			next.UploadUserID = &userID
		}
		next.LastUpdateMs = l.now()

		body, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		doc, err := l.store.Replace(ctx, next.DocumentID(), next.DocumentID(), body, meta.ETag)
		if err == nil {
			next.ETag = doc.ETag
			l.log.Info(ctx, "upload flag changed", "deployment_id", deploymentID, "in_progress", inProgress)
			return &next, nil
		}
		if !errors.Is(err, common.ErrPreconditionFailed) || attempt > l.maxRetries {
			return nil, fmt.Errorf("set upload flag on %d: %w", deploymentID, err)
		}
		l.log.Debug(ctx, "upload flag update lost a race, retrying", "deployment_id", deploymentID, "attempt", attempt)
	}
}

// ListHashes returns one page of recorded hashes in id order.
func (l *Ledger) ListHashes(ctx context.Context, deploymentID int64, skip, take int) ([]string, error) {
	if take <= 0 {
		take = DefaultTake
	}
	items, err := l.store.QueryPage(ctx, models.PartitionKey(deploymentID), hashQuery(skip, take))
	if err != nil {
		return nil, fmt.Errorf("list hashes of %d: %w", deploymentID, err)
	}

	out := make([]string, 0, len(items))
	for _, it := range items {
		h, err := decodeHashID(it)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// Hashes walks every recorded hash of a deployment.
func (l *Ledger) Hashes(ctx context.Context, deploymentID int64) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		pages := docstore.Paginate(ctx, l.store, models.PartitionKey(deploymentID), hashQuery(0, 0), DefaultTake)
		for it, err := range pages {
			if err != nil {
				yield("", fmt.Errorf("list hashes of %d: %w", deploymentID, err))
				return
			}
			h, err := decodeHashID(it)
			if !yield(h, err) || err != nil {
				return
			}
		}
	}
}

func hashQuery(skip, take int) docstore.Query {
	return docstore.Query{
		Fields: []string{"id"},
		Filter: &docstore.Filter{Field: "type", Value: models.TypeFileHash},
		Skip:   skip,
		Take:   take,
	}
}

func decodeHashID(raw json.RawMessage) (string, error) {
	var row struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return "", fmt.Errorf("decode hash row: %w", err)
	}
	return row.ID, nil
}

// DeleteMetadata removes the metadata document only. Hash documents stay;
// use PurgeDeployment to remove them too. A missing document is not an error.
func (l *Ledger) DeleteMetadata(ctx context.Context, deploymentID int64) error {
	pk := models.PartitionKey(deploymentID)
	err := l.store.Delete(ctx, pk, pk)
	if err != nil && !errors.Is(err, common.ErrorNotFound) {
		return fmt.Errorf("delete metadata %d: %w", deploymentID, err)
	}
	l.log.Info(ctx, "deployment metadata deleted", "deployment_id", deploymentID)
	return nil
}

// PurgeDeployment deletes the metadata first, so concurrent appends fail
// with NotFound, and then every hash document. It returns the number of
// hashes removed.
func (l *Ledger) PurgeDeployment(ctx context.Context, deploymentID int64) (int, error) {
	if err := l.DeleteMetadata(ctx, deploymentID); err != nil {
		return 0, err
	}

	var ids []string
	for h, err := range l.Hashes(ctx, deploymentID) {
		if err != nil {
			return 0, err
		}
		ids = append(ids, h)
	}

	pk := models.PartitionKey(deploymentID)
	removed := 0
	for len(ids) > 0 {
		chunk := ids[:min(len(ids), docstore.MaxBatchOperations)]
		ops := make([]docstore.Operation, len(chunk))
		for i, h := range chunk {
			ops[i] = docstore.DeleteOp(h)
		}
		if _, err := l.store.ExecuteBatch(ctx, pk, ops); err != nil {
			return removed, fmt.Errorf("purge deployment %d: %w", deploymentID, err)
		}
		removed += len(chunk)
		ids = ids[len(chunk):]
	}

	l.log.Info(ctx, "deployment purged", "deployment_id", deploymentID, "hashes", removed)
	return removed, nil
}
