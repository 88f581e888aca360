// Package ingest turns object-created notifications into ledger appends.
//
// Every notification walks Received → Filtered → Extracted → Validated and
// ends Appended, Skipped or Failed. Failures are terminal for the
// notification: they are logged and counted, never returned to the caller,
// so redelivery is left to the event source.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/hashledger/internal/common"
	"github.com/dmitrijs2005/hashledger/internal/logging"
	"github.com/dmitrijs2005/hashledger/internal/server/blobstore"
	"github.com/dmitrijs2005/hashledger/internal/server/ledger"
	"golang.org/x/sync/errgroup"
)

type State string

const (
	StateReceived  State = "received"
	StateFiltered  State = "filtered"
	StateExtracted State = "extracted"
	StateValidated State = "validated"
	StateAppended  State = "appended"
	StateSkipped   State = "skipped"
	StateFailed    State = "failed"
)

// Outcome reasons.
const (
	ReasonRecorded            = "recorded"
	ReasonAlreadyRecorded     = "already_recorded"
	ReasonIgnoredEventType    = "ignored_event_type"
	ReasonInvalidURL          = "invalid_url"
	ReasonNotMonitored        = "not_monitored"
	ReasonConfigLookupFailed  = "config_lookup_failed"
	ReasonExtractionFailed    = "extraction_failed"
	ReasonInvalidDeploymentID = "invalid_deployment_id"
	ReasonMissingHash         = "missing_hash"
	ReasonDeploymentNotFound  = "deployment_not_found"
	ReasonAppendFailed        = "append_failed"
)

// Tag names read from the object's custom metadata.
var (
	deploymentIDTags = []string{"deployment_id", "dep_id"}
	hashTags         = []string{"hash"}
)

// Notification is the pipeline input.
type Notification struct {
	ID        string
	EventType string
	URL       string
}

// Outcome is where a notification ended. Stage is the stage that decided
// the final state.
type Outcome struct {
	State        State
	Stage        State
	Reason       string
	Err          error
	DeploymentID int64
	Hash         string
}

type AccountFilter interface {
	Enabled(ctx context.Context, account, container string) (bool, error)
}

type MetadataExtractor interface {
	Extract(ctx context.Context, objectURL, accountName string) *blobstore.ObjectMetadata
}

type HashAppender interface {
	AppendHashes(ctx context.Context, deploymentID int64, hashes []string) (*ledger.AppendResult, error)
}

type Pipeline struct {
	accounts  AccountFilter
	extractor MetadataExtractor
	ledger    HashAppender
	metrics   *Metrics
	log       logging.Logger
}

func NewPipeline(accounts AccountFilter, extractor MetadataExtractor, appender HashAppender, metrics *Metrics, log logging.Logger) *Pipeline {
	return &Pipeline{
		accounts:  accounts,
		extractor: extractor,
		ledger:    appender,
		metrics:   metrics,
		log:       log.With("module", "ingest"),
	}
}

// Process runs one notification through the pipeline. A hash that is
// already recorded ends Appended with reason already_recorded, not Failed.
func (p *Pipeline) Process(ctx context.Context, n Notification) Outcome {
	start := time.Now()
	log := p.log.With("event_id", n.ID, "event_type", n.EventType, "url", n.URL)

	o := p.process(ctx, log, n)

	switch {
	case o.State == StateAppended && o.Reason == ReasonAlreadyRecorded:
		log.Info(ctx, "hash already recorded", "deployment_id", o.DeploymentID, "hash", o.Hash)
	case o.State == StateAppended:
		log.Info(ctx, "hash recorded", "deployment_id", o.DeploymentID, "hash", o.Hash)
	case o.State == StateSkipped:
		log.Info(ctx, "notification skipped", "stage", o.Stage, "reason", o.Reason)
	case errors.Is(o.Err, common.ErrorNotFound):
		log.Warn(ctx, "notification failed", "stage", o.Stage, "reason", o.Reason, "error", o.Err)
	default:
		log.Error(ctx, "notification failed", "stage", o.Stage, "reason", o.Reason, "error", o.Err)
	}

	if p.metrics != nil {
		p.metrics.RecordOutcome(o, time.Since(start))
	}
	return o
}

func (p *Pipeline) process(ctx context.Context, log logging.Logger, n Notification) Outcome {
	// Received
	if !IsObjectCreated(n.EventType) {
		return Outcome{State: StateSkipped, Stage: StateReceived, Reason: ReasonIgnoredEventType}
	}

	// Filtered
	ref, err := blobstore.ParseObjectURL(n.URL)
	if err != nil {
		return Outcome{State: StateFailed, Stage: StateFiltered, Reason: ReasonInvalidURL, Err: err}
	}
	monitored, err := p.accounts.Enabled(ctx, ref.Account, ref.Container)
	if err != nil {
		return Outcome{State: StateFailed, Stage: StateFiltered, Reason: ReasonConfigLookupFailed, Err: err}
	}
	if !monitored {
		return Outcome{State: StateSkipped, Stage: StateFiltered, Reason: ReasonNotMonitored}
	}
	log.Debug(ctx, "processing object", "account", ref.Account, "container", ref.Container)

	// Extracted
	meta := p.extractor.Extract(ctx, n.URL, ref.Account)
	if meta == nil {
		return Outcome{State: StateFailed, Stage: StateExtracted, Reason: ReasonExtractionFailed,
			Err: fmt.Errorf("%w: no metadata for %s", common.ErrTransport, n.URL)}
	}

	// Validated
	deploymentID, hash, o := validate(meta)
	if o != nil {
		return *o
	}

	// Appended
	_, err = p.ledger.AppendHashes(ctx, deploymentID, []string{hash})
	switch {
	case err == nil:
		return Outcome{State: StateAppended, Stage: StateAppended, Reason: ReasonRecorded, DeploymentID: deploymentID, Hash: hash}
	case errors.Is(err, common.ErrAlreadyRecorded):
		return Outcome{State: StateAppended, Stage: StateAppended, Reason: ReasonAlreadyRecorded, DeploymentID: deploymentID, Hash: hash}
	case errors.Is(err, common.ErrorNotFound):
		return Outcome{State: StateFailed, Stage: StateAppended, Reason: ReasonDeploymentNotFound, Err: err, DeploymentID: deploymentID, Hash: hash}
	default:
		return Outcome{State: StateFailed, Stage: StateAppended, Reason: ReasonAppendFailed, Err: err, DeploymentID: deploymentID, Hash: hash}
	}
}

// validate reads the deployment id and hash tags. A non-nil Outcome means
// the notification failed validation.
func validate(meta *blobstore.ObjectMetadata) (int64, string, *Outcome) {
	raw, _ := meta.Tag(deploymentIDTags...)
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, "", &Outcome{State: StateFailed, Stage: StateValidated, Reason: ReasonInvalidDeploymentID,
			Err: fmt.Errorf("%w: deployment_id %q is not a positive integer", common.ErrorValidation, raw)}
	}

	hash, _ := meta.Tag(hashTags...)
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return 0, "", &Outcome{State: StateFailed, Stage: StateValidated, Reason: ReasonMissingHash, DeploymentID: id,
			Err: fmt.Errorf("%w: missing hash tag", common.ErrorValidation)}
	}
	return id, hash, nil
}

// ProcessAll runs a delivery with at most limit notifications in flight and
// returns the outcomes in input order.
func (p *Pipeline) ProcessAll(ctx context.Context, ns []Notification, limit int) []Outcome {
	out := make([]Outcome, len(ns))

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, n := range ns {
		g.Go(func() error {
			out[i] = p.Process(gctx, n)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
