// Package accounts manages the storage account configuration records and
// answers which accounts and containers the ingestion pipeline monitors.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/hashledger/internal/common"
	"github.com/dmitrijs2005/hashledger/internal/logging"
	"github.com/dmitrijs2005/hashledger/internal/server/docstore"
	"github.com/dmitrijs2005/hashledger/internal/server/models"
)

// Partition holds every configuration record, keyed by account name.
const Partition = "storage_accounts"

const maxRetries = 5

type Service struct {
	store docstore.Store
	log   logging.Logger
	now   func() time.Time
}

func NewService(store docstore.Store, log logging.Logger) *Service {
	return &Service{
		store: store,
		log:   log.With("module", "accounts"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Patch lists the fields Update may change. Nil fields are left alone.
type Patch struct {
	Provider         *string   `json:"provider"`
	ConnectionString *string   `json:"connection_string"`
	AccessKeyID      *string   `json:"access_key_id"`
	SecretAccessKey  *string   `json:"secret_access_key"`
	Region           *string   `json:"region"`
	Endpoint         *string   `json:"endpoint"`
	Containers       *[]string `json:"containers"`
	Enabled          *bool     `json:"enabled"`
}

func (p Patch) apply(a *models.StorageAccount) {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&a.Provider, p.Provider)
	set(&a.ConnectionString, p.ConnectionString)
	set(&a.AccessKeyID, p.AccessKeyID)
	set(&a.SecretAccessKey, p.SecretAccessKey)
	set(&a.Region, p.Region)
	set(&a.Endpoint, p.Endpoint)
	if p.Containers != nil {
		a.Containers = *p.Containers
	}
	if p.Enabled != nil {
		a.Enabled = *p.Enabled
	}
}

func validate(a *models.StorageAccount) error {
	name := a.StorageAccountName
	if name == "" {
		return fmt.Errorf("%w: missing required field: storage_account_name", common.ErrorValidation)
	}
	if strings.ContainsAny(name, "/\\?#") {
		return fmt.Errorf("%w: invalid storage account name %q", common.ErrorValidation, name)
	}
	switch a.ProviderName() {
	case models.ProviderAzure:
		if !a.HasCredential() {
			return fmt.Errorf("%w: missing required field: connection_string", common.ErrorValidation)
		}
	case models.ProviderS3:
		if !a.HasCredential() {
			return fmt.Errorf("%w: missing required fields: access_key_id, secret_access_key", common.ErrorValidation)
		}
	default:
		return fmt.Errorf("%w: unknown provider %q", common.ErrorValidation, a.Provider)
	}
	return nil
}

// List returns every configuration record ordered by account name.
func (s *Service) List(ctx context.Context) ([]*models.StorageAccount, error) {
	out := []*models.StorageAccount{}
	for raw, err := range docstore.Paginate(ctx, s.store, Partition, docstore.Query{}, 0) {
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		var a models.StorageAccount
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("decode account: %w", err)
		}
		out = append(out, &a)
	}
	return out, nil
}

// Get returns the record for name or common.ErrorNotFound.
func (s *Service) Get(ctx context.Context, name string) (*models.StorageAccount, error) {
	a, _, err := s.get(ctx, name)
	return a, err
}

func (s *Service) get(ctx context.Context, name string) (*models.StorageAccount, string, error) {
	doc, err := s.store.Get(ctx, Partition, name)
	if err != nil {
		return nil, "", fmt.Errorf("get account %q: %w", name, err)
	}
	var a models.StorageAccount
	if err := json.Unmarshal(doc.Body, &a); err != nil {
		return nil, "", fmt.Errorf("decode account %q: %w", name, err)
	}
	return &a, doc.ETag, nil
}

// Upsert creates or overwrites a record. CreatedAt survives overwrites.
func (s *Service) Upsert(ctx context.Context, a *models.StorageAccount) (*models.StorageAccount, error) {
	if err := validate(a); err != nil {
		return nil, err
	}

	rec := *a
	rec.Provider = rec.ProviderName()
	now := s.now()
	rec.UpdatedAt = now

	for attempt := 1; ; attempt++ {
		existing, etag, err := s.get(ctx, rec.StorageAccountName)
		switch {
		case errors.Is(err, common.ErrorNotFound):
			rec.CreatedAt = now
			body, err := json.Marshal(rec)
			if err != nil {
				return nil, fmt.Errorf("encode account: %w", err)
			}
			_, err = s.store.Add(ctx, Partition, rec.StorageAccountName, body)
			if err == nil {
				s.log.Info(ctx, "storage account configured", "account", rec.StorageAccountName)
				return &rec, nil
			}
			if !errors.Is(err, common.ErrConflict) || attempt > maxRetries {
				return nil, fmt.Errorf("create account %q: %w", rec.StorageAccountName, err)
			}
		case err != nil:
			return nil, err
		default:
			rec.CreatedAt = existing.CreatedAt
			err := s.replace(ctx, &rec, etag)
			if err == nil {
				s.log.Info(ctx, "storage account reconfigured", "account", rec.StorageAccountName)
				return &rec, nil
			}
			if !errors.Is(err, common.ErrPreconditionFailed) || attempt > maxRetries {
				return nil, err
			}
		}
	}
}

// Update applies patch to an existing record.
func (s *Service) Update(ctx context.Context, name string, patch Patch) (*models.StorageAccount, error) {
	return s.modify(ctx, name, func(a *models.StorageAccount) error {
		patch.apply(a)
		return validate(a)
	})
}

// Toggle flips the enabled flag.
func (s *Service) Toggle(ctx context.Context, name string) (*models.StorageAccount, error) {
	return s.modify(ctx, name, func(a *models.StorageAccount) error {
		a.Enabled = !a.Enabled
		return nil
	})
}

func (s *Service) modify(ctx context.Context, name string, fn func(*models.StorageAccount) error) (*models.StorageAccount, error) {
	for attempt := 1; ; attempt++ {
		a, etag, err := s.get(ctx, name)
		if err != nil {
			return nil, err
		}
		if err := fn(a); err != nil {
			return nil, err
		}
		a.StorageAccountName = name
		a.UpdatedAt = s.now()

		err = s.replace(ctx, a, etag)
		if err == nil {
			s.log.Info(ctx, "storage account updated", "account", name, "enabled", a.Enabled)
			return a, nil
		}
		if !errors.Is(err, common.ErrPreconditionFailed) || attempt > maxRetries {
			return nil, err
		}
	}
}

func (s *Service) replace(ctx context.Context, a *models.StorageAccount, etag string) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}
	if _, err := s.store.Replace(ctx, Partition, a.StorageAccountName, body, etag); err != nil {
		return fmt.Errorf("replace account %q: %w", a.StorageAccountName, err)
	}
	return nil
}

// Delete removes a record; common.ErrorNotFound if absent.
func (s *Service) Delete(ctx context.Context, name string) error {
	if err := s.store.Delete(ctx, Partition, name); err != nil {
		return fmt.Errorf("delete account %q: %w", name, err)
	}
	s.log.Info(ctx, "storage account removed", "account", name)
	return nil
}

// Lookup returns the enabled record for an account. A missing or disabled
// record is common.ErrConfigurationMissing.
func (s *Service) Lookup(ctx context.Context, name string) (*models.StorageAccount, error) {
	a, err := s.Get(ctx, name)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, fmt.Errorf("account %q: %w", name, common.ErrConfigurationMissing)
	}
	if err != nil {
		return nil, err
	}
	if !a.Enabled {
		return nil, fmt.Errorf("account %q is disabled: %w", name, common.ErrConfigurationMissing)
	}
	return a, nil
}

// Enabled reports whether objects in container of account are monitored.
func (s *Service) Enabled(ctx context.Context, account, container string) (bool, error) {
	a, err := s.Lookup(ctx, account)
	if errors.Is(err, common.ErrConfigurationMissing) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.Monitors(container), nil
}
