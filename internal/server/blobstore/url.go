// Package blobstore reads object properties from the storage providers
// configured for each account and turns them into ObjectMetadata.
package blobstore

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/dmitrijs2005/hashledger/internal/common"
)

// ObjectRef locates an object inside a storage account.
type ObjectRef struct {
	URL     string
	Account string
	// Container is every path segment but the last, joined by "/".
	Container string
	Name      string
}

// Path is the object path below the account.
func (r ObjectRef) Path() string {
	return r.Container + "/" + r.Name
}

// ParseObjectURL splits an object URL such as
// https://acct.blob.core.windows.net/uploads/2024/file.bin into account
// "acct", container "uploads/2024" and name "file.bin".
func ParseObjectURL(raw string) (ObjectRef, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ObjectRef{}, fmt.Errorf("%w: bad object url: %w", common.ErrorValidation, err)
	}
	host := u.Hostname()
	if u.Scheme == "" || host == "" {
		return ObjectRef{}, fmt.Errorf("%w: object url %q has no host", common.ErrorValidation, raw)
	}
	account, _, _ := strings.Cut(host, ".")

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[len(segments)-1] == "" {
		return ObjectRef{}, fmt.Errorf("%w: object url %q has no container", common.ErrorValidation, raw)
	}

	return ObjectRef{
		URL:       raw,
		Account:   account,
		Container: strings.Join(segments[:len(segments)-1], "/"),
		Name:      segments[len(segments)-1],
	}, nil
}
