package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/dmitrijs2005/hashledger/internal/common"
)

// Every stored body carries its own id and partition key so backends that
// key on document fields (Cosmos, DynamoDB) can address it.
const (
	fieldID           = "id"
	fieldPartitionKey = "pk"
)

var fieldNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// stampBody returns body with "id" and "pk" set. body must be a JSON object.
func stampBody(body []byte, pk, id string) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("%w: document body must be a JSON object", common.ErrorValidation)
	}

	idRaw, _ := json.Marshal(id)
	pkRaw, _ := json.Marshal(pk)
	obj[fieldID] = idRaw
	obj[fieldPartitionKey] = pkRaw

	return json.Marshal(obj)
}

// project keeps only fields of body. An empty field list returns body as is.
func project(body []byte, fields []string) (json.RawMessage, error) {
	if len(fields) == 0 {
		return json.RawMessage(body), nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	out := make(map[string]json.RawMessage, len(fields))
	for _, f := range fields {
		if v, ok := obj[f]; ok {
			out[f] = v
		}
	}
	return json.Marshal(out)
}

// matches evaluates an equality filter against a body.
func matches(body []byte, f *Filter) (bool, error) {
	if f == nil {
		return true, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return false, fmt.Errorf("decode document: %w", err)
	}
	got, ok := obj[f.Field]
	if !ok {
		return false, nil
	}
	want, err := json.Marshal(f.Value)
	if err != nil {
		return false, fmt.Errorf("encode filter value: %w", err)
	}
	return bytes.Equal(bytes.TrimSpace(got), want), nil
}

func validateQuery(q Query) error {
	for _, f := range q.Fields {
		if !fieldNameRe.MatchString(f) {
			return fmt.Errorf("%w: invalid field name %q", common.ErrorValidation, f)
		}
	}
	if q.Filter != nil && !fieldNameRe.MatchString(q.Filter.Field) {
		return fmt.Errorf("%w: invalid filter field %q", common.ErrorValidation, q.Filter.Field)
	}
	if q.Skip < 0 {
		return fmt.Errorf("%w: negative skip", common.ErrorValidation)
	}
	return nil
}
