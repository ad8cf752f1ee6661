// Package ingest turns gateway webhook payloads into indexed manifest records.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ashita-ai/shirushi/internal/model"
)

// ErrMalformedPayload is returned when the top-level webhook body is not a
// JSON object or array.
var ErrMalformedPayload = errors.New("ingest: malformed payload")

// Record is a webhook transaction with field aliases resolved.
type Record struct {
	TxID           string
	Owner          string
	BlockHeight    *int64
	BlockTimestamp *int64
	Tags           []model.Tag
}

var (
	txIDFields      = []string{"txId", "tx_id", "id"}
	ownerFields     = []string{"owner", "owner_address", "ownerAddress"}
	heightFields    = []string{"blockHeight", "block_height", "height"}
	timestampFields = []string{"blockTimestamp", "block_timestamp", "timestamp"}
)

// DecodePayload parses a webhook body. The body may be a single transaction
// object, an array of them, or either wrapped as {"data": ...}. Elements that
// are not objects decode to a Record with no TxID.
func DecodePayload(body []byte) ([]Record, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	raw = unwrapData(raw)

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		records := make([]Record, len(items))
		for i, item := range items {
			records[i] = decodeRecord(item)
		}
		return records, nil
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: top-level value is neither an object nor an array", ErrMalformedPayload)
	}
	return []Record{decodeRecord(trimmed)}, nil
}

// unwrapData returns the value under "data" when raw is an object carrying
// an object or array there, and raw otherwise.
func unwrapData(raw json.RawMessage) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	data, ok := obj["data"]
	if !ok {
		return raw
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && (data[0] == '{' || data[0] == '[') {
		return data
	}
	return raw
}

func decodeRecord(raw json.RawMessage) Record {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Record{}
	}
	r := Record{
		TxID:           stringField(obj, txIDFields),
		Owner:          ownerField(obj),
		BlockHeight:    intField(obj, heightFields),
		BlockTimestamp: intField(obj, timestampFields),
	}
	if tags, ok := obj["tags"]; ok {
		var list []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(tags, &list); err == nil {
			for _, t := range list {
				r.Tags = append(r.Tags, model.Tag{Name: t.Name, Value: t.Value})
			}
		}
	}
	return r
}

func stringField(obj map[string]json.RawMessage, names []string) string {
	for _, n := range names {
		v, ok := obj[n]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

// ownerField accepts the owner as a plain address or as {"address": ...}.
func ownerField(obj map[string]json.RawMessage) string {
	if s := stringField(obj, ownerFields); s != "" {
		return s
	}
	for _, n := range ownerFields {
		v, ok := obj[n]
		if !ok {
			continue
		}
		var o struct {
			Address string `json:"address"`
		}
		if err := json.Unmarshal(v, &o); err == nil && o.Address != "" {
			return o.Address
		}
	}
	return ""
}

// intField accepts JSON numbers and numeric strings.
func intField(obj map[string]json.RawMessage, names []string) *int64 {
	for _, n := range names {
		v, ok := obj[n]
		if !ok {
			continue
		}
		var num json.Number
		if err := json.Unmarshal(v, &num); err != nil {
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				continue
			}
			num = json.Number(strings.TrimSpace(s))
		}
		if i, err := strconv.ParseInt(num.String(), 10, 64); err == nil {
			return &i
		}
		if f, err := strconv.ParseFloat(num.String(), 64); err == nil {
			i := int64(f)
			return &i
		}
	}
	return nil
}

// tagSet is a record's tags resolved to canonical names. Single-valued tags
// keep their first occurrence; soft-binding tags keep every occurrence in
// order, per family.
type tagSet struct {
	single   map[string]string
	bindings []familyTags
}

type familyTags struct {
	algs, values, scopes []string
}

func resolveTags(tags []model.Tag) tagSet {
	ts := tagSet{
		single:   make(map[string]string),
		bindings: make([]familyTags, len(model.BindingTagFamilies)),
	}
	for _, t := range tags {
		if canonical, ok := model.CanonicalTag(t.Name); ok {
			if _, seen := ts.single[canonical]; !seen {
				ts.single[canonical] = t.Value
			}
			continue
		}
		for i, fam := range model.BindingTagFamilies {
			switch t.Name {
			case fam.Alg:
				ts.bindings[i].algs = append(ts.bindings[i].algs, t.Value)
			case fam.Value:
				ts.bindings[i].values = append(ts.bindings[i].values, t.Value)
			case fam.Scope:
				ts.bindings[i].scopes = append(ts.bindings[i].scopes, t.Value)
			}
		}
	}
	return ts
}

func (ts tagSet) get(canonical string) (string, bool) {
	v, ok := ts.single[canonical]
	return v, ok && strings.TrimSpace(v) != ""
}
