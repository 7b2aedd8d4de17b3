package collection

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/kvdexhq/kvdex/keys"
)

// GJSONIndex builds an IndexDef for a schemaless collection — one
// declared as Collection[json.RawMessage] because its document shape
// isn't known at compile time — that extracts its indexed field by
// gjson path directly off the raw stored bytes, without the full
// json.Unmarshal a typed IndexDef.Value closure would otherwise need.
func GJSONIndex(name string, kind IndexKind, path string, toPart func(gjson.Result) (keys.Part, bool)) IndexDef[json.RawMessage] {
	return IndexDef[json.RawMessage]{
		Name: name,
		Kind: kind,
		Value: func(raw json.RawMessage) (keys.Part, bool) {
			res := gjson.GetBytes(raw, path)
			if !res.Exists() {
				return nil, false
			}
			return toPart(res)
		},
	}
}

// GJSONStringIndex and GJSONIntIndex cover the two most common index
// field types without requiring the caller to write a toPart closure.
func GJSONStringIndex(name string, kind IndexKind, path string) IndexDef[json.RawMessage] {
	return GJSONIndex(name, kind, path, func(r gjson.Result) (keys.Part, bool) {
		return r.String(), true
	})
}

func GJSONIntIndex(name string, kind IndexKind, path string) IndexDef[json.RawMessage] {
	return GJSONIndex(name, kind, path, func(r gjson.Result) (keys.Part, bool) {
		return r.Int(), true
	})
}
