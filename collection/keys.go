package collection

import "github.com/kvdexhq/kvdex/keys"

// Reserved key parts (spec §6). User collection base keys must not
// contain any of these.
const (
	partID             = "__id__"
	partSegment        = "__segment__"
	partIndexPrimary   = "__index_primary__"
	partIndexSecondary = "__index_secondary__"
	partHistory        = "__history__"
	partUndelivered    = "__undelivered__"
)

func (c *Collection[T]) idKey(id keys.Part) keys.Key {
	return keys.Append(c.baseKey, partID, id)
}

func (c *Collection[T]) idPrefix() keys.Key {
	return keys.Append(c.baseKey, partID)
}

func (c *Collection[T]) segmentKey(id keys.Part, idx int64) keys.Key {
	return keys.Append(c.baseKey, partSegment, id, idx)
}

func (c *Collection[T]) primaryIndexKey(name string, encVal []byte) keys.Key {
	return keys.Append(c.baseKey, partIndexPrimary, name, encVal)
}

func (c *Collection[T]) primaryIndexPrefix(name string) keys.Key {
	return keys.Append(c.baseKey, partIndexPrimary, name)
}

func (c *Collection[T]) secondaryIndexKey(name string, encVal []byte, id keys.Part) keys.Key {
	return keys.Append(c.baseKey, partIndexSecondary, name, encVal, id)
}

func (c *Collection[T]) secondaryIndexPrefix(name string, encVal []byte) keys.Key {
	return keys.Append(c.baseKey, partIndexSecondary, name, encVal)
}

func (c *Collection[T]) historyKey(id keys.Part, timeID string) keys.Key {
	return keys.Append(c.baseKey, partHistory, id, timeID)
}

func (c *Collection[T]) historyPrefix(id keys.Part) keys.Key {
	return keys.Append(c.baseKey, partHistory, id)
}

func (c *Collection[T]) historySegmentKey(id keys.Part, timeID string, idx int64) keys.Key {
	return keys.Append(c.baseKey, partHistory, partSegment, id, timeID, idx)
}

func (c *Collection[T]) undeliveredKey(id keys.Part) keys.Key {
	return keys.Append(c.baseKey, partUndelivered, id)
}

// encodePart renders a single key part into its canonical fixed-byte
// form, used as the value-keyed component of an index key so that
// equal field values hash to identical tuple keys (spec §4.4).
func encodePart(p keys.Part) ([]byte, error) {
	return keys.Encode(keys.Key{p})
}
