package sync

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/proxy"
)

// The remote store has no partial updates: every mutation is a whole-array
// replace. These helpers edit the fetched document in place on its raw
// bytes, so entries the dashboard does not track round-trip byte-identical.

// upsertEntry replaces the entry with the given name, or appends when the
// name is absent.
func upsertEntry(list *proxy.ProviderList, name string, entryJSON []byte) ([]byte, error) {
	idx := list.IndexByName(name)
	path := "-1"
	if idx >= 0 {
		path = strconv.Itoa(idx)
	}
	out, err := sjson.SetRawBytes(list.Raw, path, entryJSON)
	if err != nil {
		return nil, fmt.Errorf("merge provider entry: %w", err)
	}
	return out, nil
}

// removeEntry deletes the entry with the given name. The second return is
// false when the name was not present and no write is needed.
func removeEntry(list *proxy.ProviderList, name string) ([]byte, bool, error) {
	idx := list.IndexByName(name)
	if idx < 0 {
		return list.Raw, false, nil
	}
	out, err := sjson.DeleteBytes(list.Raw, strconv.Itoa(idx))
	if err != nil {
		return nil, false, fmt.Errorf("remove provider entry: %w", err)
	}
	return out, true, nil
}

// reorderEntries rebuilds the array as "named entries in the requested
// order" followed by "all remaining entries in their original relative
// order". Names not present in the document are skipped.
func reorderEntries(list *proxy.ProviderList, orderedNames []string) []byte {
	elements := gjson.ParseBytes(list.Raw).Array()

	used := make([]bool, len(elements))
	var parts [][]byte
	for _, name := range orderedNames {
		idx := list.IndexByName(name)
		if idx < 0 || idx >= len(elements) || used[idx] {
			continue
		}
		used[idx] = true
		parts = append(parts, []byte(elements[idx].Raw))
	}
	for i, el := range elements {
		if !used[i] {
			parts = append(parts, []byte(el.Raw))
		}
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(p)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
