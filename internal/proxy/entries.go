package proxy

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// Model maps an upstream model name to its client-facing alias, mirroring
// the proxy's provider entry wire shape.
type Model struct {
	Name  string `json:"name"`
	Alias string `json:"alias"`
}

// KeyEntry is one upstream credential with an optional per-key egress proxy.
type KeyEntry struct {
	APIKey   string `json:"api-key"`
	ProxyURL string `json:"proxy-url,omitempty"`
}

// Entry is the strict internal view of one remote provider entry. The remote
// document is loosely typed; every read narrows to this shape and anything
// that fails to narrow stays only in the raw document, invisible to the
// reconciliation logic but preserved by writes.
type Entry struct {
	Name           string            `json:"name"`
	Prefix         string            `json:"prefix,omitempty"`
	BaseURL        string            `json:"base-url"`
	KeyEntries     []KeyEntry        `json:"api-key-entries,omitempty"`
	Models         []Model           `json:"models"`
	ExcludedModels []string          `json:"excluded-models,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// ProviderList pairs the byte-exact remote document with its narrowed view.
type ProviderList struct {
	// Raw is the provider entry array exactly as fetched.
	Raw []byte

	// Entries holds the narrowed entries, index-aligned with Raw. Entries
	// that could not be narrowed have an empty Name.
	Entries []Entry
}

// IndexByName returns the array index of the entry with the given name, or
// -1 when absent. Name is the only identity the remote document has.
func (l *ProviderList) IndexByName(name string) int {
	if l == nil || name == "" {
		return -1
	}
	for i, e := range l.Entries {
		if e.Name == name {
			return i
		}
	}
	return -1
}

func parseProviderList(raw []byte) (*ProviderList, error) {
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("provider list is not an array")
	}
	list := &ProviderList{Raw: raw}
	parsed.ForEach(func(_, value gjson.Result) bool {
		list.Entries = append(list.Entries, narrowEntry(value))
		return true
	})
	return list, nil
}

func narrowEntry(value gjson.Result) Entry {
	if !value.IsObject() {
		return Entry{}
	}
	entry := Entry{
		Name:    value.Get("name").String(),
		Prefix:  value.Get("prefix").String(),
		BaseURL: value.Get("base-url").String(),
	}
	value.Get("api-key-entries").ForEach(func(_, ke gjson.Result) bool {
		entry.KeyEntries = append(entry.KeyEntries, KeyEntry{
			APIKey:   ke.Get("api-key").String(),
			ProxyURL: ke.Get("proxy-url").String(),
		})
		return true
	})
	value.Get("models").ForEach(func(_, m gjson.Result) bool {
		entry.Models = append(entry.Models, Model{
			Name:  m.Get("name").String(),
			Alias: m.Get("alias").String(),
		})
		return true
	})
	value.Get("excluded-models").ForEach(func(_, em gjson.Result) bool {
		entry.ExcludedModels = append(entry.ExcludedModels, em.String())
		return true
	})
	if headers := value.Get("headers"); headers.IsObject() {
		entry.Headers = make(map[string]string)
		headers.ForEach(func(k, v gjson.Result) bool {
			entry.Headers[k.String()] = v.String()
			return true
		})
	}
	return entry
}
