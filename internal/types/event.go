package types

import (
	"encoding/json"
	"fmt"
)

// KindDirectMessage is the protocol event kind carrying an encrypted direct message
const KindDirectMessage = 4

// Tag is a protocol event tag such as ["p", <pubkey>]
type Tag []string

// Event is the signed protocol envelope exchanged with relays
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Serialize returns the canonical form the event id is computed over
func (e *Event) Serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = []Tag{}
	}
	data, err := json.Marshal([]interface{}{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %v", err)
	}
	return data, nil
}

// FirstTagValue returns the value of the first tag with the given name
func (e *Event) FirstTagValue(name string) (string, bool) {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// ReplyTarget returns the event id referenced by a reply tag, if any
func (e *Event) ReplyTarget() string {
	var fallback string
	for _, tag := range e.Tags {
		if len(tag) < 2 || tag[0] != "e" {
			continue
		}
		if len(tag) >= 4 && tag[3] == "reply" {
			return tag[1]
		}
		if fallback == "" {
			fallback = tag[1]
		}
	}
	return fallback
}

// IsAddressedTo reports whether the event carries a recipient tag for pubkey
func (e *Event) IsAddressedTo(pubkey string) bool {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] == pubkey {
			return true
		}
	}
	return false
}

// Filter selects events on a relay subscription
type Filter struct {
	IDs     []string            `json:"ids,omitempty"`
	Kinds   []int               `json:"kinds,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Tags    map[string][]string `json:"-"`
	Since   *int64              `json:"since,omitempty"`
	Until   *int64              `json:"until,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
}

// MarshalJSON flattens tag filters into "#x" keys
func (f Filter) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{}
	if len(f.IDs) > 0 {
		out["ids"] = f.IDs
	}
	if len(f.Kinds) > 0 {
		out["kinds"] = f.Kinds
	}
	if len(f.Authors) > 0 {
		out["authors"] = f.Authors
	}
	for name, values := range f.Tags {
		out["#"+name] = values
	}
	if f.Since != nil {
		out["since"] = *f.Since
	}
	if f.Until != nil {
		out["until"] = *f.Until
	}
	if f.Limit > 0 {
		out["limit"] = f.Limit
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Filter{}
	for key, value := range raw {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(value, &f.IDs)
		case key == "kinds":
			err = json.Unmarshal(value, &f.Kinds)
		case key == "authors":
			err = json.Unmarshal(value, &f.Authors)
		case key == "since":
			f.Since = new(int64)
			err = json.Unmarshal(value, f.Since)
		case key == "until":
			f.Until = new(int64)
			err = json.Unmarshal(value, f.Until)
		case key == "limit":
			err = json.Unmarshal(value, &f.Limit)
		case len(key) == 2 && key[0] == '#':
			var values []string
			if err = json.Unmarshal(value, &values); err == nil {
				if f.Tags == nil {
					f.Tags = map[string][]string{}
				}
				f.Tags[key[1:]] = values
			}
		}
		if err != nil {
			return fmt.Errorf("invalid filter field %q: %v", key, err)
		}
	}
	return nil
}

// Matches reports whether ev satisfies the filter
func (f Filter) Matches(ev *Event) bool {
	if ev == nil {
		return false
	}
	if len(f.IDs) > 0 && !containsString(f.IDs, ev.ID) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.PubKey) {
		return false
	}
	for name, values := range f.Tags {
		matched := false
		for _, tag := range ev.Tags {
			if len(tag) >= 2 && tag[0] == name && containsString(values, tag[1]) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
