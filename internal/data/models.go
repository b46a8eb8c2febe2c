package data

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned when a queue payload cannot be read as an edit record.
var ErrMalformed = errors.New("malformed edit record")

// Length holds the page size in bytes before and after the edit.
type Length struct {
	Old int `json:"old"`
	New int `json:"new"`
}

// Performer describes the account that made the edit.
type Performer struct {
	UserText        string `json:"user_text,omitempty"`
	UserIsAnonymous bool   `json:"user_is_anonymous"`
	UserIsBot       bool   `json:"user_is_bot"`
	UserEditCount   int    `json:"user_edit_count"`
}

// Meta is the event envelope attached by the upstream stream.
type Meta struct {
	URI       string `json:"uri,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	ID        string `json:"id,omitempty"`
	DT        string `json:"dt,omitempty"`
	Domain    string `json:"domain,omitempty"`
	Stream    string `json:"stream,omitempty"`
}

// EditRecord is one recent-change event as received from the upstream stream.
// The typed fields are a read-only view used by the rules and the reader; every
// field is optional, so use the accessor methods to get the documented defaults.
// Raw carries the full upstream object and is what gets written back out.
type EditRecord struct {
	ID              int64      `json:"id"`
	Type            string     `json:"type,omitempty"`
	Namespace       int        `json:"namespace"`
	Title           string     `json:"title,omitempty"`
	TitleURL        string     `json:"title_url,omitempty"`
	Comment         string     `json:"comment,omitempty"`
	Timestamp       int64      `json:"timestamp"`
	User            string     `json:"user,omitempty"`
	Bot             bool       `json:"bot"`
	UserIsAnonymous bool       `json:"user_is_anonymous"`
	UserIsBot       bool       `json:"user_is_bot"`
	ServerURL       string     `json:"server_url,omitempty"`
	ServerName      string     `json:"server_name,omitempty"`
	Wiki            string     `json:"wiki,omitempty"`
	Minor           *bool      `json:"minor,omitempty"`
	Length          *Length    `json:"length,omitempty"`
	Performer       *Performer `json:"performer,omitempty"`
	Meta            *Meta      `json:"meta,omitempty"`

	// Raw maps each top-level field to its compacted JSON value as received.
	// Nil for records built in code, which are then encoded from the typed fields.
	Raw map[string]json.RawMessage `json:"-"`
}

// Delta is new length minus old length. Missing lengths count as 0.
func (r EditRecord) Delta() int {
	if r.Length == nil {
		return 0
	}
	return r.Length.New - r.Length.Old
}

// Anonymous reports whether the edit was made without an account, as flagged
// either on the event itself or on its performer.
func (r EditRecord) Anonymous() bool {
	return r.UserIsAnonymous || (r.Performer != nil && r.Performer.UserIsAnonymous)
}

// IsBot reports whether the edit was made by a bot account.
func (r EditRecord) IsBot() bool {
	return r.Bot || r.UserIsBot || (r.Performer != nil && r.Performer.UserIsBot)
}

// EditCount is the performer's lifetime edit count, 0 when unknown.
func (r EditRecord) EditCount() int {
	if r.Performer == nil {
		return 0
	}
	return r.Performer.UserEditCount
}

// UserText is the display name of the editor, falling back to the event's user field.
func (r EditRecord) UserText() string {
	if r.Performer != nil && r.Performer.UserText != "" {
		return r.Performer.UserText
	}
	return r.User
}

// URI is the canonical link to the change, empty when the event has no meta.
func (r EditRecord) URI() string {
	if r.Meta == nil {
		return ""
	}
	return r.Meta.URI
}

// EnrichedRecord is an edit record with the result of the vandalism check attached.
// It is what gets written to the live and vandalism feeds.
type EnrichedRecord struct {
	EditRecord
	IsVandalism      bool     `json:"is_vandalism"`
	VandalismReasons []string `json:"vandalism_reasons"`
}

// Enrich attaches reasons to rec. A nil reasons slice is stored as empty so the
// wire form always carries a list.
func Enrich(rec EditRecord, reasons []string) EnrichedRecord {
	if reasons == nil {
		reasons = []string{}
	}
	return EnrichedRecord{
		EditRecord:       rec,
		IsVandalism:      len(reasons) > 0,
		VandalismReasons: reasons,
	}
}

// DecodeEditRecord parses a raw stream payload. Anything that is not a JSON
// object, or whose known fields carry the wrong types, is ErrMalformed.
func DecodeEditRecord(payload []byte) (EditRecord, error) {
	var rec EditRecord
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return rec, fmt.Errorf("%w: payload is not a JSON object", ErrMalformed)
	}
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return EditRecord{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	raw, err := rawFields(trimmed)
	if err != nil {
		return EditRecord{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	rec.Raw = raw
	return rec, nil
}

// rawFields splits a JSON object into its top-level fields, compacting each
// value so that re-encoding reproduces it byte for byte.
func rawFields(object []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(object, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return nil, err
		}
		fields[k] = buf.Bytes()
	}
	return fields, nil
}
