package data

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEditRecord(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantErr   bool
		wantDelta int
		wantAnon  bool
		wantCount int
	}{
		{
			name:      "Full record",
			payload:   `{"title":"Test Page","user_is_anonymous":true,"length":{"old":2000,"new":1000},"comment":"","performer":{"user_edit_count":10}}`,
			wantDelta: -1000,
			wantAnon:  true,
			wantCount: 10,
		},
		{
			name:    "Missing optional fields fall back to defaults",
			payload: `{"title":"Bare"}`,
		},
		{
			name:      "Anonymous flag on performer",
			payload:   `{"performer":{"user_is_anonymous":true,"user_edit_count":1},"length":{"new":600}}`,
			wantDelta: 600,
			wantAnon:  true,
			wantCount: 1,
		},
		{
			name:    "Not JSON",
			payload: `THIS_IS_NOT_JSON`,
			wantErr: true,
		},
		{
			name:    "JSON but not an object",
			payload: `[1,2,3]`,
			wantErr: true,
		},
		{
			name:    "Null",
			payload: `null`,
			wantErr: true,
		},
		{
			name:    "Wrong type for length",
			payload: `{"length":"big"}`,
			wantErr: true,
		},
		{
			name:    "Empty",
			payload: ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := DecodeEditRecord([]byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformed))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDelta, rec.Delta())
			assert.Equal(t, tt.wantAnon, rec.Anonymous())
			assert.Equal(t, tt.wantCount, rec.EditCount())
		})
	}
}

func TestEditRecordAccessors(t *testing.T) {
	rec := EditRecord{User: "10.0.0.1", Bot: true}
	assert.Equal(t, "10.0.0.1", rec.UserText())
	assert.True(t, rec.IsBot())
	assert.Equal(t, "", rec.URI())

	rec.Performer = &Performer{UserText: "Alice"}
	rec.Meta = &Meta{URI: "https://en.wikipedia.org/wiki/Test_Page"}
	assert.Equal(t, "Alice", rec.UserText())
	assert.Equal(t, "https://en.wikipedia.org/wiki/Test_Page", rec.URI())
}

func TestEnrich(t *testing.T) {
	clean := Enrich(EditRecord{Title: "A"}, nil)
	assert.False(t, clean.IsVandalism)
	assert.NotNil(t, clean.VandalismReasons)
	assert.Empty(t, clean.VandalismReasons)

	flagged := Enrich(EditRecord{Title: "B"}, []string{"Suspicious keyword in summary: 'spam'."})
	assert.True(t, flagged.IsVandalism)
	assert.Len(t, flagged.VandalismReasons, 1)
}

func TestEnrichedRecordWireForm(t *testing.T) {
	rec, err := DecodeEditRecord([]byte(`{"title":"Test Page","comment":"x","meta":{"uri":"https://en.wikipedia.org/wiki/Test_Page"}}`))
	require.NoError(t, err)

	b, err := JSONCodec{}.Marshal(Enrich(rec, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"title":"Test Page",
		"comment":"x",
		"meta":{"uri":"https://en.wikipedia.org/wiki/Test_Page"},
		"is_vandalism":false,
		"vandalism_reasons":[]
	}`, string(b))
}

// recentChange is a recentchange event as the upstream stream sends it.
const recentChange = `{
	"$schema": "/mediawiki/recentchange/1.0.0",
	"meta": {
		"uri": "https://en.wikipedia.org/wiki/Main_Page",
		"request_id": "b1a2",
		"id": "9c1e",
		"dt": "2024-05-01T12:00:00Z",
		"domain": "en.wikipedia.org",
		"stream": "mediawiki.recentchange",
		"topic": "eqiad.mediawiki.recentchange",
		"partition": 0,
		"offset": 5183640123
	},
	"id": 1747001234,
	"type": "edit",
	"namespace": 0,
	"title": "Main Page",
	"title_url": "https://en.wikipedia.org/wiki/Main_Page",
	"comment": "reverting <b>nonsense</b> & spam",
	"parsedcomment": "reverting <b>nonsense</b> &amp; spam",
	"timestamp": 1714564800,
	"user": "203.0.113.9",
	"bot": false,
	"notify_url": "https://en.wikipedia.org/w/index.php?diff=11&oldid=10",
	"minor": false,
	"patrolled": false,
	"length": {"old": 2000, "new": 1000},
	"revision": {"old": 10, "new": 11},
	"server_url": "https://en.wikipedia.org",
	"server_name": "en.wikipedia.org",
	"server_script_path": "/w",
	"wiki": "enwiki",
	"user_is_anonymous": true,
	"performer": {
		"user_text": "203.0.113.9",
		"user_id": 7,
		"user_groups": ["*"],
		"user_is_bot": false,
		"user_edit_count": 0,
		"user_registration_dt": null
	},
	"score": 0.5
}`

func TestUpstreamFieldsSurviveEnrichment(t *testing.T) {
	rec, err := DecodeEditRecord([]byte(recentChange))
	require.NoError(t, err)
	assert.Equal(t, -1000, rec.Delta())
	assert.True(t, rec.Anonymous())

	reasons := []string{"Large deletion (-1000 bytes) by an anonymous user.", "Suspicious keyword in summary: 'revert'."}
	for _, name := range []string{"json", "msgpack"} {
		t.Run(name, func(t *testing.T) {
			codec, err := CodecByName(name)
			require.NoError(t, err)

			b, err := codec.Marshal(Enrich(rec, reasons))
			require.NoError(t, err)

			var got EnrichedRecord
			require.NoError(t, codec.Unmarshal(b, &got))
			assert.True(t, got.IsVandalism)
			assert.Equal(t, reasons, got.VandalismReasons)
			assert.Equal(t, rec.Title, got.Title)
			assert.Equal(t, rec.Length, got.Length)

			// Everything received is written back, plus the two added keys.
			out, err := JSONCodec{}.Marshal(got)
			require.NoError(t, err)
			var want, have map[string]any
			require.NoError(t, json.Unmarshal([]byte(recentChange), &want))
			require.NoError(t, json.Unmarshal(out, &have))
			assert.Equal(t, true, have["is_vandalism"])
			assert.Len(t, have["vandalism_reasons"], 2)
			delete(have, "is_vandalism")
			delete(have, "vandalism_reasons")
			assert.Equal(t, want, have)
		})
	}
}

func TestJSONCodecKeepsUpstreamBytes(t *testing.T) {
	rec, err := DecodeEditRecord([]byte(recentChange))
	require.NoError(t, err)

	b, err := JSONCodec{}.Marshal(Enrich(rec, nil))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"namespace":0`)
	assert.Contains(t, string(b), `"parsedcomment":"reverting <b>nonsense</b> &amp; spam"`)
	assert.Contains(t, string(b), `"offset":5183640123`)
	assert.Contains(t, string(b), `"user_registration_dt":null`)
	assert.Contains(t, string(b), `"vandalism_reasons":[]`)

	var got EnrichedRecord
	require.NoError(t, JSONCodec{}.Unmarshal(b, &got))
	assert.Equal(t, Enrich(rec, nil), got)
}

func TestCodecRoundTrip(t *testing.T) {
	rec, err := DecodeEditRecord([]byte(`{"id":42,"title":"Test Page","comment":"reverting nonsense edit","user_is_anonymous":true,"minor":true,"length":{"old":2000,"new":1000},"performer":{"user_text":"203.0.113.9","user_is_anonymous":true,"user_edit_count":10},"meta":{"uri":"https://en.wikipedia.org/wiki/Test_Page","domain":"en.wikipedia.org"}}`))
	require.NoError(t, err)
	want := Enrich(rec, []string{
		"Large deletion (-1000 bytes) by an anonymous user.",
		"Suspicious keyword in summary: 'revert'.",
	})

	codec := JSONCodec{}
	b, err := codec.Marshal(want)
	require.NoError(t, err)

	var got EnrichedRecord
	require.NoError(t, codec.Unmarshal(b, &got))
	assert.Equal(t, want, got)
}

func TestCodecRoundTripBuiltInCode(t *testing.T) {
	minor := true
	want := Enrich(EditRecord{
		ID:        42,
		Title:     "Test Page",
		Minor:     &minor,
		Length:    &Length{Old: 2000, New: 1000},
		Performer: &Performer{UserText: "Alice", UserEditCount: 1},
	}, []string{"Unusually large first edit (900 bytes)."})

	for _, name := range []string{"json", "msgpack"} {
		t.Run(name, func(t *testing.T) {
			codec, err := CodecByName(name)
			require.NoError(t, err)
			assert.Equal(t, name, codec.Name())

			b, err := codec.Marshal(want)
			require.NoError(t, err)

			var got EnrichedRecord
			require.NoError(t, codec.Unmarshal(b, &got))
			assert.NotNil(t, got.Raw)
			got.Raw = nil
			assert.Equal(t, want, got)
		})
	}
}

func TestCodecByNameUnknown(t *testing.T) {
	_, err := CodecByName("xml")
	assert.Error(t, err)
}
