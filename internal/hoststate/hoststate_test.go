package hoststate

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jeeves/ui/internal/errors"
)

const sampleState = `{
  "guilds": {
    "g1": {
      "id": "g1",
      "our_channels": ["general", "butlery"],
      "message_log": {
        "general": [{"id": null, "username": "bertie", "content": "Jeeves?"}],
        "butlery": [{"id": "m2", "username": "Jeeves", "content": "Sir."}]
      },
      "cooldown": 0,
      "debug": false,
      "llm": "gpt-4",
      "system_prompt": "You are Jeeves",
      "response_schema": {"WordOrPhrase": "Jeeves"},
      "listen_to_roles": [],
      "ignore_roles": [],
      "listen_to_users": [],
      "ignore_users": []
    },
    "g0": {
      "id": "g0",
      "our_channels": [],
      "message_log": {},
      "cooldown": 3,
      "debug": true,
      "llm": "llama3",
      "system_prompt": "",
      "response_schema": "Pinged",
      "listen_to_roles": [],
      "ignore_roles": [],
      "listen_to_users": [],
      "ignore_users": []
    }
  }
}`

func TestResponseSchema_JSON(t *testing.T) {
	tests := []struct {
		name string
		json string
		want ResponseSchema
	}{
		{"unit variant", `"EveryMessage"`, ResponseSchema{Kind: SchemaEveryMessage}},
		{"tagged variant", `{"WordOrPhrase":"tea"}`, ResponseSchema{Kind: SchemaWordOrPhrase, Phrase: "tea"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ResponseSchema
			require.NoError(t, json.Unmarshal([]byte(tt.json), &got))
			assert.Equal(t, tt.want, got)

			out, err := json.Marshal(got)
			require.NoError(t, err)
			assert.JSONEq(t, tt.json, string(out))
		})
	}

	t.Run("empty object rejected", func(t *testing.T) {
		var got ResponseSchema
		assert.Error(t, json.Unmarshal([]byte(`{}`), &got))
	})
}

func TestFetch(t *testing.T) {
	var gotAccept string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(sampleState))
	}))
	defer ts.Close()

	state, err := Fetch(context.Background(), ts.Client(), ts.URL+"/jeeves:jeeves:template.os/")
	require.NoError(t, err)

	assert.Equal(t, "application/json", gotAccept)
	require.Len(t, state.Guilds, 2)
	g1 := state.Guilds["g1"]
	assert.Equal(t, []string{"general", "butlery"}, g1.OurChannels)
	assert.Nil(t, g1.MessageLog["general"][0].ID)
	require.NotNil(t, g1.MessageLog["butlery"][0].ID)
	assert.Equal(t, "m2", *g1.MessageLog["butlery"][0].ID)
	assert.Equal(t, ResponseSchema{Kind: SchemaWordOrPhrase, Phrase: "Jeeves"}, g1.ResponseSchema)
	assert.Equal(t, uint32(3), state.Guilds["g0"].Cooldown)
}

func TestFetch_Errors(t *testing.T) {
	t.Run("method not allowed", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusMethodNotAllowed)
		}))
		defer ts.Close()

		_, err := Fetch(context.Background(), nil, ts.URL)
		assert.True(t, apperrors.IsCode(err, apperrors.CodeStateFetchFailed))
		assert.Contains(t, err.Error(), "status 405")
	})

	t.Run("bad body", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}))
		defer ts.Close()

		_, err := Fetch(context.Background(), nil, ts.URL)
		assert.True(t, apperrors.IsCode(err, apperrors.CodeStateFetchFailed))
	})

	t.Run("unreachable", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		url := ts.URL
		ts.Close()

		_, err := Fetch(context.Background(), nil, url)
		assert.True(t, apperrors.IsCode(err, apperrors.CodeStateFetchFailed))
	})
}

func TestWriteSummary(t *testing.T) {
	var state State
	require.NoError(t, json.Unmarshal([]byte(sampleState), &state))

	var buf bytes.Buffer
	state.WriteSummary(&buf)

	want := "" +
		"Guild:     g0\n" +
		"Channels:  (none)\n" +
		"Messages:  0\n" +
		"Model:     llama3\n" +
		"Responds:  Pinged\n" +
		"Cooldown:  3\n" +
		"\n" +
		"Guild:     g1\n" +
		"Channels:  #general, #butlery\n" +
		"Messages:  2\n" +
		"Model:     gpt-4\n" +
		"Responds:  WordOrPhrase(\"Jeeves\")\n"
	assert.Equal(t, want, buf.String())
}

func TestWriteSummary_Empty(t *testing.T) {
	var buf bytes.Buffer
	Empty().WriteSummary(&buf)
	assert.Equal(t, "No guilds configured.\n", buf.String())
}
