// Package hoststate reads the state document the Jeeves process serves on a
// plain GET of its base path.
package hoststate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	apperrors "github.com/jeeves/ui/internal/errors"
	"github.com/jeeves/ui/internal/message"
)

// Response schema kinds.
const (
	SchemaPinged       = "Pinged"
	SchemaWordOrPhrase = "WordOrPhrase"
	SchemaEveryMessage = "EveryMessage"
)

// ResponseSchema says when the bot answers in a channel. On the wire it is an
// externally tagged enum: "Pinged", "EveryMessage" or {"WordOrPhrase": "..."}.
type ResponseSchema struct {
	Kind   string
	Phrase string
}

// UnmarshalJSON accepts both the unit-variant string and the tagged object.
func (r *ResponseSchema) UnmarshalJSON(data []byte) error {
	var kind string
	if err := json.Unmarshal(data, &kind); err == nil {
		*r = ResponseSchema{Kind: kind}
		return nil
	}

	env, err := message.Decode(data)
	if err != nil {
		return fmt.Errorf("response_schema: %w", err)
	}
	*r = ResponseSchema{Kind: env.Type}
	if env.Type == SchemaWordOrPhrase {
		if err := json.Unmarshal(env.Payload, &r.Phrase); err != nil {
			return fmt.Errorf("response_schema phrase: %w", err)
		}
	}
	return nil
}

// MarshalJSON writes the same shapes UnmarshalJSON reads.
func (r ResponseSchema) MarshalJSON() ([]byte, error) {
	if r.Kind == SchemaWordOrPhrase {
		return json.Marshal(map[string]string{SchemaWordOrPhrase: r.Phrase})
	}
	return json.Marshal(r.Kind)
}

func (r ResponseSchema) String() string {
	if r.Kind == SchemaWordOrPhrase {
		return fmt.Sprintf("%s(%q)", r.Kind, r.Phrase)
	}
	return r.Kind
}

// Utterance is one logged chat line.
type Utterance struct {
	ID       *string `json:"id"`
	Username string  `json:"username"`
	Content  string  `json:"content"`
}

// Guild is the per-guild bot configuration and conversation log.
type Guild struct {
	ID             string                 `json:"id"`
	OurChannels    []string               `json:"our_channels"`
	MessageLog     map[string][]Utterance `json:"message_log"`
	Cooldown       uint32                 `json:"cooldown"`
	Debug          bool                   `json:"debug"`
	LLM            string                 `json:"llm"`
	SystemPrompt   string                 `json:"system_prompt"`
	ResponseSchema ResponseSchema         `json:"response_schema"`
	ListenToRoles  []string               `json:"listen_to_roles"`
	IgnoreRoles    []string               `json:"ignore_roles"`
	ListenToUsers  []string               `json:"listen_to_users"`
	IgnoreUsers    []string               `json:"ignore_users"`
}

// State is the whole document.
type State struct {
	Guilds map[string]Guild `json:"guilds"`
}

// Empty returns the state a freshly installed process reports.
func Empty() State {
	return State{Guilds: map[string]Guild{}}
}

// Fetch GETs endpoint and decodes the state document.
// A nil client means http.DefaultClient.
func Fetch(ctx context.Context, client *http.Client, endpoint string) (State, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return State{}, apperrors.Wrap(apperrors.CodeStateFetchFailed, "build request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return State{}, apperrors.Wrap(apperrors.CodeStateFetchFailed, fmt.Sprintf("GET %s", endpoint), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return State{}, apperrors.New(apperrors.CodeStateFetchFailed,
			fmt.Sprintf("GET %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body))))
	}

	state := Empty()
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return State{}, apperrors.Wrap(apperrors.CodeStateFetchFailed, "decode state", err)
	}
	return state, nil
}

// WriteSummary prints one block per guild, sorted by id.
func (s State) WriteSummary(w io.Writer) {
	if len(s.Guilds) == 0 {
		fmt.Fprintln(w, "No guilds configured.")
		return
	}

	ids := make([]string, 0, len(s.Guilds))
	for id := range s.Guilds {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for i, id := range ids {
		g := s.Guilds[id]
		if i > 0 {
			fmt.Fprintln(w)
		}

		messages := 0
		for _, log := range g.MessageLog {
			messages += len(log)
		}

		channels := "(none)"
		if len(g.OurChannels) > 0 {
			channels = "#" + strings.Join(g.OurChannels, ", #")
		}

		fmt.Fprintf(w, "Guild:     %s\n", id)
		fmt.Fprintf(w, "Channels:  %s\n", channels)
		fmt.Fprintf(w, "Messages:  %d\n", messages)
		fmt.Fprintf(w, "Model:     %s\n", g.LLM)
		fmt.Fprintf(w, "Responds:  %s\n", g.ResponseSchema)
		if g.Cooldown > 0 {
			fmt.Fprintf(w, "Cooldown:  %d\n", g.Cooldown)
		}
	}
}
