package state

import "encoding/json"

// Defaults applied when the server materializes a token on behalf of a client.
const (
	DefaultSize  = 50.0
	DefaultColor = "blue"
	DefaultName  = "Token"
)

// Token is one movable piece on the shared map. Clients may attach fields the
// server does not model; those survive in Extra and round-trip through both
// persistence and broadcasts.
type Token struct {
	ID          string
	X           float64
	Y           float64
	Size        float64
	Color       string
	Name        string
	PortraitURL string

	Extra map[string]any
}

type tokenKnownFields struct {
	ID          string   `json:"id"`
	X           *float64 `json:"x,omitempty"`
	Y           *float64 `json:"y,omitempty"`
	Size        *float64 `json:"size,omitempty"`
	Color       *string  `json:"color,omitempty"`
	Name        *string  `json:"name,omitempty"`
	PortraitURL *string  `json:"portraitUrl,omitempty"`
}

var knownTokenKeys = map[string]struct{}{
	"id": {}, "x": {}, "y": {}, "size": {}, "color": {}, "name": {}, "portraitUrl": {},
}

// UnmarshalJSON splits the payload into the typed fields and Extra.
func (t *Token) UnmarshalJSON(data []byte) error {
	var known tokenKnownFields
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*t = Token{ID: known.ID}
	if known.X != nil {
		t.X = *known.X
	}
	if known.Y != nil {
		t.Y = *known.Y
	}
	if known.Size != nil {
		t.Size = *known.Size
	}
	if known.Color != nil {
		t.Color = *known.Color
	}
	if known.Name != nil {
		t.Name = *known.Name
	}
	if known.PortraitURL != nil {
		t.PortraitURL = *known.PortraitURL
	}

	for key, value := range raw {
		if _, ok := knownTokenKeys[key]; ok {
			continue
		}
		var decoded any
		if err := json.Unmarshal(value, &decoded); err != nil {
			return err
		}
		if t.Extra == nil {
			t.Extra = make(map[string]any)
		}
		t.Extra[key] = decoded
	}
	return nil
}

// MarshalJSON recombines the typed fields with Extra into one flat object.
func (t Token) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(t.Extra)+7)
	for key, value := range t.Extra {
		flat[key] = value
	}
	flat["id"] = t.ID
	flat["x"] = t.X
	flat["y"] = t.Y
	flat["size"] = t.Size
	flat["color"] = t.Color
	flat["name"] = t.Name
	if t.PortraitURL != "" {
		flat["portraitUrl"] = t.PortraitURL
	}
	return json.Marshal(flat)
}

// ApplyDefaults fills the documented defaults for fields the client omitted.
func (t *Token) ApplyDefaults() {
	if t.Size == 0 {
		t.Size = DefaultSize
	}
	if t.Color == "" {
		t.Color = DefaultColor
	}
	if t.Name == "" {
		t.Name = DefaultName
	}
}

// Merge overwrites this token field-by-field with everything present in the
// incoming payload. Unknown keys are merged individually so fields set by
// other clients are not dropped.
func (t *Token) Merge(in *Token, present map[string]struct{}) {
	if in == nil {
		return
	}
	has := func(key string) bool {
		_, ok := present[key]
		return ok
	}
	if has("x") {
		t.X = in.X
	}
	if has("y") {
		t.Y = in.Y
	}
	if has("size") {
		t.Size = in.Size
	}
	if has("color") {
		t.Color = in.Color
	}
	if has("name") {
		t.Name = in.Name
	}
	if has("portraitUrl") {
		t.PortraitURL = in.PortraitURL
	}
	for key, value := range in.Extra {
		if t.Extra == nil {
			t.Extra = make(map[string]any)
		}
		t.Extra[key] = value
	}
}

// PresentKeys reports which top-level keys the raw payload actually carried,
// so Merge can distinguish "omitted" from "zero".
func PresentKeys(data []byte) map[string]struct{} {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	present := make(map[string]struct{}, len(raw))
	for key := range raw {
		present[key] = struct{}{}
	}
	return present
}

// Clone returns a deep copy suitable for handing to another goroutine.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	cloned := *t
	if t.Extra != nil {
		cloned.Extra = make(map[string]any, len(t.Extra))
		for k, v := range t.Extra {
			cloned.Extra[k] = v
		}
	}
	return &cloned
}
