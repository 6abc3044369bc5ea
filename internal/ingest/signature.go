package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/user/agentrail/internal/types"
)

// signatureInput is hashed in RFC 8785 canonical form so key order and
// float formatting never change a signature.
type signatureInput struct {
	Kind      types.Kind      `json:"kind"`
	ActorType types.ActorType `json:"actor_type"`
	IntentID  types.IntentID  `json:"intent_id"`
	Text      []string        `json:"text"`
}

// Signature identifies an event by meaning rather than by instance: kind,
// actor type, intent and the normalized text fields of its payload.
// Numbers, booleans and timestamps are left out so a re-run with fresh
// timing or token counts still matches. A session starts once, so every
// session_start shares one signature whichever path recorded it.
func Signature(kind types.Kind, actor types.ActorType, intent types.IntentID, payload map[string]any) (string, error) {
	in := signatureInput{
		Kind:      kind,
		ActorType: actor,
		IntentID:  intent,
		Text:      projectText(payload),
	}
	if kind == types.KindSessionStart {
		in = signatureInput{Kind: kind, Text: []string{}}
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal signature: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize signature: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func eventSignature(ev *types.CanonicalEvent) (string, error) {
	return Signature(ev.Kind, ev.Actor.Type, ev.IntentID(), ev.Payload)
}

func adaptedSignature(ev types.AdaptedEvent) (string, error) {
	return Signature(ev.Kind, ev.Actor.Type, ev.IntentID(), ev.Payload)
}

// projectText flattens every string in payload to "path=normalized" and
// sorts the result.
func projectText(payload map[string]any) []string {
	out := []string{}
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		switch val := v.(type) {
		case string:
			if norm := types.NormalizeText(val); norm != "" {
				out = append(out, prefix+"="+norm)
			}
		case map[string]any:
			for k, inner := range val {
				walk(joinPath(prefix, k), inner)
			}
		case []any:
			for _, inner := range val {
				walk(prefix+"[]", inner)
			}
		case []string:
			for _, inner := range val {
				walk(prefix+"[]", inner)
			}
		}
	}
	for k, v := range payload {
		walk(k, v)
	}
	sort.Strings(out)
	return out
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.Join([]string{prefix, key}, ".")
}
