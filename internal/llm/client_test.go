package llm

import (
	"encoding/json"
	"testing"
)

func TestExtractJSONFromFence(t *testing.T) {
	reply := "Here is my plan:\n```json\n{\"items\": [{\"instrument\": \"BTC/USDT\"}]}\n```\nGood luck."
	raw, err := ExtractJSON(reply)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	var parsed struct {
		Items []map[string]string `json:"items"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(parsed.Items) != 1 || parsed.Items[0]["instrument"] != "BTC/USDT" {
		t.Fatalf("unexpected parse: %+v", parsed)
	}
}

func TestExtractJSONBare(t *testing.T) {
	raw, err := ExtractJSON(`{"a": 1}`)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if string(raw) != `{"a": 1}` {
		t.Fatalf("got %s", raw)
	}
}

func TestExtractJSONRejectsProse(t *testing.T) {
	if _, err := ExtractJSON("I refuse to answer."); err == nil {
		t.Fatal("expected error for reply with no JSON")
	}
	if _, err := ExtractJSON("{broken"); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
