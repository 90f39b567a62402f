package agent

import "testing"

func TestParseCommandKeywords(t *testing.T) {
	t.Parallel()
	cases := []struct {
		text string
		want CommandKind
	}{
		{"stop", CommandStop},
		{"Please PAUSE everything", CommandStop},
		{"halt now", CommandStop},
		{"停止", CommandStop},
		{"请暂停交易", CommandStop},
		{"status", CommandStatus},
		{"give me a summary", CommandStatus},
		{"状态", CommandStatus},
		{"摘要", CommandStatus},
		{"buy more bitcoin", CommandUnknown},
		{"", CommandUnknown},
	}
	for _, tc := range cases {
		if got := ParseCommand(tc.text); got.Kind != tc.want {
			t.Errorf("ParseCommand(%q).Kind = %s, want %s", tc.text, got.Kind, tc.want)
		}
	}
}

func TestParseCommandInstanceTarget(t *testing.T) {
	t.Parallel()
	cmd := ParseCommand("stop instance_id:abc-123")
	if cmd.Kind != CommandStop || cmd.InstanceID != "abc-123" {
		t.Fatalf("cmd = %+v", cmd)
	}

	cmd = ParseCommand("instance_id:xyz 状态")
	if cmd.Kind != CommandStatus || cmd.InstanceID != "xyz" {
		t.Fatalf("cmd = %+v", cmd)
	}

	cmd = ParseCommand("stop")
	if cmd.InstanceID != "" {
		t.Fatalf("expected empty target, got %q", cmd.InstanceID)
	}
}
