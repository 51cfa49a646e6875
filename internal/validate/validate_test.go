package validate

import (
	"strings"
	"testing"
)

func TestRoomName(t *testing.T) {
	v := New(DefaultLimits())

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "general", false},
		{"valid with spaces", "game night", false},
		{"empty", "", true},
		{"whitespace only", "   ", true},
		{"too long", strings.Repeat("a", 31), true},
		{"exactly max", strings.Repeat("a", 30), false},
		{"angle bracket", "room<script>", true},
		{"quote", `room"name`, true},
		{"slash", "room/name", true},
		{"ampersand", "a&b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.RoomName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("RoomName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestUsername(t *testing.T) {
	v := New(DefaultLimits())

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "alice", false},
		{"valid mixed case", "Alice99", false},
		{"empty", "", true},
		{"whitespace only", "  \t ", true},
		{"too long", strings.Repeat("x", 21), true},
		{"reserved system", "system", true},
		{"reserved mixed case", "SyStEm", true},
		{"reserved admin", "admin", true},
		{"reserved bot", "bot", true},
		{"reserved with padding", "  admin  ", true},
		{"contains reserved but not equal", "administrator", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Username(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("Username(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestMessage(t *testing.T) {
	v := New(DefaultLimits())

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "hello everyone", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 501), true},
		{"exactly max", strings.Repeat("a", 500), false},
		{"whitespace flood", "a" + strings.Repeat(" ", 10) + "b", true},
		{"special flood", "wow!!!!!", true},
		{"few specials ok", "wow!!!", false},
		{"invalid utf8", string([]byte{0xff, 0xfe, 0xfd}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Message(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("Message(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestMessage_RuneLimitNotByteLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxMessageLen = 10
	v := New(limits)

	// 10 multi-byte runes: 30 bytes but within the 10-character limit.
	msg := strings.Repeat("한", 10)
	if err := v.Message(msg); err != nil {
		t.Errorf("expected 10-rune message to pass, got %v", err)
	}
	if err := v.Message(msg + "글"); err == nil {
		t.Error("expected 11-rune message to fail")
	}
}

func TestBannedWords(t *testing.T) {
	limits := DefaultLimits()
	limits.BannedWords = []string{"spamword", "buy now"}
	v := New(limits)

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"clean", "hello world", false},
		{"exact word", "spamword", true},
		{"word in sentence", "this is spamword here", true},
		{"case insensitive", "SPAMWORD", true},
		{"with punctuation", "hello, spamword!", true},
		{"substring not blocked", "spamwordy", false},
		{"phrase", "please buy now today", true},
		{"phrase split", "buy it now", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Message(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("Message(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text", "hello", "hello"},
		{"strips tags", "<b>hello</b>", "hello"},
		{"strips script", "<script>alert(1)</script>hi", "alert(1)hi"},
		{"strips event attrs", `<img onerror="evil()">x`, "x"},
		{"trims whitespace", "  hi  ", "hi"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestExtractMentions(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"none", "hello world", nil},
		{"single", "hi @bob", []string{"bob"}},
		{"multiple", "@alice @bob hello", []string{"alice", "bob"}},
		{"duplicates collapsed", "@bob @bob @BOB", []string{"bob"}},
		{"bare at ignored", "meet @ noon", nil},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractMentions(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("ExtractMentions(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("mention[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
