package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeRecord(t *testing.T) {
	tests := []struct {
		name    string
		rec     *Record
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "lock command",
			rec: &Record{
				Position:  7,
				Timestamp: 1000,
				Kind:      KindCommand,
				Command:   CommandLock,
				TaskKey:   2,
				Value:     TaskValue{LockOwner: "w1", LockTime: 5000},
				Metadata:  Metadata{ChannelID: "ch-1", SubscriberKey: 5},
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"command":"LOCK"`) {
					t.Error("missing command field")
				}
				if !strings.Contains(output, `"subscriber_key":5`) {
					t.Error("missing subscriber_key")
				}
				if strings.Contains(output, `"event"`) {
					t.Error("command record should omit event")
				}
			},
		},
		{
			name: "rejection event",
			rec: &Record{
				Kind:           KindEvent,
				Event:          EventLockRejected,
				SourcePosition: 7,
				TaskKey:        2,
				Reason:         "task is already locked",
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"event":"LOCK_REJECTED"`) {
					t.Error("missing event field")
				}
				if !strings.Contains(output, `"reason":"task is already locked"`) {
					t.Error("missing reason")
				}
			},
		},
		{
			name:    "unknown command",
			rec:     &Record{Kind: KindCommand, Command: "EXPLODE"},
			wantErr: true,
		},
		{
			name:    "mixed union",
			rec:     &Record{Kind: KindCommand, Command: CommandCreate, Event: EventCreated},
			wantErr: true,
		},
		{
			name:    "missing kind",
			rec:     &Record{Command: CommandCreate},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeRecord(&buf, tt.rec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeRecord() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFn != nil && !tt.wantErr {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestDecodeRecord(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, rec *Record)
	}{
		{
			name:  "create command",
			input: `{"position":3,"timestamp":10,"kind":"command","command":"CREATE","task_key":0,"value":{"type":"foo","retries":3,"payload":{"a":1}},"metadata":{"request_id":"r-1"}}`,
			checkFn: func(t *testing.T, rec *Record) {
				if rec.Command != CommandCreate || rec.Value.Type != "foo" || rec.Value.Retries != 3 {
					t.Errorf("unexpected record: %+v", rec)
				}
				if rec.Metadata.RequestID != "r-1" {
					t.Errorf("metadata not decoded: %+v", rec.Metadata)
				}
			},
		},
		{
			name:    "unknown field",
			input:   `{"kind":"command","command":"CREATE","bogus":true}`,
			wantErr: true,
		},
		{
			name:    "event without type",
			input:   `{"kind":"event","task_key":1}`,
			wantErr: true,
		},
		{
			name:    "not json",
			input:   `not json`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := DecodeRecord(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeRecord() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFn != nil && !tt.wantErr {
				tt.checkFn(t, rec)
			}
		})
	}
}

func TestCommandOutcomesAreExhaustive(t *testing.T) {
	seen := make(map[EventType]bool)
	for _, c := range Commands {
		accepted, rejected, ok := c.Outcomes()
		if !ok {
			t.Fatalf("command %s has no outcomes", c)
		}
		if accepted.IsRejection() {
			t.Errorf("%s accepted outcome %s is marked as rejection", c, accepted)
		}
		if !rejected.IsRejection() {
			t.Errorf("%s rejected outcome %s is not marked as rejection", c, rejected)
		}
		if seen[accepted] || seen[rejected] {
			t.Errorf("%s shares an outcome with another command", c)
		}
		seen[accepted], seen[rejected] = true, true
	}
}

func TestValidPayload(t *testing.T) {
	cases := map[string]bool{
		``:              true,
		`null`:          true,
		`{}`:            true,
		` {"a": [1]} `:  true,
		`[1,2]`:         false,
		`"text"`:        false,
		`{"a":`:         false,
		"\x93\xa1a\x01": false,
	}
	for in, want := range cases {
		if got := ValidPayload(json.RawMessage(in)); got != want {
			t.Errorf("ValidPayload(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTaskLockable(t *testing.T) {
	cases := []struct {
		task Task
		want bool
	}{
		{Task{State: StateCreated}, true},
		{Task{State: StateFailed, Retries: 1}, true},
		{Task{State: StateFailed, Retries: 0}, false},
		{Task{State: StateLockExpired, Retries: 2}, true},
		{Task{State: StateLockExpired, Retries: 0}, true},
		{Task{State: StateLocked, LockOwner: "w"}, false},
		{Task{State: StateCompleted}, false},
		{Task{State: StateCanceled}, false},
	}
	for _, c := range cases {
		if got := c.task.Lockable(); got != c.want {
			t.Errorf("Lockable(%+v) = %v, want %v", c.task, got, c.want)
		}
	}
}
