package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mesmerverse/bootguard/controller"
)

type call struct {
	name    string
	secret  string
	in, out uint32
}

type fakeCommands struct {
	calls   []call
	bootErr error
}

func (f *fakeCommands) List(ctx context.Context) ([]uint32, []uint32, error) {
	f.calls = append(f.calls, call{name: "list"})
	return nil, nil, nil
}

func (f *fakeCommands) Boot(ctx context.Context) error {
	f.calls = append(f.calls, call{name: "boot"})
	return f.bootErr
}

func (f *fakeCommands) Attest(ctx context.Context, pin string, id uint32) error {
	f.calls = append(f.calls, call{name: "attest", secret: pin, in: id})
	return nil
}

func (f *fakeCommands) Replace(ctx context.Context, token string, in, out uint32) error {
	f.calls = append(f.calls, call{name: "replace", secret: token, in: in, out: out})
	return nil
}

func runShell(t *testing.T, f *fakeCommands, input string) string {
	t.Helper()
	var out bytes.Buffer
	sh := NewShell(f, controller.NewReporter(&out), strings.NewReader(input), &out)
	if err := sh.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return out.String()
}

func TestShellDispatch(t *testing.T) {
	f := &fakeCommands{}
	input := "list\n\nreplace\ntok\n0x11111126\n11111124\nATTEST\n123456\n11111124\n"
	out := runShell(t, f, input)

	want := []call{
		{name: "list"},
		{name: "replace", secret: "tok", in: 0x11111126, out: 0x11111124},
		{name: "attest", secret: "123456", in: 0x11111124},
	}
	if len(f.calls) != len(want) {
		t.Fatalf("Expected %d calls, got %+v", len(want), f.calls)
	}
	for i := range want {
		if f.calls[i] != want[i] {
			t.Errorf("Call %d: expected %+v, got %+v", i, want[i], f.calls[i])
		}
	}

	// One ack per command; the blank line is not a command
	if n := strings.Count(out, "%ack%\n"); n != len(want) {
		t.Errorf("Expected %d acks, got %d:\n%s", len(want), n, out)
	}
	if !strings.HasSuffix(out, "%ack%\nEnter Command: ") {
		t.Errorf("Expected ack before the next prompt:\n%s", out)
	}
}

func TestShellBadInput(t *testing.T) {
	f := &fakeCommands{}
	out := runShell(t, f, "reboot\nattest\n1234\nnot-an-id\n")

	if !strings.Contains(out, "%error: Unrecognized command 'reboot'%") {
		t.Errorf("Missing unrecognized command error:\n%s", out)
	}
	if !strings.Contains(out, "%error: Invalid component ID 'not-an-id'%") {
		t.Errorf("Missing invalid ID error:\n%s", out)
	}
	if len(f.calls) != 0 {
		t.Errorf("Expected no commands, got %+v", f.calls)
	}
	if n := strings.Count(out, "%ack%\n"); n != 2 {
		t.Errorf("Expected failed commands to be acked, got %d:\n%s", n, out)
	}
}

func TestShellStopsAfterBoot(t *testing.T) {
	t.Run("success hands over", func(t *testing.T) {
		f := &fakeCommands{}
		out := runShell(t, f, "boot\nlist\n")
		if len(f.calls) != 1 {
			t.Errorf("Expected shell to stop after boot, got %+v", f.calls)
		}
		if !strings.HasSuffix(out, "%ack%\n") {
			t.Errorf("Expected boot to be acked before hand over:\n%s", out)
		}
	})

	t.Run("failure keeps serving", func(t *testing.T) {
		f := &fakeCommands{bootErr: errors.New("aborted")}
		runShell(t, f, "boot\nlist\n")
		if len(f.calls) != 2 {
			t.Errorf("Expected shell to continue after failed boot, got %+v", f.calls)
		}
	})
}

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"0x11111124", 0x11111124, false},
		{"11111124", 0x11111124, false},
		{"1111112a", 0x1111112a, false},
		{"0X1111112A", 0x1111112a, false},
		{"deadbeef", 0xdeadbeef, false},
		{"0x1FFFFFFFF", 0, true},
		{"", 0, true},
		{"-1", 0, true},
		{"0x", 0, true},
		{"zz", 0, true},
	}

	for _, tt := range tests {
		got, err := parseID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseID(%q): expected 0x%08x, got 0x%08x", tt.in, tt.want, got)
		}
	}
}
