package pbx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestSink(t *testing.T) *SpoolSink {
	t.Helper()
	root := t.TempDir()
	stage := filepath.Join(root, "stage")
	outgoing := filepath.Join(root, "outgoing")
	for _, d := range []string{stage, outgoing} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	return &SpoolSink{
		StageDir:       stage,
		OutgoingDir:    outgoing,
		ChannelContext: "from-autodial-marks",
		IVRContext:     "ivr-marks",
	}
}

func validRequest() CallRequest {
	return CallRequest{
		Destination: "+380661234567",
		CallerID:    "0800300100",
		CallbackID:  42,
		IVRBranch:   "support",
		UniqueID:    "1700000000.123",
	}
}

func TestSpoolSink_SubmitPublishesCompleteFile(t *testing.T) {
	s := newTestSink(t)
	if err := s.Submit(context.Background(), validRequest()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	entries, err := os.ReadDir(s.OutgoingDir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 published file, got %d", len(entries))
	}
	body, err := os.ReadFile(filepath.Join(s.OutgoingDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("read published: %v", err)
	}

	want := []string{
		"Channel: Local/+380661234567@from-autodial-marks",
		"MaxRetries: 0",
		"RetryTime: 60",
		"WaitTime: 60",
		"Context: ivr-marks",
		"Extension: s",
		"Priority: 1",
		"Callerid: 0800300100",
		"Setvar: callback_callid=42",
		"Setvar: queue_branch=support",
		"Setvar: uniqueid_number_evaluated=1700000000.123",
		"Setvar: operator_name_audio=",
	}
	got := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
	if len(got) != len(want) {
		t.Fatalf("expected %d lines, got %d:\n%s", len(want), len(got), body)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}

	// Nothing left behind in the staging directory.
	staged, _ := os.ReadDir(s.StageDir)
	if len(staged) != 0 {
		t.Fatalf("expected empty stage dir, found %d entries", len(staged))
	}
}

func TestSpoolSink_SubmitRejectsIncompleteRequest(t *testing.T) {
	s := newTestSink(t)
	cases := []CallRequest{
		{}, // everything missing
		{Destination: "+380661234567", CallerID: "0800", CallbackID: 1},               // no branch
		{Destination: "+380661234567", IVRBranch: "support", CallbackID: 1},           // no callerid
		{CallerID: "0800", IVRBranch: "support", CallbackID: 1},                       // no destination
		{Destination: "+380661234567", CallerID: "0800", IVRBranch: "support"},        // no callback id
	}
	for i, req := range cases {
		if err := s.Submit(context.Background(), req); err != ErrInvalidRequest {
			t.Errorf("case %d: err = %v, want ErrInvalidRequest", i, err)
		}
	}
	out, _ := os.ReadDir(s.OutgoingDir)
	if len(out) != 0 {
		t.Fatalf("invalid requests must not publish files, found %d", len(out))
	}
}

func TestSpoolSink_PublishFailureLeavesNoStagedFile(t *testing.T) {
	s := newTestSink(t)
	s.OutgoingDir = filepath.Join(s.OutgoingDir, "does-not-exist")

	if err := s.Submit(context.Background(), validRequest()); err == nil {
		t.Fatalf("expected rename failure")
	}
	staged, _ := os.ReadDir(s.StageDir)
	if len(staged) != 0 {
		t.Fatalf("staged file must be cleaned up on failure, found %d entries", len(staged))
	}
}

func TestSpoolSink_OperatorAudioCarried(t *testing.T) {
	s := newTestSink(t)
	req := validRequest()
	req.OperatorNameAudio = "operator-7001"
	if err := s.Submit(context.Background(), req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	entries, _ := os.ReadDir(s.OutgoingDir)
	body, _ := os.ReadFile(filepath.Join(s.OutgoingDir, entries[0].Name()))
	if !strings.Contains(string(body), "Setvar: operator_name_audio=operator-7001\n") {
		t.Fatalf("operator audio cue missing from body:\n%s", body)
	}
}
