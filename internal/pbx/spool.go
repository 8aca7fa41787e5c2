package pbx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// SpoolSink hands calls to Asterisk by writing a call file into a spool
// directory the PBX watches.
//
// Atomic visibility: the file is fully written (and chowned) in StageDir
// first and then renamed into OutgoingDir. The PBX acts on files the moment
// they appear, so it must never observe a partial write. StageDir and
// OutgoingDir must live on the same filesystem for rename to be atomic.
type SpoolSink struct {
	// StageDir is a scratch directory on the same filesystem as OutgoingDir.
	StageDir string
	// OutgoingDir is the PBX-watched spool (e.g. /var/spool/asterisk/outgoing).
	OutgoingDir string

	// ChannelContext and IVRContext name the dialplan entry points.
	ChannelContext string
	IVRContext     string

	// UID/GID, when non-zero, are applied before the rename so the PBX
	// process can read (and later delete) the file.
	UID int
	GID int

	Log *slog.Logger
}

func (s *SpoolSink) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Submit writes, chowns and publishes one call file. Any failure leaves the
// outgoing directory untouched; a partially staged file is removed.
func (s *SpoolSink) Submit(ctx context.Context, req CallRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	name := fmt.Sprintf("callback-%s-%d.call", req.Destination, req.CallbackID)
	staged := filepath.Join(s.StageDir, name)

	if err := os.WriteFile(staged, []byte(req.render(s.ChannelContext, s.IVRContext)), 0o644); err != nil {
		return fmt.Errorf("pbx: write call file: %w", err)
	}

	if s.UID != 0 || s.GID != 0 {
		if err := os.Chown(staged, s.UID, s.GID); err != nil {
			_ = os.Remove(staged)
			return fmt.Errorf("pbx: chown call file: %w", err)
		}
	}

	dest := filepath.Join(s.OutgoingDir, name)
	if err := os.Rename(staged, dest); err != nil {
		_ = os.Remove(staged)
		return fmt.Errorf("pbx: publish call file: %w", err)
	}

	s.logger().Info("call file published",
		"file", name,
		"destination", req.Destination,
		"callback_id", req.CallbackID,
		"ivr_branch", req.IVRBranch,
	)
	return nil
}
