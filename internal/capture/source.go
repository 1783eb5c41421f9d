package capture

import (
	"context"
	"io"
	"log/slog"
	"os/exec"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// Stream is one running capture process.
type Stream interface {
	// Stdout yields raw interleaved PCM in the negotiated format.
	Stdout() io.Reader
	// Stderr yields diagnostic text lines.
	Stderr() io.Reader
	// Wait blocks until the process has exited. It must only be called
	// after Stdout and Stderr have been read to EOF.
	Wait() error
	// Terminate asks the process to exit. It is safe to call more than once.
	Terminate() error
}

// Source starts capture processes.
type Source interface {
	Start(ctx context.Context, f audio.Format) (Stream, error)
}

// ArecordSource captures from an ALSA device through arecord.
type ArecordSource struct {
	cfg audio.CaptureConfig
}

// NewArecordSource creates a source for the given device settings.
func NewArecordSource(cfg audio.CaptureConfig) *ArecordSource {
	if cfg.Command == "" {
		cfg.Command = "arecord"
	}
	return &ArecordSource{cfg: cfg}
}

// Start spawns arecord for format f.
func (s *ArecordSource) Start(ctx context.Context, f audio.Format) (Stream, error) {
	args := s.cfg.Args(f)
	slog.Info("starting audio capture", "command", s.cfg.Command, "device", args[1], "format", f)

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, s.cfg.Command, args...)

	// Declarative graceful shutdown: signal first, kill after WaitDelay.
	cmd.Cancel = func() error {
		return util.TerminateProcess(cmd.Process)
	}
	cmd.WaitDelay = types.ShutdownTimeout

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, util.WrapError("create stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, util.WrapError("create stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, util.WrapError("start "+s.cfg.Command, err)
	}

	return &processStream{cmd: cmd, cancel: cancel, stdout: stdout, stderr: stderr}, nil
}

// processStream adapts an exec.Cmd to Stream.
type processStream struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.Reader
	stderr io.Reader
}

func (p *processStream) Stdout() io.Reader { return p.stdout }
func (p *processStream) Stderr() io.Reader { return p.stderr }

func (p *processStream) Wait() error {
	defer p.cancel()
	return p.cmd.Wait()
}

func (p *processStream) Terminate() error {
	p.cancel()
	return nil
}
