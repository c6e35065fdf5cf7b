package apt

import (
	"bytes"
	"context"
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"
)

// Output is the captured output of one command.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// Runner executes host commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Output, error)
}

// ExecRunner runs commands on the host with a non-interactive dpkg frontend.
type ExecRunner struct {
	Env []string
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), "DEBIAN_FRONTEND=noninteractive")
	cmd.Env = append(cmd.Env, r.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug().Str("cmd", cmd.String()).Msg("executing")
	err := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		log.Debug().Err(err).Str("cmd", cmd.String()).Bytes("stderr", out.Stderr).Msg("command failed")
	}
	return out, err
}
