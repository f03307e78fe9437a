// Package toolrunner invoca procesos externos con timeout acotado.
// Es la capability inyectada que usa la cross-verificación; el core del
// sistema nunca requiere que exista un binario externo.
package toolrunner

import (
	"context"
	"errors"
	"fmt"
	osexec "os/exec"

	"github.com/jmgilman/go/exec"
)

var (
	// ErrToolTimeout: la herramienta no respondió dentro del deadline del contexto.
	ErrToolTimeout = errors.New("external_tool_timeout")
	// ErrToolUnavailable: el binario no existe o no pudo ejecutarse.
	ErrToolUnavailable = errors.New("external_tool_unavailable")
)

// Result es la salida de una invocación. Un exit code distinto de cero NO es
// un error de infraestructura: es el veredicto de la herramienta.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner ejecuta una herramienta externa. El contexto DEBE llevar deadline;
// ninguna invocación puede bloquear indefinidamente.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*Result, error)
}

type localRunner struct{}

// NewLocal retorna un Runner que ejecuta binarios del host.
func NewLocal() Runner { return localRunner{} }

func (localRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		return nil, fmt.Errorf("toolrunner: contexto sin deadline para %q", name)
	}

	executor := exec.New(exec.WithContext(ctx), exec.WithInheritEnv()).WithDisableColors()
	res, err := executor.Run(append([]string{name}, args...)...)
	if err == nil {
		return &Result{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrToolTimeout, name, ctx.Err())
	}

	var ee *exec.ExecError
	if errors.As(err, &ee) {
		if errors.Is(ee.Err, osexec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrToolUnavailable, name)
		}
		if errors.Is(ee.Err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrToolTimeout, name)
		}
		// Salida con código != 0: veredicto de la herramienta, no una falla.
		if ee.ExitCode > 0 {
			return &Result{ExitCode: ee.ExitCode, Stdout: ee.Stdout, Stderr: ee.Stderr}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrToolUnavailable, name, err)
}
