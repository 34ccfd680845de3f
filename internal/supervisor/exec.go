package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Environment variables handed to spawned workers.
const (
	// EnvProfile carries the serialized job description.
	EnvProfile = "CADENZA_PROFILE"

	// EnvRoom names the room the worker serves.
	EnvRoom = "CADENZA_ROOM"

	// EnvListen is the address the worker's health server must bind.
	EnvListen = "CADENZA_LISTEN"
)

// ExecLauncher spawns workers as local child processes of the given binary.
// Each worker gets a loopback health address to bind; readiness is probed
// over HTTP at /readyz.
func ExecLauncher(binary string, extraEnv ...string) Launcher {
	return func(ctx context.Context, roomName string, jobDescription []byte) (Worker, error) {
		addr, err := freeLoopbackAddr()
		if err != nil {
			return nil, fmt.Errorf("allocate health address: %w", err)
		}

		cmd := exec.Command(binary)
		cmd.Env = append(os.Environ(),
			EnvProfile+"="+string(jobDescription),
			EnvRoom+"="+roomName,
			EnvListen+"="+addr,
		)
		cmd.Env = append(cmd.Env, extraEnv...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", binary, err)
		}

		w := &execWorker{
			cmd:      cmd,
			readyURL: "http://" + addr + "/readyz",
			done:     make(chan struct{}),
		}
		go func() {
			w.exitErr = cmd.Wait()
			close(w.done)
		}()
		return w, nil
	}
}

type execWorker struct {
	cmd      *exec.Cmd
	readyURL string
	done     chan struct{}
	exitErr  error
}

var readyClient = &http.Client{Timeout: 2 * time.Second}

func (w *execWorker) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.readyURL, nil)
	if err != nil {
		return err
	}
	resp, err := readyClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("readiness probe: status %d", resp.StatusCode)
	}
	return nil
}

func (w *execWorker) Terminate() error {
	return w.cmd.Process.Signal(syscall.SIGTERM)
}

func (w *execWorker) Kill() error {
	return w.cmd.Process.Kill()
}

func (w *execWorker) Done() <-chan struct{} {
	return w.done
}

func (w *execWorker) ExitErr() error {
	return w.exitErr
}

// freeLoopbackAddr picks an unused loopback port by briefly binding it.
func freeLoopbackAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := l.Addr().String()
	l.Close()
	return addr, nil
}
