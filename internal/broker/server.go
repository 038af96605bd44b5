package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/zoro11031/winebasin/internal/common"
	"github.com/zoro11031/winebasin/internal/config"
	"github.com/zoro11031/winebasin/internal/system"
)

// Syscalls is the kernel surface used by the Server
type Syscalls interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
}

type unixSyscalls struct{}

func (unixSyscalls) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (unixSyscalls) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

// Unmount retry schedule while a lingering wineserver keeps the mount busy
const (
	unmountAttempts = 10
	unmountBackoff  = 500 * time.Millisecond
)

// Server validates and executes broker requests. It is the elevated half of
// the broker and trusts nothing in a request.
type Server struct {
	layout  config.Layout
	sys     Syscalls
	backoff time.Duration
}

// NewServer returns a Server confined to the data directory root. Symlinks
// in root itself are resolved once here.
func NewServer(root string) (*Server, error) {
	if err := common.ValidatePath(root); err != nil {
		return nil, fmt.Errorf("%w: broker root: %v", common.ErrInvalidPath, err)
	}
	resolved, err := system.ResolveRealPath(root)
	if err != nil {
		return nil, err
	}
	return &Server{layout: config.NewLayout(resolved), sys: unixSyscalls{}, backoff: unmountBackoff}, nil
}

// WithSyscalls replaces the kernel surface, for tests
func (s *Server) WithSyscalls(sys Syscalls) *Server {
	s.sys = sys
	s.backoff = 0
	return s
}

// Root returns the resolved data directory the server is confined to
func (s *Server) Root() string {
	return s.layout.Root
}

// Handle executes a single request
func (s *Server) Handle(req Request) Response {
	var err error
	switch req.Op {
	case OpMount:
		err = s.mount(req)
	case OpUnmount:
		err = s.unmount(req.Target)
	default:
		err = fmt.Errorf("%w: unknown operation %q", errBadRequest, req.Op)
	}

	if err != nil {
		log.Debug().Str("op", req.Op).Str("target", req.Target).Err(err).Msg("broker request failed")
		return errorResponse(req.ID, err)
	}
	log.Debug().Str("op", req.Op).Str("target", req.Target).Msg("broker request done")
	return Response{ID: req.ID, OK: true}
}

// Serve announces itself on w, then answers requests read from r until r
// reaches EOF.
func (s *Server) Serve(r io.Reader, w io.Writer) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(Hello{Ready: true, EUID: os.Geteuid()}); err != nil {
		return fmt.Errorf("failed to write broker hello: %w", err)
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		var resp Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = errorResponse(0, fmt.Errorf("%w: %v", errBadRequest, err))
		} else {
			resp = s.Handle(req)
		}

		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("failed to write broker response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read broker request: %w", err)
	}
	return nil
}

func (s *Server) mount(req Request) error {
	lower, err := s.confine(s.layout.BasesDir(), req.Lower)
	if err != nil {
		return fmt.Errorf("lowerdir: %w", err)
	}
	upper, err := s.confine(s.layout.SystemsDir(), req.Upper)
	if err != nil {
		return fmt.Errorf("upperdir: %w", err)
	}
	work, err := s.confine(s.layout.SystemsDir(), req.Work)
	if err != nil {
		return fmt.Errorf("workdir: %w", err)
	}
	target, err := s.confine(s.layout.SystemsDir(), req.Target)
	if err != nil {
		return fmt.Errorf("target: %w", err)
	}
	if err := s.checkLayers(lower, upper, work, target); err != nil {
		return err
	}

	data := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s,metacopy=off,index=off", lower, upper, work)
	if err := s.sys.Mount("overlay", target, "overlay", 0, data); err != nil {
		return syscallError("mount", target, err)
	}
	return nil
}

func (s *Server) unmount(target string) error {
	target, err := s.confine(s.layout.SystemsDir(), target)
	if err != nil {
		return fmt.Errorf("target: %w", err)
	}

	for attempt := 1; ; attempt++ {
		err := s.sys.Unmount(target, 0)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINVAL):
			// Not a mount point: nothing to do
			return nil
		case errors.Is(err, unix.EBUSY) && attempt < unmountAttempts:
			time.Sleep(s.backoff)
			continue
		case errors.Is(err, unix.EBUSY):
			// Still busy after the grace period; detach it from the namespace
			if derr := s.sys.Unmount(target, unix.MNT_DETACH); derr != nil {
				return syscallError("unmount", target, derr)
			}
			log.Warn().Str("target", target).Msg("overlay was busy, detached lazily")
			return nil
		default:
			return syscallError("unmount", target, err)
		}
	}
}

// confine checks that path is a usable overlay path strictly inside dir,
// both lexically and after symlink resolution, and returns the resolved path.
func (s *Server) confine(dir, path string) (string, error) {
	if err := common.ValidateMountOptionValue(path); err != nil {
		return "", err
	}
	if err := common.ValidateContained(dir, path); err != nil {
		return "", err
	}

	resolved, err := system.ResolveRealPath(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrInvalidPath, err)
	}
	if err := common.ValidateContained(dir, resolved); err != nil {
		return "", err
	}
	if err := common.ValidateMountOptionValue(resolved); err != nil {
		return "", err
	}
	return resolved, nil
}

// checkLayers requires lower to be a basis root and upper, work and target
// to be the upper, work and merged directories of one system
func (s *Server) checkLayers(lower, upper, work, target string) error {
	if filepath.Dir(lower) != s.layout.BasesDir() {
		return fmt.Errorf("%w: lowerdir %s is not a basis", common.ErrInvalidPath, lower)
	}
	sys := filepath.Dir(target)
	if filepath.Dir(sys) != s.layout.SystemsDir() {
		return fmt.Errorf("%w: target %s is not a system mount point", common.ErrInvalidPath, target)
	}
	name := filepath.Base(sys)
	for _, layer := range []struct{ path, want string }{
		{upper, s.layout.SystemUpper(name)},
		{work, s.layout.SystemWork(name)},
		{target, s.layout.SystemMerged(name)},
	} {
		if layer.path != layer.want {
			return fmt.Errorf("%w: %s is not %s of system %s", common.ErrInvalidPath, layer.path, filepath.Base(layer.want), name)
		}
	}
	return nil
}

func syscallError(op, target string, err error) error {
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
		return fmt.Errorf("%w: %s %s: %v", common.ErrPrivilegeDenied, op, target, err)
	}
	return fmt.Errorf("%w: %s %s: %v", common.ErrMountSyscallFailed, op, target, err)
}

// Local runs a Server in-process, for when winebasin is already root
type Local struct {
	server *Server
}

// NewLocal wraps server as a Broker
func NewLocal(server *Server) *Local {
	return &Local{server: server}
}

// Mount implements Broker
func (l *Local) Mount(ctx context.Context, req MountRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.server.Handle(Request{Op: OpMount, Lower: req.Lower, Upper: req.Upper, Work: req.Work, Target: req.Target}).Err()
}

// Unmount implements Broker
func (l *Local) Unmount(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.server.Handle(Request{Op: OpUnmount, Target: target}).Err()
}

// Close implements Broker
func (l *Local) Close() error {
	return nil
}
